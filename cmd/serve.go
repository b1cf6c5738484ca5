package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/smsflow/internal/batch"
	"github.com/nextlevelbuilder/smsflow/internal/bus"
	"github.com/nextlevelbuilder/smsflow/internal/config"
	"github.com/nextlevelbuilder/smsflow/internal/httpapi"
	"github.com/nextlevelbuilder/smsflow/internal/prompts"
	"github.com/nextlevelbuilder/smsflow/internal/providers"
	"github.com/nextlevelbuilder/smsflow/internal/relay"
	"github.com/nextlevelbuilder/smsflow/internal/store"
	"github.com/nextlevelbuilder/smsflow/internal/store/memory"
	"github.com/nextlevelbuilder/smsflow/internal/store/pg"
	"github.com/nextlevelbuilder/smsflow/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled && cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, traceErr := tracing.Init(ctx, cfg.Telemetry.OTLPEndpoint, Version)
		if traceErr != nil {
			slog.Warn("tracing disabled", "error", traceErr)
		} else {
			defer func() {
				sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(sdCtx)
			}()
			slog.Info("tracing enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
		}
	}

	// Message store: Postgres in postgres mode, in-memory otherwise.
	var messages store.MessageStore
	if cfg.IsPostgresMode() {
		db, dbErr := pg.OpenDB(cfg.Database.PostgresDSN)
		if dbErr != nil {
			slog.Error("failed to connect to postgres", "error", dbErr)
			os.Exit(1)
		}
		defer db.Close()
		messages = pg.NewStore(db)
		slog.Info("store.postgres_connected")
	} else {
		messages = memory.New()
		slog.Info("store.memory", "note", "history is lost on restart")
	}

	var responder providers.Provider = providers.NewOpenAIProvider("openai", cfg.Responder.APIKey, cfg.Responder.APIBase, cfg.Responder.Model)
	if !responder.Configured() {
		slog.Warn("responder unconfigured", "provider", responder.Name(), "hint", "set SMSFLOW_RESPONDER_API_KEY to enable replies")
	}

	smsRelay := relay.NewClient(cfg.Relay.APIKey, cfg.Relay.APIBase, cfg.Relay.APIVersion)
	if !smsRelay.Configured() {
		slog.Warn("relay unconfigured", "hint", "set SMSFLOW_RELAY_API_KEY to enable outbound SMS")
	}

	events := bus.New()

	registry := batch.NewRegistry(
		time.Duration(cfg.Batching.WaitSeconds)*time.Second,
		cfg.Batching.MaxConcurrentBatches,
		events,
	)

	processor := batch.NewProcessor(registry, messages, responder, smsRelay, prompts.SystemPrompt, events, batch.ProcessorConfig{
		HistoryLimit: cfg.Batching.HistoryLimit,
		Budget:       time.Duration(cfg.Batching.ProcessingBudgetSec) * time.Second,
		Model:        cfg.Responder.Model,
		MaxTokens:    cfg.Responder.MaxTokens,
		Temperature:  cfg.Responder.Temperature,
	})
	registry.SetHandler(processor.Process)

	reaper := batch.NewReaper(registry,
		time.Duration(cfg.Batching.ReaperIntervalSec)*time.Second,
		time.Duration(cfg.Batching.StaleAgeSeconds)*time.Second,
	)
	reaper.Start()
	defer reaper.Stop()

	server := httpapi.NewServer(cfg, registry, messages, smsRelay, events)

	slog.Info("smsflow starting",
		"version", Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"wait_seconds", cfg.Batching.WaitSeconds,
		"max_batches", cfg.Batching.MaxConcurrentBatches,
		"responder", responder.Name(),
		"responder_configured", responder.Configured(),
		"model", responder.DefaultModel(),
		"relay", smsRelay.Configured(),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("graceful shutdown initiated")
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sdCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
