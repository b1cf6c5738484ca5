package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8455,
		},
		Batching: BatchingConfig{
			WaitSeconds:          30,
			MaxConcurrentBatches: 50,
			ReaperIntervalSec:    300,
			StaleAgeSeconds:      3600,
			ProcessingBudgetSec:  30,
			HistoryLimit:         20,
		},
		Responder: ResponderConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   100,
			Temperature: 0.7,
		},
		Relay: RelayConfig{
			APIBase:    "https://services.leadconnectorhq.com",
			APIVersion: "2021-04-15",
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("SMSFLOW_HOST", &c.Server.Host)
	envInt("SMSFLOW_PORT", &c.Server.Port)
	envStr("SMSFLOW_ADMIN_TOKEN", &c.Server.Token)

	envInt("SMSFLOW_BATCH_WAIT_SECONDS", &c.Batching.WaitSeconds)
	envInt("SMSFLOW_MAX_CONCURRENT_BATCHES", &c.Batching.MaxConcurrentBatches)
	envInt("SMSFLOW_REAPER_INTERVAL_SECONDS", &c.Batching.ReaperIntervalSec)
	envInt("SMSFLOW_STALE_AGE_SECONDS", &c.Batching.StaleAgeSeconds)

	envStr("SMSFLOW_RESPONDER_API_KEY", &c.Responder.APIKey)
	envStr("SMSFLOW_RESPONDER_API_BASE", &c.Responder.APIBase)
	envStr("SMSFLOW_RESPONDER_MODEL", &c.Responder.Model)

	envStr("SMSFLOW_RELAY_API_KEY", &c.Relay.APIKey)
	envStr("SMSFLOW_RELAY_API_BASE", &c.Relay.APIBase)

	envStr("SMSFLOW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("SMSFLOW_DATABASE_MODE", &c.Database.Mode)

	envStr("SMSFLOW_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if c.Telemetry.OTLPEndpoint != "" {
		c.Telemetry.Enabled = true
	}
}
