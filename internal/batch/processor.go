package batch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/smsflow/internal/bus"
	"github.com/nextlevelbuilder/smsflow/internal/providers"
	"github.com/nextlevelbuilder/smsflow/internal/store"
	"github.com/nextlevelbuilder/smsflow/internal/tracing"
)

// Responder generates a reply from a role-tagged transcript.
type Responder interface {
	Configured() bool
	Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// Relayer delivers a generated reply to the contact's SMS channel.
type Relayer interface {
	Configured() bool
	Send(ctx context.Context, contactID, message string) error
}

// ProcessorConfig tunes one processing run.
type ProcessorConfig struct {
	HistoryLimit int           // prior turns fetched for context
	Budget       time.Duration // soft wall-clock bound for a whole drain
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Processor drains a batch when its timer fires or force-processing
// requests it. Every step degrades independently: a failed collaborator
// call is logged and skipped, and removal from the registry always runs,
// so a batch can never survive its own processing.
type Processor struct {
	registry     *Registry
	messages     store.MessageStore
	responder    Responder
	relay        Relayer
	selectPrompt func(sourceTag string) string
	events       bus.EventPublisher
	cfg          ProcessorConfig
}

// NewProcessor wires the processor to its collaborators. events may be
// nil; selectPrompt must return a usable instruction for any tag.
func NewProcessor(reg *Registry, messages store.MessageStore, responder Responder, relay Relayer, selectPrompt func(string) string, events bus.EventPublisher, cfg ProcessorConfig) *Processor {
	if cfg.Budget <= 0 {
		cfg.Budget = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Processor{
		registry:     reg,
		messages:     messages,
		responder:    responder,
		relay:        relay,
		selectPrompt: selectPrompt,
		events:       events,
		cfg:          cfg,
	}
}

// Process drains the contact's batch. Idempotent: when the batch is
// already gone (a racing timer fire and force-process), it exits as a
// no-op. Safe to call from the timer goroutine or synchronously.
func (p *Processor) Process(contactKey string) {
	snap, ok := p.registry.take(contactKey)
	if !ok {
		slog.Debug("batch.process_noop", "contact", contactKey)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Budget)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "batch.process")
	span.SetAttributes(
		attribute.String("contact_key", contactKey),
		attribute.String("batch_id", snap.BatchID),
		attribute.Int("message_count", snap.MessageCount),
	)
	defer span.End()

	// Removal must run no matter how the steps below fare.
	defer func() {
		if p.registry.remove(contactKey) {
			slog.Info("batch.processed", "contact", contactKey, "batch", snap.BatchID, "count", snap.MessageCount)
			if p.events != nil {
				p.events.Broadcast(bus.Event{
					Name: bus.EventBatchProcessed,
					Payload: bus.BatchEventPayload{
						ContactKey:   contactKey,
						BatchID:      snap.BatchID,
						MessageCount: snap.MessageCount,
					},
				})
			}
		}
	}()

	combined := strings.Join(snap.Messages, " ")
	slog.Info("batch.processing", "contact", contactKey, "batch", snap.BatchID, "count", snap.MessageCount)

	history := p.fetchHistory(ctx, contactKey)
	transcript := p.buildTranscript(snap.SourceTag, history, combined)

	if p.responder == nil || !p.responder.Configured() {
		slog.Warn("batch.responder_unconfigured", "contact", contactKey)
		return
	}

	if ctx.Err() != nil {
		slog.Error("batch.budget_exceeded", "contact", contactKey, "stage", "respond")
		span.SetStatus(codes.Error, "budget exceeded")
		return
	}

	resp, err := p.responder.Chat(ctx, providers.ChatRequest{
		Messages:    transcript,
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		slog.Error("batch.respond_failed", "contact", contactKey, "error", err)
		span.SetStatus(codes.Error, "respond failed")
		return
	}
	if resp.Content == "" {
		slog.Error("batch.respond_empty", "contact", contactKey)
		return
	}

	meta := store.ResponseMeta{Model: resp.Model}
	if resp.Usage != nil {
		meta.TokensUsed = resp.Usage.TotalTokens
	}

	// Persist and relay independently: the contact still gets the reply
	// when the audit write fails, and vice versa the failure is logged.
	if err := p.messages.SaveResponse(ctx, contactKey, resp.Content, meta); err != nil {
		slog.Error("batch.persist_failed", "contact", contactKey, "error", err)
	}

	if p.relay == nil || !p.relay.Configured() {
		slog.Warn("batch.relay_unconfigured", "contact", contactKey)
		return
	}
	if err := p.relay.Send(ctx, contactKey, resp.Content); err != nil {
		slog.Error("batch.relay_failed", "contact", contactKey, "error", err)
		return
	}
	slog.Info("batch.relayed", "contact", contactKey)
}

func (p *Processor) fetchHistory(ctx context.Context, contactKey string) []store.MessageRecord {
	history, err := p.messages.History(ctx, contactKey, p.cfg.HistoryLimit)
	if err != nil {
		// Degrade to an empty history rather than abort the turn.
		slog.Error("batch.history_failed", "contact", contactKey, "error", err)
		return nil
	}
	return history
}

// buildTranscript assembles the role-tagged conversation: the instruction
// turn for the batch's source tag, the stored history, then the combined
// new message as a final user turn — unless the last stored turn already
// is that exact text (the inbound messages were persisted before the
// batch fired).
func (p *Processor) buildTranscript(sourceTag string, history []store.MessageRecord, combined string) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: p.selectPrompt(sourceTag)})

	for _, rec := range history {
		if rec.Body == "" {
			continue
		}
		switch rec.Origin {
		case store.OriginAssistant:
			msgs = append(msgs, providers.Message{Role: "assistant", Content: rec.Body})
		case store.OriginInbound:
			msgs = append(msgs, providers.Message{Role: "user", Content: rec.Body})
		}
	}

	if len(history) == 0 || history[len(history)-1].Body != combined {
		msgs = append(msgs, providers.Message{Role: "user", Content: combined})
	}
	return msgs
}
