package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/smsflow/internal/prompts"
	"github.com/nextlevelbuilder/smsflow/internal/store"
)

// WebhookPayload is the inbound event shape from the SMS platform.
// Accepted as JSON or urlencoded form.
type WebhookPayload struct {
	Type        string `json:"type"`
	ContactID   string `json:"contact_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	CompanyName string `json:"company_name"`
	SourceForAI string `json:"sourceforai"`
	Message     struct {
		Body string `json:"body"`
	} `json:"message"`
}

// handleWebhook accepts an inbound event and answers immediately; the
// persistence and batching work runs on a background goroutine so the
// platform's delivery timeout is never at risk.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := parseWebhookPayload(r)
	if err != nil {
		slog.Error("webhook.parse_failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "failed to parse webhook payload",
		})
		return
	}

	contactID := payload.ContactID
	if contactID == "" {
		slog.Warn("webhook.missing_contact_id")
		contactID = fmt.Sprintf("unknown_%d", time.Now().Unix())
		payload.ContactID = contactID
	}

	if !s.markProcessing(contactID) {
		slog.Info("webhook.duplicate_inflight", "contact", contactID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "success",
			"message":    "contact already being processed",
			"contact_id": contactID,
		})
		return
	}

	go func() {
		defer s.unmarkProcessing(contactID)
		s.processWebhook(payload)
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    "webhook received and message added to batch",
		"contact_id": contactID,
		"processing": map[string]interface{}{
			"type":            "batched",
			"batch_wait_time": int(s.registry.WaitDuration().Seconds()),
		},
	})
}

func parseWebhookPayload(r *http.Request) (*WebhookPayload, error) {
	var payload WebhookPayload

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return &payload, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	payload.Type = r.FormValue("type")
	payload.ContactID = r.FormValue("contact_id")
	payload.FirstName = r.FormValue("first_name")
	payload.LastName = r.FormValue("last_name")
	payload.Phone = r.FormValue("phone")
	payload.Email = r.FormValue("email")
	payload.CompanyName = r.FormValue("company_name")
	payload.SourceForAI = r.FormValue("sourceforai")
	payload.Message.Body = r.FormValue("message_body")
	return &payload, nil
}

// processWebhook runs off the request path: upsert the contact, persist
// the inbound message, then submit it to the batch registry. Each step
// degrades independently.
func (s *Server) processWebhook(payload *WebhookPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	contactID := payload.ContactID
	slog.Info("webhook.processing", "contact", contactID, "type", payload.Type)

	if err := s.messages.UpsertContact(ctx, store.ContactRecord{
		ContactID:   contactID,
		FirstName:   payload.FirstName,
		LastName:    payload.LastName,
		Phone:       payload.Phone,
		Email:       payload.Email,
		CompanyName: payload.CompanyName,
	}); err != nil {
		slog.Error("webhook.contact_store_failed", "contact", contactID, "error", err)
	}

	body := strings.TrimSpace(payload.Message.Body)
	if body == "" {
		// A contact event without a message: greet new contacts that
		// carry a source tag, otherwise there is nothing to do.
		if payload.Type == "contact.created" && payload.SourceForAI != "" {
			s.sendFirstMessage(ctx, payload)
		} else {
			slog.Info("webhook.no_message_body", "contact", contactID)
		}
		return
	}

	if err := s.messages.SaveInbound(ctx, contactID, body); err != nil {
		slog.Error("webhook.message_store_failed", "contact", contactID, "error", err)
	}

	if !s.registry.Submit(contactID, body, payload.SourceForAI) {
		slog.Warn("webhook.submit_rejected", "contact", contactID)
	}
}

// sendFirstMessage relays the opening template for a freshly created
// contact and records it as an assistant turn so later history includes it.
func (s *Server) sendFirstMessage(ctx context.Context, payload *WebhookPayload) {
	if s.relay == nil || !s.relay.Configured() {
		slog.Warn("webhook.first_message_skipped", "contact", payload.ContactID, "reason", "relay unconfigured")
		return
	}

	msg := prompts.FirstMessage(payload.SourceForAI, payload.FirstName)
	if err := s.relay.Send(ctx, payload.ContactID, msg); err != nil {
		slog.Error("webhook.first_message_failed", "contact", payload.ContactID, "error", err)
		return
	}
	if err := s.messages.SaveResponse(ctx, payload.ContactID, msg, store.ResponseMeta{Model: "template"}); err != nil {
		slog.Error("webhook.first_message_store_failed", "contact", payload.ContactID, "error", err)
	}
	slog.Info("webhook.first_message_sent", "contact", payload.ContactID, "source", payload.SourceForAI)
}

func (s *Server) markProcessing(contactID string) bool {
	s.processingMu.Lock()
	defer s.processingMu.Unlock()
	if _, busy := s.processing[contactID]; busy {
		return false
	}
	s.processing[contactID] = struct{}{}
	return true
}

func (s *Server) unmarkProcessing(contactID string) {
	s.processingMu.Lock()
	defer s.processingMu.Unlock()
	delete(s.processing, contactID)
}
