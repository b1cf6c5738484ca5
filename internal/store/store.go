package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message origins. Inbound messages come from the contact over SMS;
// assistant messages are generated replies.
const (
	OriginInbound   = "inbound"
	OriginAssistant = "assistant"
)

// ContactRecord is the contact profile captured from webhook payloads.
type ContactRecord struct {
	ContactID   string    `json:"contact_id"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	CompanyName string    `json:"company_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MessageRecord is one stored conversation turn.
type MessageRecord struct {
	ID        uuid.UUID    `json:"id"`
	ContactID string       `json:"contact_id"`
	Body      string       `json:"body"`
	Origin    string       `json:"origin"` // OriginInbound or OriginAssistant
	Meta      ResponseMeta `json:"meta,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ResponseMeta carries generation metadata on assistant messages.
type ResponseMeta struct {
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// MessageStore persists contacts and conversation turns, and serves the
// history the batch processor feeds to the responder.
type MessageStore interface {
	// UpsertContact creates or refreshes a contact profile.
	UpsertContact(ctx context.Context, c ContactRecord) error

	// SaveInbound stores a message received from the contact.
	SaveInbound(ctx context.Context, contactID, body string) error

	// SaveResponse stores a generated reply with its metadata.
	SaveResponse(ctx context.Context, contactID, body string, meta ResponseMeta) error

	// History returns up to limit turns for a contact in chronological
	// order (oldest first), matching the order they are replayed to the
	// responder.
	History(ctx context.Context, contactID string, limit int) ([]MessageRecord, error)
}
