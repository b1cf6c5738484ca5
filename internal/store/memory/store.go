// Package memory provides the standalone-mode MessageStore: everything in
// process memory, nothing durable. Also the backend used by tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/smsflow/internal/store"
)

// Store implements store.MessageStore in memory.
type Store struct {
	mu       sync.RWMutex
	contacts map[string]store.ContactRecord
	messages map[string][]store.MessageRecord // contactID -> turns, append order
}

func New() *Store {
	return &Store{
		contacts: make(map[string]store.ContactRecord),
		messages: make(map[string][]store.MessageRecord),
	}
}

func (s *Store) UpsertContact(_ context.Context, c store.ContactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.contacts[c.ContactID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.contacts[c.ContactID] = c
	return nil
}

func (s *Store) SaveInbound(_ context.Context, contactID, body string) error {
	s.append(contactID, body, store.OriginInbound, store.ResponseMeta{})
	return nil
}

func (s *Store) SaveResponse(_ context.Context, contactID, body string, meta store.ResponseMeta) error {
	s.append(contactID, body, store.OriginAssistant, meta)
	return nil
}

func (s *Store) append(contactID, body, origin string, meta store.ResponseMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[contactID] = append(s.messages[contactID], store.MessageRecord{
		ID:        uuid.New(),
		ContactID: contactID,
		Body:      body,
		Origin:    origin,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) History(_ context.Context, contactID string, limit int) ([]store.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent turns, in chronological order.
	msgs := s.messages[contactID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Contact returns the stored profile, if any. Used by the webhook handler
// for first-message personalization.
func (s *Store) Contact(contactID string) (store.ContactRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[contactID]
	return c, ok
}
