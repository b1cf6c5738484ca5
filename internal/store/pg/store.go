// Package pg implements store.MessageStore backed by Postgres.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/smsflow/internal/store"
)

// OpenDB opens and verifies a Postgres connection via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store implements store.MessageStore on Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertContact(ctx context.Context, c store.ContactRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (contact_id, first_name, last_name, phone, email, company_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (contact_id) DO UPDATE SET
		   first_name   = EXCLUDED.first_name,
		   last_name    = EXCLUDED.last_name,
		   phone        = EXCLUDED.phone,
		   email        = EXCLUDED.email,
		   company_name = EXCLUDED.company_name,
		   updated_at   = EXCLUDED.updated_at`,
		c.ContactID, c.FirstName, c.LastName, c.Phone, c.Email, c.CompanyName, now,
	)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.ContactID, err)
	}
	return nil
}

func (s *Store) SaveInbound(ctx context.Context, contactID, body string) error {
	return s.insertMessage(ctx, contactID, body, store.OriginInbound, store.ResponseMeta{})
}

func (s *Store) SaveResponse(ctx context.Context, contactID, body string, meta store.ResponseMeta) error {
	return s.insertMessage(ctx, contactID, body, store.OriginAssistant, meta)
}

func (s *Store) insertMessage(ctx context.Context, contactID, body, origin string, meta store.ResponseMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, contact_id, body, origin, model, tokens_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.Must(uuid.NewV7()), contactID, body, origin, meta.Model, meta.TokensUsed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert %s message for %s: %w", origin, contactID, err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, contactID string, limit int) ([]store.MessageRecord, error) {
	// Most recent turns, returned in chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contact_id, body, origin, model, tokens_used, created_at FROM (
		   SELECT id, contact_id, body, origin, model, tokens_used, created_at
		   FROM messages WHERE contact_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		contactID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []store.MessageRecord
	for rows.Next() {
		var m store.MessageRecord
		var model sql.NullString
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ContactID, &m.Body, &m.Origin, &model, &tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Meta.Model = model.String
		m.Meta.TokensUsed = int(tokens.Int64)
		out = append(out, m)
	}
	return out, rows.Err()
}
