package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hupe1980/colloquy/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency (
	conversation_id INTEGER NOT NULL,
	agent_id        TEXT    NOT NULL,
	request_id      TEXT    NOT NULL,
	seq             INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, agent_id, request_id)
);
`

// SQLiteStore is a durable IdempotencyStore. The primary key makes the
// insert-once semantics a database constraint rather than a check-then-act.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database, applying the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply idempotency schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Find implements core.IdempotencyStore.
func (s *SQLiteStore) Find(ctx context.Context, key core.IdempotencyKey) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM idempotency WHERE conversation_id = ? AND agent_id = ? AND request_id = ?`,
		key.Conversation, key.AgentID, key.RequestID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// Record implements core.IdempotencyStore.
func (s *SQLiteStore) Record(ctx context.Context, key core.IdempotencyKey, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (conversation_id, agent_id, request_id, seq) VALUES (?, ?, ?, ?)
		 ON CONFLICT (conversation_id, agent_id, request_id) DO NOTHING`,
		key.Conversation, key.AgentID, key.RequestID, seq)
	if err != nil {
		return err
	}
	// The conflict clause swallows duplicate inserts, so verify the stored
	// seq matches: a rebind attempt is a programming error.
	existing, ok, err := s.Find(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("idempotency record for %+v vanished after insert", key)
	}
	if existing != seq {
		return fmt.Errorf("idempotency key %+v already bound to seq %d, refusing rebind to %d", key, existing, seq)
	}
	return nil
}
