package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hupe1980/colloquy/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	conversation_id INTEGER NOT NULL,
	name            TEXT    NOT NULL,
	data            BLOB    NOT NULL,
	PRIMARY KEY (conversation_id, name)
);
`

// SQLiteStore is a durable BlobStore backed by the same database file as the
// event log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database, applying the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply blob schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements core.BlobStore. Existing blobs with the same name are
// overwritten.
func (s *SQLiteStore) Put(ctx context.Context, conversation int64, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (conversation_id, name, data) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id, name) DO UPDATE SET data = excluded.data`,
		conversation, name, data)
	return err
}

// Get implements core.BlobStore.
func (s *SQLiteStore) Get(ctx context.Context, conversation int64, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE conversation_id = ? AND name = ?`,
		conversation, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List implements core.BlobStore.
func (s *SQLiteStore) List(ctx context.Context, conversation int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM blobs WHERE conversation_id = ? ORDER BY name`, conversation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
