// Package lifecycle tracks which agents should be running per conversation
// and hosts their execution loops. The desired-running set is persisted to a
// registry before loops start, so a crash-and-restart resumes exactly the
// intended set.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/colloquy/core"

	_ "modernc.org/sqlite"
)

// InMemoryRegistry is a volatile RegistryStore for tests and single-process
// setups.
type InMemoryRegistry struct {
	mu      sync.Mutex
	entries map[int64]map[string]struct{}
}

// NewInMemoryRegistry constructs an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{entries: make(map[int64]map[string]struct{})}
}

// Ensure implements core.RegistryStore.
func (r *InMemoryRegistry) Ensure(_ context.Context, conversation int64, agentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[conversation]
	if !ok {
		set = make(map[string]struct{})
		r.entries[conversation] = set
	}
	for _, id := range agentIDs {
		set[id] = struct{}{}
	}
	return nil
}

// Remove implements core.RegistryStore. An empty slice drops the whole
// conversation entry.
func (r *InMemoryRegistry) Remove(_ context.Context, conversation int64, agentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(agentIDs) == 0 {
		delete(r.entries, conversation)
		return nil
	}
	set, ok := r.entries[conversation]
	if !ok {
		return nil
	}
	for _, id := range agentIDs {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(r.entries, conversation)
	}
	return nil
}

// All implements core.RegistryStore.
func (r *InMemoryRegistry) All(_ context.Context) (map[int64][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]string, len(r.entries))
	for conversation, set := range r.entries {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[conversation] = ids
	}
	return out, nil
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS agent_registry (
	conversation_id INTEGER NOT NULL,
	agent_id        TEXT    NOT NULL,
	PRIMARY KEY (conversation_id, agent_id)
);
`

// SQLiteRegistry is a durable RegistryStore sharing the event log's database
// file.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry wraps an opened database, applying the schema.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	if _, err := db.Exec(registrySchema); err != nil {
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Ensure implements core.RegistryStore.
func (r *SQLiteRegistry) Ensure(ctx context.Context, conversation int64, agentIDs []string) error {
	for _, id := range agentIDs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO agent_registry (conversation_id, agent_id) VALUES (?, ?)
			 ON CONFLICT (conversation_id, agent_id) DO NOTHING`,
			conversation, id)
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove implements core.RegistryStore.
func (r *SQLiteRegistry) Remove(ctx context.Context, conversation int64, agentIDs []string) error {
	if len(agentIDs) == 0 {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM agent_registry WHERE conversation_id = ?`, conversation)
		return err
	}
	for _, id := range agentIDs {
		_, err := r.db.ExecContext(ctx,
			`DELETE FROM agent_registry WHERE conversation_id = ? AND agent_id = ?`,
			conversation, id)
		if err != nil {
			return err
		}
	}
	return nil
}

// All implements core.RegistryStore.
func (r *SQLiteRegistry) All(ctx context.Context) (map[int64][]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, agent_id FROM agent_registry ORDER BY conversation_id, agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var conversation int64
		var agentID string
		if err := rows.Scan(&conversation, &agentID); err != nil {
			return nil, err
		}
		out[conversation] = append(out[conversation], agentID)
	}
	return out, rows.Err()
}

var _ core.RegistryStore = (*InMemoryRegistry)(nil)
var _ core.RegistryStore = (*SQLiteRegistry)(nil)
