package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/colloquy/core"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	meta            TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	last_turn       INTEGER NOT NULL DEFAULT 0,
	last_closed_seq INTEGER NOT NULL DEFAULT 0,
	open_turn       INTEGER NOT NULL DEFAULT 0,
	cur_index       INTEGER NOT NULL DEFAULT 0,
	sys_index       INTEGER NOT NULL DEFAULT 0,
	created         TEXT    NOT NULL,
	updated         TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id),
	turn            INTEGER NOT NULL,
	idx             INTEGER NOT NULL,
	type            TEXT    NOT NULL,
	payload         BLOB,
	finality        TEXT    NOT NULL,
	agent_id        TEXT    NOT NULL,
	ts              TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_by_conversation ON events(conversation_id, seq);
`

// OpenDB opens a SQLite database at path and enforces production-safe
// defaults: WAL journal mode and a 5-second busy timeout. It also pings the
// connection to verify it is usable and restricts the pool to a single
// connection (SQLite allows one writer at a time).
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// SQLiteStore is a durable EventStore backed by SQLite. The global sequence
// counter is the events table's AUTOINCREMENT rowid, which SQLite guarantees
// to be monotonically increasing across all conversations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database, applying the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply event schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateConversation implements core.EventStore.
func (s *SQLiteStore) CreateConversation(ctx context.Context, meta core.Metadata) (*core.Conversation, error) {
	if len(meta.Participants) == 0 {
		return nil, core.NewValidationError("at least one participant required")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (meta, status, created, updated) VALUES (?, ?, ?, ?)`,
		string(raw), string(core.StatusCreated), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &core.Conversation{ID: id, Meta: meta, Status: core.StatusCreated, Created: now, Updated: now}, nil
}

// GetConversation implements core.EventStore.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*core.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, meta, status, created, updated FROM conversations WHERE id = ?`, id))
}

// ListConversations implements core.EventStore.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*core.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meta, status, created, updated FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Append implements core.EventStore. The read-compute-write cycle runs in a
// single transaction so the precondition check and turn numbering are atomic
// with the insert.
func (s *SQLiteStore) Append(ctx context.Context, in core.AppendInput) (*core.Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status                       string
		lastTurn, curIndex, sysIndex int
		lastClosedSeq                int64
		openTurn                     bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, last_turn, last_closed_seq, open_turn, cur_index, sys_index
		 FROM conversations WHERE id = ?`, in.Conversation).
		Scan(&status, &lastTurn, &lastClosedSeq, &openTurn, &curIndex, &sysIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if core.Status(status) == core.StatusCompleted {
		return nil, core.NewValidationError("conversation %d is completed", in.Conversation)
	}
	if in.Precondition != nil && in.Precondition.LastClosedSeq != lastClosedSeq {
		return nil, &core.PreconditionError{
			Conversation: in.Conversation,
			Expected:     in.Precondition.LastClosedSeq,
			Actual:       lastClosedSeq,
		}
	}

	ev := core.Event{
		Conversation: in.Conversation,
		Type:         in.Type,
		Payload:      in.Payload,
		Finality:     in.Finality,
		AgentID:      in.AgentID,
		Timestamp:    time.Now().UTC(),
	}

	if in.Type == core.EventSystem {
		sysIndex++
		ev.Turn, ev.Index = 0, sysIndex
	} else if openTurn {
		curIndex++
		ev.Turn, ev.Index = lastTurn, curIndex
	} else {
		lastTurn++
		curIndex = 1
		openTurn = true
		ev.Turn, ev.Index = lastTurn, 1
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (conversation_id, turn, idx, type, payload, finality, agent_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Conversation, ev.Turn, ev.Index, string(ev.Type), []byte(ev.Payload),
		string(ev.Finality), ev.AgentID, ev.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	ev.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if in.Finality.Closes() {
		openTurn = false
		lastClosedSeq = ev.Seq
	}
	newStatus := core.Status(status)
	if newStatus == core.StatusCreated {
		newStatus = core.StatusActive
	}
	if in.Finality == core.FinalityConversation {
		newStatus = core.StatusCompleted
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET status = ?, last_turn = ?, last_closed_seq = ?, open_turn = ?, cur_index = ?, sys_index = ?, updated = ?
		 WHERE id = ?`,
		string(newStatus), lastTurn, lastClosedSeq, openTurn, curIndex, sysIndex,
		ev.Timestamp.Format(time.RFC3339Nano), in.Conversation); err != nil {
		return nil, fmt.Errorf("update conversation head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Head implements core.EventStore.
func (s *SQLiteStore) Head(ctx context.Context, conversation int64) (core.Head, error) {
	var h core.Head
	err := s.db.QueryRowContext(ctx,
		`SELECT last_turn, last_closed_seq FROM conversations WHERE id = ?`, conversation).
		Scan(&h.LastTurn, &h.LastClosedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Head{}, core.ErrNotFound
	}
	return h, err
}

// EventsSince implements core.EventStore.
func (s *SQLiteStore) EventsSince(ctx context.Context, conversation, sinceSeq int64, filter *core.EventFilter) ([]core.Event, error) {
	var (
		where = []string{"seq > ?"}
		args  = []any{sinceSeq}
	)
	if conversation != 0 {
		if _, err := s.GetConversation(ctx, conversation); err != nil {
			return nil, err
		}
		where = append(where, "conversation_id = ?")
		args = append(args, conversation)
	}
	if filter != nil && len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter != nil && len(filter.Agents) > 0 {
		where = append(where, "agent_id IN ("+placeholders(len(filter.Agents))+")")
		for _, a := range filter.Agents {
			args = append(args, a)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, conversation_id, turn, idx, type, payload, finality, agent_id, ts
		 FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventBySeq implements core.EventStore.
func (s *SQLiteStore) EventBySeq(ctx context.Context, conversation, seq int64) (*core.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, conversation_id, turn, idx, type, payload, finality, agent_id, ts
		 FROM events WHERE conversation_id = ? AND seq = ?`, conversation, seq)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Snapshot implements core.EventStore.
func (s *SQLiteStore) Snapshot(ctx context.Context, conversation int64) (*core.Snapshot, error) {
	conv, err := s.GetConversation(ctx, conversation)
	if err != nil {
		return nil, err
	}
	head, err := s.Head(ctx, conversation)
	if err != nil {
		return nil, err
	}
	events, err := s.EventsSince(ctx, conversation, 0, nil)
	if err != nil {
		return nil, err
	}
	return &core.Snapshot{Conversation: conv, Events: events, Head: head}, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*core.Conversation, error) {
	var (
		c                                 core.Conversation
		metaRaw, status, created, updated string
	)
	if err := row.Scan(&c.ID, &metaRaw, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaRaw), &c.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	c.Status = core.Status(status)
	var err error
	if c.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if c.Updated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanEvent(row rowScanner) (core.Event, error) {
	var (
		ev                core.Event
		typ, finality, ts string
		payload           []byte
	)
	if err := row.Scan(&ev.Seq, &ev.Conversation, &ev.Turn, &ev.Index, &typ, &payload, &finality, &ev.AgentID, &ts); err != nil {
		return core.Event{}, err
	}
	ev.Type = core.EventType(typ)
	ev.Finality = core.Finality(finality)
	ev.Payload = payload
	var err error
	ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	return ev, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
