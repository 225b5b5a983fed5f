package core

import "context"

// EventStore persists conversations and their append-only event logs. All
// implementations assign Seq from one monotonically increasing counter
// shared by every conversation while keeping Head strictly per-conversation.
//
// Implementations must enforce:
//   - AppendInput.Precondition against the conversation's lastClosedSeq
//   - turn numbering (a new turn opens only after the previous one closed)
//   - status transitions (created → active on first event, → completed on
//     conversation finality; appends to completed conversations fail)
type EventStore interface {
	// CreateConversation registers a new conversation in status created.
	CreateConversation(ctx context.Context, meta Metadata) (*Conversation, error)

	// GetConversation returns a conversation by id or ErrNotFound.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// ListConversations returns all conversations ordered by id.
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// Append validates, persists and sequences one event.
	Append(ctx context.Context, in AppendInput) (*Event, error)

	// Head returns the conversation's append cursor, scoped strictly to
	// that conversation.
	Head(ctx context.Context, conversation int64) (Head, error)

	// EventsSince returns ordered events with seq > sinceSeq matching the
	// filter. Conversation 0 selects events across all conversations.
	EventsSince(ctx context.Context, conversation, sinceSeq int64, filter *EventFilter) ([]Event, error)

	// EventBySeq returns a single event of the conversation by its global
	// sequence number, or ErrNotFound.
	EventBySeq(ctx context.Context, conversation, seq int64) (*Event, error)

	// Snapshot returns the full ordered event list plus status and head.
	Snapshot(ctx context.Context, conversation int64) (*Snapshot, error)
}

// IdempotencyKey identifies a logical append request across retries.
type IdempotencyKey struct {
	Conversation int64  `json:"conversation"`
	AgentID      string `json:"agentId"`
	RequestID    string `json:"requestId"`
}

// IdempotencyStore maps caller-supplied request keys to the sequence number
// they previously produced, so retried appends never create duplicates.
type IdempotencyStore interface {
	// Find returns the previously recorded seq for the key, if any.
	Find(ctx context.Context, key IdempotencyKey) (seq int64, ok bool, err error)

	// Record stores the key → seq mapping. Recording the same key with the
	// same seq again is a silent no-op; recording it with a different seq is
	// a programming error and fails loudly.
	Record(ctx context.Context, key IdempotencyKey, seq int64) error
}

// BlobStore persists opaque attachment blobs keyed by name within a
// conversation. The core never interprets blob contents.
type BlobStore interface {
	Put(ctx context.Context, conversation int64, name string, data []byte) error
	Get(ctx context.Context, conversation int64, name string) ([]byte, error)
	List(ctx context.Context, conversation int64) ([]string, error)
}

// RegistryStore persists which agents should be running per conversation so
// that a crash-and-restart can resume exactly the intended set.
type RegistryStore interface {
	// Ensure adds agent ids to the conversation's desired-running set.
	Ensure(ctx context.Context, conversation int64, agentIDs []string) error

	// Remove drops agent ids from the set; an empty slice drops all.
	Remove(ctx context.Context, conversation int64, agentIDs []string) error

	// All returns the desired-running set of every conversation.
	All(ctx context.Context) (map[int64][]string, error)
}
