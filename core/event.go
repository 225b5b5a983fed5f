package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an event's role in the log.
type EventType string

const (
	// EventMessage is substantive conversational output authored by an agent
	// or user.
	EventMessage EventType = "message"
	// EventTrace carries diagnostic or intermediate output that is part of
	// the permanent log but not of the conversation proper.
	EventTrace EventType = "trace"
	// EventSystem is a meta event (turn 0); it never opens or closes turns.
	EventSystem EventType = "system"
)

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventTrace, EventSystem:
		return true
	}
	return false
}

// Finality marks how an event relates to turn boundaries.
type Finality string

const (
	// FinalityNone leaves the current turn open.
	FinalityNone Finality = "none"
	// FinalityTurn closes the current turn; guidance advances.
	FinalityTurn Finality = "turn"
	// FinalityConversation closes the current turn and completes the
	// conversation; no further guidance is produced.
	FinalityConversation Finality = "conversation"
)

// Valid reports whether f is one of the declared finality values.
func (f Finality) Valid() bool {
	switch f {
	case FinalityNone, FinalityTurn, FinalityConversation:
		return true
	}
	return false
}

// Closes reports whether the finality closes a turn.
func (f Finality) Closes() bool { return f == FinalityTurn || f == FinalityConversation }

// Event is the immutable unit of record in a conversation log. Seq is
// assigned from a single counter shared by all conversations and is strictly
// increasing globally; callers must never compare Seq values across
// conversations. Within one conversation's filtered view the assigned
// sequence numbers are strictly increasing, though the global counter may
// skip values belonging to other conversations.
//
// Turn numbers start at 1 for the first substantive turn; turn 0 is reserved
// for system/meta events. Index is the 1-based position of the event within
// its turn. After persistence an Event is never mutated or deleted.
type Event struct {
	Seq          int64           `json:"seq"`
	Conversation int64           `json:"conversation"`
	Turn         int             `json:"turn"`
	Index        int             `json:"event"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Finality     Finality        `json:"finality"`
	AgentID      string          `json:"agentId"`
	Timestamp    time.Time       `json:"ts"`
}

// ClosesTurn reports whether this event closed the turn it belongs to.
func (e Event) ClosesTurn() bool { return e.Finality.Closes() }

// CompletesConversation reports whether this event completed its conversation.
func (e Event) CompletesConversation() bool { return e.Finality == FinalityConversation }

// TextPayload builds a message payload wrapping plain text. The core treats
// payloads as opaque; this helper exists for callers and tests.
func TextPayload(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"text": text})
	return raw
}

// NewRequestID generates a fresh client request id for idempotent appends.
// Callers that retry must reuse the id from the first attempt.
func NewRequestID() string { return uuid.NewString() }

// AppendInput describes a single append request against the event log.
type AppendInput struct {
	Conversation int64           `json:"conversation"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Finality     Finality        `json:"finality"`
	AgentID      string          `json:"agentId"`

	// Precondition, when non-nil, makes the append conditional on the
	// conversation's current last-closed sequence. A mismatch fails with
	// PreconditionError and the caller must refresh and retry. This is the
	// mechanism preventing two agents from opening turn N+1 against a stale
	// view of turn N.
	Precondition *Precondition `json:"precondition,omitempty"`
}

// Precondition is an optimistic-concurrency guard on turn-closing appends.
type Precondition struct {
	LastClosedSeq int64 `json:"lastClosedSeq"`
}

// Validate checks structural validity of the input. It does not consult
// conversation state.
func (in AppendInput) Validate() error {
	if in.Conversation <= 0 {
		return NewValidationError("conversation id required")
	}
	if !in.Type.Valid() {
		return NewValidationError("unknown event type %q", in.Type)
	}
	if !in.Finality.Valid() {
		return NewValidationError("unknown finality %q", in.Finality)
	}
	if in.AgentID == "" {
		return NewValidationError("agentId required")
	}
	if in.Type == EventSystem && in.Finality == FinalityTurn {
		return NewValidationError("system events cannot close turns")
	}
	return nil
}

// Head is the per-conversation append cursor: the highest turn number used
// and the sequence of the most recent turn-closing event. It is scoped
// strictly to one conversation and unaffected by appends elsewhere, despite
// the shared global counter.
type Head struct {
	LastTurn      int   `json:"lastTurn"`
	LastClosedSeq int64 `json:"lastClosedSeq"`
}

// EventFilter selects a subset of a conversation's events. Nil slices match
// everything.
type EventFilter struct {
	Types  []EventType `json:"types,omitempty"`
	Agents []string    `json:"agents,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f *EventFilter) Matches(ev Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Agents) > 0 {
		ok := false
		for _, a := range f.Agents {
			if ev.AgentID == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
