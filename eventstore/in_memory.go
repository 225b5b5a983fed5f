package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/colloquy/core"
)

// InMemoryStore is a volatile EventStore implementation keeping conversations
// and their logs in process-local maps. It is safe for concurrent access and
// best suited for tests or ephemeral demo servers. Returned events and
// conversations are copies to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.Mutex
	nextConv int64
	nextSeq  int64 // one counter shared by all conversations
	convs    map[int64]*convState
}

// convState tracks one conversation's log and turn cursor.
type convState struct {
	conv     core.Conversation
	events   []core.Event
	head     core.Head
	openTurn bool // last substantive event left the turn open
	curIndex int  // event-within-turn counter for the open turn
	sysIndex int  // event-within-turn counter for turn 0
}

// NewInMemoryStore constructs an empty in-memory event store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[int64]*convState)}
}

// CreateConversation implements core.EventStore.
func (s *InMemoryStore) CreateConversation(_ context.Context, meta core.Metadata) (*core.Conversation, error) {
	if len(meta.Participants) == 0 {
		return nil, core.NewValidationError("at least one participant required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConv++
	now := time.Now().UTC()
	cs := &convState{conv: core.Conversation{
		ID:      s.nextConv,
		Meta:    meta,
		Status:  core.StatusCreated,
		Created: now,
		Updated: now,
	}}
	s.convs[cs.conv.ID] = cs
	c := cs.conv
	return &c, nil
}

// GetConversation implements core.EventStore.
func (s *InMemoryStore) GetConversation(_ context.Context, id int64) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	c := cs.conv
	return &c, nil
}

// ListConversations implements core.EventStore.
func (s *InMemoryStore) ListConversations(_ context.Context) ([]*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Conversation, 0, len(s.convs))
	for id := int64(1); id <= s.nextConv; id++ {
		if cs, ok := s.convs[id]; ok {
			c := cs.conv
			out = append(out, &c)
		}
	}
	return out, nil
}

// Append implements core.EventStore.
func (s *InMemoryStore) Append(_ context.Context, in core.AppendInput) (*core.Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.convs[in.Conversation]
	if !ok {
		return nil, core.ErrNotFound
	}
	if cs.conv.Status == core.StatusCompleted {
		return nil, core.NewValidationError("conversation %d is completed", in.Conversation)
	}
	if in.Precondition != nil && in.Precondition.LastClosedSeq != cs.head.LastClosedSeq {
		return nil, &core.PreconditionError{
			Conversation: in.Conversation,
			Expected:     in.Precondition.LastClosedSeq,
			Actual:       cs.head.LastClosedSeq,
		}
	}

	s.nextSeq++
	ev := core.Event{
		Seq:          s.nextSeq,
		Conversation: in.Conversation,
		Type:         in.Type,
		Payload:      append([]byte(nil), in.Payload...),
		Finality:     in.Finality,
		AgentID:      in.AgentID,
		Timestamp:    time.Now().UTC(),
	}

	if in.Type == core.EventSystem {
		cs.sysIndex++
		ev.Turn, ev.Index = 0, cs.sysIndex
	} else if cs.openTurn {
		cs.curIndex++
		ev.Turn, ev.Index = cs.head.LastTurn, cs.curIndex
	} else {
		cs.head.LastTurn++
		cs.curIndex = 1
		cs.openTurn = true
		ev.Turn, ev.Index = cs.head.LastTurn, 1
	}

	if in.Finality.Closes() {
		cs.openTurn = false
		cs.head.LastClosedSeq = ev.Seq
	}

	if cs.conv.Status == core.StatusCreated {
		cs.conv.Status = core.StatusActive
	}
	if in.Finality == core.FinalityConversation {
		cs.conv.Status = core.StatusCompleted
	}
	cs.conv.Updated = ev.Timestamp
	cs.events = append(cs.events, ev)

	out := ev
	return &out, nil
}

// Head implements core.EventStore.
func (s *InMemoryStore) Head(_ context.Context, conversation int64) (core.Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[conversation]
	if !ok {
		return core.Head{}, core.ErrNotFound
	}
	return cs.head, nil
}

// EventsSince implements core.EventStore. Conversation 0 selects events
// across all conversations in global seq order.
func (s *InMemoryStore) EventsSince(_ context.Context, conversation, sinceSeq int64, filter *core.EventFilter) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Event
	appendMatching := func(events []core.Event) {
		for _, ev := range events {
			if ev.Seq > sinceSeq && filter.Matches(ev) {
				out = append(out, ev)
			}
		}
	}

	if conversation == 0 {
		for id := int64(1); id <= s.nextConv; id++ {
			if cs, ok := s.convs[id]; ok {
				appendMatching(cs.events)
			}
		}
		sortBySeq(out)
		return out, nil
	}

	cs, ok := s.convs[conversation]
	if !ok {
		return nil, core.ErrNotFound
	}
	appendMatching(cs.events)
	return out, nil
}

// EventBySeq implements core.EventStore.
func (s *InMemoryStore) EventBySeq(_ context.Context, conversation, seq int64) (*core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[conversation]
	if !ok {
		return nil, core.ErrNotFound
	}
	for _, ev := range cs.events {
		if ev.Seq == seq {
			out := ev
			return &out, nil
		}
	}
	return nil, core.ErrNotFound
}

// Snapshot implements core.EventStore.
func (s *InMemoryStore) Snapshot(_ context.Context, conversation int64) (*core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[conversation]
	if !ok {
		return nil, core.ErrNotFound
	}
	conv := cs.conv
	events := make([]core.Event, len(cs.events))
	copy(events, cs.events)
	return &core.Snapshot{Conversation: &conv, Events: events, Head: cs.head}, nil
}

// sortBySeq orders events by global sequence. Events arrive nearly sorted
// (per-conversation slices are already ordered) so insertion sort suffices.
func sortBySeq(events []core.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].Seq > events[j].Seq; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}
