// Package hub fans newly appended events out to any number of in-process
// subscribers. Each subscription owns an unbounded mailbox drained by its own
// pump goroutine, so a slow consumer never blocks the append path or other
// subscribers, and per-subscription delivery order is exactly publish order.
package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/logging"
)

// Notification is one unit of delivery to a subscriber. Exactly one of the
// fields is set for announcements; Event and Guidance may arrive together
// when a finality-bearing append recomputed guidance.
type Notification struct {
	Event        *core.Event          `json:"event,omitempty"`
	Guidance     *core.GuidanceAnchor `json:"guidance,omitempty"`
	Conversation *core.Conversation   `json:"conversation,omitempty"`
}

// SubscriptionOptions selects what a subscription receives.
type SubscriptionOptions struct {
	// Conversation scopes the feed to one conversation; zero means all.
	Conversation int64

	// Filter narrows delivered events by type and agent. Nil matches all.
	Filter *core.EventFilter

	// IncludeGuidance also delivers recomputed guidance anchors.
	IncludeGuidance bool

	// Announcements also delivers new-conversation notifications.
	Announcements bool
}

// Subscription is one registered listener. Receive from C until it closes.
type Subscription struct {
	id   string
	opts SubscriptionOptions

	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}

	out  chan Notification
	done chan struct{}
	once sync.Once
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Notification { return s.out }

func newSubscription(opts SubscriptionOptions) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		opts:   opts,
		signal: make(chan struct{}, 1),
		out:    make(chan Notification),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// push appends to the mailbox and wakes the pump. It never blocks.
func (s *Subscription) push(n Notification) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			n := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) close() { s.once.Do(func() { close(s.done) }) }

// matches reports whether the subscription wants events from conversation.
func (s *Subscription) matchesConversation(conversation int64) bool {
	return s.opts.Conversation == 0 || s.opts.Conversation == conversation
}

// Options configures a Hub.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Hub is the in-process fan-out point. Registration and publishing share one
// RWMutex: Subscribe holds it exclusively while the caller replays backlog
// into the new subscription, so nothing published concurrently can land
// before replayed history.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger logging.Logger
}

// New constructs an empty Hub.
func New(optFns ...func(o *Options)) *Hub {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		logger: opts.Logger,
	}
}

// Subscribe registers a new subscription. If replay is non-nil it runs while
// publishing is blocked, pushing historical notifications into the mailbox
// before any live event can arrive. The replay error aborts registration.
func (h *Hub) Subscribe(opts SubscriptionOptions, replay func(push func(Notification)) error) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := newSubscription(opts)
	if replay != nil {
		if err := replay(sub.push); err != nil {
			sub.close()
			return nil, err
		}
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscription registered", "subscription_id", sub.id, "conversation", opts.Conversation)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its delivery channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish fans an appended event, and optionally the freshly recomputed
// guidance anchor, out to every matching subscription. It never blocks on a
// consumer.
func (h *Hub) Publish(ev core.Event, anchor *core.GuidanceAnchor) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.matchesConversation(ev.Conversation) {
			continue
		}
		n := Notification{}
		if sub.opts.Filter.Matches(ev) {
			e := ev
			n.Event = &e
		}
		if sub.opts.IncludeGuidance && anchor != nil {
			n.Guidance = anchor
		}
		if n.Event == nil && n.Guidance == nil {
			continue
		}
		sub.push(n)
	}
}

// PublishGuidance delivers a guidance anchor without an accompanying event,
// used when guidance is first established on a fresh conversation.
func (h *Hub) PublishGuidance(conversation int64, anchor *core.GuidanceAnchor) {
	if anchor == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.opts.IncludeGuidance && sub.matchesConversation(conversation) {
			sub.push(Notification{Guidance: anchor})
		}
	}
}

// Announce notifies announcement subscribers of a newly created conversation.
func (h *Hub) Announce(conv *core.Conversation) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.opts.Announcements {
			sub.push(Notification{Conversation: conv})
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
