// Package orchestrator is the composition root. It wires the event store,
// idempotency store, guidance engine, claim manager and subscription hub into
// one coordination surface that every other component (transport sessions,
// agent loops, test harnesses) depends on.
//
// Concurrency model: all mutation of one conversation's log is serialized on
// a per-conversation mutex. The append path holds that mutex across
// persist + guidance recompute + fan-out, and the subscribe path holds it
// across backlog replay + registration, so the backlog→live handoff delivers
// every event exactly once without a check-then-act race. Operations on
// different conversations proceed concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/colloquy/claim"
	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/eventstore"
	"github.com/hupe1980/colloquy/guidance"
	"github.com/hupe1980/colloquy/hub"
	"github.com/hupe1980/colloquy/idempotency"
	"github.com/hupe1980/colloquy/logging"
)

// Options configures an Orchestrator. All dependencies default to their
// in-memory implementations for development and tests.
type Options struct {
	// Events persists conversations and their logs.
	Events core.EventStore

	// Idempotency deduplicates retried append requests.
	Idempotency core.IdempotencyStore

	// Blobs stores opaque named attachments per conversation.
	Blobs core.BlobStore

	// Guidance derives the next-turn anchor after finality-bearing appends.
	Guidance *guidance.Engine

	// Claims arbitrates concurrent attempts to act on an anchor.
	Claims *claim.Manager

	// Hub fans appended events out to subscribers.
	Hub *hub.Hub

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Orchestrator exposes conversation lifecycle, append/claim operations and
// snapshot/hydration to all collaborators.
type Orchestrator struct {
	events core.EventStore
	idem   core.IdempotencyStore
	blobs  core.BlobStore
	engine *guidance.Engine
	claims *claim.Manager
	hub    *hub.Hub
	logger logging.Logger

	// wildcard excludes all appends while a cross-conversation subscription
	// replays its backlog. Appends hold it shared; wildcard subscribes hold
	// it exclusively.
	wildcard sync.RWMutex

	// pub spans seq assignment through fan-out so cross-conversation
	// subscribers observe live events in global seq order. Without it two
	// appends could publish in inverted seq order and a reconnecting
	// wildcard subscriber would set sinceSeq past an undelivered event.
	pub sync.Mutex

	mu        sync.Mutex
	convMu    map[int64]*sync.Mutex
	scenarios map[string]core.Scenario
}

// New constructs an Orchestrator with in-memory defaults.
func New(optFns ...func(o *Options)) *Orchestrator {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Events == nil {
		opts.Events = eventstore.NewInMemoryStore()
	}
	if opts.Idempotency == nil {
		opts.Idempotency = idempotency.NewInMemoryStore()
	}
	if opts.Guidance == nil {
		opts.Guidance = guidance.New()
	}
	if opts.Claims == nil {
		opts.Claims = claim.NewManager()
	}
	if opts.Hub == nil {
		opts.Hub = hub.New()
	}

	return &Orchestrator{
		events:    opts.Events,
		idem:      opts.Idempotency,
		blobs:     opts.Blobs,
		engine:    opts.Guidance,
		claims:    opts.Claims,
		hub:       opts.Hub,
		logger:    opts.Logger,
		convMu:    make(map[int64]*sync.Mutex),
		scenarios: make(map[string]core.Scenario),
	}
}

// lock returns the conversation's mutex, creating it on first use.
func (o *Orchestrator) lock(conversation int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.convMu[conversation]
	if !ok {
		mu = &sync.Mutex{}
		o.convMu[conversation] = mu
	}
	return mu
}

// RegisterScenario makes a conversation template available for hydration.
func (o *Orchestrator) RegisterScenario(s core.Scenario) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scenarios[s.Name] = s
}

func (o *Orchestrator) scenario(name string) (core.Scenario, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.scenarios[name]
	return s, ok
}

// CreateConversation validates the metadata, registers the conversation and
// installs its initial guidance anchor. Announcement subscribers are
// notified.
func (o *Orchestrator) CreateConversation(ctx context.Context, meta core.Metadata) (*core.Conversation, error) {
	if err := validateMetadata(meta); err != nil {
		return nil, err
	}

	conv, err := o.events.CreateConversation(ctx, meta)
	if err != nil {
		return nil, err
	}

	mu := o.lock(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	anchor, err := o.engine.Compute(conv, core.Head{}, nil)
	if err != nil {
		return conv, fmt.Errorf("initial guidance: %w", err)
	}
	o.claims.Advance(conv.ID, anchor)
	o.hub.Announce(conv)
	o.hub.PublishGuidance(conv.ID, anchor)

	o.logger.Info("conversation created", "conversation", conv.ID, "participants", len(meta.Participants))
	return conv, nil
}

func validateMetadata(meta core.Metadata) error {
	if len(meta.Participants) == 0 {
		return core.NewValidationError("at least one participant required")
	}
	seen := make(map[string]struct{}, len(meta.Participants))
	for _, p := range meta.Participants {
		if p.ID == "" {
			return core.NewValidationError("participant id required")
		}
		if _, dup := seen[p.ID]; dup {
			return core.NewValidationError("duplicate participant %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if meta.StartingAgent != "" {
		if _, ok := meta.Participant(meta.StartingAgent); !ok {
			return core.NewConfigurationError("starting agent %q is not a declared participant", meta.StartingAgent)
		}
	}
	return nil
}

// GetConversation returns a conversation by id.
func (o *Orchestrator) GetConversation(ctx context.Context, id int64) (*core.Conversation, error) {
	return o.events.GetConversation(ctx, id)
}

// ListConversations returns all conversations ordered by id.
func (o *Orchestrator) ListConversations(ctx context.Context) ([]*core.Conversation, error) {
	return o.events.ListConversations(ctx)
}

// Head returns the conversation's append cursor.
func (o *Orchestrator) Head(ctx context.Context, conversation int64) (core.Head, error) {
	return o.events.Head(ctx, conversation)
}

// Append is the idempotency-checked append path. With a non-empty requestID
// a retried request returns the originally assigned event instead of
// appending again. After a successful append, guidance is recomputed, the
// claim manager advances and the event fans out to subscribers.
func (o *Orchestrator) Append(ctx context.Context, in core.AppendInput, requestID string) (*core.Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	o.wildcard.RLock()
	defer o.wildcard.RUnlock()
	mu := o.lock(in.Conversation)
	mu.Lock()
	defer mu.Unlock()

	key := core.IdempotencyKey{Conversation: in.Conversation, AgentID: in.AgentID, RequestID: requestID}
	if requestID != "" {
		seq, ok, err := o.idem.Find(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			o.logger.Debug("append deduplicated", "conversation", in.Conversation, "request_id", requestID, "seq", seq)
			return o.events.EventBySeq(ctx, in.Conversation, seq)
		}
	}

	o.pub.Lock()
	defer o.pub.Unlock()

	start := time.Now()
	ev, err := o.events.Append(ctx, in)
	if err != nil {
		o.logger.Warn("append failed", "conversation", in.Conversation, "agent_id", in.AgentID, "error", err)
		return nil, err
	}
	if requestID != "" {
		if err := o.idem.Record(ctx, key, ev.Seq); err != nil {
			return nil, err
		}
	}
	o.logger.Debug("event appended", "conversation", ev.Conversation, "seq", ev.Seq, "turn", ev.Turn, "finality", string(ev.Finality), "duration", time.Since(start))

	anchor, gerr := o.recomputeGuidance(ctx, in.Conversation)
	o.hub.Publish(*ev, anchor)
	if gerr != nil {
		// The event is durable; the misconfiguration is reported, not
		// swallowed.
		return ev, gerr
	}
	return ev, nil
}

// SendMessage appends a message event, the common case for agents and users.
func (o *Orchestrator) SendMessage(ctx context.Context, conversation int64, agentID string, payload []byte, finality core.Finality, requestID string, pre *core.Precondition) (*core.Event, error) {
	return o.Append(ctx, core.AppendInput{
		Conversation: conversation,
		Type:         core.EventMessage,
		Payload:      payload,
		Finality:     finality,
		AgentID:      agentID,
		Precondition: pre,
	}, requestID)
}

// recomputeGuidance derives the conversation's current anchor and advances
// the claim manager. Callers must hold the conversation mutex.
func (o *Orchestrator) recomputeGuidance(ctx context.Context, conversation int64) (*core.GuidanceAnchor, error) {
	conv, err := o.events.GetConversation(ctx, conversation)
	if err != nil {
		return nil, err
	}
	head, err := o.events.Head(ctx, conversation)
	if err != nil {
		return nil, err
	}
	history, err := o.events.EventsSince(ctx, conversation, 0, nil)
	if err != nil {
		return nil, err
	}

	anchor, err := o.engine.Compute(conv, head, history)
	if err != nil {
		// Guidance is withheld on misconfiguration; stale claims must not
		// keep winning meanwhile.
		o.claims.Advance(conversation, nil)
		o.logger.Error("guidance withheld", "conversation", conversation, "error", err)
		return nil, err
	}
	// A recompute landing on the same anchor keeps the original deadline;
	// otherwise a trace stream would indefinitely defer takeover of a
	// stalled winner.
	if cur, ok := o.claims.Current(conversation); ok && anchor != nil &&
		cur.AnchorSeq == anchor.AnchorSeq && cur.NextAgent == anchor.NextAgent {
		anchor = cur
	}
	o.claims.Advance(conversation, anchor)
	return anchor, nil
}

// Guidance returns the conversation's current anchor, nil when no further
// guidance exists. The anchor is computed on demand if the claim manager has
// no record, which covers process restarts.
func (o *Orchestrator) Guidance(ctx context.Context, conversation int64) (*core.GuidanceAnchor, error) {
	o.wildcard.RLock()
	defer o.wildcard.RUnlock()
	mu := o.lock(conversation)
	mu.Lock()
	defer mu.Unlock()

	if anchor, ok := o.claims.Current(conversation); ok {
		return anchor, nil
	}
	return o.recomputeGuidance(ctx, conversation)
}

// ClaimTurn attempts to own execution of the conversation's current guidance
// anchor. Losing the race is a value result, not an error.
func (o *Orchestrator) ClaimTurn(ctx context.Context, conversation int64, agentID string, anchorSeq int64) (core.ClaimResult, error) {
	o.wildcard.RLock()
	defer o.wildcard.RUnlock()
	mu := o.lock(conversation)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := o.claims.Current(conversation); !ok {
		// Restart or first touch: derive guidance before deciding.
		if _, err := o.recomputeGuidance(ctx, conversation); err != nil {
			return core.ClaimResult{}, err
		}
	}

	res := o.claims.Claim(conversation, agentID, anchorSeq)
	o.logger.Debug("claim decided", "conversation", conversation, "agent_id", agentID, "anchor_seq", anchorSeq, "ok", res.OK, "reason", string(res.Reason))
	return res, nil
}

// ReleaseClaim gives an unacted claim back, making the anchor claimable
// again. Used by runners that claimed and then failed before appending.
func (o *Orchestrator) ReleaseClaim(conversation int64, agentID string, anchorSeq int64) {
	o.claims.Release(conversation, agentID, anchorSeq)
}

// Snapshot returns the conversation's full read view.
func (o *Orchestrator) Snapshot(ctx context.Context, conversation int64) (*core.Snapshot, error) {
	return o.events.Snapshot(ctx, conversation)
}

// HydratedSnapshot merges the conversation's scenario template with its
// runtime participant overrides. It is a pure data merge; unknown scenario
// references degrade to the snapshot's own participants.
func (o *Orchestrator) HydratedSnapshot(ctx context.Context, conversation int64) (*core.HydratedSnapshot, error) {
	snap, err := o.events.Snapshot(ctx, conversation)
	if err != nil {
		return nil, err
	}

	out := &core.HydratedSnapshot{Snapshot: *snap}
	var scenario *core.Scenario
	if ref := snap.Conversation.Meta.ScenarioRef; ref != "" {
		if s, ok := o.scenario(ref); ok {
			scenario = &s
			out.Scenario = scenario
		}
	}

	for _, p := range snap.Conversation.Meta.Participants {
		hp := core.HydratedParticipant{ID: p.ID, Kind: p.Kind, Config: p.Config}
		if scenario != nil {
			if tmpl, ok := scenario.Agent(p.ID); ok {
				hp.Instructions = tmpl.Instructions
				if hp.Kind == "" {
					hp.Kind = tmpl.Kind
				}
				if len(hp.Config) == 0 {
					hp.Config = tmpl.Config
				}
			}
		}
		out.Participants = append(out.Participants, hp)
	}
	return out, nil
}

// EventsPage returns up to limit events after the cursor, for backlog
// paging. A non-positive limit means no bound.
func (o *Orchestrator) EventsPage(ctx context.Context, conversation, sinceSeq int64, limit int, filter *core.EventFilter) ([]core.Event, error) {
	events, err := o.events.EventsSince(ctx, conversation, sinceSeq, filter)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// PutAttachment stores an opaque named blob on the conversation.
func (o *Orchestrator) PutAttachment(ctx context.Context, conversation int64, name string, data []byte) error {
	if o.blobs == nil {
		return core.NewValidationError("attachment storage not configured")
	}
	if _, err := o.events.GetConversation(ctx, conversation); err != nil {
		return err
	}
	return o.blobs.Put(ctx, conversation, name, data)
}

// GetAttachment returns a stored blob's bytes.
func (o *Orchestrator) GetAttachment(ctx context.Context, conversation int64, name string) ([]byte, error) {
	if o.blobs == nil {
		return nil, core.NewValidationError("attachment storage not configured")
	}
	return o.blobs.Get(ctx, conversation, name)
}

// ListAttachments returns the conversation's stored blob names.
func (o *Orchestrator) ListAttachments(ctx context.Context, conversation int64) ([]string, error) {
	if o.blobs == nil {
		return nil, core.NewValidationError("attachment storage not configured")
	}
	return o.blobs.List(ctx, conversation)
}
