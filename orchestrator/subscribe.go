package orchestrator

import (
	"context"
	"time"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/hub"
)

// SubscribeOptions selects what a subscription receives. A nil SinceSeq
// means live-only; a non-nil value replays stored events with seq strictly
// greater than it before any live delivery.
type SubscribeOptions struct {
	// Conversation scopes the feed; zero subscribes across all
	// conversations.
	Conversation int64

	// SinceSeq is the backlog handoff cursor.
	SinceSeq *int64

	// Filter narrows delivered events by type and agent.
	Filter *core.EventFilter

	// IncludeGuidance also delivers recomputed guidance anchors.
	IncludeGuidance bool

	// Announcements also delivers new-conversation notifications.
	Announcements bool
}

// Subscribe starts a live feed. The backlog replay and the registration for
// live delivery happen while the conversation's append path is excluded, so
// an event appended concurrently is delivered exactly once: either replayed
// from the store or fanned out live, never both, never neither.
func (o *Orchestrator) Subscribe(ctx context.Context, opts SubscribeOptions) (*hub.Subscription, error) {
	if opts.Conversation != 0 {
		if _, err := o.events.GetConversation(ctx, opts.Conversation); err != nil {
			return nil, err
		}
		o.wildcard.RLock()
		defer o.wildcard.RUnlock()
		mu := o.lock(opts.Conversation)
		mu.Lock()
		defer mu.Unlock()
	} else {
		// A cross-conversation replay has to exclude appends everywhere.
		o.wildcard.Lock()
		defer o.wildcard.Unlock()
	}

	var replay func(push func(hub.Notification)) error
	if opts.SinceSeq != nil {
		since := *opts.SinceSeq
		replay = func(push func(hub.Notification)) error {
			events, err := o.events.EventsSince(ctx, opts.Conversation, since, opts.Filter)
			if err != nil {
				return err
			}
			for i := range events {
				push(hub.Notification{Event: &events[i]})
			}
			return nil
		}
	}

	return o.hub.Subscribe(hub.SubscriptionOptions{
		Conversation:    opts.Conversation,
		Filter:          opts.Filter,
		IncludeGuidance: opts.IncludeGuidance,
		Announcements:   opts.Announcements,
	}, replay)
}

// Unsubscribe ends a subscription and closes its channel.
func (o *Orchestrator) Unsubscribe(id string) { o.hub.Unsubscribe(id) }

// Close ends every subscription.
func (o *Orchestrator) Close() { o.hub.Close() }

// WaitForChange is the long-poll reconciliation backstop. It returns the
// events beyond sinceSeq as soon as any exist, or an empty slice after the
// timeout. Missing a push notification therefore costs one poll interval,
// never a lost event.
func (o *Orchestrator) WaitForChange(ctx context.Context, conversation, sinceSeq int64, timeout time.Duration) ([]core.Event, error) {
	since := sinceSeq
	sub, err := o.Subscribe(ctx, SubscribeOptions{Conversation: conversation, SinceSeq: &since})
	if err != nil {
		return nil, err
	}
	defer o.Unsubscribe(sub.ID())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case _, ok := <-sub.C():
		if !ok {
			return []core.Event{}, nil
		}
	case <-timer.C:
		return []core.Event{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.events.EventsSince(ctx, conversation, sinceSeq, nil)
}

// WaitForTurn blocks until the named agent next receives guidance, returning
// its anchor. It returns nil guidance when the conversation completes first.
// Used by synchronous callers such as runners and tests.
func (o *Orchestrator) WaitForTurn(ctx context.Context, conversation int64, agentID string) (*core.GuidanceAnchor, error) {
	sub, err := o.Subscribe(ctx, SubscribeOptions{Conversation: conversation, IncludeGuidance: true})
	if err != nil {
		return nil, err
	}
	defer o.Unsubscribe(sub.ID())

	// Check current state after the subscription is live so no recompute
	// between the two can be missed.
	anchor, err := o.Guidance(ctx, conversation)
	if err != nil {
		return nil, err
	}
	if anchor != nil && anchor.NextAgent == agentID {
		return anchor, nil
	}
	if anchor == nil {
		conv, err := o.events.GetConversation(ctx, conversation)
		if err != nil {
			return nil, err
		}
		if conv.Status == core.StatusCompleted {
			return nil, nil
		}
	}

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				return nil, core.NewValidationError("subscription closed while waiting for turn")
			}
			if n.Guidance != nil && n.Guidance.NextAgent == agentID {
				return n.Guidance, nil
			}
			if n.Event != nil && n.Event.CompletesConversation() {
				return nil, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
