package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/logging"
	"github.com/hupe1980/colloquy/orchestrator"
)

// defaultRetryInterval paces a loop that lost a claim race or hit a
// transient failure. Deadline abandonment makes a stalled winner's anchor
// claimable again on a later attempt.
const defaultRetryInterval = 200 * time.Millisecond

// HostOptions configures a Host.
type HostOptions struct {
	// Registry persists the desired-running set. Defaults to in-memory.
	Registry core.RegistryStore

	// Runners maps agent kinds to factories. Defaults to the scripted
	// factory only; register KindModel with ModelFactory to run providers.
	Runners map[string]RunnerFactory

	// RetryInterval paces claim-race and failure retries.
	RetryInterval time.Duration

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

type loopKey struct {
	conversation int64
	agent        string
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Host runs one execution loop per (conversation, agent). Ensure is
// idempotent: concurrent calls for overlapping agents start exactly one loop
// each, and the registry is written before any loop starts so ResumeAll can
// recover the set after a crash.
type Host struct {
	orch      *orchestrator.Orchestrator
	registry  core.RegistryStore
	factories map[string]RunnerFactory
	retry     time.Duration
	logger    logging.Logger

	mu    sync.Mutex
	loops map[loopKey]*loop
}

// NewHost wraps an orchestrator.
func NewHost(orch *orchestrator.Orchestrator, optFns ...func(o *HostOptions)) *Host {
	opts := HostOptions{
		Registry:      NewInMemoryRegistry(),
		RetryInterval: defaultRetryInterval,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	factories := map[string]RunnerFactory{KindScripted: ScriptedFactory()}
	for kind, f := range opts.Runners {
		factories[kind] = f
	}

	return &Host{
		orch:      orch,
		registry:  opts.Registry,
		factories: factories,
		retry:     opts.RetryInterval,
		logger:    opts.Logger,
		loops:     make(map[loopKey]*loop),
	}
}

// Ensure starts execution loops for the named agents. Already-running loops
// are left alone. The registry write happens before any loop starts.
func (h *Host) Ensure(ctx context.Context, conversation int64, agentIDs []string) error {
	snap, err := h.orch.HydratedSnapshot(ctx, conversation)
	if err != nil {
		return err
	}

	participants := make(map[string]core.HydratedParticipant, len(snap.Participants))
	for _, p := range snap.Participants {
		participants[p.ID] = p
	}
	for _, id := range agentIDs {
		if _, ok := participants[id]; !ok {
			return core.NewValidationError("agent %q is not a participant of conversation %d", id, conversation)
		}
	}

	if err := h.registry.Ensure(ctx, conversation, agentIDs); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range agentIDs {
		key := loopKey{conversation: conversation, agent: id}
		if _, running := h.loops[key]; running {
			continue
		}

		p := participants[id]
		kind := p.Kind
		if kind == "" {
			kind = KindScripted
		}
		factory, ok := h.factories[kind]
		if !ok {
			return core.NewConfigurationError("agent %q: unknown runner kind %q", id, kind)
		}
		runner, err := factory(p)
		if err != nil {
			return err
		}

		lctx, cancel := context.WithCancel(context.Background())
		l := &loop{cancel: cancel, done: make(chan struct{})}
		h.loops[key] = l
		h.logger.Info("agent loop starting", "conversation", conversation, "agent_id", id, "kind", kind)
		go h.run(lctx, key, runner, l)
	}
	return nil
}

// Stop cancels loops and de-registers agents. An empty agentIDs stops every
// agent of the conversation. Co-located agents keep running untouched.
func (h *Host) Stop(ctx context.Context, conversation int64, agentIDs []string) error {
	if err := h.registry.Remove(ctx, conversation, agentIDs); err != nil {
		return err
	}

	h.mu.Lock()
	var stopping []*loop
	for key, l := range h.loops {
		if key.conversation != conversation {
			continue
		}
		if len(agentIDs) > 0 && !contains(agentIDs, key.agent) {
			continue
		}
		l.cancel()
		stopping = append(stopping, l)
		delete(h.loops, key)
	}
	h.mu.Unlock()

	for _, l := range stopping {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ResumeAll re-ensures every registry entry, called on process start.
func (h *Host) ResumeAll(ctx context.Context) error {
	entries, err := h.registry.All(ctx)
	if err != nil {
		return err
	}
	for conversation, agentIDs := range entries {
		if err := h.Ensure(ctx, conversation, agentIDs); err != nil {
			h.logger.Error("resume failed", "conversation", conversation, "error", err)
			continue
		}
	}
	return nil
}

// Close cancels every loop and waits for them to finish.
func (h *Host) Close() {
	h.mu.Lock()
	loops := make([]*loop, 0, len(h.loops))
	for key, l := range h.loops {
		l.cancel()
		loops = append(loops, l)
		delete(h.loops, key)
	}
	h.mu.Unlock()
	for _, l := range loops {
		<-l.done
	}
}

// Running reports whether a loop exists for the agent.
func (h *Host) Running(conversation int64, agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.loops[loopKey{conversation: conversation, agent: agentID}]
	return ok
}

// run is one agent's execution loop: await guidance, claim, produce a turn,
// append. A lost claim race backs off and re-awaits; claims held when a turn
// cannot be produced are released so the anchor stays claimable.
func (h *Host) run(ctx context.Context, key loopKey, runner Runner, l *loop) {
	defer close(l.done)
	defer func() {
		h.mu.Lock()
		if h.loops[key] == l {
			delete(h.loops, key)
		}
		h.mu.Unlock()
	}()

	logger := h.logger
	for {
		anchor, err := h.orch.WaitForTurn(ctx, key.conversation, key.agent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("awaiting turn failed", "conversation", key.conversation, "agent_id", key.agent, "error", err)
			if errors.Is(err, core.ErrNotFound) {
				return
			}
			if !h.pause(ctx) {
				return
			}
			continue
		}
		if anchor == nil {
			logger.Info("conversation completed, loop exiting", "conversation", key.conversation, "agent_id", key.agent)
			return
		}

		res, err := h.orch.ClaimTurn(ctx, key.conversation, key.agent, anchor.AnchorSeq)
		if err != nil {
			logger.Error("claim failed", "conversation", key.conversation, "agent_id", key.agent, "error", err)
			if !h.pause(ctx) {
				return
			}
			continue
		}
		if !res.OK {
			// Another loop for the same logical agent won; back off until
			// guidance moves on or the winner's deadline passes.
			if !h.pause(ctx) {
				return
			}
			continue
		}

		if err := h.produceTurn(ctx, key, runner, anchor); err != nil {
			h.orch.ReleaseClaim(key.conversation, key.agent, anchor.AnchorSeq)
			if ctx.Err() != nil {
				return
			}
			logger.Error("turn failed", "conversation", key.conversation, "agent_id", key.agent, "anchor_seq", anchor.AnchorSeq, "error", err)
			if !h.pause(ctx) {
				return
			}
		}
	}
}

// produceTurn runs the runner and appends its output, idempotently keyed on
// the anchor so a redundant process cannot double-append the same turn.
func (h *Host) produceTurn(ctx context.Context, key loopKey, runner Runner, anchor *core.GuidanceAnchor) error {
	snap, err := h.orch.HydratedSnapshot(ctx, key.conversation)
	if err != nil {
		return err
	}
	out, err := runner.RunTurn(ctx, snap)
	if err != nil {
		return err
	}

	requestID := fmt.Sprintf("%s-turn-%d", key.agent, anchor.AnchorSeq)
	_, err = h.orch.Append(ctx, core.AppendInput{
		Conversation: key.conversation,
		Type:         core.EventMessage,
		Payload:      out.Payload,
		Finality:     out.Finality,
		AgentID:      key.agent,
		Precondition: &core.Precondition{LastClosedSeq: anchor.AnchorSeq},
	}, requestID)
	return err
}

// pause sleeps one retry interval; false means the loop was cancelled.
func (h *Host) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(h.retry):
		return true
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
