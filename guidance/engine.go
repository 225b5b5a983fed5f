// Package guidance derives which agent is authorized to act next from a
// conversation's event history and its configured turn policy. Policies are
// pure functions and pluggable; the engine only anchors their answer to the
// conversation's last closed sequence and attaches the soft deadline.
package guidance

import (
	"time"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/logging"
)

// Policy names registered by default.
const (
	PolicyStrictAlternation = "strict-alternation"
	PolicyRoundRobin        = "round-robin"
)

// DefaultDeadline is the soft guidance deadline applied when none is
// configured. A designated agent that has not acted by the deadline loses
// exclusivity: the anchor becomes claimable by a new attempt.
const DefaultDeadline = 2 * time.Minute

// Policy decides, from metadata and ordered event history, which agent may
// act next. Returning ok=false means no further guidance (e.g. the
// conversation completed). Custom turn-order logic (supervisor-directed,
// round-robin subsets) plugs in through this signature without touching the
// engine.
type Policy func(meta core.Metadata, events []core.Event) (next string, ok bool, err error)

// Options configures an Engine.
type Options struct {
	// Deadline is the soft per-anchor deadline. Zero means DefaultDeadline;
	// a negative value disables deadlines entirely.
	Deadline time.Duration

	// Policies maps additional policy names onto implementations. The
	// built-in policies are always registered and can be overridden here.
	Policies map[string]Policy

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Engine resolves conversation policies by name and wraps their answers
// into GuidanceAnchors.
type Engine struct {
	policies map[string]Policy
	deadline time.Duration
	logger   logging.Logger
}

// New constructs an Engine with the built-in policies registered.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Deadline: DefaultDeadline,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Deadline == 0 {
		opts.Deadline = DefaultDeadline
	}

	e := &Engine{
		policies: map[string]Policy{
			PolicyStrictAlternation: StrictAlternation,
			PolicyRoundRobin:        RoundRobin,
		},
		deadline: opts.Deadline,
		logger:   opts.Logger,
	}
	for name, p := range opts.Policies {
		e.policies[name] = p
	}
	return e
}

// Register adds or replaces a named policy.
func (e *Engine) Register(name string, p Policy) { e.policies[name] = p }

// Compute derives the next GuidanceAnchor for the conversation, or nil when
// no further guidance exists (conversation completed). A policy answer
// naming an undeclared participant is a ConfigurationError, reported rather
// than silently dropped.
func (e *Engine) Compute(conv *core.Conversation, head core.Head, events []core.Event) (*core.GuidanceAnchor, error) {
	if conv.Status == core.StatusCompleted {
		return nil, nil
	}

	name := conv.Meta.Policy
	if name == "" {
		name = PolicyStrictAlternation
	}
	policy, ok := e.policies[name]
	if !ok {
		return nil, core.NewConfigurationError("unknown turn policy %q", name)
	}

	next, ok, err := policy(conv.Meta, events)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if _, declared := conv.Meta.Participant(next); !declared {
		return nil, core.NewConfigurationError("guidance targets %q which is not a declared participant of conversation %d", next, conv.ID)
	}

	anchor := &core.GuidanceAnchor{
		Conversation: conv.ID,
		AnchorSeq:    head.LastClosedSeq,
		NextAgent:    next,
	}
	if e.deadline > 0 {
		anchor.Deadline = time.Now().UTC().Add(e.deadline)
	}
	e.logger.Debug("guidance computed", "conversation", conv.ID, "anchor_seq", anchor.AnchorSeq, "next_agent", next)
	return anchor, nil
}

// StrictAlternation is the default policy. Initial guidance targets the
// configured starting agent (or the first participant if unspecified). After
// a turn closed by agent X, guidance advances to the participant following X
// in rotation order, skipping X. Once the conversation completes, no further
// guidance is produced.
func StrictAlternation(meta core.Metadata, events []core.Event) (string, bool, error) {
	if len(meta.Participants) == 0 {
		return "", false, core.NewConfigurationError("no participants declared")
	}

	closer, completed := lastCloser(events)
	if completed {
		return "", false, nil
	}
	if closer == "" {
		return startingAgent(meta), true, nil
	}

	ids := meta.ParticipantIDs()
	for i, id := range ids {
		if id == closer {
			return ids[(i+1)%len(ids)], true, nil
		}
	}
	// The closer is not a declared participant (e.g. a user-authored close).
	// Rotation restarts at the configured starting agent.
	return startingAgent(meta), true, nil
}

// RoundRobin advances strictly by turn count through the declared rotation,
// regardless of which agent actually closed each turn. It demonstrates the
// pluggable policy signature and suits moderated conversations where a user
// may close turns on an agent's behalf.
func RoundRobin(meta core.Metadata, events []core.Event) (string, bool, error) {
	if len(meta.Participants) == 0 {
		return "", false, core.NewConfigurationError("no participants declared")
	}

	closed := 0
	for _, ev := range events {
		if ev.CompletesConversation() {
			return "", false, nil
		}
		if ev.ClosesTurn() {
			closed++
		}
	}

	ids := meta.ParticipantIDs()
	start := 0
	if meta.StartingAgent != "" {
		for i, id := range ids {
			if id == meta.StartingAgent {
				start = i
				break
			}
		}
	}
	return ids[(start+closed)%len(ids)], true, nil
}

// lastCloser returns the author of the most recent turn-closing event and
// whether the conversation completed.
func lastCloser(events []core.Event) (string, bool) {
	closer := ""
	for _, ev := range events {
		if ev.CompletesConversation() {
			return "", true
		}
		if ev.ClosesTurn() {
			closer = ev.AgentID
		}
	}
	return closer, false
}

func startingAgent(meta core.Metadata) string {
	if meta.StartingAgent != "" {
		return meta.StartingAgent
	}
	return meta.Participants[0].ID
}
