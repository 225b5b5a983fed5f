// Package claim arbitrates concurrent attempts to act on the same guidance
// anchor. Exactly one claim succeeds per (conversation, anchorSeq); everyone
// else gets a value-typed rejection, never an error.
package claim

import (
	"sync"
	"time"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/logging"
)

type claimKey struct {
	conversation int64
	anchorSeq    int64
}

// Options configures a Manager.
type Options struct {
	// Now is the clock used for deadline checks. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager is the in-process serialization point for turn claims. All
// decisions happen under one mutex so first-writer-wins holds without a
// check-then-act race, even with many goroutines racing on behalf of
// redundant runtime loops.
type Manager struct {
	mu      sync.Mutex
	anchors map[int64]*core.GuidanceAnchor
	claims  map[claimKey]*core.TurnClaim
	now     func() time.Time
	logger  logging.Logger
}

// NewManager constructs an empty Manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		Now:    time.Now,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		anchors: make(map[int64]*core.GuidanceAnchor),
		claims:  make(map[claimKey]*core.TurnClaim),
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

// Advance installs the conversation's current guidance anchor, invalidating
// claims against older anchors. A nil anchor means no further guidance
// exists; all claim state for the conversation is dropped. Called by the
// orchestrator after every guidance recompute.
func (m *Manager) Advance(conversation int64, anchor *core.GuidanceAnchor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if anchor == nil {
		delete(m.anchors, conversation)
	} else {
		m.anchors[conversation] = anchor
	}
	for key := range m.claims {
		if key.conversation != conversation {
			continue
		}
		if anchor == nil || key.anchorSeq != anchor.AnchorSeq {
			delete(m.claims, key)
		}
	}
}

// Current returns the conversation's current guidance anchor, if any.
func (m *Manager) Current(conversation int64) (*core.GuidanceAnchor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor, ok := m.anchors[conversation]
	return anchor, ok
}

// Claim attempts to become the sole executor of the anchor identified by
// anchorSeq. The first caller wins; later callers get already-claimed, and
// callers holding an anchorSeq guidance has moved past get stale-anchor. A
// winner that has not acted by the anchor's soft deadline forfeits: the next
// attempt takes the claim over.
func (m *Manager) Claim(conversation int64, agentID string, anchorSeq int64) core.ClaimResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.anchors[conversation]
	if !ok || current.AnchorSeq != anchorSeq {
		m.logger.Debug("claim rejected", "conversation", conversation, "agent_id", agentID, "anchor_seq", anchorSeq, "reason", core.ReasonStaleAnchor)
		return core.ClaimResult{OK: false, Reason: core.ReasonStaleAnchor}
	}

	key := claimKey{conversation: conversation, anchorSeq: anchorSeq}
	if existing, held := m.claims[key]; held {
		if !current.Expired(m.now()) {
			m.logger.Debug("claim rejected", "conversation", conversation, "agent_id", agentID, "anchor_seq", anchorSeq, "reason", core.ReasonAlreadyClaimed, "holder", existing.AgentID)
			return core.ClaimResult{OK: false, Reason: core.ReasonAlreadyClaimed}
		}
		m.logger.Info("claim taken over after deadline", "conversation", conversation, "agent_id", agentID, "anchor_seq", anchorSeq, "previous_holder", existing.AgentID)
	}

	m.claims[key] = &core.TurnClaim{
		Conversation: conversation,
		AnchorSeq:    anchorSeq,
		AgentID:      agentID,
		ClaimedAt:    m.now(),
	}
	return core.ClaimResult{OK: true}
}

// Release gives a claim back without acting on it, for callers that claimed
// and then failed before producing a turn. Only the holder may release.
func (m *Manager) Release(conversation int64, agentID string, anchorSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := claimKey{conversation: conversation, anchorSeq: anchorSeq}
	if existing, held := m.claims[key]; held && existing.AgentID == agentID {
		delete(m.claims, key)
	}
}

// Holder returns the successful claim for (conversation, anchorSeq), if one
// exists.
func (m *Manager) Holder(conversation int64, anchorSeq int64) (*core.TurnClaim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[claimKey{conversation: conversation, anchorSeq: anchorSeq}]
	return claim, ok
}
