package core

import "time"

// GuidanceAnchor designates which agent is authorized to act next. It is
// derived from event history and conversation policy, never stored as an
// event, and recomputed after every finality-bearing append. AnchorSeq is
// the conversation's lastClosedSeq at recompute time; a claim against any
// other value is stale.
type GuidanceAnchor struct {
	Conversation int64     `json:"conversation"`
	AnchorSeq    int64     `json:"anchorSeq"`
	NextAgent    string    `json:"nextAgent"`
	Deadline     time.Time `json:"deadline,omitzero"`
}

// Expired reports whether the soft deadline has passed at time now, making
// the anchor abandonable by a new claim attempt. A zero deadline never
// expires.
func (g GuidanceAnchor) Expired(now time.Time) bool {
	return !g.Deadline.IsZero() && now.After(g.Deadline)
}

// ClaimReason explains a rejected turn claim.
type ClaimReason string

const (
	// ReasonAlreadyClaimed means another caller won the race for this anchor.
	ReasonAlreadyClaimed ClaimReason = "already-claimed"
	// ReasonStaleAnchor means guidance has moved past the claimed anchor.
	ReasonStaleAnchor ClaimReason = "stale-anchor"
)

// ClaimResult reports the outcome of a claim attempt. Losing a claim race is
// an expected outcome and is reported as a value, never as an error.
type ClaimResult struct {
	OK     bool        `json:"ok"`
	Reason ClaimReason `json:"reason,omitempty"`
}

// TurnClaim is the ephemeral record of a successful claim: at most one
// exists per (conversation, anchorSeq) regardless of how many processes
// attempted it concurrently.
type TurnClaim struct {
	Conversation int64     `json:"conversation"`
	AnchorSeq    int64     `json:"anchorSeq"`
	AgentID      string    `json:"agentId"`
	ClaimedAt    time.Time `json:"claimedAt"`
}
