// Package transport exposes orchestrator operations over a persistent
// WebSocket connection using JSON-RPC-style envelopes, and relays hub output
// as server-pushed notifications. It implements the race-free backlog→live
// handoff: subscribe with sinceSeq replays everything the backlog page
// missed before streaming live events, so reconnecting clients see every
// event exactly once.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/colloquy/core"
)

// Protocol is the handshake-free protocol identifier carried in envelopes
// for diagnostics.
const Protocol = "colloquy.v1"

// Method names.
const (
	MethodCreateConversation = "createConversation"
	MethodSendMessage        = "sendMessage"
	MethodAppendEvent        = "appendEvent"
	MethodGetEventsPage      = "getEventsPage"
	MethodGetConversation    = "getConversation"
	MethodGetSnapshot        = "getConversationSnapshot"
	MethodGetHydrated        = "getHydratedConversationSnapshot"
	MethodListConversations  = "listConversations"
	MethodSubscribe          = "subscribe"
	MethodUnsubscribe        = "unsubscribe"
	MethodSubscribeConvs     = "subscribeConversations"
	MethodClaimTurn          = "claimTurn"
	MethodEnsureAgents       = "ensureAgentsRunning"
	MethodStopAgents         = "stopAgentsOnServer"
	MethodWaitForChange      = "waitForChange"
	MethodPutAttachment      = "putAttachment"
	MethodGetAttachment      = "getAttachment"
	MethodListAttachments    = "listAttachments"
)

// Notification method names pushed by the server.
const (
	NotifyEvent        = "event"
	NotifyGuidance     = "guidance"
	NotifyConversation = "conversation"
)

// Envelope is the single wire frame used in both directions. A frame with a
// Method and an ID is a request; Method without an ID is a notification; an
// ID with Result or Error is a response.
type Envelope struct {
	Protocol string          `json:"protocol,omitempty"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject carries a machine-readable code from the core taxonomy plus a
// human-readable message.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RPCError is the client-side representation of a server error envelope.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// errorObject maps an error through the core taxonomy.
func errorObject(err error) *ErrorObject {
	return &ErrorObject{Code: core.CodeOf(err), Message: err.Error()}
}

// Request and result payloads. Field names are the wire contract.

// CreateConversationParams creates a conversation from metadata.
type CreateConversationParams struct {
	Meta core.Metadata `json:"meta"`
}

// AppendParams appends one event. ClientRequestID makes retries idempotent;
// Precondition guards turn-closing appends against stale reads.
type AppendParams struct {
	Conversation    int64              `json:"conversation"`
	Type            core.EventType     `json:"type,omitempty"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
	Finality        core.Finality      `json:"finality,omitempty"`
	AgentID         string             `json:"agentId"`
	ClientRequestID string             `json:"clientRequestId,omitempty"`
	Precondition    *core.Precondition `json:"precondition,omitempty"`
}

// EventsPageParams fetches a backlog page.
type EventsPageParams struct {
	Conversation int64             `json:"conversation"`
	SinceSeq     int64             `json:"sinceSeq"`
	Limit        int               `json:"limit,omitempty"`
	Filter       *core.EventFilter `json:"filter,omitempty"`
}

// EventsPageResult returns the page plus the cursor for the follow-up
// subscribe call.
type EventsPageResult struct {
	Events  []core.Event `json:"events"`
	LastSeq int64        `json:"lastSeq"`
}

// ConversationParams addresses one conversation.
type ConversationParams struct {
	Conversation int64 `json:"conversation"`
}

// SubscribeParams starts a live feed. A nil SinceSeq means live-only.
type SubscribeParams struct {
	Conversation    int64             `json:"conversation"`
	SinceSeq        *int64            `json:"sinceSeq,omitempty"`
	Filter          *core.EventFilter `json:"filter,omitempty"`
	IncludeGuidance bool              `json:"includeGuidance,omitempty"`
}

// SubscribeResult identifies the subscription for unsubscribe.
type SubscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribeParams stops a feed.
type UnsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

// ClaimTurnParams attempts to own the current guidance anchor.
type ClaimTurnParams struct {
	Conversation int64  `json:"conversation"`
	AgentID      string `json:"agentId"`
	AnchorSeq    int64  `json:"anchorSeq"`
}

// AgentsParams names agents for lifecycle control. Empty AgentIDs on stop
// means all agents of the conversation.
type AgentsParams struct {
	Conversation int64    `json:"conversation"`
	AgentIDs     []string `json:"agentIds,omitempty"`
}

// WaitForChangeParams is the long-poll reconciliation backstop.
type WaitForChangeParams struct {
	Conversation int64 `json:"conversation"`
	SinceSeq     int64 `json:"sinceSeq"`
	TimeoutMs    int64 `json:"timeoutMs"`
}

// WaitForChangeResult returns the events beyond the cursor, empty on
// timeout.
type WaitForChangeResult struct {
	Events []core.Event `json:"events"`
}

// AttachmentParams addresses one named blob. Data is base64 on the wire via
// encoding/json's []byte handling.
type AttachmentParams struct {
	Conversation int64  `json:"conversation"`
	Name         string `json:"name,omitempty"`
	Data         []byte `json:"data,omitempty"`
}

// AttachmentResult returns blob bytes or the conversation's blob names.
type AttachmentResult struct {
	Data  []byte   `json:"data,omitempty"`
	Names []string `json:"names,omitempty"`
}
