package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/logging"
)

// ErrClosed is returned by calls issued after the connection ended.
var ErrClosed = errors.New("transport: connection closed")

// Notification is one server push delivered to the client's channel.
type Notification struct {
	Event        *core.Event
	Guidance     *core.GuidanceAnchor
	Conversation *core.Conversation
}

// ClientOptions configures Dial.
type ClientOptions struct {
	// NotificationBuffer sizes the notification channel. Defaults to 256.
	NotificationBuffer int

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Client is a WebSocket connection speaking the envelope protocol. Responses
// are correlated to calls by id; server pushes surface on Notifications.
// After a disconnect, callers reconnect with a fresh Dial and repeat the
// backlog→subscribe handoff from the last seq they observed.
type Client struct {
	conn   *websocket.Conn
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan Envelope

	notifications chan Notification
}

// Dial connects to a transport server endpoint.
func Dial(ctx context.Context, url string, optFns ...func(o *ClientOptions)) (*Client, error) {
	opts := ClientOptions{NotificationBuffer: 256, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:          conn,
		logger:        opts.Logger,
		ctx:           cctx,
		cancel:        cancel,
		pending:       make(map[string]chan Envelope),
		notifications: make(chan Notification, opts.NotificationBuffer),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers server pushes in arrival order. The channel closes
// when the connection ends.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// Close tears the connection down.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) readLoop() {
	defer func() {
		c.cancel()
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.notifications)
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if env.ID != "" && (env.Result != nil || env.Error != nil) {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		if env.Method != "" {
			c.deliver(env)
		}
	}
}

func (c *Client) deliver(env Envelope) {
	var n Notification
	switch env.Method {
	case NotifyEvent:
		var ev core.Event
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			c.logger.Warn("dropping malformed event notification", "error", err)
			return
		}
		n.Event = &ev
	case NotifyGuidance:
		var g core.GuidanceAnchor
		if err := json.Unmarshal(env.Params, &g); err != nil {
			c.logger.Warn("dropping malformed guidance notification", "error", err)
			return
		}
		n.Guidance = &g
	case NotifyConversation:
		var conv core.Conversation
		if err := json.Unmarshal(env.Params, &conv); err != nil {
			c.logger.Warn("dropping malformed conversation notification", "error", err)
			return
		}
		n.Conversation = &conv
	default:
		c.logger.Warn("unknown notification method", "method", env.Method)
		return
	}

	select {
	case c.notifications <- n:
	case <-c.ctx.Done():
	}
}

// Call performs one request/response round trip. Server errors come back as
// *RPCError carrying the taxonomy code.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	env := Envelope{Protocol: Protocol, ID: uuid.NewString(), Method: method, Params: raw}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// CreateConversation creates a conversation from metadata.
func (c *Client) CreateConversation(ctx context.Context, meta core.Metadata) (*core.Conversation, error) {
	var conv core.Conversation
	if err := c.Call(ctx, MethodCreateConversation, CreateConversationParams{Meta: meta}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage appends an event. Reusing ClientRequestID across retries keeps
// the append idempotent.
func (c *Client) SendMessage(ctx context.Context, p AppendParams) (*core.Event, error) {
	var ev core.Event
	if err := c.Call(ctx, MethodSendMessage, p, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEventsPage fetches a backlog page; LastSeq feeds the follow-up
// Subscribe.
func (c *Client) GetEventsPage(ctx context.Context, p EventsPageParams) (*EventsPageResult, error) {
	var res EventsPageResult
	if err := c.Call(ctx, MethodGetEventsPage, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe starts a live feed; notifications arrive on Notifications.
func (c *Client) Subscribe(ctx context.Context, p SubscribeParams) (string, error) {
	var res SubscribeResult
	if err := c.Call(ctx, MethodSubscribe, p, &res); err != nil {
		return "", err
	}
	return res.SubscriptionID, nil
}

// Unsubscribe stops a feed.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.Call(ctx, MethodUnsubscribe, UnsubscribeParams{SubscriptionID: id}, nil)
}

// SubscribeConversations subscribes to new-conversation announcements.
func (c *Client) SubscribeConversations(ctx context.Context) (string, error) {
	var res SubscribeResult
	if err := c.Call(ctx, MethodSubscribeConvs, struct{}{}, &res); err != nil {
		return "", err
	}
	return res.SubscriptionID, nil
}

// ClaimTurn attempts to own the current guidance anchor.
func (c *Client) ClaimTurn(ctx context.Context, conversation int64, agentID string, anchorSeq int64) (core.ClaimResult, error) {
	var res core.ClaimResult
	err := c.Call(ctx, MethodClaimTurn, ClaimTurnParams{Conversation: conversation, AgentID: agentID, AnchorSeq: anchorSeq}, &res)
	return res, err
}

// GetSnapshot returns the conversation's full read view.
func (c *Client) GetSnapshot(ctx context.Context, conversation int64) (*core.Snapshot, error) {
	var snap core.Snapshot
	if err := c.Call(ctx, MethodGetSnapshot, ConversationParams{Conversation: conversation}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetHydratedSnapshot returns the scenario-merged read view.
func (c *Client) GetHydratedSnapshot(ctx context.Context, conversation int64) (*core.HydratedSnapshot, error) {
	var snap core.HydratedSnapshot
	if err := c.Call(ctx, MethodGetHydrated, ConversationParams{Conversation: conversation}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WaitForChange long-polls for events beyond sinceSeq.
func (c *Client) WaitForChange(ctx context.Context, conversation, sinceSeq int64, timeout time.Duration) ([]core.Event, error) {
	var res WaitForChangeResult
	p := WaitForChangeParams{Conversation: conversation, SinceSeq: sinceSeq, TimeoutMs: timeout.Milliseconds()}
	if err := c.Call(ctx, MethodWaitForChange, p, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// EnsureAgentsRunning asks the server to run the named agents.
func (c *Client) EnsureAgentsRunning(ctx context.Context, conversation int64, agentIDs []string) error {
	return c.Call(ctx, MethodEnsureAgents, AgentsParams{Conversation: conversation, AgentIDs: agentIDs}, nil)
}

// StopAgentsOnServer stops the named agents, or all when none are named.
func (c *Client) StopAgentsOnServer(ctx context.Context, conversation int64, agentIDs []string) error {
	return c.Call(ctx, MethodStopAgents, AgentsParams{Conversation: conversation, AgentIDs: agentIDs}, nil)
}
