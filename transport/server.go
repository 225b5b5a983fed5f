package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/hub"
	"github.com/hupe1980/colloquy/logging"
	"github.com/hupe1980/colloquy/orchestrator"
)

// defaultWaitTimeout bounds waitForChange calls that omit a timeout.
const defaultWaitTimeout = 30 * time.Second

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 5 * time.Second

// AgentHost is the lifecycle control surface the transport exposes remotely.
// Both operations are idempotent.
type AgentHost interface {
	Ensure(ctx context.Context, conversation int64, agentIDs []string) error
	Stop(ctx context.Context, conversation int64, agentIDs []string) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Host serves ensureAgentsRunning / stopAgentsOnServer. Nil rejects
	// those methods with a validation error.
	Host AgentHost

	// OriginPatterns is passed to the WebSocket accept handshake.
	OriginPatterns []string

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Server terminates WebSocket connections and maps envelopes onto
// orchestrator operations. Connections are independent sessions; a slow or
// stalled one never delays the others.
type Server struct {
	orch           *orchestrator.Orchestrator
	host           AgentHost
	originPatterns []string
	logger         logging.Logger
}

// NewServer wraps an orchestrator.
func NewServer(orch *orchestrator.Orchestrator, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		orch:           orch,
		host:           opts.Host,
		originPatterns: opts.OriginPatterns,
		logger:         opts.Logger,
	}
}

// HandleWebSocket is the HTTP handler for the WebSocket endpoint.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess := newSession(conn, s)
	defer sess.cleanup()
	sess.run()
}

// session is one connected client: a read loop dispatching requests, a write
// pump serializing outbound frames, and a relay goroutine per subscription.
type session struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]struct{}
}

func newSession(conn *websocket.Conn, server *Server) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		server: server,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
	}
}

func (c *session) run() {
	go c.writePump()
	c.readPump()
}

func (c *session) readPump() {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		// Requests run concurrently so a long poll never stalls the
		// connection.
		go c.handle(data)
	}
}

func (c *session) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *session) cleanup() {
	c.cancel()
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subs = make(map[string]struct{})
	c.mu.Unlock()
	for _, id := range ids {
		c.server.orch.Unsubscribe(id)
	}
}

func (c *session) sendEnvelope(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.server.logger.Error("marshal envelope", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *session) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendEnvelope(Envelope{Protocol: Protocol, Error: &ErrorObject{Code: core.CodeValidation, Message: "invalid JSON frame"}})
		return
	}
	if env.Method == "" {
		return
	}

	result, err := c.dispatch(env.Method, env.Params)
	if env.ID == "" {
		return
	}
	reply := Envelope{Protocol: Protocol, ID: env.ID}
	if err != nil {
		reply.Error = errorObject(err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = &ErrorObject{Code: core.CodeInternal, Message: merr.Error()}
		} else {
			reply.Result = raw
		}
	}
	c.sendEnvelope(reply)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, core.NewValidationError("missing params")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, core.NewValidationError("malformed params: %v", err)
	}
	return v, nil
}

func (c *session) dispatch(method string, raw json.RawMessage) (any, error) {
	ctx := c.ctx
	orch := c.server.orch

	switch method {
	case MethodCreateConversation:
		p, err := decode[CreateConversationParams](raw)
		if err != nil {
			return nil, err
		}
		return orch.CreateConversation(ctx, p.Meta)

	case MethodSendMessage, MethodAppendEvent:
		p, err := decode[AppendParams](raw)
		if err != nil {
			return nil, err
		}
		in := core.AppendInput{
			Conversation: p.Conversation,
			Type:         p.Type,
			Payload:      p.Payload,
			Finality:     p.Finality,
			AgentID:      p.AgentID,
			Precondition: p.Precondition,
		}
		if in.Type == "" {
			in.Type = core.EventMessage
		}
		if in.Finality == "" {
			in.Finality = core.FinalityNone
		}
		return orch.Append(ctx, in, p.ClientRequestID)

	case MethodGetEventsPage:
		p, err := decode[EventsPageParams](raw)
		if err != nil {
			return nil, err
		}
		events, err := orch.EventsPage(ctx, p.Conversation, p.SinceSeq, p.Limit, p.Filter)
		if err != nil {
			return nil, err
		}
		res := EventsPageResult{Events: events, LastSeq: p.SinceSeq}
		if len(events) > 0 {
			res.LastSeq = events[len(events)-1].Seq
		}
		return res, nil

	case MethodGetConversation:
		p, err := decode[ConversationParams](raw)
		if err != nil {
			return nil, err
		}
		return orch.GetConversation(ctx, p.Conversation)

	case MethodGetSnapshot:
		p, err := decode[ConversationParams](raw)
		if err != nil {
			return nil, err
		}
		return orch.Snapshot(ctx, p.Conversation)

	case MethodGetHydrated:
		p, err := decode[ConversationParams](raw)
		if err != nil {
			return nil, err
		}
		return orch.HydratedSnapshot(ctx, p.Conversation)

	case MethodListConversations:
		return orch.ListConversations(ctx)

	case MethodSubscribe:
		p, err := decode[SubscribeParams](raw)
		if err != nil {
			return nil, err
		}
		return c.subscribe(orchestrator.SubscribeOptions{
			Conversation:    p.Conversation,
			SinceSeq:        p.SinceSeq,
			Filter:          p.Filter,
			IncludeGuidance: p.IncludeGuidance,
		})

	case MethodSubscribeConvs:
		return c.subscribe(orchestrator.SubscribeOptions{Announcements: true})

	case MethodUnsubscribe:
		p, err := decode[UnsubscribeParams](raw)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		_, known := c.subs[p.SubscriptionID]
		delete(c.subs, p.SubscriptionID)
		c.mu.Unlock()
		if !known {
			return nil, fmt.Errorf("subscription %s: %w", p.SubscriptionID, core.ErrNotFound)
		}
		orch.Unsubscribe(p.SubscriptionID)
		return struct{}{}, nil

	case MethodClaimTurn:
		p, err := decode[ClaimTurnParams](raw)
		if err != nil {
			return nil, err
		}
		return orch.ClaimTurn(ctx, p.Conversation, p.AgentID, p.AnchorSeq)

	case MethodEnsureAgents:
		p, err := decode[AgentsParams](raw)
		if err != nil {
			return nil, err
		}
		if c.server.host == nil {
			return nil, core.NewValidationError("agent lifecycle not configured")
		}
		return struct{}{}, c.server.host.Ensure(ctx, p.Conversation, p.AgentIDs)

	case MethodStopAgents:
		p, err := decode[AgentsParams](raw)
		if err != nil {
			return nil, err
		}
		if c.server.host == nil {
			return nil, core.NewValidationError("agent lifecycle not configured")
		}
		return struct{}{}, c.server.host.Stop(ctx, p.Conversation, p.AgentIDs)

	case MethodWaitForChange:
		p, err := decode[WaitForChangeParams](raw)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = defaultWaitTimeout
		}
		events, err := orch.WaitForChange(ctx, p.Conversation, p.SinceSeq, timeout)
		if err != nil {
			return nil, err
		}
		return WaitForChangeResult{Events: events}, nil

	case MethodPutAttachment:
		p, err := decode[AttachmentParams](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, orch.PutAttachment(ctx, p.Conversation, p.Name, p.Data)

	case MethodGetAttachment:
		p, err := decode[AttachmentParams](raw)
		if err != nil {
			return nil, err
		}
		data, err := orch.GetAttachment(ctx, p.Conversation, p.Name)
		if err != nil {
			return nil, err
		}
		return AttachmentResult{Data: data}, nil

	case MethodListAttachments:
		p, err := decode[AttachmentParams](raw)
		if err != nil {
			return nil, err
		}
		names, err := orch.ListAttachments(ctx, p.Conversation)
		if err != nil {
			return nil, err
		}
		return AttachmentResult{Names: names}, nil

	default:
		return nil, core.NewValidationError("unknown method %q", method)
	}
}

// subscribe registers the subscription with the orchestrator and starts the
// relay goroutine forwarding hub notifications to this connection.
func (c *session) subscribe(opts orchestrator.SubscribeOptions) (SubscribeResult, error) {
	sub, err := c.server.orch.Subscribe(c.ctx, opts)
	if err != nil {
		return SubscribeResult{}, err
	}

	c.mu.Lock()
	c.subs[sub.ID()] = struct{}{}
	c.mu.Unlock()

	go c.relay(sub)
	return SubscribeResult{SubscriptionID: sub.ID()}, nil
}

func (c *session) relay(sub *hub.Subscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			c.forward(n)
		}
	}
}

// forward translates one hub notification into wire frames. An event and its
// guidance arrive as separate frames, event first.
func (c *session) forward(n hub.Notification) {
	if n.Event != nil {
		c.notify(NotifyEvent, n.Event)
	}
	if n.Guidance != nil {
		c.notify(NotifyGuidance, n.Guidance)
	}
	if n.Conversation != nil {
		c.notify(NotifyConversation, n.Conversation)
	}
}

func (c *session) notify(method string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.server.logger.Error("marshal notification", "method", method, "error", err)
		return
	}
	c.sendEnvelope(Envelope{Protocol: Protocol, Method: method, Params: raw})
}
