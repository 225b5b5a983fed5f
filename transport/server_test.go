package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/hupe1980/colloquy/blob"
	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/orchestrator"
)

func newTestServer(t *testing.T) (*orchestrator.Orchestrator, string) {
	t.Helper()
	orch := orchestrator.New(func(o *orchestrator.Options) {
		o.Blobs = blob.NewInMemoryStore()
	})
	srv := NewServer(orch)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return orch, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func createTwoParty(t *testing.T, c *Client) *core.Conversation {
	t.Helper()
	conv, err := c.CreateConversation(context.Background(), core.Metadata{
		Participants:  []core.Participant{{ID: "alpha"}, {ID: "beta"}},
		StartingAgent: "alpha",
	})
	require.NoError(t, err)
	return conv
}

func nextNotification(t *testing.T, c *Client) Notification {
	t.Helper()
	select {
	case n, ok := <-c.Notifications():
		require.True(t, ok, "notification channel closed")
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestRoundTrip(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()

	conv := createTwoParty(t, c)
	assert.Equal(t, core.StatusCreated, conv.Status)

	ev, err := c.SendMessage(ctx, AppendParams{
		Conversation: conv.ID,
		AgentID:      "alpha",
		Payload:      core.TextPayload("hello"),
		Finality:     core.FinalityTurn,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Turn)

	snap, err := c.GetSnapshot(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, ev.Seq, snap.Head.LastClosedSeq)
}

func TestErrorEnvelopes(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()

	_, err := c.GetSnapshot(ctx, 999)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, core.CodeNotFound, rpcErr.Code)

	err = c.Call(ctx, "bogusMethod", struct{}{}, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, core.CodeValidation, rpcErr.Code)

	// A failed request closes only that request, not the connection.
	_, err = c.GetSnapshot(ctx, 1000)
	require.True(t, errors.As(err, &rpcErr))
	conv := createTwoParty(t, c)
	assert.NotZero(t, conv.ID)
}

func TestIdempotentAppendOverTransport(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	p := AppendParams{
		Conversation:    conv.ID,
		AgentID:         "alpha",
		Payload:         core.TextPayload("once"),
		ClientRequestID: core.NewRequestID(),
	}
	first, err := c.SendMessage(ctx, p)
	require.NoError(t, err)
	second, err := c.SendMessage(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq)

	snap, err := c.GetSnapshot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 1)
}

func TestBacklogSubscribeHandoff(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	for i := 0; i < 5; i++ {
		_, err := c.SendMessage(ctx, AppendParams{
			Conversation: conv.ID,
			AgentID:      "alpha",
			Payload:      core.TextPayload(fmt.Sprintf("m%d", i)),
		})
		require.NoError(t, err)
	}

	page, err := c.GetEventsPage(ctx, EventsPageParams{Conversation: conv.ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)

	// Appends race the subscribe call on a second connection.
	other := dial(t, url)
	const extra = 10
	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for i := 0; i < extra; i++ {
			if _, err := other.SendMessage(context.Background(), AppendParams{
				Conversation: conv.ID,
				AgentID:      "alpha",
				Payload:      core.TextPayload(fmt.Sprintf("live%d", i)),
			}); err != nil {
				panic(err)
			}
		}
	}()

	since := page.LastSeq
	_, err = c.Subscribe(ctx, SubscribeParams{Conversation: conv.ID, SinceSeq: &since})
	require.NoError(t, err)
	<-appended

	want := 2 + extra
	last := since
	seen := make(map[int64]bool)
	for i := 0; i < want; i++ {
		n := nextNotification(t, c)
		require.NotNil(t, n.Event)
		assert.Greater(t, n.Event.Seq, last, "delivery must be seq-ascending")
		assert.False(t, seen[n.Event.Seq], "event %d delivered twice", n.Event.Seq)
		seen[n.Event.Seq] = true
		last = n.Event.Seq
	}

	all, err := c.GetEventsPage(ctx, EventsPageParams{Conversation: conv.ID, SinceSeq: since})
	require.NoError(t, err)
	require.Len(t, all.Events, want)
	for _, ev := range all.Events {
		assert.True(t, seen[ev.Seq], "event %d never delivered", ev.Seq)
	}
}

func TestReconnectWithoutGapsOrDuplicates(t *testing.T) {
	_, url := newTestServer(t)
	ctx := context.Background()

	first := dial(t, url)
	conv := createTwoParty(t, first)

	var zero int64
	_, err := first.Subscribe(ctx, SubscribeParams{Conversation: conv.ID, SinceSeq: &zero})
	require.NoError(t, err)

	ev, err := first.SendMessage(ctx, AppendParams{Conversation: conv.ID, AgentID: "alpha", Payload: core.TextPayload("before")})
	require.NoError(t, err)

	n := nextNotification(t, first)
	require.NotNil(t, n.Event)
	lastObserved := n.Event.Seq
	assert.Equal(t, ev.Seq, lastObserved)

	// The connection drops; events keep arriving while we are away.
	require.NoError(t, first.Close())

	other := dial(t, url)
	var missedSeqs []int64
	for i := 0; i < 3; i++ {
		ev, err := other.SendMessage(ctx, AppendParams{
			Conversation: conv.ID,
			AgentID:      "alpha",
			Payload:      core.TextPayload(fmt.Sprintf("missed%d", i)),
		})
		require.NoError(t, err)
		missedSeqs = append(missedSeqs, ev.Seq)
	}

	// Reconnect from the last seq actually observed.
	second := dial(t, url)
	_, err = second.Subscribe(ctx, SubscribeParams{Conversation: conv.ID, SinceSeq: &lastObserved})
	require.NoError(t, err)

	for _, want := range missedSeqs {
		n := nextNotification(t, second)
		require.NotNil(t, n.Event)
		assert.Equal(t, want, n.Event.Seq)
	}

	// And live delivery continues seamlessly.
	ev, err = other.SendMessage(ctx, AppendParams{Conversation: conv.ID, AgentID: "alpha", Payload: core.TextPayload("after")})
	require.NoError(t, err)
	n = nextNotification(t, second)
	require.NotNil(t, n.Event)
	assert.Equal(t, ev.Seq, n.Event.Seq)
}

func TestClaimTurnOverTransport(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	res, err := c.ClaimTurn(ctx, conv.ID, "alpha", 0)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = c.ClaimTurn(ctx, conv.ID, "alpha", 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, core.ReasonAlreadyClaimed, res.Reason)
}

func TestGuidanceNotifications(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	_, err := c.Subscribe(ctx, SubscribeParams{Conversation: conv.ID, IncludeGuidance: true})
	require.NoError(t, err)

	ev, err := c.SendMessage(ctx, AppendParams{
		Conversation: conv.ID,
		AgentID:      "alpha",
		Payload:      core.TextPayload("done"),
		Finality:     core.FinalityTurn,
	})
	require.NoError(t, err)

	n := nextNotification(t, c)
	require.NotNil(t, n.Event)
	assert.Equal(t, ev.Seq, n.Event.Seq)

	n = nextNotification(t, c)
	require.NotNil(t, n.Guidance)
	assert.Equal(t, "beta", n.Guidance.NextAgent)
	assert.Equal(t, ev.Seq, n.Guidance.AnchorSeq)
}

func TestSubscribeConversations(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()

	_, err := c.SubscribeConversations(ctx)
	require.NoError(t, err)

	conv := createTwoParty(t, c)

	n := nextNotification(t, c)
	require.NotNil(t, n.Conversation)
	assert.Equal(t, conv.ID, n.Conversation.ID)
}

func TestWaitForChangeOverTransport(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	events, err := c.WaitForChange(ctx, conv.ID, 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = c.SendMessage(context.Background(), AppendParams{Conversation: conv.ID, AgentID: "alpha", Payload: core.TextPayload("wake")})
	}()
	events, err = c.WaitForChange(ctx, conv.ID, 0, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAttachmentsOverTransport(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)
	ctx := context.Background()
	conv := createTwoParty(t, c)

	err := c.Call(ctx, MethodPutAttachment, AttachmentParams{Conversation: conv.ID, Name: "notes", Data: []byte("hello")}, nil)
	require.NoError(t, err)

	var got AttachmentResult
	require.NoError(t, c.Call(ctx, MethodGetAttachment, AttachmentParams{Conversation: conv.ID, Name: "notes"}, &got))
	assert.Equal(t, []byte("hello"), got.Data)

	var list AttachmentResult
	require.NoError(t, c.Call(ctx, MethodListAttachments, AttachmentParams{Conversation: conv.ID}, &list))
	assert.Equal(t, []string{"notes"}, list.Names)
}

func TestUnsubscribeUnknown(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url)

	err := c.Unsubscribe(context.Background(), "no-such-subscription")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, core.CodeNotFound, rpcErr.Code)
}

func TestEnvelopeCarriesProtocol(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	frame, err := json.Marshal(Envelope{Protocol: Protocol, ID: "1", Method: MethodListConversations})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply Envelope
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, Protocol, reply.Protocol)
	assert.Equal(t, "1", reply.ID)
	assert.Nil(t, reply.Error)
}
