package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/transport"
)

func natsMsg(t *testing.T, subject, origin string, v any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	m := nats.NewMsg(subject)
	m.Data = data
	if origin != "" {
		m.Header.Set(originHeader, origin)
	}
	return m
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "msgsync.thread.th1.message", ThreadSubject("th1", kindMessage))
	assert.Equal(t, "msgsync.thread.th1.>", ThreadFilter("th1"))
	assert.Equal(t, "msgsync.user.u1.status", UserStatusSubject("u1"))
	assert.Equal(t, "msgsync.user.*.status", UserStatusFilter())
	assert.Equal(t, kindReceipt, subjectKind(ThreadSubject("th1", kindReceipt)))
}

func TestValidToken(t *testing.T) {
	assert.True(t, validToken("5f0c7a2e-thread"))
	assert.False(t, validToken(""))
	assert.False(t, validToken("a.b"))
	assert.False(t, validToken("a*"))
	assert.False(t, validToken("a>"))
	assert.False(t, validToken("a b"))
}

func TestHandleThreadRoutesEvents(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)

	var (
		msgs     []model.Message
		typing   []model.TypingEvent
		receipts []model.ReceiptEvent
	)
	c.OnMessageReceived(func(m model.Message) { msgs = append(msgs, m) })
	c.OnTypingIndicator(func(ev model.TypingEvent) { typing = append(typing, ev) })
	c.OnReceipt(func(ev model.ReceiptEvent) { receipts = append(receipts, ev) })

	c.handleThread(natsMsg(t, ThreadSubject("th1", kindMessage), "peer", model.Message{ID: "m1", ThreadID: "th1"}))
	c.handleThread(natsMsg(t, ThreadSubject("th1", kindTyping), "peer", model.TypingEvent{ThreadID: "th1", UserID: "vendor-1", Typing: true}))
	c.handleThread(natsMsg(t, ThreadSubject("th1", kindReceipt), "peer", model.ReceiptEvent{ThreadID: "th1", MessageIDs: []string{"m1"}, Status: model.StatusRead}))

	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	require.Len(t, typing, 1)
	assert.True(t, typing[0].Typing)
	require.Len(t, receipts, 1)
	assert.Equal(t, []string{"m1"}, receipts[0].MessageIDs)
}

func TestHandleThreadSkipsOwnEphemeralEvents(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)

	var msgs, others int
	c.OnMessageReceived(func(model.Message) { msgs++ })
	c.OnTypingIndicator(func(model.TypingEvent) { others++ })
	c.OnReceipt(func(model.ReceiptEvent) { others++ })

	c.handleThread(natsMsg(t, ThreadSubject("th1", kindMessage), c.origin, model.Message{ID: "m1", ThreadID: "th1"}))
	c.handleThread(natsMsg(t, ThreadSubject("th1", kindTyping), c.origin, model.TypingEvent{ThreadID: "th1"}))
	c.handleThread(natsMsg(t, ThreadSubject("th1", kindReceipt), c.origin, model.ReceiptEvent{ThreadID: "th1"}))

	assert.Equal(t, 1, msgs, "own messages are echoed")
	assert.Equal(t, 0, others)
}

func TestHandleThreadDropsMalformedPayloads(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)
	called := false
	c.OnMessageReceived(func(model.Message) { called = true })

	m := nats.NewMsg(ThreadSubject("th1", kindMessage))
	m.Data = []byte("{not json")
	c.handleThread(m)

	assert.False(t, called)
}

func TestHandlePresence(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)
	var got []model.UserStatusEvent
	c.OnUserStatusChange(func(ev model.UserStatusEvent) { got = append(got, ev) })

	c.handlePresence(natsMsg(t, UserStatusSubject("vendor-1"), "peer", model.UserStatusEvent{UserID: "vendor-1", Online: true}))
	c.handlePresence(natsMsg(t, UserStatusSubject("couple-1"), c.origin, model.UserStatusEvent{UserID: "couple-1", Online: true}))

	require.Len(t, got, 1)
	assert.Equal(t, "vendor-1", got[0].UserID)
}

func TestDisconnectedChannel(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)
	ctx := context.Background()

	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.JoinThread(ctx, "th1"), transport.ErrNotConnected)
	assert.ErrorIs(t, c.EmitMessage(ctx, model.Message{ThreadID: "th1"}), transport.ErrNotConnected)
	assert.ErrorIs(t, c.EmitTyping(ctx, model.TypingEvent{ThreadID: "th1"}), transport.ErrNotConnected)
	assert.ErrorIs(t, c.EmitReceipt(ctx, model.ReceiptEvent{ThreadID: "th1"}), transport.ErrNotConnected)
	_, err := c.Replay(ctx, "th1", time.Time{})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	assert.Error(t, c.JoinThread(ctx, "th.1"))
	assert.NoError(t, c.LeaveThread("th1"))
	assert.NoError(t, c.Disconnect())
}

func TestConnectFailureIsNotUnauthorized(t *testing.T) {
	c := NewChannel(Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}, "couple-1", nil)

	err := c.Connect(context.Background(), "token")
	require.Error(t, err)
	assert.False(t, errors.Is(err, transport.ErrUnauthorized))
	assert.False(t, c.Connected())
}

func TestHandleDisconnectPublishesDrop(t *testing.T) {
	c := NewChannel(Config{}, "couple-1", nil)
	var drops []error
	c.OnDrop(func(err error) { drops = append(drops, err) })

	nc := &nats.Conn{}
	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()

	c.handleDisconnect(nc, errors.New("read: connection reset"))
	require.Len(t, drops, 1)
	assert.EqualError(t, drops[0], "read: connection reset")

	c.mu.Lock()
	assert.Nil(t, c.conn)
	c.mu.Unlock()

	// A second notification for the same connection is stale.
	c.handleDisconnect(nc, errors.New("closed"))
	assert.Len(t, drops, 1)
}
