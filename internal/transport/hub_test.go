package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedlink/msgsync/internal/model"
)

func connected(t *testing.T, h *Hub, userID string, threads ...string) *Endpoint {
	t.Helper()
	e := h.Endpoint(userID)
	require.NoError(t, e.Connect(context.Background(), "token"))
	for _, th := range threads {
		require.NoError(t, e.JoinThread(context.Background(), th))
	}
	return e
}

func TestHubMessageEchoesToSender(t *testing.T) {
	h := NewHub()
	a := connected(t, h, "couple", "th")
	b := connected(t, h, "vendor", "th")
	outsider := connected(t, h, "other", "th-other")

	var gotA, gotB, gotOut int
	a.OnMessageReceived(func(model.Message) { gotA++ })
	b.OnMessageReceived(func(model.Message) { gotB++ })
	outsider.OnMessageReceived(func(model.Message) { gotOut++ })

	require.NoError(t, a.EmitMessage(context.Background(), model.Message{ID: "m1", ThreadID: "th"}))
	assert.Equal(t, 1, gotA)
	assert.Equal(t, 1, gotB)
	assert.Equal(t, 0, gotOut)
}

func TestHubTypingAndReceiptsSkipSender(t *testing.T) {
	h := NewHub()
	a := connected(t, h, "couple", "th")
	b := connected(t, h, "vendor", "th")

	var selfTyping, peerTyping, peerReceipts int
	a.OnTypingIndicator(func(model.TypingEvent) { selfTyping++ })
	b.OnTypingIndicator(func(model.TypingEvent) { peerTyping++ })
	b.OnReceipt(func(model.ReceiptEvent) { peerReceipts++ })

	require.NoError(t, a.EmitTyping(context.Background(), model.TypingEvent{ThreadID: "th", UserID: "couple", Typing: true}))
	require.NoError(t, a.EmitReceipt(context.Background(), model.ReceiptEvent{ThreadID: "th", MessageIDs: []string{"m1"}}))

	assert.Equal(t, 0, selfTyping)
	assert.Equal(t, 1, peerTyping)
	assert.Equal(t, 1, peerReceipts)
}

func TestHubEmitRequiresConnection(t *testing.T) {
	h := NewHub()
	e := h.Endpoint("u")
	assert.ErrorIs(t, e.EmitMessage(context.Background(), model.Message{}), ErrNotConnected)
	assert.ErrorIs(t, e.JoinThread(context.Background(), "th"), ErrNotConnected)
}

func TestHubFailConnectsAndAuthorizer(t *testing.T) {
	h := NewHub()
	boom := errors.New("boom")
	h.FailConnects("u", boom)

	e := h.Endpoint("u")
	assert.ErrorIs(t, e.Connect(context.Background(), "t"), boom)
	assert.NoError(t, e.Connect(context.Background(), "t"))

	h.SetAuthorizer(func(userID, token string) error {
		if token != "good" {
			return errors.New("bad token")
		}
		return nil
	})
	assert.ErrorIs(t, h.Endpoint("v").Connect(context.Background(), "bad"), ErrUnauthorized)
}

func TestHubDropNotifiesOnce(t *testing.T) {
	h := NewHub()
	e := connected(t, h, "u", "th")
	var drops int
	e.OnDrop(func(error) { drops++ })

	h.Drop("u", nil)
	h.Drop("u", nil)
	assert.Equal(t, 1, drops)
	assert.False(t, e.Connected())

	// Membership survives the drop and resumes after reconnecting.
	require.NoError(t, e.Connect(context.Background(), "t"))
	assert.True(t, e.Joined("th"))
}

func TestHubPresence(t *testing.T) {
	h := NewHub()
	e := connected(t, h, "u")
	var got []model.UserStatusEvent
	e.OnUserStatusChange(func(ev model.UserStatusEvent) { got = append(got, ev) })

	h.SetOnline(model.UserStatusEvent{UserID: "vendor", Online: true})
	require.Len(t, got, 1)
	assert.True(t, got[0].Online)
}
