package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []model.TypingEvent
}

func (r *recorder) EmitTyping(_ context.Context, ev model.TypingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) flags() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Typing
	}
	return out
}

func newCoordinator() (*Coordinator, *recorder, *clock.FakeClock) {
	rec := &recorder{}
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	return New("couple-1", rec, clk), rec, clk
}

func TestLocalTypingDebounce(t *testing.T) {
	c, rec, clk := newCoordinator()

	// Keystrokes at t=0, 0.5, 1.0, 1.5, 2.0.
	for i := 0; i < 5; i++ {
		c.OnLocalInput("th")
		clk.Advance(500 * time.Millisecond)
	}
	// Last keystroke at 2.0s; now at 2.5s.
	assert.Equal(t, []bool{true}, rec.flags())

	clk.Advance(2499 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.flags())

	clk.Advance(time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.flags())
	assert.False(t, c.Typing("th"))

	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, rec.flags())
}

func TestStopEmitsImmediatelyOnce(t *testing.T) {
	c, rec, clk := newCoordinator()
	c.OnLocalInput("th")
	c.Stop("th")
	c.Stop("th")
	clk.Advance(10 * time.Second)

	assert.Equal(t, []bool{true, false}, rec.flags())
}

func TestTypingAgainAfterIdle(t *testing.T) {
	c, rec, clk := newCoordinator()
	c.OnLocalInput("th")
	clk.Advance(3 * time.Second)
	c.OnLocalInput("th")

	assert.Equal(t, []bool{true, false, true}, rec.flags())
}

func TestLocalThreadsAreIndependent(t *testing.T) {
	c, rec, clk := newCoordinator()
	c.OnLocalInput("a")
	clk.Advance(2 * time.Second)
	c.OnLocalInput("b")
	clk.Advance(time.Second)

	require.Len(t, rec.events, 3)
	assert.Equal(t, "a", rec.events[2].ThreadID)
	assert.False(t, rec.events[2].Typing)
	assert.True(t, c.Typing("b"))
}

func TestRemoteTypingExpires(t *testing.T) {
	c, _, clk := newCoordinator()
	var changes []RemoteChange
	c.OnRemoteChange(func(rc RemoteChange) { changes = append(changes, rc) })

	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: true})
	who, ok := c.Remote("th")
	require.True(t, ok)
	assert.Equal(t, "vendor-1", who)

	clk.Advance(4 * time.Second)
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: true})
	clk.Advance(4 * time.Second)
	_, ok = c.Remote("th")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Remote("th")
	assert.False(t, ok)
	assert.Equal(t, []RemoteChange{
		{ThreadID: "th", UserID: "vendor-1", Typing: true},
		{ThreadID: "th", UserID: "vendor-1", Typing: false},
	}, changes)
}

func TestRemoteStopAndOwnEventsIgnored(t *testing.T) {
	c, _, _ := newCoordinator()
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "couple-1", Typing: true})
	_, ok := c.Remote("th")
	assert.False(t, ok)

	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: true})
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: false})
	_, ok = c.Remote("th")
	assert.False(t, ok)
}

func TestAtMostOneRemoteIndicatorPerThread(t *testing.T) {
	c, _, _ := newCoordinator()
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: true})
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-2", Typing: true})

	who, ok := c.Remote("th")
	require.True(t, ok)
	assert.Equal(t, "vendor-2", who)

	// A stop from someone no longer shown is ignored.
	c.ClearRemote("th", "vendor-1")
	_, ok = c.Remote("th")
	assert.True(t, ok)
}

func TestCloseCancelsTimers(t *testing.T) {
	c, rec, clk := newCoordinator()
	c.OnLocalInput("th")
	c.OnRemoteTyping(model.TypingEvent{ThreadID: "th", UserID: "vendor-1", Typing: true})
	c.Close()
	clk.Advance(time.Minute)

	assert.Equal(t, []bool{true}, rec.flags())
	assert.Equal(t, 0, clk.Pending())
	c.OnLocalInput("th")
	assert.Equal(t, []bool{true}, rec.flags())
}
