// Package typing debounces local typing notifications and tracks the
// remote participant's typing indicator per thread.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/clock"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

const (
	DefaultIdle         = 3 * time.Second
	DefaultRemoteExpiry = 5 * time.Second
)

// Emitter sends typing events to the other participant.
type Emitter interface {
	EmitTyping(ctx context.Context, ev model.TypingEvent) error
}

// RemoteChange is published when a thread's remote indicator appears or
// clears.
type RemoteChange struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Typing   bool   `json:"typing"`
}

type localState struct {
	timer    *clock.Timer
	deadline time.Time
}

type remoteState struct {
	userID   string
	timer    *clock.Timer
	deadline time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	userID       string
	emitter      Emitter
	clock        clock.Clock
	idle         time.Duration
	remoteExpiry time.Duration
	logger       *logger.Logger

	mu      sync.Mutex
	local   map[string]*localState
	remote  map[string]*remoteState
	closed  bool
	changes *events.Bus[RemoteChange]
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdle overrides the local idle timeout.
func WithIdle(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithRemoteExpiry overrides how long a remote indicator lives without a
// refresh.
func WithRemoteExpiry(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.remoteExpiry = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.OrNop(log).Named("typing") }
}

// New creates a coordinator for the local user.
func New(userID string, emitter Emitter, clk clock.Clock, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{
		userID:       userID,
		emitter:      emitter,
		clock:        clk,
		idle:         DefaultIdle,
		remoteExpiry: DefaultRemoteExpiry,
		logger:       logger.NewNop(),
		local:        make(map[string]*localState),
		remote:       make(map[string]*remoteState),
		changes:      events.NewBus[RemoteChange](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnLocalInput registers a keystroke. The first keystroke after idle emits
// typing started; every keystroke pushes the idle deadline out.
func (c *Coordinator) OnLocalInput(threadID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if st, ok := c.local[threadID]; ok {
		st.deadline = now.Add(c.idle)
		st.timer.Reset(c.idle)
		c.mu.Unlock()
		return
	}
	st := &localState{deadline: now.Add(c.idle)}
	c.local[threadID] = st
	st.timer = c.clock.AfterFunc(c.idle, func() { c.expireLocal(threadID, st) })
	c.mu.Unlock()

	c.emit(threadID, true)
}

// Stop ends local typing immediately, as on send or cleared input.
func (c *Coordinator) Stop(threadID string) {
	c.mu.Lock()
	st, ok := c.local[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.local, threadID)
	st.timer.Stop()
	c.mu.Unlock()

	c.emit(threadID, false)
}

// Typing reports whether a typing started event is outstanding for the
// thread.
func (c *Coordinator) Typing(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[threadID]
	return ok
}

func (c *Coordinator) expireLocal(threadID string, st *localState) {
	c.mu.Lock()
	if c.local[threadID] != st || c.clock.Now().Before(st.deadline) {
		c.mu.Unlock()
		return
	}
	delete(c.local, threadID)
	c.mu.Unlock()

	c.emit(threadID, false)
}

func (c *Coordinator) emit(threadID string, typing bool) {
	metrics.TypingEvents.WithLabelValues("local").Inc()
	if c.emitter == nil {
		return
	}
	ev := model.TypingEvent{
		ThreadID: threadID,
		UserID:   c.userID,
		Typing:   typing,
		At:       c.clock.Now(),
	}
	if err := c.emitter.EmitTyping(context.Background(), ev); err != nil {
		c.logger.Debug("typing emit failed",
			zap.String("thread_id", threadID),
			zap.Bool("typing", typing),
			zap.Error(err),
		)
	}
}

// OnRemoteChange subscribes to remote indicator changes.
func (c *Coordinator) OnRemoteChange(fn func(RemoteChange)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// OnRemoteTyping applies a typing event received from the transport.
// Events from the local user are ignored.
func (c *Coordinator) OnRemoteTyping(ev model.TypingEvent) {
	if ev.UserID == c.userID || ev.ThreadID == "" {
		return
	}
	metrics.TypingEvents.WithLabelValues("remote").Inc()
	if !ev.Typing {
		c.ClearRemote(ev.ThreadID, ev.UserID)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	deadline := c.clock.Now().Add(c.remoteExpiry)
	rs, ok := c.remote[ev.ThreadID]
	changed := !ok || rs.userID != ev.UserID
	if ok {
		rs.userID = ev.UserID
		rs.deadline = deadline
		rs.timer.Reset(c.remoteExpiry)
	} else {
		rs = &remoteState{userID: ev.UserID, deadline: deadline}
		c.remote[ev.ThreadID] = rs
		rs.timer = c.clock.AfterFunc(c.remoteExpiry, func() { c.expireRemote(ev.ThreadID, rs) })
	}
	c.mu.Unlock()

	if changed {
		c.changes.Publish(RemoteChange{ThreadID: ev.ThreadID, UserID: ev.UserID, Typing: true})
	}
}

// ClearRemote hides the thread's indicator if it belongs to userID. An
// empty userID clears whoever is typing.
func (c *Coordinator) ClearRemote(threadID, userID string) {
	c.mu.Lock()
	rs, ok := c.remote[threadID]
	if !ok || (userID != "" && rs.userID != userID) {
		c.mu.Unlock()
		return
	}
	delete(c.remote, threadID)
	rs.timer.Stop()
	c.mu.Unlock()

	c.changes.Publish(RemoteChange{ThreadID: threadID, UserID: rs.userID, Typing: false})
}

// Remote returns who is typing in the thread, if anyone.
func (c *Coordinator) Remote(threadID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.remote[threadID]
	if !ok {
		return "", false
	}
	return rs.userID, true
}

func (c *Coordinator) expireRemote(threadID string, rs *remoteState) {
	c.mu.Lock()
	if c.remote[threadID] != rs || c.clock.Now().Before(rs.deadline) {
		c.mu.Unlock()
		return
	}
	delete(c.remote, threadID)
	c.mu.Unlock()

	c.changes.Publish(RemoteChange{ThreadID: threadID, UserID: rs.userID, Typing: false})
}

// Close cancels every timer and drops listeners. No stop events are sent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, st := range c.local {
		st.timer.Stop()
		delete(c.local, id)
	}
	for id, rs := range c.remote {
		rs.timer.Stop()
		delete(c.remote, id)
	}
	c.mu.Unlock()
	c.changes.Close()
}
