package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wedlink/msgsync/internal/model"
)

// Hub routes events between in-process endpoints. Delivery is synchronous:
// an Emit call returns after every recipient handler has run.
//
// Messages are delivered to every endpoint joined to the thread, the sender
// included, so the sender observes its own echo. Typing and receipt events
// are delivered to the other joined endpoints only.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
	failures  map[string][]error
	authorize func(userID, token string) error
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[*Endpoint]struct{}),
		failures:  make(map[string][]error),
	}
}

// SetAuthorizer installs a token check run by Connect.
func (h *Hub) SetAuthorizer(fn func(userID, token string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = fn
}

// FailConnects makes the next len(errs) Connect calls for userID fail with
// the given errors, in order.
func (h *Hub) FailConnects(userID string, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[userID] = append(h.failures[userID], errs...)
}

// Endpoint creates a disconnected endpoint for userID.
func (h *Hub) Endpoint(userID string) *Endpoint {
	e := &Endpoint{
		Subscribers: NewSubscribers(),
		hub:         h,
		userID:      userID,
		threads:     make(map[string]struct{}),
	}
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Drop severs every connected endpoint of userID as if the network failed.
func (h *Hub) Drop(userID string, cause error) {
	if cause == nil {
		cause = errors.New("connection lost")
	}
	for _, e := range h.snapshot() {
		if e.userID == userID {
			e.drop(cause)
		}
	}
}

// SetOnline publishes a presence change for userID to every connected
// endpoint.
func (h *Hub) SetOnline(ev model.UserStatusEvent) {
	for _, e := range h.snapshot() {
		if e.Connected() {
			e.PublishUserStatus(ev)
		}
	}
}

func (h *Hub) snapshot() []*Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		out = append(out, e)
	}
	return out
}

func (h *Hub) connect(userID, token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if queued := h.failures[userID]; len(queued) > 0 {
		err := queued[0]
		h.failures[userID] = queued[1:]
		return err
	}
	if h.authorize != nil {
		if err := h.authorize(userID, token); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return nil
}

func (h *Hub) route(threadID string, from *Endpoint, includeSender bool, deliver func(*Endpoint)) {
	for _, e := range h.snapshot() {
		if e == from && !includeSender {
			continue
		}
		if e.joined(threadID) {
			deliver(e)
		}
	}
}

// Endpoint is one session's view of a Hub. It implements Channel.
type Endpoint struct {
	Subscribers

	hub    *Hub
	userID string

	mu        sync.Mutex
	connected bool
	threads   map[string]struct{}
}

var _ Channel = (*Endpoint)(nil)

func (e *Endpoint) Connect(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.hub.connect(e.userID, token); err != nil {
		return err
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// JoinThread subscribes the endpoint to a thread's events. Joined threads
// survive drops; a reconnected endpoint keeps receiving them.
func (e *Endpoint) JoinThread(ctx context.Context, threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	e.threads[threadID] = struct{}{}
	return nil
}

func (e *Endpoint) LeaveThread(threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.threads, threadID)
	return nil
}

func (e *Endpoint) EmitMessage(ctx context.Context, msg model.Message) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	e.hub.route(msg.ThreadID, e, true, func(to *Endpoint) { to.PublishMessage(msg.Clone()) })
	return nil
}

func (e *Endpoint) EmitTyping(ctx context.Context, ev model.TypingEvent) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	e.hub.route(ev.ThreadID, e, false, func(to *Endpoint) { to.PublishTyping(ev) })
	return nil
}

func (e *Endpoint) EmitReceipt(ctx context.Context, ev model.ReceiptEvent) error {
	if !e.Connected() {
		return ErrNotConnected
	}
	ev.MessageIDs = append([]string(nil), ev.MessageIDs...)
	e.hub.route(ev.ThreadID, e, false, func(to *Endpoint) { to.PublishReceipt(ev) })
	return nil
}

// Joined reports whether the endpoint receives events for threadID.
func (e *Endpoint) Joined(threadID string) bool { return e.joined(threadID) }

// joined requires an open connection as well as membership.
func (e *Endpoint) joined(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.threads[threadID]
	return ok && e.connected
}

func (e *Endpoint) drop(cause error) {
	e.mu.Lock()
	was := e.connected
	e.connected = false
	e.mu.Unlock()
	if was {
		e.PublishDrop(cause)
	}
}
