// Package transport defines the bidirectional real-time channel the engine
// talks through. The NATS implementation lives in internal/nats; Hub is an
// in-process implementation used by tests and single-node deployments.
package transport

import (
	"context"
	"errors"

	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
)

var (
	// ErrNotConnected is returned by emit and join calls while the channel
	// is down.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnauthorized is returned by Connect when the session token is
	// rejected.
	ErrUnauthorized = errors.New("transport rejected session token")
)

// Channel is a bidirectional real-time connection scoped to one session.
// Every On* method returns a function that removes the handler.
type Channel interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Connected() bool

	JoinThread(ctx context.Context, threadID string) error
	LeaveThread(threadID string) error

	EmitMessage(ctx context.Context, msg model.Message) error
	EmitTyping(ctx context.Context, ev model.TypingEvent) error
	EmitReceipt(ctx context.Context, ev model.ReceiptEvent) error

	OnMessageReceived(fn func(model.Message)) (unsubscribe func())
	OnTypingIndicator(fn func(model.TypingEvent)) (unsubscribe func())
	OnReceipt(fn func(model.ReceiptEvent)) (unsubscribe func())
	OnUserStatusChange(fn func(model.UserStatusEvent)) (unsubscribe func())
	OnError(fn func(error)) (unsubscribe func())

	// OnDrop fires when an established connection is lost without a call
	// to Disconnect.
	OnDrop(fn func(error)) (unsubscribe func())
}

// Subscribers holds the handler lists behind the On* methods. Channel
// implementations embed it and call the Publish* methods.
type Subscribers struct {
	messages *events.Bus[model.Message]
	typing   *events.Bus[model.TypingEvent]
	receipts *events.Bus[model.ReceiptEvent]
	presence *events.Bus[model.UserStatusEvent]
	errs     *events.Bus[error]
	drops    *events.Bus[error]
}

// NewSubscribers creates empty handler lists.
func NewSubscribers() Subscribers {
	return Subscribers{
		messages: events.NewBus[model.Message](),
		typing:   events.NewBus[model.TypingEvent](),
		receipts: events.NewBus[model.ReceiptEvent](),
		presence: events.NewBus[model.UserStatusEvent](),
		errs:     events.NewBus[error](),
		drops:    events.NewBus[error](),
	}
}

func (s Subscribers) OnMessageReceived(fn func(model.Message)) func() {
	return s.messages.Subscribe(fn)
}

func (s Subscribers) OnTypingIndicator(fn func(model.TypingEvent)) func() {
	return s.typing.Subscribe(fn)
}

func (s Subscribers) OnReceipt(fn func(model.ReceiptEvent)) func() {
	return s.receipts.Subscribe(fn)
}

func (s Subscribers) OnUserStatusChange(fn func(model.UserStatusEvent)) func() {
	return s.presence.Subscribe(fn)
}

func (s Subscribers) OnError(fn func(error)) func() { return s.errs.Subscribe(fn) }

func (s Subscribers) OnDrop(fn func(error)) func() { return s.drops.Subscribe(fn) }

func (s Subscribers) PublishMessage(m model.Message) { s.messages.Publish(m) }
func (s Subscribers) PublishTyping(ev model.TypingEvent) { s.typing.Publish(ev) }
func (s Subscribers) PublishReceipt(ev model.ReceiptEvent) { s.receipts.Publish(ev) }
func (s Subscribers) PublishUserStatus(ev model.UserStatusEvent) { s.presence.Publish(ev) }
func (s Subscribers) PublishError(err error) { s.errs.Publish(err) }
func (s Subscribers) PublishDrop(err error) { s.drops.Publish(err) }

// CloseSubscribers drops every handler.
func (s Subscribers) CloseSubscribers() {
	s.messages.Close()
	s.typing.Close()
	s.receipts.Close()
	s.presence.Close()
	s.errs.Close()
	s.drops.Close()
}
