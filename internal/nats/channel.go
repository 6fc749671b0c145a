package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/transport"
	"github.com/wedlink/msgsync/pkg/logger"
)

// originHeader carries the id of the channel that published an event so a
// channel can skip its own typing and receipt events.
const originHeader = "Msgsync-Origin"

// Channel is a session's transport over its own NATS connection. It does
// not reconnect by itself; a lost connection is reported through OnDrop and
// the connection state machine decides when to dial again.
type Channel struct {
	transport.Subscribers

	cfg    Config
	userID string
	origin string
	logger *logger.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	js       jetstream.JetStream
	closing  bool
	presence *nats.Subscription
	threads  map[string]*nats.Subscription
}

var _ transport.Channel = (*Channel)(nil)

// NewChannel creates a disconnected channel for userID.
func NewChannel(cfg Config, userID string, log *logger.Logger) *Channel {
	return &Channel{
		Subscribers: transport.NewSubscribers(),
		cfg:         cfg,
		userID:      userID,
		origin:      uuid.NewString(),
		logger:      logger.OrNop(log).Named("nats.channel").With(zap.String("user_id", userID)),
		threads:     make(map[string]*nats.Subscription),
	}
}

// Connect dials NATS and resubscribes to every joined thread. A rejected
// credential is reported as transport.ErrUnauthorized.
func (c *Channel) Connect(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Connected() {
		return nil
	}

	opts, err := baseOptions(ctx, c.cfg)
	if err != nil {
		return err
	}
	credential := c.cfg.Token
	if credential == "" {
		credential = token
	}
	if credential != "" {
		opts = append(opts, nats.Token(credential))
	}
	opts = append(opts,
		nats.Name("msgsync-"+c.userID),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Warn("NATS async error", zap.Error(err))
			c.PublishError(err)
		}),
	)

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil && c.conn.IsConnected() {
		// Another dial won; keep its connection.
		c.mu.Unlock()
		nc.Close()
		return nil
	}
	c.conn = nc
	c.js = js
	c.closing = false
	joined := make([]string, 0, len(c.threads))
	for id := range c.threads {
		joined = append(joined, id)
	}
	c.mu.Unlock()

	presence, err := nc.Subscribe(UserStatusFilter(), c.handlePresence)
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("failed to subscribe to presence: %w", err)
	}
	c.mu.Lock()
	c.presence = presence
	c.mu.Unlock()

	for _, id := range joined {
		if err := c.subscribeThread(nc, id); err != nil {
			c.Disconnect()
			return err
		}
	}

	c.publishPresence(nc, true)
	c.logger.Debug("channel connected", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// Disconnect closes the connection. Joined threads are remembered for the
// next Connect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	nc := c.conn
	c.closing = true
	c.conn = nil
	c.js = nil
	c.presence = nil
	for id := range c.threads {
		c.threads[id] = nil
	}
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	c.publishPresence(nc, false)
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// JoinThread subscribes to a thread's subjects.
func (c *Channel) JoinThread(ctx context.Context, threadID string) error {
	if !validToken(threadID) {
		return fmt.Errorf("invalid thread id %q", threadID)
	}
	c.mu.Lock()
	nc := c.conn
	if nc == nil {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	if sub := c.threads[threadID]; sub != nil && sub.IsValid() {
		c.mu.Unlock()
		return nil
	}
	c.threads[threadID] = nil
	c.mu.Unlock()

	return c.subscribeThread(nc, threadID)
}

func (c *Channel) subscribeThread(nc *nats.Conn, threadID string) error {
	sub, err := nc.Subscribe(ThreadFilter(threadID), c.handleThread)
	if err != nil {
		return fmt.Errorf("failed to join thread %s: %w", threadID, err)
	}

	c.mu.Lock()
	if _, ok := c.threads[threadID]; !ok || c.conn != nc {
		// Left or disconnected meanwhile.
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	c.threads[threadID] = sub
	c.mu.Unlock()
	return nil
}

// LeaveThread unsubscribes from a thread.
func (c *Channel) LeaveThread(threadID string) error {
	c.mu.Lock()
	sub := c.threads[threadID]
	delete(c.threads, threadID)
	c.mu.Unlock()

	if sub != nil && sub.IsValid() {
		return sub.Unsubscribe()
	}
	return nil
}

// EmitMessage publishes a message through JetStream so it is stored for
// catch-up; live subscribers, the sender included, receive it as well.
func (c *Channel) EmitMessage(ctx context.Context, msg model.Message) error {
	if !validToken(msg.ThreadID) {
		return fmt.Errorf("invalid thread id %q", msg.ThreadID)
	}
	c.mu.Lock()
	js := c.js
	c.mu.Unlock()
	if js == nil {
		return transport.ErrNotConnected
	}

	out, err := c.encode(ThreadSubject(msg.ThreadID, kindMessage), msg)
	if err != nil {
		return err
	}
	if _, err := js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (c *Channel) EmitTyping(ctx context.Context, ev model.TypingEvent) error {
	return c.publish(ThreadSubject(ev.ThreadID, kindTyping), ev.ThreadID, ev)
}

func (c *Channel) EmitReceipt(ctx context.Context, ev model.ReceiptEvent) error {
	return c.publish(ThreadSubject(ev.ThreadID, kindReceipt), ev.ThreadID, ev)
}

// Replay returns stored messages of a thread created at or after since.
func (c *Channel) Replay(ctx context.Context, threadID string, since time.Time) ([]model.Message, error) {
	c.mu.Lock()
	js := c.js
	c.mu.Unlock()
	if js == nil {
		return nil, transport.ErrNotConnected
	}
	return replay(ctx, js, threadID, since, DefaultReplayLimit)
}

func (c *Channel) publish(subject, threadID string, v any) error {
	if !validToken(threadID) {
		return fmt.Errorf("invalid thread id %q", threadID)
	}
	c.mu.Lock()
	nc := c.conn
	c.mu.Unlock()
	if nc == nil {
		return transport.ErrNotConnected
	}

	out, err := c.encode(subject, v)
	if err != nil {
		return err
	}
	if err := nc.PublishMsg(out); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (c *Channel) encode(subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	out := nats.NewMsg(subject)
	out.Data = data
	out.Header.Set(originHeader, c.origin)
	return out, nil
}

func (c *Channel) publishPresence(nc *nats.Conn, online bool) {
	out, err := c.encode(UserStatusSubject(c.userID), model.UserStatusEvent{
		UserID: c.userID,
		Online: online,
		At:     time.Now(),
	})
	if err != nil {
		return
	}
	if err := nc.PublishMsg(out); err != nil {
		c.logger.Debug("presence publish failed", zap.Error(err))
	}
}

// handleThread routes a thread event to the subscribers. Typing and
// receipt events published by this channel are skipped; messages are
// delivered to the sender too.
func (c *Channel) handleThread(m *nats.Msg) {
	kind := subjectKind(m.Subject)
	own := m.Header.Get(originHeader) == c.origin

	switch kind {
	case kindMessage:
		var msg model.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			c.logger.Warn("dropping malformed message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		c.PublishMessage(msg)
	case kindTyping:
		if own {
			return
		}
		var ev model.TypingEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed typing event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		c.PublishTyping(ev)
	case kindReceipt:
		if own {
			return
		}
		var ev model.ReceiptEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			c.logger.Warn("dropping malformed receipt", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		c.PublishReceipt(ev)
	default:
		c.logger.Debug("ignoring subject", zap.String("subject", m.Subject))
	}
}

func (c *Channel) handlePresence(m *nats.Msg) {
	if m.Header.Get(originHeader) == c.origin {
		return
	}
	var ev model.UserStatusEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		c.logger.Warn("dropping malformed presence event", zap.Error(err))
		return
	}
	c.PublishUserStatus(ev)
}

// handleDisconnect reports a lost connection. Closing through Disconnect
// is not a drop.
func (c *Channel) handleDisconnect(nc *nats.Conn, err error) {
	c.mu.Lock()
	intentional := c.closing || c.conn != nc
	if !intentional {
		c.conn = nil
		c.js = nil
		c.presence = nil
		for id := range c.threads {
			c.threads[id] = nil
		}
	}
	c.mu.Unlock()

	if intentional {
		return
	}
	if err == nil {
		err = errors.New("nats connection closed")
	}
	c.logger.Warn("channel dropped", zap.Error(err))
	c.PublishDrop(err)
}

// Close disconnects and removes every handler.
func (c *Channel) Close() error {
	err := c.Disconnect()
	c.CloseSubscribers()
	return err
}
