// Package connection owns the lifecycle of a session's transport: initial
// connect, automatic reconnection with capped exponential backoff and the
// terminal offline state once attempts are exhausted.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/backoff"
	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/transport"
	"github.com/wedlink/msgsync/pkg/clock"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

const (
	DefaultMaxAttempts    = 10
	DefaultAttemptTimeout = 10 * time.Second
)

// ErrSuperseded is returned by Connect when Disconnect or another Connect
// ran while the attempt was in flight.
var ErrSuperseded = errors.New("connection attempt superseded")

// Config tunes reconnection.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = backoff.Default
	}
	return c
}

// Machine is the connection state machine. Transitions are serialized and
// listeners observe them in the order they happened, once per transition.
type Machine struct {
	cfg     Config
	channel transport.Channel
	clock   clock.Clock
	logger  *logger.Logger

	mu        sync.Mutex
	state     model.ConnectionState
	attempts  int
	exhausted bool
	token     string
	gen       uint64
	timer     *clock.Timer

	changes    *events.Bus[model.ConnectionChange]
	queue      []model.ConnectionChange
	delivering bool

	unsubDrop  func()
	unsubError func()
}

// New creates a disconnected machine driving ch.
func New(ch transport.Channel, clk clock.Clock, cfg Config, log *logger.Logger) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Machine{
		cfg:     cfg.withDefaults(),
		channel: ch,
		clock:   clk,
		logger:  logger.OrNop(log).Named("connection"),
		state:   model.StateDisconnected,
		changes: events.NewBus[model.ConnectionChange](),
	}
	m.unsubDrop = ch.OnDrop(m.handleDrop)
	m.unsubError = ch.OnError(func(err error) {
		m.logger.Warn("transport error", zap.Error(err))
	})
	return m
}

// OnConnectionChange subscribes to state transitions.
func (m *Machine) OnConnectionChange(fn func(model.ConnectionChange)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// State returns the current state.
func (m *Machine) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of failed reconnection attempts since the
// last successful connection.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether reconnection gave up. It stays true until the
// next explicit Connect.
func (m *Machine) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Connect opens the transport with the session token. A failure other
// than an authorization rejection moves the machine to reconnecting and
// schedules automatic attempts; the error is still returned.
func (m *Machine) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == model.StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.timer.Stop()
	m.timer = nil
	m.attempts = 0
	m.exhausted = false
	m.token = token
	m.transitionLocked(model.StateConnecting, nil)
	m.mu.Unlock()
	m.deliver()

	err := m.channel.Connect(ctx, token)

	m.mu.Lock()
	if gen != m.gen {
		m.releaseStaleLocked(err)
		return ErrSuperseded
	}
	switch {
	case err == nil:
		m.transitionLocked(model.StateConnected, nil)
	case errors.Is(err, transport.ErrUnauthorized):
		m.transitionLocked(model.StateDisconnected, err)
	default:
		m.transitionLocked(model.StateReconnecting, err)
		m.scheduleLocked(gen)
	}
	m.mu.Unlock()
	m.deliver()

	if err != nil {
		m.logger.Warn("connect failed", zap.Error(err))
		return fmt.Errorf("connect: %w", err)
	}
	m.logger.Info("connected")
	return nil
}

// Disconnect closes the transport and cancels any scheduled attempt.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.timer.Stop()
	m.timer = nil
	m.attempts = 0
	m.exhausted = false
	if m.state != model.StateDisconnected {
		m.transitionLocked(model.StateDisconnected, nil)
	}
	m.mu.Unlock()
	m.deliver()

	if err := m.channel.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects and releases every listener.
func (m *Machine) Close() error {
	err := m.Disconnect()
	m.unsubDrop()
	m.unsubError()
	m.changes.Close()
	return err
}

func (m *Machine) handleDrop(cause error) {
	m.mu.Lock()
	if m.state != model.StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.attempts = 0
	m.transitionLocked(model.StateReconnecting, cause)
	m.scheduleLocked(m.gen)
	m.mu.Unlock()
	m.deliver()

	m.logger.Warn("transport dropped", zap.Error(cause))
}

// releaseStaleLocked finishes a superseded dial and unlocks. The channel is
// shared between generations, so a stale success only closes it when the
// machine was told to stay disconnected; otherwise the newer generation
// owns it.
func (m *Machine) releaseStaleLocked(err error) {
	closeChannel := err == nil && m.state == model.StateDisconnected
	m.mu.Unlock()
	if closeChannel {
		_ = m.channel.Disconnect()
	}
}

// scheduleLocked arms the next reconnection attempt for generation gen.
func (m *Machine) scheduleLocked(gen uint64) {
	delay := m.cfg.Backoff.Delay(m.attempts)
	m.timer = m.clock.AfterFunc(delay, func() { m.attempt(gen) })
	m.logger.Debug("reconnect scheduled",
		zap.Int("attempt", m.attempts+1),
		zap.Duration("delay", delay),
	)
}

func (m *Machine) attempt(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != model.StateReconnecting {
		m.mu.Unlock()
		return
	}
	token := m.token
	m.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	err := m.channel.Connect(ctx, token)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != model.StateReconnecting {
		m.releaseStaleLocked(err)
		return
	}
	if err == nil {
		m.attempts = 0
		m.transitionLocked(model.StateConnected, nil)
		m.mu.Unlock()
		m.deliver()
		m.logger.Info("reconnected")
		return
	}

	m.attempts++
	if m.attempts > m.cfg.MaxAttempts || errors.Is(err, transport.ErrUnauthorized) {
		m.exhausted = true
		m.timer = nil
		m.transitionLocked(model.StateDisconnected, err)
		attempts := m.attempts
		m.mu.Unlock()
		m.deliver()
		m.logger.Error("reconnection exhausted",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	m.scheduleLocked(gen)
	m.mu.Unlock()
	m.logger.Debug("reconnect attempt failed", zap.Error(err))
}

// transitionLocked records a state change for ordered delivery. Repeated
// entries into the same state are not transitions.
func (m *Machine) transitionLocked(to model.ConnectionState, cause error) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	change := model.ConnectionChange{
		From:      from,
		To:        to,
		Attempts:  m.attempts,
		Exhausted: m.exhausted,
		At:        m.clock.Now(),
	}
	if cause != nil {
		change.Error = cause.Error()
	}
	m.queue = append(m.queue, change)
	metrics.RecordConnectionTransition(string(to))
}

// deliver publishes queued changes in order. Only one goroutine delivers
// at a time; transitions made by listeners are picked up by the same loop.
func (m *Machine) deliver() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		change := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.changes.Publish(change)
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
