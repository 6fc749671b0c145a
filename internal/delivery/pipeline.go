// Package delivery sends outgoing messages: it shows them immediately as
// provisional entries, submits them to the backend, reconciles the
// acknowledgement and retries transient failures with capped backoff.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/attachment"
	"github.com/wedlink/msgsync/internal/backoff"
	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/threadlog"
	"github.com/wedlink/msgsync/pkg/clock"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

var tracer = otel.Tracer("github.com/wedlink/msgsync/internal/delivery")

const (
	DefaultMaxRetries  = 5
	DefaultSendTimeout = 15 * time.Second
)

// API submits messages to the backend.
type API interface {
	SendMessage(ctx context.Context, threadID string, req model.SendMessageRequest) (model.Message, error)
}

// Log is the subset of the thread log the pipeline writes to.
type Log interface {
	Insert(msg model.Message) error
	Confirm(provisionalID string, server model.Message) (threadlog.Change, error)
	MarkFailed(id string, failed bool) (bool, error)
	Discard(provisionalID string) bool
	Get(id string) (model.Message, bool)
	OnChange(fn func(threadlog.Change)) (unsubscribe func())
}

// Connection reports whether the transport is up.
type Connection interface {
	State() model.ConnectionState
}

// Emitter forwards confirmed messages to the other participant.
type Emitter interface {
	EmitMessage(ctx context.Context, msg model.Message) error
}

// TypingStopper clears the local typing indicator of a thread.
type TypingStopper interface {
	Stop(threadID string)
}

// Sender identifies the local author.
type Sender struct {
	ID   string
	Type model.SenderType
	Name string
}

// Config tunes retries.
type Config struct {
	MaxRetries  int
	SendTimeout time.Duration
	Backoff     backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = backoff.Default
	}
	return c
}

// Deps are the pipeline's collaborators. Emitter, Typing and Validator
// are optional.
type Deps struct {
	API        API
	Log        Log
	Connection Connection
	Emitter    Emitter
	Typing     TypingStopper
	Validator  attachment.Validator
	Clock      clock.Clock
	Logger     *logger.Logger
}

// Failure is published whenever an attempt fails.
type Failure struct {
	Record model.FailedMessageRecord
	Err    error
}

type record struct {
	model.FailedMessageRecord
	msg   model.Message
	timer *clock.Timer
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	sender Sender
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger *logger.Logger

	mu       sync.Mutex
	records  map[string]*record
	inflight map[string]bool
	closed   bool

	failures *events.Bus[Failure]
	unsubLog func()
}

// New creates a pipeline sending as sender.
func New(sender Sender, cfg Config, deps Deps) *Pipeline {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	p := &Pipeline{
		sender:   sender,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		clock:    clk,
		logger:   logger.OrNop(deps.Logger).Named("delivery"),
		records:  make(map[string]*record),
		inflight: make(map[string]bool),
		failures: events.NewBus[Failure](),
	}
	p.unsubLog = deps.Log.OnChange(p.handleLogChange)
	return p
}

// OnFailure subscribes to failed attempts.
func (p *Pipeline) OnFailure(fn func(Failure)) (unsubscribe func()) {
	return p.failures.Subscribe(fn)
}

// Send shows the message immediately and submits it. On success the
// confirmed server message is returned. On failure the provisional
// message is returned together with a *Error; retryable failures are
// retried automatically.
func (p *Pipeline) Send(ctx context.Context, threadID, content string, messageType model.MessageType, attachments ...model.Attachment) (model.Message, error) {
	if messageType == "" {
		messageType = model.MessageTypeText
	}
	if err := p.validate(threadID, content, messageType, attachments); err != nil {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return model.Message{}, &Error{Class: model.FailureTerminal, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.Message{}, ErrClosed
	}
	p.mu.Unlock()

	msg := model.Message{
		ID:          model.ProvisionalPrefix + uuid.NewString(),
		ThreadID:    threadID,
		SenderID:    p.sender.ID,
		SenderType:  p.sender.Type,
		SenderName:  p.sender.Name,
		Content:     content,
		MessageType: messageType,
		Attachments: append([]model.Attachment(nil), attachments...),
		Status:      model.StatusSent,
		CreatedAt:   p.clock.Now(),
		Pending:     true,
	}
	msg.ProvisionalID = msg.ID

	if err := p.deps.Log.Insert(msg); err != nil {
		return model.Message{}, fmt.Errorf("insert provisional: %w", err)
	}
	if p.deps.Typing != nil {
		p.deps.Typing.Stop(threadID)
	}

	p.mu.Lock()
	p.inflight[msg.ID] = true
	p.mu.Unlock()

	return p.attempt(ctx, msg)
}

func (p *Pipeline) validate(threadID, content string, messageType model.MessageType, attachments []model.Attachment) error {
	if threadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrValidation)
	}
	if !messageType.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, messageType)
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	return attachment.ValidateAll(p.deps.Validator, attachments)
}

// attempt submits msg once. The caller must have marked msg in flight.
func (p *Pipeline) attempt(ctx context.Context, msg model.Message) (model.Message, error) {
	ctx, span := tracer.Start(ctx, "delivery.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", msg.ThreadID),
		attribute.String("message.provisional_id", msg.ID),
	)

	var (
		server model.Message
		err    error
	)
	if p.deps.Connection != nil && p.deps.Connection.State() != model.StateConnected {
		err = ErrOffline
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		server, err = p.deps.API.SendMessage(sendCtx, msg.ThreadID, model.SendMessageRequest{
			Content:     msg.Content,
			MessageType: msg.MessageType,
			Attachments: msg.Attachments,
			ClientID:    msg.ID,
		})
		cancel()
	}

	p.mu.Lock()
	delete(p.inflight, msg.ID)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return msg, ErrClosed
	}

	if err == nil {
		return p.succeed(ctx, msg, server)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return p.fail(msg, err)
}

func (p *Pipeline) succeed(ctx context.Context, msg, server model.Message) (model.Message, error) {
	if server.ThreadID == "" {
		server.ThreadID = msg.ThreadID
	}
	if server.Status == "" {
		server.Status = model.StatusSent
	}

	p.clearRecord(msg.ID)

	change, err := p.deps.Log.Confirm(msg.ID, server)
	if err != nil {
		return msg, fmt.Errorf("confirm %s: %w", msg.ID, err)
	}
	confirmed := change.Message
	metrics.MessagesSent.WithLabelValues("confirmed").Inc()

	if p.deps.Emitter != nil {
		if err := p.deps.Emitter.EmitMessage(ctx, confirmed); err != nil {
			p.logger.Debug("message emit failed",
				zap.String("message_id", confirmed.ID),
				zap.Error(err),
			)
		}
	}

	p.logger.Debug("message delivered",
		zap.String("thread_id", confirmed.ThreadID),
		zap.String("provisional_id", msg.ID),
		zap.String("message_id", confirmed.ID),
	)
	return confirmed, nil
}

func (p *Pipeline) fail(msg model.Message, cause error) (model.Message, error) {
	// The echo may have confirmed the message while the request failed.
	if current, ok := p.deps.Log.Get(msg.ID); ok && !current.Pending {
		p.clearRecord(msg.ID)
		return current, nil
	}

	class, status, err := Classify(cause)
	derr := &Error{ProvisionalID: msg.ID, Class: class, StatusCode: status, Err: err}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return msg, ErrClosed
	}
	rec, ok := p.records[msg.ID]
	if !ok {
		rec = &record{msg: msg}
		rec.ProvisionalID = msg.ID
		rec.ThreadID = msg.ThreadID
		p.records[msg.ID] = rec
	}
	rec.timer.Stop()
	rec.timer = nil
	rec.LastError = err.Error()
	rec.StatusCode = status
	rec.Class = class
	rec.InFlight = false
	rec.NextRetryAt = nil
	rec.CanRetry = class == model.FailureRetryable

	if rec.CanRetry {
		if rec.RetryCount < p.cfg.MaxRetries {
			delay := p.cfg.Backoff.Delay(rec.RetryCount)
			next := p.clock.Now().Add(delay)
			rec.NextRetryAt = &next
			id := msg.ID
			rec.timer = p.clock.AfterFunc(delay, func() { p.autoRetry(id) })
		} else {
			rec.Exhausted = true
		}
	}
	snapshot := rec.FailedMessageRecord
	p.mu.Unlock()

	if _, err := p.deps.Log.MarkFailed(msg.ID, true); err != nil {
		p.logger.Debug("mark failed skipped", zap.String("provisional_id", msg.ID), zap.Error(err))
	}
	metrics.MessagesSent.WithLabelValues("failed_" + string(class)).Inc()
	p.logger.Warn("message delivery failed",
		zap.String("thread_id", msg.ThreadID),
		zap.String("provisional_id", msg.ID),
		zap.String("class", string(class)),
		zap.Int("status", status),
		zap.Int("retry_count", snapshot.RetryCount),
		zap.Bool("exhausted", snapshot.Exhausted),
		zap.Error(err),
	)

	p.failures.Publish(Failure{Record: snapshot, Err: derr})

	failed := msg
	failed.Failed = true
	return failed, derr
}

// autoRetry runs a scheduled retry.
func (p *Pipeline) autoRetry(id string) {
	msg, ok := p.begin(id, true)
	if !ok {
		return
	}
	metrics.MessageRetries.WithLabelValues("automatic").Inc()
	_, _ = p.attempt(context.Background(), msg)
}

// begin marks a record in flight. Automatic attempts count against the
// retry budget.
func (p *Pipeline) begin(id string, automatic bool) (model.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok || p.closed || p.inflight[id] || !rec.CanRetry {
		return model.Message{}, false
	}
	if automatic {
		if rec.Exhausted {
			return model.Message{}, false
		}
		rec.RetryCount++
	}
	rec.timer.Stop()
	rec.timer = nil
	rec.NextRetryAt = nil
	rec.InFlight = true
	p.inflight[id] = true
	return rec.msg, true
}

// Retry resubmits a failed message now. It is a no-op, returning a zero
// message and no error, while an attempt for the message is in flight.
func (p *Pipeline) Retry(ctx context.Context, provisionalID string) (model.Message, error) {
	p.mu.Lock()
	rec, ok := p.records[provisionalID]
	switch {
	case p.closed:
		p.mu.Unlock()
		return model.Message{}, ErrClosed
	case p.inflight[provisionalID]:
		p.mu.Unlock()
		return model.Message{}, nil
	case !ok:
		p.mu.Unlock()
		return model.Message{}, ErrUnknownMessage
	case !rec.CanRetry:
		p.mu.Unlock()
		return model.Message{}, ErrNotRetryable
	}
	p.mu.Unlock()

	msg, ok := p.begin(provisionalID, false)
	if !ok {
		return model.Message{}, nil
	}
	metrics.MessageRetries.WithLabelValues("manual").Inc()
	if _, err := p.deps.Log.MarkFailed(provisionalID, false); err != nil {
		p.logger.Debug("clear failed flag skipped", zap.String("provisional_id", provisionalID), zap.Error(err))
	}
	return p.attempt(ctx, msg)
}

// Flush immediately retries every record still waiting for an automatic
// retry. It runs when the connection is re-established.
func (p *Pipeline) Flush(ctx context.Context) int {
	p.mu.Lock()
	var ids []string
	for id, rec := range p.records {
		if rec.CanRetry && !rec.Exhausted && !p.inflight[id] {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		msg, ok := p.begin(id, true)
		if !ok {
			continue
		}
		n++
		metrics.MessageRetries.WithLabelValues("flush").Inc()
		_, _ = p.attempt(ctx, msg)
	}
	return n
}

// Dismiss drops a failed message and its provisional entry. In-flight
// messages cannot be dismissed.
func (p *Pipeline) Dismiss(provisionalID string) bool {
	p.mu.Lock()
	rec, ok := p.records[provisionalID]
	if !ok || p.inflight[provisionalID] {
		p.mu.Unlock()
		return false
	}
	rec.timer.Stop()
	delete(p.records, provisionalID)
	p.mu.Unlock()

	p.deps.Log.Discard(provisionalID)
	return true
}

// Failed returns the failure record of a provisional message.
func (p *Pipeline) Failed(provisionalID string) (model.FailedMessageRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[provisionalID]
	if !ok {
		return model.FailedMessageRecord{}, false
	}
	return rec.FailedMessageRecord, true
}

// FailedRecords returns every failure record ordered by thread and id.
func (p *Pipeline) FailedRecords() []model.FailedMessageRecord {
	p.mu.Lock()
	out := make([]model.FailedMessageRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec.FailedMessageRecord)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreadID != out[j].ThreadID {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].ProvisionalID < out[j].ProvisionalID
	})
	return out
}

// Close ends the pipeline. Scheduled retries are cancelled and results of
// in-flight attempts are discarded.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, rec := range p.records {
		rec.timer.Stop()
		delete(p.records, id)
	}
	p.mu.Unlock()

	p.unsubLog()
	p.failures.Close()
}

func (p *Pipeline) clearRecord(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[id]; ok {
		rec.timer.Stop()
		delete(p.records, id)
	}
}

// handleLogChange drops the failure record of a message the transport
// echo confirmed.
func (p *Pipeline) handleLogChange(c threadlog.Change) {
	if c.Kind != threadlog.ChangeConfirmed || c.PreviousID == "" {
		return
	}
	p.mu.Lock()
	_, tracked := p.records[c.PreviousID]
	p.mu.Unlock()
	if tracked {
		p.clearRecord(c.PreviousID)
		if _, err := p.deps.Log.MarkFailed(c.PreviousID, false); err != nil {
			p.logger.Debug("clear failed flag skipped", zap.String("provisional_id", c.PreviousID), zap.Error(err))
		}
	}
}
