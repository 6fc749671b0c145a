// Package readsync turns message visibility into read transitions and keeps
// per-thread unread counts and the badge total consistent with them.
package readsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/clock"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

var tracer = otel.Tracer("github.com/wedlink/msgsync/internal/readsync")

var (
	// ErrUnknownMessage is returned by MarkRead for ids not in the log.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrOwnMessage is returned by MarkRead for the viewer's own messages.
	ErrOwnMessage = errors.New("cannot mark own message as read")
)

// Log is the subset of the thread log the synchronizer reads and updates.
type Log interface {
	Get(id string) (model.Message, bool)
	Snapshot(threadID string) []model.Message
	UpdateStatus(id string, status model.Status) (bool, error)
}

// ReceiptEmitter sends receipts to the other participant.
type ReceiptEmitter interface {
	EmitReceipt(ctx context.Context, ev model.ReceiptEvent) error
}

// ReadStore persists read state on the server.
type ReadStore interface {
	MarkRead(ctx context.Context, threadID string, messageIDs []string) error
}

// Synchronizer is safe for concurrent use.
type Synchronizer struct {
	viewerID string
	log      Log
	emitter  ReceiptEmitter
	store    ReadStore
	clock    clock.Clock
	logger   *logger.Logger

	mu       sync.Mutex
	unread   map[string]int
	counted  map[string]string // message id -> thread id
	exact    map[string]bool
	marked   map[string]bool
	threadCh map[string]*events.Bus[int]
	totalCh  *events.Bus[int]
}

// New creates a synchronizer for viewerID.
func New(viewerID string, log Log, emitter ReceiptEmitter, store ReadStore, clk clock.Clock, lg *logger.Logger) *Synchronizer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Synchronizer{
		viewerID: viewerID,
		log:      log,
		emitter:  emitter,
		store:    store,
		clock:    clk,
		logger:   logger.OrNop(lg).Named("readsync"),
		unread:   make(map[string]int),
		counted:  make(map[string]string),
		exact:    make(map[string]bool),
		marked:   make(map[string]bool),
		threadCh: make(map[string]*events.Bus[int]),
		totalCh:  events.NewBus[int](),
	}
}

// eligible reports whether the viewer reading m is a read transition.
func (s *Synchronizer) eligible(m model.Message) bool {
	return m.SenderID != s.viewerID && m.Status != model.StatusRead && !m.IsDeleted
}

// OnThreadUnreadChange subscribes to a thread's unread count.
func (s *Synchronizer) OnThreadUnreadChange(threadID string, fn func(int)) (unsubscribe func()) {
	s.mu.Lock()
	bus, ok := s.threadCh[threadID]
	if !ok {
		bus = events.NewBus[int]()
		s.threadCh[threadID] = bus
	}
	s.mu.Unlock()
	return bus.Subscribe(fn)
}

// OnTotalUnreadChange subscribes to the badge total.
func (s *Synchronizer) OnTotalUnreadChange(fn func(int)) (unsubscribe func()) {
	return s.totalCh.Subscribe(fn)
}

// UnreadCount returns a thread's unread count.
func (s *Synchronizer) UnreadCount(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[threadID]
}

// TotalUnread returns the sum of every thread's unread count.
func (s *Synchronizer) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked()
}

// Counts returns a copy of every non-zero unread count.
func (s *Synchronizer) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unread))
	for id, n := range s.unread {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

func (s *Synchronizer) totalLocked() int {
	total := 0
	for _, n := range s.unread {
		total += n
	}
	return total
}

// Seed sets a server-provided unread baseline for a thread whose messages
// have not been loaded. Loaded threads ignore it.
func (s *Synchronizer) Seed(threadID string, count int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	if s.exact[threadID] || s.unread[threadID] == count {
		s.mu.Unlock()
		return
	}
	s.unread[threadID] = count
	n := s.notifyLocked(threadID)
	s.mu.Unlock()
	n.publish()
}

// Reload recomputes a thread's unread count from the log. From then on
// the count is exact.
func (s *Synchronizer) Reload(threadID string) int {
	msgs := s.log.Snapshot(threadID)

	s.mu.Lock()
	for id, th := range s.counted {
		if th == threadID {
			delete(s.counted, id)
		}
	}
	count := 0
	for _, m := range msgs {
		if s.eligible(m) && !s.marked[m.ID] {
			s.counted[m.ID] = threadID
			count++
		}
	}
	s.exact[threadID] = true
	changed := s.unread[threadID] != count
	s.unread[threadID] = count
	var n notification
	if changed {
		n = s.notifyLocked(threadID)
	}
	s.mu.Unlock()
	n.publish()
	return count
}

// Track counts a newly received message. Each id is counted at most once.
// A counted message that has since been deleted or read leaves the count.
func (s *Synchronizer) Track(m model.Message) {
	if !s.eligible(m) {
		s.decrement([]string{m.ID})
		return
	}
	s.mu.Lock()
	if _, seen := s.counted[m.ID]; seen || s.marked[m.ID] {
		s.mu.Unlock()
		return
	}
	s.counted[m.ID] = m.ThreadID
	s.unread[m.ThreadID]++
	n := s.notifyLocked(m.ThreadID)
	s.mu.Unlock()
	n.publish()
}

// ObserveVisibility reports that a message was shown to the viewer. An
// eligible message is marked read; errors are logged.
func (s *Synchronizer) ObserveVisibility(ctx context.Context, messageID, senderID string) {
	if senderID == s.viewerID {
		return
	}
	m, ok := s.log.Get(messageID)
	if !ok || !s.eligible(m) {
		return
	}
	if err := s.MarkRead(ctx, m.ID); err != nil {
		s.logger.Warn("mark read failed",
			zap.String("message_id", m.ID),
			zap.String("thread_id", m.ThreadID),
			zap.Error(err),
		)
	}
}

// MarkRead transitions a message to read exactly once. Concurrent and
// repeated calls collapse into the first. The local transition is never
// reverted; a propagation failure is returned after it took effect.
func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) error {
	m, ok := s.log.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if m.SenderID == s.viewerID {
		return ErrOwnMessage
	}

	s.mu.Lock()
	if s.marked[m.ID] || m.Status == model.StatusRead || m.IsDeleted {
		s.marked[m.ID] = true
		s.mu.Unlock()
		return nil
	}
	s.marked[m.ID] = true
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "readsync.MarkRead")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", m.ThreadID),
		attribute.String("message.id", m.ID),
	)

	if _, err := s.log.UpdateStatus(m.ID, model.StatusRead); err != nil {
		s.logger.Warn("status update failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	s.decrement([]string{m.ID})

	if err := s.propagate(ctx, m.ThreadID, []string{m.ID}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Synchronizer) decrement(ids []string) {
	s.mu.Lock()
	touched := make(map[string]bool)
	for _, id := range ids {
		th, ok := s.counted[id]
		if !ok {
			continue
		}
		delete(s.counted, id)
		if s.unread[th] > 0 {
			s.unread[th]--
		}
		touched[th] = true
	}
	threads := make([]string, 0, len(touched))
	for th := range touched {
		threads = append(threads, th)
	}
	sort.Strings(threads)
	var ns []notification
	for _, th := range threads {
		ns = append(ns, s.notifyLocked(th))
	}
	s.mu.Unlock()

	for _, n := range ns {
		n.publish()
	}
}

// propagate sends the read receipt and persists it. Both are attempted;
// the first error is returned.
func (s *Synchronizer) propagate(ctx context.Context, threadID string, ids []string) error {
	var errs []error

	if s.emitter != nil {
		ev := model.ReceiptEvent{
			ThreadID:   threadID,
			MessageIDs: ids,
			ReaderID:   s.viewerID,
			Status:     model.StatusRead,
			At:         s.clock.Now(),
		}
		if err := s.emitter.EmitReceipt(ctx, ev); err != nil {
			metrics.ReadReceipts.WithLabelValues("emit_failed").Inc()
			s.logger.Debug("read receipt emit failed", zap.String("thread_id", threadID), zap.Error(err))
			errs = append(errs, fmt.Errorf("emit receipt: %w", err))
		} else {
			metrics.ReadReceipts.WithLabelValues("emitted").Inc()
		}
	}

	if s.store != nil {
		if err := s.store.MarkRead(ctx, threadID, ids); err != nil {
			metrics.ReadReceipts.WithLabelValues("persist_failed").Inc()
			errs = append(errs, fmt.Errorf("persist read: %w", err))
		} else {
			metrics.ReadReceipts.WithLabelValues("persisted").Inc()
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ApplyReceipt applies a receipt received from the transport. Receipts
// from the other participant advance the viewer's own messages. A read
// receipt from another of the viewer's devices marks the counterpart's
// messages read locally without propagating again.
func (s *Synchronizer) ApplyReceipt(ev model.ReceiptEvent) {
	if ev.Status != model.StatusDelivered && ev.Status != model.StatusRead {
		return
	}

	var readHere []string
	for _, id := range ev.MessageIDs {
		m, ok := s.log.Get(id)
		if !ok {
			continue
		}
		switch {
		case ev.ReaderID != s.viewerID && m.SenderID == s.viewerID:
			if _, err := s.log.UpdateStatus(m.ID, ev.Status); err != nil {
				s.logger.Debug("receipt status update failed", zap.String("message_id", m.ID), zap.Error(err))
			}
		case ev.ReaderID == s.viewerID && m.SenderID != s.viewerID && ev.Status == model.StatusRead:
			s.mu.Lock()
			already := s.marked[m.ID]
			s.marked[m.ID] = true
			s.mu.Unlock()
			if already {
				continue
			}
			if _, err := s.log.UpdateStatus(m.ID, model.StatusRead); err == nil {
				readHere = append(readHere, m.ID)
			}
		}
	}
	if len(readHere) > 0 {
		s.decrement(readHere)
	}
}

// Close drops every listener.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	buses := make([]*events.Bus[int], 0, len(s.threadCh))
	for _, b := range s.threadCh {
		buses = append(buses, b)
	}
	s.mu.Unlock()
	for _, b := range buses {
		b.Close()
	}
	s.totalCh.Close()
}

type notification struct {
	thread *events.Bus[int]
	count  int
	total  *events.Bus[int]
	sum    int
}

func (s *Synchronizer) notifyLocked(threadID string) notification {
	total := s.totalLocked()
	return notification{
		thread: s.threadCh[threadID],
		count:  s.unread[threadID],
		total:  s.totalCh,
		sum:    total,
	}
}

func (n notification) publish() {
	if n.thread != nil {
		n.thread.Publish(n.count)
	}
	if n.total != nil {
		n.total.Publish(n.sum)
	}
}
