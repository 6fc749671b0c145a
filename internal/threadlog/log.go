// Package threadlog keeps the per-thread ordered message log. It merges
// local provisional entries with server acknowledgements and transport
// echoes so that each logical message appears exactly once, in
// chronological order.
package threadlog

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/logger"
)

// DefaultWindow is the maximum distance between a provisional entry's
// timestamp and a remote message's timestamp for the two to be treated as
// the same logical message.
const DefaultWindow = 10 * time.Second

var (
	// ErrInvalidMessage is returned when a message lacks an id or thread.
	ErrInvalidMessage = errors.New("message id and thread id are required")
	// ErrNotFound is returned when no entry matches an id.
	ErrNotFound = errors.New("message not found")
)

// ChangeKind describes what happened to an entry.
type ChangeKind string

const (
	ChangeInserted  ChangeKind = "inserted"
	ChangeUpdated   ChangeKind = "updated"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeRemoved   ChangeKind = "removed"
)

// Change is published after every mutation. Message is rendered the way
// Snapshot renders it.
type Change struct {
	Kind       ChangeKind    `json:"kind"`
	ThreadID   string        `json:"thread_id"`
	Message    model.Message `json:"message"`
	PreviousID string        `json:"previous_id,omitempty"`
}

type entry struct {
	msg model.Message
	seq uint64
}

func (e *entry) before(o *entry) bool {
	if !e.msg.CreatedAt.Equal(o.msg.CreatedAt) {
		return e.msg.CreatedAt.Before(o.msg.CreatedAt)
	}
	return e.seq < o.seq
}

// Log is safe for concurrent use. Listeners run outside the lock.
type Log struct {
	mu      sync.RWMutex
	window  time.Duration
	seq     uint64
	threads map[string][]*entry
	byID    map[string]*entry
	aliases map[string]string

	changes *events.Bus[Change]
	logger  *logger.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithWindow overrides the reconciliation window.
func WithWindow(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Log) { l.logger = logger.OrNop(log).Named("threadlog") }
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		window:  DefaultWindow,
		threads: make(map[string][]*entry),
		byID:    make(map[string]*entry),
		aliases: make(map[string]string),
		changes: events.NewBus[Change](),
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnChange subscribes to log mutations.
func (l *Log) OnChange(fn func(Change)) (unsubscribe func()) {
	return l.changes.Subscribe(fn)
}

// Insert adds a locally created entry. An entry whose id is already known
// is updated in place.
func (l *Log) Insert(msg model.Message) error {
	if msg.ID == "" || msg.ThreadID == "" {
		return ErrInvalidMessage
	}

	l.mu.Lock()
	var change Change
	if e := l.lookupLocked(msg.ID); e != nil {
		change = l.updateLocked(e, msg)
	} else {
		change = l.insertLocked(msg)
	}
	l.mu.Unlock()

	l.changes.Publish(change)
	return nil
}

// Merge folds a message received from the server or the transport into the
// log. Known ids update in place; otherwise the earliest pending
// provisional entry with the same thread, sender and content within the
// reconciliation window is replaced; otherwise the message is inserted.
func (l *Log) Merge(remote model.Message) (Change, error) {
	if remote.ID == "" || remote.ThreadID == "" {
		return Change{}, ErrInvalidMessage
	}
	remote.Pending = false
	remote.Failed = false

	l.mu.Lock()
	var change Change
	if e := l.lookupLocked(remote.ID); e != nil {
		change = l.updateLocked(e, remote)
	} else if e := l.matchProvisionalLocked(remote); e != nil {
		change = l.confirmLocked(e, remote)
	} else {
		change = l.insertLocked(remote)
	}
	l.mu.Unlock()

	l.changes.Publish(change)
	return change, nil
}

// Confirm replaces the provisional entry with the server's version of the
// message. It is safe to call after the transport echo already reconciled
// the entry.
func (l *Log) Confirm(provisionalID string, server model.Message) (Change, error) {
	if server.ID == "" || server.ThreadID == "" {
		return Change{}, ErrInvalidMessage
	}
	server.Pending = false
	server.Failed = false

	l.mu.Lock()
	prov := l.byID[provisionalID]
	existing := l.lookupLocked(server.ID)

	var change Change
	switch {
	case prov != nil && existing != nil && prov != existing:
		// The echo did not reconcile and was inserted on its own.
		l.removeLocked(prov)
		l.aliases[provisionalID] = server.ID
		server.ProvisionalID = provisionalID
		server.Status = prov.msg.Status.Advance(server.Status)
		server.IsDeleted = prov.msg.IsDeleted || server.IsDeleted
		change = l.updateLocked(existing, server)
		change.Kind = ChangeConfirmed
		change.PreviousID = provisionalID
	case prov != nil:
		change = l.confirmLocked(prov, server)
	case existing != nil:
		l.aliases[provisionalID] = server.ID
		change = l.updateLocked(existing, server)
	default:
		l.aliases[provisionalID] = server.ID
		server.ProvisionalID = provisionalID
		change = l.insertLocked(server)
	}
	l.mu.Unlock()

	l.changes.Publish(change)
	return change, nil
}

// UpdateStatus advances the status of a message. It reports whether the
// status changed; regressions are ignored.
func (l *Log) UpdateStatus(id string, status model.Status) (bool, error) {
	return l.mutate(id, func(m *model.Message) bool {
		next := m.Status.Advance(status)
		if next == m.Status {
			return false
		}
		m.Status = next
		return true
	})
}

// MarkFailed sets or clears the local failure flag of an entry.
func (l *Log) MarkFailed(id string, failed bool) (bool, error) {
	return l.mutate(id, func(m *model.Message) bool {
		if m.Failed == failed {
			return false
		}
		m.Failed = failed
		return true
	})
}

// SoftDelete turns an entry into a tombstone. The slot and id remain.
func (l *Log) SoftDelete(id string) (bool, error) {
	return l.mutate(id, func(m *model.Message) bool {
		if m.IsDeleted {
			return false
		}
		m.IsDeleted = true
		return true
	})
}

func (l *Log) mutate(id string, fn func(*model.Message) bool) (bool, error) {
	l.mu.Lock()
	e := l.lookupLocked(id)
	if e == nil {
		l.mu.Unlock()
		return false, ErrNotFound
	}
	if !fn(&e.msg) {
		l.mu.Unlock()
		return false, nil
	}
	change := Change{Kind: ChangeUpdated, ThreadID: e.msg.ThreadID, Message: render(e.msg)}
	l.mu.Unlock()

	l.changes.Publish(change)
	return true, nil
}

// Discard removes a provisional entry that will never be delivered.
// Confirmed entries cannot be discarded.
func (l *Log) Discard(provisionalID string) bool {
	l.mu.Lock()
	e, ok := l.byID[provisionalID]
	if !ok || !e.msg.Pending {
		l.mu.Unlock()
		return false
	}
	l.removeLocked(e)
	change := Change{Kind: ChangeRemoved, ThreadID: e.msg.ThreadID, Message: render(e.msg)}
	l.mu.Unlock()

	l.changes.Publish(change)
	return true
}

// Snapshot returns the thread's messages ordered by CreatedAt, ties by
// insertion order. Deleted messages are rendered as placeholders.
func (l *Log) Snapshot(threadID string) []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.threads[threadID]
	out := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, render(e.msg))
	}
	return out
}

// Get returns the entry with the given id. Provisional ids of confirmed
// messages resolve to the confirmed entry.
func (l *Log) Get(id string) (model.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e := l.lookupLocked(id)
	if e == nil {
		return model.Message{}, false
	}
	return render(e.msg), true
}

// ResolveID maps a provisional id to the server id once confirmed.
func (l *Log) ResolveID(id string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if serverID, ok := l.aliases[id]; ok {
		return serverID
	}
	return id
}

// Last returns the newest message of a thread.
func (l *Log) Last(threadID string) (model.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.threads[threadID]
	if len(entries) == 0 {
		return model.Message{}, false
	}
	return render(entries[len(entries)-1].msg), true
}

// Len returns the number of entries in a thread.
func (l *Log) Len(threadID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.threads[threadID])
}

// Threads returns the ids of every thread with at least one entry.
func (l *Log) Threads() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.threads))
	for id, entries := range l.threads {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close drops every listener.
func (l *Log) Close() {
	l.changes.Close()
}

func (l *Log) lookupLocked(id string) *entry {
	if e, ok := l.byID[id]; ok {
		return e
	}
	if serverID, ok := l.aliases[id]; ok {
		return l.byID[serverID]
	}
	return nil
}

func (l *Log) matchProvisionalLocked(remote model.Message) *entry {
	var best *entry
	for _, e := range l.threads[remote.ThreadID] {
		m := e.msg
		if !m.Pending || m.SenderID != remote.SenderID || m.Content != remote.Content {
			continue
		}
		delta := remote.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > l.window {
			continue
		}
		// Entries are sorted, so the first hit is the earliest.
		best = e
		break
	}
	return best
}

func (l *Log) insertLocked(msg model.Message) Change {
	l.seq++
	e := &entry{msg: msg.Clone(), seq: l.seq}
	l.byID[msg.ID] = e
	l.placeLocked(e)

	l.logger.Debug("entry inserted",
		zap.String("thread_id", msg.ThreadID),
		zap.String("message_id", msg.ID),
		zap.Bool("pending", msg.Pending),
	)
	return Change{Kind: ChangeInserted, ThreadID: msg.ThreadID, Message: render(e.msg)}
}

// confirmLocked swaps a provisional entry's identity for the server's.
// The entry keeps its insertion sequence so equal timestamps keep their
// relative order.
func (l *Log) confirmLocked(e *entry, server model.Message) Change {
	provisionalID := e.msg.ID
	delete(l.byID, provisionalID)

	status := e.msg.Status.Advance(server.Status)
	deleted := e.msg.IsDeleted || server.IsDeleted
	next := server.Clone()
	next.ProvisionalID = provisionalID
	next.Status = status
	next.IsDeleted = deleted
	next.Pending = false
	next.Failed = false

	l.aliases[provisionalID] = next.ID
	l.byID[next.ID] = e
	l.reposition(e, next)

	l.logger.Debug("provisional entry confirmed",
		zap.String("thread_id", next.ThreadID),
		zap.String("provisional_id", provisionalID),
		zap.String("message_id", next.ID),
	)
	return Change{
		Kind:       ChangeConfirmed,
		ThreadID:   next.ThreadID,
		Message:    render(e.msg),
		PreviousID: provisionalID,
	}
}

func (l *Log) updateLocked(e *entry, incoming model.Message) Change {
	next := e.msg
	next.Status = e.msg.Status.Advance(incoming.Status)
	next.IsDeleted = e.msg.IsDeleted || incoming.IsDeleted
	if incoming.Content != "" || incoming.IsDeleted {
		next.Content = incoming.Content
	}
	if incoming.Attachments != nil {
		next.Attachments = append([]model.Attachment(nil), incoming.Attachments...)
	}
	if incoming.SenderName != "" {
		next.SenderName = incoming.SenderName
	}
	if incoming.ProvisionalID != "" {
		next.ProvisionalID = incoming.ProvisionalID
	}
	if !incoming.Pending {
		next.Pending = false
	}
	next.Failed = incoming.Failed
	if !incoming.CreatedAt.IsZero() {
		next.CreatedAt = incoming.CreatedAt
	}
	l.reposition(e, next)
	return Change{Kind: ChangeUpdated, ThreadID: next.ThreadID, Message: render(e.msg)}
}

// reposition stores next in e and restores the thread ordering if the
// timestamp moved.
func (l *Log) reposition(e *entry, next model.Message) {
	moved := !e.msg.CreatedAt.Equal(next.CreatedAt) || e.msg.ThreadID != next.ThreadID
	if !moved {
		e.msg = next
		return
	}
	l.unplaceLocked(e)
	e.msg = next
	l.placeLocked(e)
}

func (l *Log) placeLocked(e *entry) {
	entries := l.threads[e.msg.ThreadID]
	i := sort.Search(len(entries), func(i int) bool { return e.before(entries[i]) })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	l.threads[e.msg.ThreadID] = entries
}

func (l *Log) unplaceLocked(e *entry) {
	entries := l.threads[e.msg.ThreadID]
	for i, v := range entries {
		if v == e {
			l.threads[e.msg.ThreadID] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (l *Log) removeLocked(e *entry) {
	l.unplaceLocked(e)
	delete(l.byID, e.msg.ID)
}

func render(m model.Message) model.Message {
	if m.IsDeleted {
		return m.Placeholder()
	}
	return m.Clone()
}
