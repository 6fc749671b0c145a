// Package session wires the sync engine for one logged-in user: transport,
// connection state machine, thread log, read synchronizer, typing
// coordinator and delivery pipeline, plus the glue between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/attachment"
	"github.com/wedlink/msgsync/internal/connection"
	"github.com/wedlink/msgsync/internal/delivery"
	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/notify"
	"github.com/wedlink/msgsync/internal/readsync"
	"github.com/wedlink/msgsync/internal/threadlog"
	"github.com/wedlink/msgsync/internal/transport"
	"github.com/wedlink/msgsync/internal/typing"
	"github.com/wedlink/msgsync/pkg/clock"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

const (
	previewLength = 80
	replayTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by operations on an ended session.
	ErrClosed = errors.New("session closed")
	// ErrUnknownThread is returned for threads the viewer does not have.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrNoSession is returned when a request needs a session that is not
	// open.
	ErrNoSession = errors.New("no open session")
)

// API is the messaging backend as the session uses it.
type API interface {
	ListThreads(ctx context.Context) ([]model.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]model.Message, error)
	SendMessage(ctx context.Context, threadID string, req model.SendMessageRequest) (model.Message, error)
	MarkRead(ctx context.Context, threadID string, messageIDs []string) error
}

// Replayer is implemented by transports that store messages and can
// return the ones missed while disconnected.
type Replayer interface {
	Replay(ctx context.Context, threadID string, since time.Time) ([]model.Message, error)
}

// Identity describes the logged-in user.
type Identity struct {
	UserID string
	Role   model.SenderType
	Name   string
	Token  string
}

// Options configures a Session. Channel and API are required.
type Options struct {
	Identity

	Channel   transport.Channel
	API       API
	Clock     clock.Clock
	Logger    *logger.Logger
	Notifier  notify.Notifier
	Validator attachment.Validator

	Connection connection.Config
	Delivery   delivery.Config

	TypingIdle         time.Duration
	RemoteTypingExpiry time.Duration
	ReconcileWindow    time.Duration
}

// Session is one user's sync engine. It is safe for concurrent use.
type Session struct {
	id       Identity
	channel  transport.Channel
	api      API
	clock    clock.Clock
	logger   *logger.Logger
	notifier notify.Notifier
	window   time.Duration

	conn     *connection.Machine
	log      *threadlog.Log
	reads    *readsync.Synchronizer
	typing   *typing.Coordinator
	delivery *delivery.Pipeline

	subs     events.Group
	presence *events.Bus[model.UserStatusEvent]
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	summaries map[string]model.Thread
	joined    map[string]int
	active    string
	online    map[string]bool
	lastSeen  time.Time
	connected bool
	views     map[*View]struct{}
}

// New wires a session. It does not connect; call Start.
func New(opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("session: invalid role %q", opts.Role)
	}
	if opts.Channel == nil || opts.API == nil {
		return nil, errors.New("session: channel and api are required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := logger.OrNop(opts.Logger).WithSession(opts.UserID, string(opts.Role))
	window := opts.ReconcileWindow
	if window <= 0 {
		window = threadlog.DefaultWindow
	}

	s := &Session{
		id:        opts.Identity,
		channel:   opts.Channel,
		api:       opts.API,
		clock:     clk,
		logger:    log.Named("session"),
		notifier:  opts.Notifier,
		window:    window,
		presence:  events.NewBus[model.UserStatusEvent](),
		done:      make(chan struct{}),
		summaries: make(map[string]model.Thread),
		joined:    make(map[string]int),
		online:    make(map[string]bool),
		views:     make(map[*View]struct{}),
	}

	s.log = threadlog.New(threadlog.WithWindow(window), threadlog.WithLogger(log))
	s.conn = connection.New(opts.Channel, clk, opts.Connection, log)
	s.typing = typing.New(opts.UserID, opts.Channel, clk,
		typing.WithIdle(opts.TypingIdle),
		typing.WithRemoteExpiry(opts.RemoteTypingExpiry),
		typing.WithLogger(log),
	)
	s.reads = readsync.New(opts.UserID, s.log, opts.Channel, opts.API, clk, log)
	s.delivery = delivery.New(
		delivery.Sender{ID: opts.UserID, Type: opts.Role, Name: opts.Name},
		opts.Delivery,
		delivery.Deps{
			API:        opts.API,
			Log:        s.log,
			Connection: s.conn,
			Emitter:    opts.Channel,
			Typing:     s.typing,
			Validator:  opts.Validator,
			Clock:      clk,
			Logger:     log,
		},
	)

	s.subs.Add(opts.Channel.OnMessageReceived(s.handleMessage))
	s.subs.Add(opts.Channel.OnTypingIndicator(s.typing.OnRemoteTyping))
	s.subs.Add(opts.Channel.OnReceipt(s.reads.ApplyReceipt))
	s.subs.Add(opts.Channel.OnUserStatusChange(s.handlePresence))
	s.subs.Add(s.conn.OnConnectionChange(s.handleConnectionChange))

	metrics.SessionsActive.Inc()
	return s, nil
}

// Identity returns the session's user.
func (s *Session) Identity() Identity { return s.id }

// Log returns the session's thread log.
func (s *Session) Log() *threadlog.Log { return s.log }

// Reads returns the read/unread synchronizer.
func (s *Session) Reads() *readsync.Synchronizer { return s.reads }

// Typing returns the typing coordinator.
func (s *Session) Typing() *typing.Coordinator { return s.typing }

// Delivery returns the delivery pipeline.
func (s *Session) Delivery() *delivery.Pipeline { return s.delivery }

// Connection returns the connection state machine.
func (s *Session) Connection() *connection.Machine { return s.conn }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnPresence subscribes to the online status of the loaded threads'
// participants.
func (s *Session) OnPresence(fn func(model.UserStatusEvent)) (unsubscribe func()) {
	return s.presence.Subscribe(fn)
}

// Online reports the last known presence of userID.
func (s *Session) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// Start connects the transport. A rejected token is returned; any other
// failure leaves the connection machine retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.conn.Connect(ctx, s.id.Token)
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return err
	}
	s.logger.Warn("initial connect failed, retrying", zap.Error(err))
	return nil
}

// LoadThreads fetches the viewer's threads, seeds their unread baselines
// and subscribes to all of them so unread counts stay live.
func (s *Session) LoadThreads(ctx context.Context) ([]model.Thread, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	threads, err := s.api.ListThreads(ctx)
	if err != nil {
		return nil, err
	}

	var toJoin []string
	s.mu.Lock()
	for _, th := range threads {
		if _, known := s.summaries[th.ID]; !known {
			s.joined[th.ID]++
			toJoin = append(toJoin, th.ID)
		}
		s.summaries[th.ID] = th
	}
	s.mu.Unlock()

	for _, th := range threads {
		s.reads.Seed(th.ID, th.UnreadCount)
	}
	for _, id := range toJoin {
		s.join(ctx, id)
	}
	return s.Threads(), nil
}

// Threads returns thread summaries, most recent activity first. Last
// message and unread count come from the engine, not the server list.
func (s *Session) Threads() []model.Thread {
	s.mu.Lock()
	out := make([]model.Thread, 0, len(s.summaries))
	for _, th := range s.summaries {
		out = append(out, th)
	}
	s.mu.Unlock()

	for i := range out {
		if last, ok := s.log.Last(out[i].ID); ok {
			m := last
			out[i].LastMessage = &m
			out[i].LastMessageTime = last.CreatedAt
		}
		out[i].UnreadCount = s.reads.UnreadCount(out[i].ID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenThread joins a thread, loads its history into the log, makes its
// unread count exact and marks it active. Close the returned view when the
// thread is no longer shown.
func (s *Session) OpenThread(ctx context.Context, threadID string) (*View, error) {
	if threadID == "" {
		return nil, ErrUnknownThread
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.joined[threadID]++
	first := s.joined[threadID] == 1
	s.mu.Unlock()

	if first {
		s.join(ctx, threadID)
	}

	msgs, err := s.api.ListMessages(ctx, threadID)
	if err != nil {
		s.release(threadID)
		return nil, err
	}
	for _, m := range msgs {
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		if _, err := s.log.Merge(m); err != nil {
			s.logger.Debug("skipping history entry", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		s.noteSeen(m.CreatedAt)
	}
	s.reads.Reload(threadID)

	v := &View{session: s, threadID: threadID}
	s.mu.Lock()
	s.active = threadID
	s.views[v] = struct{}{}
	s.mu.Unlock()
	return v, nil
}

// Observe reports that messages of threadID were shown to the viewer.
// Unknown ids and messages of other threads are ignored.
func (s *Session) Observe(ctx context.Context, threadID string, messageIDs ...string) {
	for _, id := range messageIDs {
		m, ok := s.log.Get(id)
		if !ok || m.ThreadID != threadID {
			continue
		}
		s.reads.ObserveVisibility(ctx, m.ID, m.SenderID)
	}
}

// Active returns the thread currently shown, if any.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send submits a message through the delivery pipeline.
func (s *Session) Send(ctx context.Context, threadID, content string, messageType model.MessageType, attachments ...model.Attachment) (model.Message, error) {
	if s.isClosed() {
		return model.Message{}, ErrClosed
	}
	return s.delivery.Send(ctx, threadID, content, messageType, attachments...)
}

// Close ends the session: listeners are dropped, timers cancelled and the
// transport disconnected. Results of in-flight requests are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := make([]*View, 0, len(s.views))
	for v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	for _, v := range views {
		v.group.Close()
	}
	s.subs.Close()
	s.delivery.Close()
	s.typing.Close()
	s.reads.Close()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("disconnect failed", zap.Error(err))
	}
	s.log.Close()
	s.presence.Close()
	close(s.done)

	metrics.SessionsActive.Dec()
	s.logger.Info("session closed")
}

func (s *Session) showingLocked(threadID string) bool {
	for v := range s.views {
		if v.threadID == threadID {
			return true
		}
	}
	return false
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) join(ctx context.Context, threadID string) {
	err := s.channel.JoinThread(ctx, threadID)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotConnected):
		// Joined on the next transition to connected.
	default:
		s.logger.Warn("join thread failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// release drops one reference to a joined thread and leaves it when none
// remain.
func (s *Session) release(threadID string) {
	s.mu.Lock()
	n := s.joined[threadID] - 1
	if n > 0 {
		s.joined[threadID] = n
		s.mu.Unlock()
		return
	}
	delete(s.joined, threadID)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	if err := s.channel.LeaveThread(threadID); err != nil {
		s.logger.Debug("leave thread failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func (s *Session) noteSeen(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastSeen) {
		s.lastSeen = t
	}
	s.mu.Unlock()
}

// handleMessage merges a message received from the transport.
func (s *Session) handleMessage(msg model.Message) {
	change, err := s.log.Merge(msg)
	if err != nil {
		s.logger.Warn("dropping invalid message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.MessagesReceived.Inc()
	s.noteSeen(msg.CreatedAt)

	if msg.SenderID == s.id.UserID {
		return
	}
	s.typing.ClearRemote(msg.ThreadID, msg.SenderID)

	current, ok := s.log.Get(msg.ID)
	if !ok {
		return
	}
	s.reads.Track(current)
	if change.Kind != threadlog.ChangeInserted {
		return
	}

	if current.Status.Rank() < model.StatusDelivered.Rank() {
		receipt := model.ReceiptEvent{
			ThreadID:   msg.ThreadID,
			MessageIDs: []string{msg.ID},
			ReaderID:   s.id.UserID,
			Status:     model.StatusDelivered,
			At:         s.clock.Now(),
		}
		if err := s.channel.EmitReceipt(context.Background(), receipt); err != nil {
			s.logger.Debug("delivered receipt emit failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}

	s.mu.Lock()
	active := s.active == msg.ThreadID
	s.mu.Unlock()
	if !active && !current.IsDeleted {
		notify.Safe(context.Background(), s.notifier, notify.Notification{
			SenderName: current.SenderName,
			Preview:    current.Preview(previewLength),
			ThreadID:   current.ThreadID,
		}, s.logger)
	}
}

// handlePresence keeps the online status of the session's counterparts.
// Status changes of users outside the loaded threads are dropped.
func (s *Session) handlePresence(ev model.UserStatusEvent) {
	if ev.UserID == s.id.UserID {
		return
	}
	s.mu.Lock()
	if !s.counterpartLocked(ev.UserID) {
		s.mu.Unlock()
		return
	}
	s.online[ev.UserID] = ev.Online
	s.mu.Unlock()
	s.presence.Publish(ev)
}

func (s *Session) counterpartLocked(userID string) bool {
	for _, th := range s.summaries {
		if th.Participant.UserID == userID {
			return true
		}
	}
	return false
}

// handleConnectionChange rejoins threads, catches up on missed messages
// and flushes the retry queue whenever the connection comes up.
func (s *Session) handleConnectionChange(c model.ConnectionChange) {
	s.logger.Info("connection state changed",
		zap.String("from", string(c.From)),
		zap.String("to", string(c.To)),
		zap.Int("attempts", c.Attempts),
		zap.Bool("exhausted", c.Exhausted),
	)
	if c.To != model.StateConnected {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	reconnect := s.connected
	s.connected = true
	since := s.lastSeen
	threads := make([]string, 0, len(s.joined))
	for id := range s.joined {
		threads = append(threads, id)
	}
	s.mu.Unlock()
	sort.Strings(threads)

	ctx := context.Background()
	for _, id := range threads {
		s.join(ctx, id)
	}
	if reconnect && !since.IsZero() {
		s.catchUp(ctx, threads, since.Add(-s.window))
	}
	if n := s.delivery.Flush(ctx); n > 0 {
		s.logger.Info("flushed pending messages", zap.Int("count", n))
	}
}

func (s *Session) catchUp(ctx context.Context, threads []string, since time.Time) {
	replayer, ok := s.channel.(Replayer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()

	for _, id := range threads {
		msgs, err := replayer.Replay(ctx, id, since)
		if err != nil {
			s.logger.Warn("catch-up failed", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		for _, m := range msgs {
			s.handleMessage(m)
		}
	}
}
