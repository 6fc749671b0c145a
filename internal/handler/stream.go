package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/delivery"
	"github.com/wedlink/msgsync/internal/events"
	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/internal/threadlog"
	"github.com/wedlink/msgsync/internal/typing"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/metrics"
)

const (
	defaultHeartbeat = 15 * time.Second
	streamBuffer     = 256
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *session.Manager
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *session.Manager, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &StreamHandler{
		sessions:  sessions,
		heartbeat: heartbeat,
		logger:    logger.OrNop(log),
	}
}

// ConnectedEvent opens a thread stream with the current thread content.
type ConnectedEvent struct {
	ThreadID        string                `json:"thread_id"`
	ConnectionState model.ConnectionState `json:"connection_state"`
	Messages        []model.Message       `json:"messages"`
	UnreadCount     int                   `json:"unread_count"`
}

type sseEvent struct {
	name string
	data any
}

// Stream handles GET /api/v1/threads/:id/stream
// The thread stays open, and therefore active, for as long as the stream
// is connected.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	view, err := s.OpenThread(ctx, threadID)
	if err != nil {
		log.Error("failed to open thread", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, upstreamStatus(err), "failed to open thread")
		return
	}
	defer view.Close()

	// Listeners run on engine goroutines; the handler goroutine owns the
	// response writer.
	queue := make(chan sseEvent, streamBuffer)
	overflow := make(chan struct{})
	var (
		mu         sync.Mutex
		overflowed bool
	)
	enqueue := func(ev sseEvent) {
		mu.Lock()
		defer mu.Unlock()
		if overflowed {
			return
		}
		select {
		case queue <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	}

	view.OnChange(func(c threadlog.Change) { enqueue(sseEvent{"message", c}) })
	view.OnUnreadChange(func(n int) {
		enqueue(sseEvent{"unread", &model.UnreadEvent{ThreadID: threadID, Count: n, Total: s.Reads().TotalUnread()}})
	})
	view.OnTyping(func(c typing.RemoteChange) { enqueue(sseEvent{"typing", c}) })

	var subs events.Group
	defer subs.Close()
	subs.Add(s.Connection().OnConnectionChange(func(c model.ConnectionChange) { enqueue(sseEvent{"connection", c}) }))
	subs.Add(s.Delivery().OnFailure(func(f delivery.Failure) {
		if f.Record.ThreadID != threadID {
			return
		}
		enqueue(sseEvent{"delivery_failed", &model.ErrorEvent{
			Code:      string(f.Record.Class),
			Message:   f.Record.LastError,
			MessageID: f.Record.ProvisionalID,
			CanRetry:  f.Record.CanRetry,
		}})
	}))
	subs.Add(s.OnPresence(func(ev model.UserStatusEvent) { enqueue(sseEvent{"presence", ev}) }))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", &ConnectedEvent{
		ThreadID:        threadID,
		ConnectionState: s.Connection().State(),
		Messages:        view.Snapshot(),
		UnreadCount:     view.UnreadCount(),
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected", zap.String("thread_id", threadID))
			return

		case <-s.Done():
			sendSSEEvent(w, flusher, "session_closed", map[string]string{"thread_id": threadID})
			return

		case <-overflow:
			// The client fell behind; it reconnects and starts from a
			// fresh snapshot.
			sendSSEEvent(w, flusher, "resync", map[string]string{"thread_id": threadID})
			log.Warn("SSE client too slow, closing stream", zap.String("thread_id", threadID))
			return

		case ev := <-queue:
			if err := sendSSEEvent(w, flusher, ev.name, ev.data); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
