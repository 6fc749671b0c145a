package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/pkg/logger"
)

// Broker reports the health of the message broker.
type Broker interface {
	IsConnected() bool
}

// StreamStats reports the size of the durable message stream.
type StreamStats interface {
	Stats(ctx context.Context) (uint64, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	broker   Broker
	streams  StreamStats
	sessions *session.Manager
	logger   *logger.Logger
}

// NewHealthHandler creates a new health handler. streams may be nil.
func NewHealthHandler(broker Broker, streams StreamStats, sessions *session.Manager, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		broker:   broker,
		streams:  streams,
		sessions: sessions,
		logger:   logger.OrNop(log),
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": h.sessions.Len(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil || !h.broker.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	resp := map[string]any{"status": "ready"}
	if h.streams != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		n, err := h.streams.Stats(ctx)
		if err != nil {
			h.logger.Warn("stream stats unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "message stream unavailable",
			})
			return
		}
		resp["stream_messages"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}
