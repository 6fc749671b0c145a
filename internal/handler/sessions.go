package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/internal/transport"
	"github.com/wedlink/msgsync/pkg/logger"
)

// SessionHandler handles session and thread list endpoints.
type SessionHandler struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *session.Manager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger.OrNop(log),
	}
}

// Open handles POST /api/v1/session
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	id := session.Identity{
		UserID: middleware.GetUserID(ctx),
		Role:   middleware.GetRole(ctx),
		Name:   middleware.GetName(ctx),
		Token:  middleware.GetToken(ctx),
	}
	s, created, err := h.sessions.Open(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "messaging transport rejected the session token")
			return
		}
		log.Error("failed to open session", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to open session")
		return
	}

	threads, err := s.LoadThreads(ctx)
	if err != nil {
		log.Warn("failed to load threads", zap.Error(err))
		threads = s.Threads()
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &model.SessionResponse{
		UserID:          id.UserID,
		Role:            id.Role,
		ConnectionState: s.Connection().State(),
		Threads:         threads,
		TotalUnread:     s.Reads().TotalUnread(),
	})
}

// Close handles DELETE /api/v1/session
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Close(middleware.GetUserID(r.Context())) {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Threads handles GET /api/v1/threads
// Supports ?refresh=true to reload the list from the messaging API.
func (h *SessionHandler) Threads(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	if r.URL.Query().Get("refresh") != "true" {
		writeJSON(w, http.StatusOK, &model.ListThreadsResponse{Threads: s.Threads()})
		return
	}

	threads, err := s.LoadThreads(r.Context())
	if err != nil {
		middleware.RequestLogger(r.Context(), h.logger).Warn("failed to load threads", zap.Error(err))
		writeError(w, upstreamStatus(err), "failed to load threads")
		return
	}
	writeJSON(w, http.StatusOK, &model.ListThreadsResponse{Threads: threads})
}

// Unread handles GET /api/v1/unread
func (h *SessionHandler) Unread(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &model.UnreadResponse{
		Total:   s.Reads().TotalUnread(),
		Threads: s.Reads().Counts(),
	})
}
