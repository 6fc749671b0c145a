package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/delivery"
	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/pkg/logger"
)

// MessageHandler handles thread message endpoints.
type MessageHandler struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions *session.Manager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   logger.OrNop(log),
	}
}

func threadParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	threadID := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return threadID, true
}

func messageParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	messageID := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return messageID, true
}

// List handles GET /api/v1/threads/:id/messages
// The thread's history is loaded into the session and its unread count
// recomputed.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}

	view, err := s.OpenThread(r.Context(), threadID)
	if err != nil {
		middleware.RequestLogger(r.Context(), h.logger).Error("failed to open thread",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		writeError(w, upstreamStatus(err), "failed to load messages")
		return
	}
	defer view.Close()

	writeJSON(w, http.StatusOK, &model.ThreadSnapshotResponse{
		ThreadID:    threadID,
		Messages:    view.Snapshot(),
		UnreadCount: view.UnreadCount(),
	})
}

// Send handles POST /api/v1/threads/:id/messages
// A message that could not be delivered yet is answered with 202 and is
// retried in the background.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, len(req.Attachments)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageType(req.MessageType); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.Send(r.Context(), threadID, req.Content, req.MessageType, req.Attachments...)
	if err == nil {
		writeJSON(w, http.StatusCreated, &model.SendResponse{Message: msg})
		return
	}

	resp := &model.SendResponse{Message: msg, Error: err.Error()}
	if rec, found := s.Delivery().Failed(msg.ID); found {
		resp.Failure = &rec
	}

	var derr *delivery.Error
	switch {
	case errors.Is(err, session.ErrClosed), errors.Is(err, delivery.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, delivery.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, delivery.ErrSessionExpired):
		writeJSON(w, http.StatusUnauthorized, resp)
	case errors.As(err, &derr) && derr.Retryable():
		writeJSON(w, http.StatusAccepted, resp)
	case errors.As(err, &derr):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		middleware.RequestLogger(r.Context(), h.logger).Error("failed to send message",
			zap.String("thread_id", threadID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to send message")
	}
}

// Visible handles POST /api/v1/threads/:id/visible
func (h *MessageHandler) Visible(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}

	var req model.VisibleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.Observe(r.Context(), threadID, req.MessageIDs...)

	writeJSON(w, http.StatusOK, &model.UnreadEvent{
		ThreadID: threadID,
		Count:    s.Reads().UnreadCount(threadID),
		Total:    s.Reads().TotalUnread(),
	})
}

// StartTyping handles POST /api/v1/threads/:id/typing
// Each call counts as a keystroke.
func (h *MessageHandler) StartTyping(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	s.Typing().OnLocalInput(threadID)
	w.WriteHeader(http.StatusNoContent)
}

// StopTyping handles DELETE /api/v1/threads/:id/typing
func (h *MessageHandler) StopTyping(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	threadID, ok := threadParam(w, r)
	if !ok {
		return
	}
	s.Typing().Stop(threadID)
	w.WriteHeader(http.StatusNoContent)
}

// Failed handles GET /api/v1/messages/failed
func (h *MessageHandler) Failed(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	records := s.Delivery().FailedRecords()
	if records == nil {
		records = []model.FailedMessageRecord{}
	}
	writeJSON(w, http.StatusOK, &model.FailedMessagesResponse{Failed: records})
}

// Retry handles POST /api/v1/messages/:id/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	messageID, ok := messageParam(w, r)
	if !ok {
		return
	}

	msg, err := s.Delivery().Retry(r.Context(), messageID)
	switch {
	case err == nil && msg.ID == "":
		// An attempt is already in flight.
		w.WriteHeader(http.StatusAccepted)
	case err == nil:
		writeJSON(w, http.StatusOK, &model.SendResponse{Message: msg})
	case errors.Is(err, delivery.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, delivery.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	default:
		resp := &model.SendResponse{Message: msg, Error: err.Error()}
		if rec, found := s.Delivery().Failed(messageID); found {
			resp.Failure = &rec
		}
		status := http.StatusUnprocessableEntity
		var derr *delivery.Error
		if errors.As(err, &derr) && derr.Retryable() {
			status = http.StatusAccepted
		}
		writeJSON(w, status, resp)
	}
}

// Dismiss handles DELETE /api/v1/messages/:id/failed
func (h *MessageHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	s, ok := currentSession(w, r, h.sessions)
	if !ok {
		return
	}
	messageID, ok := messageParam(w, r)
	if !ok {
		return
	}
	if !s.Delivery().Dismiss(messageID) {
		writeError(w, http.StatusNotFound, delivery.ErrUnknownMessage.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
