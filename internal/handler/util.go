// Package handler provides the HTTP and SSE handlers of the gateway.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wedlink/msgsync/internal/api"
	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/session"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// currentSession returns the caller's open session, writing 409 when the
// caller has not connected yet.
func currentSession(w http.ResponseWriter, r *http.Request, sessions *session.Manager) (*session.Session, bool) {
	s, ok := sessions.Get(middleware.GetUserID(r.Context()))
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNoSession.Error())
		return nil, false
	}
	return s, true
}

// upstreamStatus maps a messaging API failure to the gateway's response
// status.
func upstreamStatus(err error) int {
	switch code := api.StatusCode(err); {
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case code == http.StatusUnauthorized:
		return http.StatusUnauthorized
	case code == http.StatusForbidden, code == http.StatusNotFound:
		return code
	default:
		return http.StatusBadGateway
	}
}
