package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/clock"
)

// fakeBackend is an in-memory messaging REST API with a single thread
// between couple-1 and vendor-1.
type fakeBackend struct {
	t     *testing.T
	clock clock.Clock

	mu         sync.Mutex
	seq        int
	messages   map[string][]model.Message
	sends      int
	sendStatus int
	readCalls  map[string]int
}

var participants = map[string]struct {
	role model.SenderType
	name string
}{
	"couple-1": {model.SenderCouple, "Ana & Leo"},
	"vendor-1": {model.SenderVendor, "Bloom Florals"},
}

func newFakeBackend(t *testing.T, clk clock.Clock) *fakeBackend {
	return &fakeBackend{
		t:         t,
		clock:     clk,
		messages:  map[string][]model.Message{"th1": nil},
		readCalls: make(map[string]int),
	}
}

func (b *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/threads", b.listThreads)
	r.Get("/threads/{id}/messages", b.listMessages)
	r.Post("/threads/{id}/messages", b.sendMessage)
	r.Put("/threads/{id}/read", b.markRead)
	return r
}

func (b *fakeBackend) user(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer token-")
}

func (b *fakeBackend) listThreads(w http.ResponseWriter, r *http.Request) {
	viewer := b.user(r)
	other := "vendor-1"
	if viewer == "vendor-1" {
		other = "couple-1"
	}

	b.mu.Lock()
	unread := 0
	for _, m := range b.messages["th1"] {
		if m.SenderID != viewer && m.Status != model.StatusRead {
			unread++
		}
	}
	b.mu.Unlock()

	writeTestJSON(w, http.StatusOK, model.ListThreadsResponse{Threads: []model.Thread{{
		ID:          "th1",
		Participant: model.Participant{UserID: other, Name: participants[other].name, Category: "florist"},
		UnreadCount: unread,
		Status:      model.ThreadActive,
	}}})
}

func (b *fakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	msgs := append([]model.Message(nil), b.messages[chi.URLParam(r, "id")]...)
	b.mu.Unlock()
	writeTestJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: msgs})
}

func (b *fakeBackend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	sender := b.user(r)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends++
	if b.sendStatus != 0 {
		writeTestJSON(w, b.sendStatus, map[string]string{"message": http.StatusText(b.sendStatus)})
		return
	}
	b.seq++
	msg := model.Message{
		ID:          fmt.Sprintf("srv-%d", b.seq),
		ThreadID:    chi.URLParam(r, "id"),
		SenderID:    sender,
		SenderType:  participants[sender].role,
		SenderName:  participants[sender].name,
		Content:     req.Content,
		MessageType: req.MessageType,
		Attachments: req.Attachments,
		Status:      model.StatusSent,
		CreatedAt:   b.clock.Now(),
	}
	b.messages[msg.ThreadID] = append(b.messages[msg.ThreadID], msg)
	writeTestJSON(w, http.StatusCreated, msg)
}

func (b *fakeBackend) markRead(w http.ResponseWriter, r *http.Request) {
	var req model.MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	threadID := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range req.MessageIDs {
		b.readCalls[id]++
		for i := range b.messages[threadID] {
			if b.messages[threadID][i].ID == id {
				b.messages[threadID][i].Status = model.StatusRead
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) failSends(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendStatus = status
}

func (b *fakeBackend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

func (b *fakeBackend) reads() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.readCalls))
	for id, n := range b.readCalls {
		out[id] = n
	}
	return out
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
