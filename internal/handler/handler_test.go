package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wedlink/msgsync/internal/api"
	"github.com/wedlink/msgsync/internal/middleware"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/internal/transport"
	"github.com/wedlink/msgsync/pkg/clock"
)

const testSecret = "gateway-secret"

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// memoryAPI is an in-memory messaging backend with one thread between
// couple-1 and vendor-1.
type memoryAPI struct {
	viewer string

	shared *backendState
}

type backendState struct {
	mu       sync.Mutex
	seq      int
	messages []model.Message
	reads    map[string]int
	failWith error
}

func (a *memoryAPI) ListThreads(ctx context.Context) ([]model.Thread, error) {
	other := "vendor-1"
	if a.viewer == "vendor-1" {
		other = "couple-1"
	}
	return []model.Thread{{
		ID:          "th1",
		Participant: model.Participant{UserID: other, Name: other},
		Status:      model.ThreadActive,
	}}, nil
}

func (a *memoryAPI) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	a.shared.mu.Lock()
	defer a.shared.mu.Unlock()
	if threadID != "th1" {
		return nil, &api.Error{StatusCode: http.StatusNotFound, Message: "thread not found"}
	}
	return append([]model.Message(nil), a.shared.messages...), nil
}

func (a *memoryAPI) SendMessage(ctx context.Context, threadID string, req model.SendMessageRequest) (model.Message, error) {
	a.shared.mu.Lock()
	defer a.shared.mu.Unlock()
	if a.shared.failWith != nil {
		return model.Message{}, a.shared.failWith
	}
	a.shared.seq++
	role := model.SenderCouple
	if a.viewer == "vendor-1" {
		role = model.SenderVendor
	}
	msg := model.Message{
		ID:          fmt.Sprintf("srv-%d", a.shared.seq),
		ThreadID:    threadID,
		SenderID:    a.viewer,
		SenderType:  role,
		SenderName:  a.viewer,
		Content:     req.Content,
		MessageType: req.MessageType,
		Status:      model.StatusSent,
		CreatedAt:   t0.Add(time.Duration(a.shared.seq) * time.Second),
	}
	a.shared.messages = append(a.shared.messages, msg)
	return msg, nil
}

func (a *memoryAPI) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	a.shared.mu.Lock()
	defer a.shared.mu.Unlock()
	for _, id := range messageIDs {
		a.shared.reads[id]++
	}
	return nil
}

func (b *backendState) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = err
}

func (b *backendState) readCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[id]
}

type brokerStub struct{ connected bool }

func (b brokerStub) IsConnected() bool { return b.connected }

type statsStub struct {
	n   uint64
	err error
}

func (s statsStub) Stats(context.Context) (uint64, error) { return s.n, s.err }

type gateway struct {
	t        *testing.T
	server   *httptest.Server
	sessions *session.Manager
	backend  *backendState
	clock    *clock.FakeClock
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	hub := transport.NewHub()
	backend := &backendState{reads: make(map[string]int)}
	clk := clock.Fake(t0)

	sessions := session.NewManager(func(id session.Identity) (session.Options, error) {
		return session.Options{
			Channel: hub.Endpoint(id.UserID),
			API:     &memoryAPI{viewer: id.UserID, shared: backend},
			Clock:   clk,
		}, nil
	}, nil)
	t.Cleanup(sessions.CloseAll)

	server := httptest.NewServer(NewRouter(RouterConfig{
		Sessions:  sessions,
		Broker:    brokerStub{connected: true},
		Streams:   statsStub{n: 7},
		JWTSecret: testSecret,
		Heartbeat: time.Hour,
	}))
	t.Cleanup(server.Close)

	return &gateway{t: t, server: server, sessions: sessions, backend: backend, clock: clk}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	role := "couple"
	if strings.HasPrefix(userID, "vendor") {
		role = "vendor"
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
		Name: userID,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (g *gateway) do(userID, method, path string, body any) (*http.Response, []byte) {
	g.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(g.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, g.server.URL+path, rdr)
	require.NoError(g.t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(g.t, userID))
	}
	resp, err := g.server.Client().Do(req)
	require.NoError(g.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(g.t, err)
	return resp, data
}

func (g *gateway) open(userID string) {
	g.t.Helper()
	resp, _ := g.do(userID, http.MethodPost, "/api/v1/session", nil)
	require.Contains(g.t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndReady(t *testing.T) {
	g := newGateway(t)

	resp, _ := g.do("", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := g.do("", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"stream_messages":7`)

	h := NewHealthHandler(brokerStub{connected: false}, nil, g.sessions, nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = NewHealthHandler(brokerStub{connected: true}, statsStub{err: io.EOF}, g.sessions, nil)
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequiresAuthAndSession(t *testing.T) {
	g := newGateway(t)

	resp, _ := g.do("", http.MethodGet, "/api/v1/threads", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = g.do("couple-1", http.MethodGet, "/api/v1/threads", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	g := newGateway(t)

	resp, body := g.do("couple-1", http.MethodPost, "/api/v1/session", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[model.SessionResponse](t, body)
	assert.Equal(t, "couple-1", sess.UserID)
	assert.Equal(t, model.SenderCouple, sess.Role)
	assert.Equal(t, model.StateConnected, sess.ConnectionState)
	require.Len(t, sess.Threads, 1)
	assert.Equal(t, "th1", sess.Threads[0].ID)

	resp, body = g.do("couple-1", http.MethodGet, "/api/v1/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.ListThreadsResponse](t, body).Threads, 1)

	resp, _ = g.do("couple-1", http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = g.do("couple-1", http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, g.sessions.Len())
}

func TestSendAndRead(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")
	g.open("vendor-1")

	resp, body := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages",
		model.SendMessageRequest{Content: "Can we move the tasting?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	sent := decode[model.SendResponse](t, body)
	assert.Equal(t, "srv-1", sent.Message.ID)
	assert.NotEmpty(t, sent.Message.ProvisionalID)

	resp, body = g.do("vendor-1", http.MethodGet, "/api/v1/unread", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	unread := decode[model.UnreadResponse](t, body)
	assert.Equal(t, 1, unread.Total)
	assert.Equal(t, 1, unread.Threads["th1"])

	resp, body = g.do("vendor-1", http.MethodGet, "/api/v1/threads/th1/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[model.ThreadSnapshotResponse](t, body)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 1, snap.UnreadCount)

	resp, body = g.do("vendor-1", http.MethodPost, "/api/v1/threads/th1/visible",
		model.VisibleRequest{MessageIDs: []string{"srv-1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decode[model.UnreadEvent](t, body)
	assert.Equal(t, 0, ev.Count)
	assert.Equal(t, 0, ev.Total)
	assert.Equal(t, 1, g.backend.readCount("srv-1"))

	s, ok := g.sessions.Get("couple-1")
	require.True(t, ok)
	own, ok := s.Log().Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusRead, own.Status)
}

func TestSendValidation(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")

	resp, _ := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages", model.SendMessageRequest{Content: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages",
		model.SendMessageRequest{Content: "hi", MessageType: "sticker"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = g.do("couple-1", http.MethodPost, "/api/v1/threads/th.1/messages", model.SendMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailedSendRetryAndDismiss(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")

	g.backend.fail(&api.Error{StatusCode: http.StatusServiceUnavailable, Message: "maintenance"})
	resp, body := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages", model.SendMessageRequest{Content: "Hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	sent := decode[model.SendResponse](t, body)
	require.NotNil(t, sent.Failure)
	assert.True(t, sent.Failure.CanRetry)
	assert.True(t, sent.Message.Failed)
	id := sent.Message.ID

	resp, body = g.do("couple-1", http.MethodGet, "/api/v1/messages/failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[model.FailedMessagesResponse](t, body).Failed, 1)

	g.backend.fail(nil)
	resp, body = g.do("couple-1", http.MethodPost, "/api/v1/messages/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "srv-1", decode[model.SendResponse](t, body).Message.ID)

	resp, _ = g.do("couple-1", http.MethodPost, "/api/v1/messages/"+id+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	g.backend.fail(&api.Error{StatusCode: http.StatusBadRequest, Message: "content too long"})
	resp, body = g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages", model.SendMessageRequest{Content: "Again"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	id = decode[model.SendResponse](t, body).Message.ID

	resp, _ = g.do("couple-1", http.MethodPost, "/api/v1/messages/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = g.do("couple-1", http.MethodDelete, "/api/v1/messages/"+id+"/failed", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = g.do("couple-1", http.MethodDelete, "/api/v1/messages/"+id+"/failed", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionExpiredSend(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")

	g.backend.fail(&api.Error{StatusCode: http.StatusUnauthorized, Message: "expired"})
	resp, body := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages", model.SendMessageRequest{Content: "Hello"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	sent := decode[model.SendResponse](t, body)
	require.NotNil(t, sent.Failure)
	assert.False(t, sent.Failure.CanRetry)
}

func TestTypingEndpoints(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")
	g.open("vendor-1")
	vendor, ok := g.sessions.Get("vendor-1")
	require.True(t, ok)

	resp, _ := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/typing", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	who, typing := vendor.Typing().Remote("th1")
	assert.True(t, typing)
	assert.Equal(t, "couple-1", who)

	resp, _ = g.do("couple-1", http.MethodDelete, "/api/v1/threads/th1/typing", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, typing = vendor.Typing().Remote("th1")
	assert.False(t, typing)
}

func TestStream(t *testing.T) {
	g := newGateway(t)
	g.open("couple-1")
	g.open("vendor-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.server.URL+"/api/v1/threads/th1/stream?access_token="+token(t, "vendor-1"), nil)
	require.NoError(t, err)
	resp, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(resp.Body)

	first := <-events
	require.Equal(t, "connected", first.name)
	connected := decode[ConnectedEvent](t, []byte(first.data))
	assert.Equal(t, "th1", connected.ThreadID)
	assert.Equal(t, model.StateConnected, connected.ConnectionState)

	vendor, ok := g.sessions.Get("vendor-1")
	require.True(t, ok)
	assert.Equal(t, "th1", vendor.Active())

	sendResp, _ := g.do("couple-1", http.MethodPost, "/api/v1/threads/th1/messages", model.SendMessageRequest{Content: "Menu approved"})
	require.Equal(t, http.StatusCreated, sendResp.StatusCode)

	var sawMessage, sawUnread bool
	for ev := range events {
		switch ev.name {
		case "message":
			assert.Contains(t, ev.data, "Menu approved")
			sawMessage = true
		case "unread":
			sawUnread = true
		}
		if sawMessage && sawUnread {
			break
		}
	}
	assert.True(t, sawMessage)
	assert.True(t, sawUnread)
}

type streamEvent struct {
	name string
	data string
}

func readEvents(body io.Reader) <-chan streamEvent {
	out := make(chan streamEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		var ev streamEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = streamEvent{}
			}
		}
	}()
	return out
}
