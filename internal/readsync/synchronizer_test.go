package readsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/threadlog"
	"github.com/wedlink/msgsync/pkg/clock"
)

const viewer = "couple-1"

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) MarkRead(ctx context.Context, threadID string, ids []string) error {
	args := m.Called(ctx, threadID, ids)
	return args.Error(0)
}

type receiptRecorder struct {
	mu       sync.Mutex
	receipts []model.ReceiptEvent
	err      error
}

func (r *receiptRecorder) EmitReceipt(_ context.Context, ev model.ReceiptEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, ev)
	return r.err
}

func (r *receiptRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receipts)
}

type fixture struct {
	log   *threadlog.Log
	store *mockStore
	rec   *receiptRecorder
	sync  *Synchronizer
}

func newFixture() *fixture {
	f := &fixture{
		log:   threadlog.New(),
		store: &mockStore{},
		rec:   &receiptRecorder{},
	}
	f.sync = New(viewer, f.log, f.rec, f.store, clock.Fake(t0), nil)
	return f
}

func (f *fixture) receive(t *testing.T, id, thread, sender string) model.Message {
	t.Helper()
	m := model.Message{
		ID:        id,
		ThreadID:  thread,
		SenderID:  sender,
		Content:   "hello " + id,
		Status:    model.StatusSent,
		CreatedAt: t0,
	}
	_, err := f.log.Merge(m)
	require.NoError(t, err)
	f.sync.Track(m)
	return m
}

func TestUnreadAccounting(t *testing.T) {
	f := newFixture()
	f.receive(t, "m1", "th1", "vendor-1")
	f.receive(t, "m2", "th1", "vendor-1")
	f.receive(t, "m3", "th2", "vendor-2")
	f.receive(t, "own", "th1", viewer)

	// Duplicate delivery is counted once.
	m1, _ := f.log.Get("m1")
	f.sync.Track(m1)

	assert.Equal(t, 2, f.sync.UnreadCount("th1"))
	assert.Equal(t, 1, f.sync.UnreadCount("th2"))
	assert.Equal(t, 3, f.sync.TotalUnread())

	f.store.On("MarkRead", mock.Anything, "th1", []string{"m1"}).Return(nil).Once()
	require.NoError(t, f.sync.MarkRead(context.Background(), "m1"))

	assert.Equal(t, 1, f.sync.UnreadCount("th1"))
	assert.Equal(t, 2, f.sync.TotalUnread())
	assert.Equal(t, map[string]int{"th1": 1, "th2": 1}, f.sync.Counts())
	f.store.AssertExpectations(t)
}

func TestDeletedMessageLeavesUnreadCount(t *testing.T) {
	f := newFixture()
	m1 := f.receive(t, "m1", "th1", "vendor-1")
	f.receive(t, "m2", "th1", "vendor-1")
	require.Equal(t, 2, f.sync.UnreadCount("th1"))

	var counts []int
	f.sync.OnThreadUnreadChange("th1", func(n int) { counts = append(counts, n) })

	tombstone := m1
	tombstone.IsDeleted = true
	_, err := f.log.Merge(tombstone)
	require.NoError(t, err)
	current, _ := f.log.Get("m1")
	f.sync.Track(current)

	assert.Equal(t, 1, f.sync.UnreadCount("th1"))
	assert.Equal(t, 1, f.sync.TotalUnread())
	assert.Equal(t, []int{1}, counts)

	// Showing the placeholder is not a read and the count stays put.
	f.sync.ObserveVisibility(context.Background(), "m1", "vendor-1")
	f.sync.Track(current)
	assert.Equal(t, 1, f.sync.UnreadCount("th1"))
	assert.Equal(t, 0, f.rec.count())
	f.store.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestObserveVisibilityIgnoresOwnMessages(t *testing.T) {
	f := newFixture()
	f.receive(t, "own", "th1", viewer)

	f.sync.ObserveVisibility(context.Background(), "own", viewer)

	got, _ := f.log.Get("own")
	assert.Equal(t, model.StatusSent, got.Status)
	assert.Equal(t, 0, f.rec.count())
	f.store.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)
	assert.ErrorIs(t, f.sync.MarkRead(context.Background(), "own"), ErrOwnMessage)
}

func TestConcurrentVisibilityMarksReadOnce(t *testing.T) {
	f := newFixture()
	f.receive(t, "m1", "th1", "vendor-1")
	f.store.On("MarkRead", mock.Anything, "th1", []string{"m1"}).Return(nil).Once()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sync.ObserveVisibility(context.Background(), "m1", "vendor-1")
		}()
	}
	wg.Wait()

	f.store.AssertNumberOfCalls(t, "MarkRead", 1)
	assert.Equal(t, 1, f.rec.count())
	assert.Equal(t, model.StatusRead, f.rec.receipts[0].Status)
	assert.Equal(t, viewer, f.rec.receipts[0].ReaderID)
	assert.Equal(t, 0, f.sync.UnreadCount("th1"))

	// Later observations after the transition are no-ops too.
	f.sync.ObserveVisibility(context.Background(), "m1", "vendor-1")
	f.store.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestPersistFailureKeepsLocalRead(t *testing.T) {
	f := newFixture()
	f.receive(t, "m1", "th1", "vendor-1")
	f.store.On("MarkRead", mock.Anything, "th1", []string{"m1"}).Return(errors.New("503")).Once()

	err := f.sync.MarkRead(context.Background(), "m1")
	assert.Error(t, err)

	got, _ := f.log.Get("m1")
	assert.Equal(t, model.StatusRead, got.Status)
	assert.Equal(t, 0, f.sync.UnreadCount("th1"))

	// No second attempt.
	require.NoError(t, f.sync.MarkRead(context.Background(), "m1"))
	f.store.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestEmitFailureStillPersists(t *testing.T) {
	f := newFixture()
	f.rec.err = errors.New("transport not connected")
	f.receive(t, "m1", "th1", "vendor-1")
	f.store.On("MarkRead", mock.Anything, "th1", []string{"m1"}).Return(nil).Once()

	assert.Error(t, f.sync.MarkRead(context.Background(), "m1"))
	f.store.AssertExpectations(t)
}

func TestSeedAndReload(t *testing.T) {
	f := newFixture()
	var seen []int
	f.sync.OnThreadUnreadChange("th1", func(n int) { seen = append(seen, n) })

	f.sync.Seed("th1", 4)
	f.sync.Seed("th2", 2)
	assert.Equal(t, 6, f.sync.TotalUnread())

	for _, id := range []string{"a", "b"} {
		_, err := f.log.Merge(model.Message{ID: id, ThreadID: "th1", SenderID: "vendor-1", Status: model.StatusSent, CreatedAt: t0})
		require.NoError(t, err)
	}
	_, err := f.log.Merge(model.Message{ID: "c", ThreadID: "th1", SenderID: "vendor-1", Status: model.StatusRead, CreatedAt: t0})
	require.NoError(t, err)

	assert.Equal(t, 2, f.sync.Reload("th1"))
	assert.Equal(t, 4, f.sync.TotalUnread())

	// Baselines no longer apply once a thread is exact.
	f.sync.Seed("th1", 10)
	assert.Equal(t, 2, f.sync.UnreadCount("th1"))
	assert.Equal(t, []int{4, 2}, seen)
}

func TestCountNeverNegative(t *testing.T) {
	f := newFixture()
	f.sync.Seed("th1", -5)
	assert.Equal(t, 0, f.sync.UnreadCount("th1"))

	_, err := f.log.Merge(model.Message{ID: "m1", ThreadID: "th1", SenderID: "vendor-1", Status: model.StatusSent, CreatedAt: t0})
	require.NoError(t, err)
	f.store.On("MarkRead", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	// Read without ever being tracked.
	require.NoError(t, f.sync.MarkRead(context.Background(), "m1"))
	assert.Equal(t, 0, f.sync.UnreadCount("th1"))
	assert.Equal(t, 0, f.sync.TotalUnread())
}

func TestApplyReceiptFromPeer(t *testing.T) {
	f := newFixture()
	f.receive(t, "mine", "th1", viewer)

	f.sync.ApplyReceipt(model.ReceiptEvent{ThreadID: "th1", MessageIDs: []string{"mine"}, ReaderID: "vendor-1", Status: model.StatusRead})
	got, _ := f.log.Get("mine")
	assert.Equal(t, model.StatusRead, got.Status)

	f.sync.ApplyReceipt(model.ReceiptEvent{ThreadID: "th1", MessageIDs: []string{"mine"}, ReaderID: "vendor-1", Status: model.StatusDelivered})
	got, _ = f.log.Get("mine")
	assert.Equal(t, model.StatusRead, got.Status)
}

func TestApplyReceiptFromOtherDevice(t *testing.T) {
	f := newFixture()
	f.receive(t, "m1", "th1", "vendor-1")
	require.Equal(t, 1, f.sync.UnreadCount("th1"))

	f.sync.ApplyReceipt(model.ReceiptEvent{ThreadID: "th1", MessageIDs: []string{"m1"}, ReaderID: viewer, Status: model.StatusRead})

	assert.Equal(t, 0, f.sync.UnreadCount("th1"))
	assert.Equal(t, 0, f.rec.count())
	f.store.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything)

	// A later visibility observation does not propagate again.
	f.sync.ObserveVisibility(context.Background(), "m1", "vendor-1")
	assert.Equal(t, 0, f.rec.count())
}

func TestUnknownMessage(t *testing.T) {
	f := newFixture()
	assert.ErrorIs(t, f.sync.MarkRead(context.Background(), "nope"), ErrUnknownMessage)
}
