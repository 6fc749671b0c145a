package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/metrics"
)

const (
	// StreamName is the name of the thread message stream.
	StreamName = "MSGSYNC_THREADS"

	// SubjectPrefix is the prefix for all transport subjects.
	SubjectPrefix = "msgsync"

	kindMessage = "message"
	kindTyping  = "typing"
	kindReceipt = "receipt"

	// DefaultReplayLimit bounds a single catch-up fetch.
	DefaultReplayLimit = 500
)

// ThreadSubject returns the subject carrying events of kind for a thread.
func ThreadSubject(threadID, kind string) string {
	return fmt.Sprintf("%s.thread.%s.%s", SubjectPrefix, threadID, kind)
}

// ThreadFilter matches every event of a thread.
func ThreadFilter(threadID string) string {
	return fmt.Sprintf("%s.thread.%s.>", SubjectPrefix, threadID)
}

// UserStatusSubject returns the presence subject of a user.
func UserStatusSubject(userID string) string {
	return fmt.Sprintf("%s.user.%s.status", SubjectPrefix, userID)
}

// UserStatusFilter matches every presence subject.
func UserStatusFilter() string {
	return SubjectPrefix + ".user.*.status"
}

// subjectKind returns the trailing event kind of a thread subject.
func subjectKind(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// validToken rejects ids that would change the shape of a subject.
func validToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the thread message stream exists. Only message
// subjects are stored; typing and receipts are ephemeral.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.thread.*.%s", SubjectPrefix, kindMessage)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Thread messages for reconnect catch-up",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Stats refreshes the stream gauges and returns the stored message count.
func (m *StreamManager) Stats(ctx context.Context) (uint64, error) {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return info.State.Msgs, nil
}

// Replay returns the messages of a thread stored at or after since.
func (m *StreamManager) Replay(ctx context.Context, threadID string, since time.Time, limit int) ([]model.Message, error) {
	return replay(ctx, m.client.JetStream(), threadID, since, limit)
}

func replay(ctx context.Context, js jetstream.JetStream, threadID string, since time.Time, limit int) ([]model.Message, error) {
	if !validToken(threadID) {
		return nil, fmt.Errorf("invalid thread id %q", threadID)
	}
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ThreadSubject(threadID, kindMessage),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if !since.IsZero() {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		consumerConfig.OptStartTime = &since
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []model.Message
	for msg := range batch.Messages() {
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			continue
		}
		messages = append(messages, message)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	return messages, nil
}
