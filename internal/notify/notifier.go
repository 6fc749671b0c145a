// Package notify delivers new-message notifications for threads the viewer
// is not looking at. Delivery is best-effort.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wedlink/msgsync/pkg/logger"
)

// Notification is one new-message alert.
type Notification struct {
	SenderName string `json:"sender_name"`
	Preview    string `json:"preview"`
	ThreadID   string `json:"thread_id"`
}

// Notifier shows a notification to the viewer.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes notifications to the log. It is the gateway default
// until a push provider is configured.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrNop(log).Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info("new message notification",
		zap.String("thread_id", note.ThreadID),
		zap.String("sender_name", note.SenderName),
		zap.Int("preview_len", len(note.Preview)),
	)
	return nil
}

// Safe calls n and turns any error or panic into a log line.
func Safe(ctx context.Context, n Notifier, note Notification, log *logger.Logger) {
	if n == nil {
		return
	}
	log = logger.OrNop(log)
	defer func() {
		if r := recover(); r != nil {
			log.Warn("notifier panicked",
				zap.String("thread_id", note.ThreadID),
				zap.Error(fmt.Errorf("%v", r)),
			)
		}
	}()
	if err := n.Notify(ctx, note); err != nil {
		log.Warn("notification failed",
			zap.String("thread_id", note.ThreadID),
			zap.Error(err),
		)
	}
}
