package model

import (
	"time"
)

// TypingEvent announces that a user started or stopped typing in a thread.
type TypingEvent struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	Typing   bool      `json:"typing"`
	At       time.Time `json:"at"`
}

// ReceiptEvent acknowledges messages as delivered to, or read by, ReaderID.
type ReceiptEvent struct {
	ThreadID   string    `json:"thread_id"`
	MessageIDs []string  `json:"message_ids"`
	ReaderID   string    `json:"reader_id"`
	Status     Status    `json:"status"`
	At         time.Time `json:"at"`
}

// UserStatusEvent reports a participant's presence.
type UserStatusEvent struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// ErrorEvent is streamed to clients when a failure should be surfaced.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	MessageID  string `json:"message_id,omitempty"`
	CanRetry   bool   `json:"can_retry"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent keeps idle streams open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// UnreadEvent carries the unread count of a thread and the badge total.
type UnreadEvent struct {
	ThreadID string `json:"thread_id"`
	Count    int    `json:"count"`
	Total    int    `json:"total"`
}
