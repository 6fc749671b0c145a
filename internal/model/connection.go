package model

import (
	"time"
)

// ConnectionState is the lifecycle state of a session's transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionChange is published once per state transition.
type ConnectionChange struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Attempts  int             `json:"reconnect_attempts"`
	Exhausted bool            `json:"exhausted,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// FailureClass separates automatically retried failures from terminal ones.
type FailureClass string

const (
	FailureRetryable FailureClass = "retryable"
	FailureTerminal  FailureClass = "terminal"
)

// FailedMessageRecord tracks a provisional message whose delivery failed.
// It lives only in memory for the lifetime of a session.
type FailedMessageRecord struct {
	ProvisionalID string       `json:"provisional_id"`
	ThreadID      string       `json:"thread_id"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error"`
	StatusCode    int          `json:"status_code,omitempty"`
	CanRetry      bool         `json:"can_retry"`
	Class         FailureClass `json:"class"`
	Exhausted     bool         `json:"exhausted,omitempty"`
	InFlight      bool         `json:"in_flight,omitempty"`
	NextRetryAt   *time.Time   `json:"next_retry_at,omitempty"`
}
