package model

// SessionResponse describes an open gateway session.
type SessionResponse struct {
	UserID          string          `json:"user_id"`
	Role            SenderType      `json:"role"`
	ConnectionState ConnectionState `json:"connection_state"`
	Threads         []Thread        `json:"threads"`
	TotalUnread     int             `json:"total_unread"`
}

// ThreadSnapshotResponse is the current content of an opened thread.
type ThreadSnapshotResponse struct {
	ThreadID    string    `json:"thread_id"`
	Messages    []Message `json:"messages"`
	UnreadCount int       `json:"unread_count"`
}

// SendResponse is returned for a submitted message. Error and Failure are
// set when the message is kept locally for a retry or was rejected.
type SendResponse struct {
	Message Message              `json:"message"`
	Error   string               `json:"error,omitempty"`
	Failure *FailedMessageRecord `json:"failure,omitempty"`
}

// VisibleRequest reports the messages a client has on screen.
type VisibleRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// UnreadResponse carries per-thread unread counts and the badge total.
type UnreadResponse struct {
	Total   int            `json:"total"`
	Threads map[string]int `json:"threads"`
}

// FailedMessagesResponse lists messages whose delivery failed.
type FailedMessagesResponse struct {
	Failed []FailedMessageRecord `json:"failed"`
}
