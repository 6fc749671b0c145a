package model

import (
	"time"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Participant summarizes the counterpart of a thread.
type Participant struct {
	UserID   string     `json:"user_id"`
	Name     string     `json:"name"`
	Category string     `json:"category,omitempty"`
	Role     SenderType `json:"role,omitempty"`
}

// Thread is a conversation between one couple-side and one vendor-side
// participant.
type Thread struct {
	ID              string       `json:"id"`
	Participant     Participant  `json:"participant"`
	LastMessage     *Message     `json:"last_message,omitempty"`
	LastMessageTime time.Time    `json:"last_message_time"`
	UnreadCount     int          `json:"unread_count"`
	Status          ThreadStatus `json:"status"`
}

// ListThreadsResponse is the response of GET /threads.
type ListThreadsResponse struct {
	Threads []Thread `json:"threads"`
}
