// Package model defines the data structures shared by the sync engine.
package model

import (
	"strings"
	"time"
)

// SenderType is the participant role of a message author.
type SenderType string

const (
	SenderCouple SenderType = "couple"
	SenderVendor SenderType = "vendor"
)

// Valid reports whether t is one of the two participant roles.
func (t SenderType) Valid() bool {
	return t == SenderCouple || t == SenderVendor
}

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeSystem   MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument, MessageTypeSystem:
		return true
	}
	return false
}

// Status is the delivery state of a message. It only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses: sent < delivered < read. Unknown values rank
// below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// ProvisionalPrefix marks locally generated message ids.
const ProvisionalPrefix = "tmp-"

// IsProvisionalID reports whether id was generated locally before a
// server acknowledgement.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is one entry of a thread.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`

	// Author
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	SenderName string     `json:"sender_name,omitempty"`

	// Content
	Content     string       `json:"content"`
	MessageType MessageType  `json:"message_type"`
	Attachments []Attachment `json:"attachments,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	IsDeleted bool      `json:"is_deleted,omitempty"`

	// Local-only state, never sent to the API.
	ProvisionalID string `json:"provisional_id,omitempty"`
	Pending       bool   `json:"pending,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Placeholder returns the tombstone rendering of a deleted message: the
// slot and id are kept, the content is hidden.
func (m Message) Placeholder() Message {
	m.Content = ""
	m.Attachments = nil
	return m
}

// Preview returns a short single-line excerpt used by notifications.
func (m Message) Preview(max int) string {
	text := strings.Join(strings.Fields(m.Content), " ")
	if text == "" && len(m.Attachments) > 0 {
		text = m.Attachments[0].FileName
	}
	runes := []rune(text)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return text
}

// SendMessageRequest is the body of POST /threads/:id/messages.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	MessageType MessageType  `json:"message_type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
}

// MarkReadRequest is the body of PUT /threads/:id/read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// ListMessagesResponse is the response of GET /threads/:id/messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more,omitempty"`
}
