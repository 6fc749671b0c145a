package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/wedlink/msgsync/internal/model"
)

const (
	maxContentBytes = 10000
	maxIDLength     = 128
)

// ValidateMessageContent validates message content. Empty content is
// allowed when the message carries attachments.
func ValidateMessageContent(content string, attachments int) error {
	if strings.TrimSpace(content) == "" && attachments == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateThreadID validates a thread ID.
func ValidateThreadID(id string) error {
	if err := validateID(id); err != nil {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID. Provisional ids carry a uuid
// after their prefix.
func ValidateMessageID(id string) error {
	if rest, ok := strings.CutPrefix(id, model.ProvisionalPrefix); ok {
		if _, err := uuid.Parse(rest); err != nil {
			return errors.New("invalid provisional message ID format")
		}
		return nil
	}
	if err := validateID(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateMessageType validates a message type, defaulting to text.
func ValidateMessageType(t model.MessageType) error {
	if t == "" || t.Valid() {
		return nil
	}
	return errors.New("unknown message type")
}

// Server ids are opaque; they only need to be safe as path and subject
// tokens.
func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return errors.New("bad length")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return errors.New("bad character")
		}
	}
	return nil
}
