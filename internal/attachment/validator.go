// Package attachment defines the file validation collaborator consulted
// before a message with attachments is sent.
package attachment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wedlink/msgsync/internal/model"
)

// ErrRejected is wrapped by every validation failure.
var ErrRejected = errors.New("attachment rejected")

// Validator returns nil when an attachment may be sent.
type Validator interface {
	Validate(a model.Attachment) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(a model.Attachment) error

func (f ValidatorFunc) Validate(a model.Attachment) error { return f(a) }

// AcceptAll passes every attachment.
var AcceptAll Validator = ValidatorFunc(func(model.Attachment) error { return nil })

// Limits is a basic validator: a size ceiling and an optional set of MIME
// type prefixes. The product's allow-list is configured by the caller.
type Limits struct {
	MaxSize      int64
	MimePrefixes []string
}

func (l Limits) Validate(a model.Attachment) error {
	if a.FileName == "" {
		return fmt.Errorf("%w: missing file name", ErrRejected)
	}
	if a.Size < 0 || (l.MaxSize > 0 && a.Size > l.MaxSize) {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrRejected, a.FileName, a.Size, l.MaxSize)
	}
	if len(l.MimePrefixes) == 0 {
		return nil
	}
	for _, p := range l.MimePrefixes {
		if strings.HasPrefix(a.MimeType, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: type %q not allowed", ErrRejected, a.MimeType)
}

// ValidateAll runs v over every attachment and returns the first failure.
func ValidateAll(v Validator, attachments []model.Attachment) error {
	if v == nil {
		return nil
	}
	for _, a := range attachments {
		if err := v.Validate(a); err != nil {
			if !errors.Is(err, ErrRejected) {
				err = fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return err
		}
	}
	return nil
}
