package delivery

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wedlink/msgsync/internal/api"
	"github.com/wedlink/msgsync/internal/attachment"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/internal/transport"
)

var (
	// ErrOffline is returned when a send is attempted while the connection
	// is not established. It is retryable.
	ErrOffline = errors.New("offline")
	// ErrSessionExpired means the backend rejected the session credential;
	// the session must be refreshed before sending again.
	ErrSessionExpired = errors.New("session expired")
	// ErrValidation is wrapped by every local validation failure.
	ErrValidation = errors.New("invalid message")
	// ErrUnknownMessage is returned by Retry for ids without a failure record.
	ErrUnknownMessage = errors.New("no failed message with this id")
	// ErrNotRetryable is returned by Retry for terminal failures.
	ErrNotRetryable = errors.New("message cannot be retried")
	// ErrClosed is returned once the pipeline's session ended.
	ErrClosed = errors.New("delivery pipeline closed")
)

// Error describes a failed delivery attempt.
type Error struct {
	ProvisionalID string
	Class         model.FailureClass
	StatusCode    int
	Err           error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery %s failed (%s, status %d): %v", e.ProvisionalID, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery %s failed (%s): %v", e.ProvisionalID, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is retried automatically.
func (e *Error) Retryable() bool { return e.Class == model.FailureRetryable }

// Classify maps a submission error to its failure class. Network errors,
// offline sends and 408/429/500/502/503/504 are retryable; other statuses
// and validation failures are terminal. A 401 is reported as
// ErrSessionExpired.
func Classify(err error) (model.FailureClass, int, error) {
	if err == nil {
		return "", 0, nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, attachment.ErrRejected) {
		return model.FailureTerminal, 0, err
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, transport.ErrNotConnected) {
		return model.FailureRetryable, 0, err
	}

	status := api.StatusCode(err)
	switch {
	case status == http.StatusUnauthorized:
		return model.FailureTerminal, status, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	case status != 0:
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Transient() {
			return model.FailureRetryable, status, err
		}
		return model.FailureTerminal, status, err
	}

	// No HTTP status: the request never completed, whether it timed out,
	// was cancelled or failed to dial.
	return model.FailureRetryable, 0, err
}
