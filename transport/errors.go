package transport

import (
	"errors"
	"fmt"

	"github.com/aicostmanager/aicm-go/core"
)

// TransportError covers network failures, timeouts, HTTP 5xx and 429.
// Retried per policy; final failure surfaces or is logged per RAISE_ON_ERROR.
type TransportError struct {
	Status int // zero when the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PermanentError is a structured 4xx rejection (other than 429). Never
// retried; affected records are dropped from queues.
type PermanentError struct {
	Status int
	Detail string
	Code   string
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server rejected request (HTTP %d, code %s): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("server rejected request (HTTP %d): %s", e.Status, e.Detail)
}

// IsRetryable reports whether a delivery error may be retried later.
// Permanent server rejections and validation failures are final.
func IsRetryable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if core.IsValidationError(err) {
		return false
	}
	return true
}
