package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingAPIKey        = errors.New("missing API key")

	// State errors
	ErrTrackerClosed  = errors.New("tracker closed")
	ErrNotInitialized = errors.New("not initialized")

	// Queue errors
	ErrQueueFull = errors.New("delivery queue full")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// TrackerError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type TrackerError struct {
	Op      string // Operation that failed (e.g., "delivery.Enqueue")
	Kind    string // Error kind (e.g., "transport", "config", "queue")
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *TrackerError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *TrackerError) Unwrap() error {
	return e.Err
}

// NewTrackerError creates a new TrackerError
func NewTrackerError(op, kind string, err error) *TrackerError {
	return &TrackerError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ValidationError reports a usage payload that does not satisfy the schema
// registered for its service key. It is never retried.
type ValidationError struct {
	ServiceKey string
	Missing    []string // required fields absent from the payload
	Extra      []string // payload fields not allowed by the schema
	TypeErrors []string // fields present with the wrong type
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra: "+strings.Join(e.Extra, ", "))
	}
	if len(e.TypeErrors) > 0 {
		parts = append(parts, "type errors: "+strings.Join(e.TypeErrors, ", "))
	}
	return fmt.Sprintf("usage validation failed for %q (%s)", e.ServiceKey, strings.Join(parts, "; "))
}

// LimitExceededError is returned when a tracked record matches a triggered
// limit with threshold type LIMIT. The record has already been accepted by
// the delivery strategy when this error is returned; observed usage is never
// dropped by local enforcement.
type LimitExceededError struct {
	LimitID     string
	ServiceKey  string
	CustomerKey string
}

func (e *LimitExceededError) Error() string {
	if e.CustomerKey != "" {
		return fmt.Sprintf("usage limit %s exceeded for service %q customer %q", e.LimitID, e.ServiceKey, e.CustomerKey)
	}
	return fmt.Sprintf("usage limit %s exceeded for service %q", e.LimitID, e.ServiceKey)
}

// ConfigPersistError reports a failed write to the configuration store.
// Recoverable: callers may retry.
type ConfigPersistError struct {
	Path string
	Err  error
}

func (e *ConfigPersistError) Error() string {
	return fmt.Sprintf("config persist failed for %s: %v", e.Path, e.Err)
}

func (e *ConfigPersistError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsValidationError checks if an error is a usage validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsLimitExceeded checks if an error reports a triggered usage limit
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
