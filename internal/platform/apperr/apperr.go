package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError is terminal and surfaced to the caller synchronously.
// It is never enqueued and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError marks a dependency failure the queue may retry
// (storage/notifier timeouts, network errors).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// TerminalError is a business-rule violation discovered mid-execution.
// It halts the owning run or unit and is never retried.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return "terminal: " + e.Reason
	}
	return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
}
func (e *TerminalError) Unwrap() error { return e.Err }

func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// CapacityError means a rate limit was hit. The job is re-queued with a
// delay and the attempt is not consumed.
type CapacityError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

func Capacity(key string, retryAfter time.Duration) error {
	return &CapacityError{Key: key, RetryAfter: retryAfter}
}

// DuplicateError marks a per-unit batch failure (natural-key collision).
// It is recorded and does not fail the chunk or the batch.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string { return "duplicate: " + e.Key }

func Duplicate(key string) error {
	return &DuplicateError{Key: key}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}

func AsCapacity(err error) (*CapacityError, bool) {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Retryable reports whether the queue should retry after err. Unclassified
// errors count as transient; only explicit validation/terminal failures and
// capacity pushback are excluded.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsTerminal(err) {
		return false
	}
	if _, ok := AsCapacity(err); ok {
		return false
	}
	return true
}
