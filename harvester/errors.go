package harvester

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoResults marks a page that was fetched but carried no items.
	// The harvester treats it as an empty page, not a failure.
	ErrNoResults = errors.New("harvester: page has no results")
	// ErrRetriesExhausted wraps the last transient error of a failed page.
	ErrRetriesExhausted = errors.New("harvester: retries exhausted")
	// ErrQueueClosed is returned by ItemQueue.Put after Close.
	ErrQueueClosed = errors.New("harvester: queue closed")
)

// TransientError marks a fetch failure worth retrying (network, timeout, 5xx).
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return fmt.Errorf("transient: %w", e.Err).Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a fetch failure that retrying cannot fix (4xx, bad shape).
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return fmt.Errorf("permanent: %w", e.Err).Error()
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// ItemShapeError reports a single raw item that could not be normalized.
type ItemShapeError struct {
	Page  int
	Index int
	Err   error
}

func (e ItemShapeError) Error() string {
	return fmt.Errorf("item %d on page %d: %w", e.Index, e.Page, e.Err).Error()
}

func (e ItemShapeError) Unwrap() error {
	return e.Err
}

// ErrorType implements the label contract used by ErrorLabel.
func (e ItemShapeError) ErrorType() string {
	return "item_shape"
}

// SinkError wraps a failure returned by the result sink. It aborts the harvest.
type SinkError struct {
	Err error
}

func (e SinkError) Error() string {
	return fmt.Errorf("sink: %w", e.Err).Error()
}

func (e SinkError) Unwrap() error {
	return e.Err
}

// ErrorType implements the label contract used by ErrorLabel.
func (e SinkError) ErrorType() string {
	return "sink"
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return TransientError{Err: err}
}

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

// IsRetryable reports whether a fetch error should be retried. Errors that
// are neither transient nor permanent are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var permanent PermanentError
	return !errors.As(err, &permanent)
}

// ErrorLabel maps an error to a short category for counters and logs.
// Fetchers opt in by returning errors with an ErrorType() string method.
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}
