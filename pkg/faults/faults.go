// Package faults defines the error taxonomy shared by the capture,
// queue, upload and sync layers. Callers branch with errors.Is / errors.As;
// no layer is allowed to resolve a failure as if it had succeeded.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied: microphone access refused. Recoverable only
	// through the manual-attachment path, never retried.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrCaptureUnsupported: the platform recording primitive is missing.
	// Forces tier C behavior; not fatal to the session.
	ErrCaptureUnsupported = errors.New("media capture unsupported")

	// ErrStorageExhausted: quota still exceeded after cleanup. The entry
	// was not created.
	ErrStorageExhausted = errors.New("storage quota exhausted")

	// ErrArtifactTooLarge: artifact exceeds the tier size ceiling.
	ErrArtifactTooLarge = errors.New("artifact exceeds tier size limit")

	// ErrAuthMissing: upload secret absent or empty. Configuration defect,
	// never retried, and nothing is transmitted.
	ErrAuthMissing = errors.New("upload secret missing")

	// ErrAuthRejected: the remote endpoint refused our credential.
	ErrAuthRejected = errors.New("upload credential rejected")

	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid entry status transition")
	ErrInvalidState      = errors.New("invalid capture state for operation")
	ErrSessionClosed     = errors.New("capture session closed")
)

// RetryableError marks a failure as transient: timeouts, connection
// resets, 5xx responses. The orchestrator retries these with backoff
// up to the configured ceiling.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether err is in the transient class.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FatalError marks a failure that automatic retries can never fix:
// rejected credentials, malformed payloads. The entry goes straight
// to failed.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v (fatal)", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err is in the non-retryable class.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// CorruptEntryError reports an unreadable persisted queue record. The
// store quarantines the record and returns this; the drain loop skips
// it and keeps going.
type CorruptEntryError struct {
	Key string
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt queue entry %s: %v", e.Key, e.Err)
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }
