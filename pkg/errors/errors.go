// Package errors defines the failure taxonomy shared by the drive client
// and the sync engine. The kind decides retry policy and is what gets
// written to the error log.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind string

const (
	// Transient marks network or timeout failures during a transfer.
	// Retried with bounded exponential backoff.
	Transient Kind = "transient"
	// Integrity marks a checksum mismatch after a completed transfer.
	// Not retried within the same attempt.
	Integrity Kind = "integrity"
	// Auth marks missing or expired credentials. Fatal to the whole run.
	Auth Kind = "auth"
	// Config marks an unknown task or malformed rule. Fails fast before
	// scanning begins.
	Config Kind = "config"
)

// Error couples a failure kind with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Untyped errors count as transient so
// they stay inside the per-file retry budget instead of aborting the run.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
