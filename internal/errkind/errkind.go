// Package errkind classifies failures into the kinds the download core reasons about.
//
// Every error that crosses the gateway or download boundary is wrapped in an *Error carrying a Kind.
// Retry decisions are made on the Kind's Class, never on transport details.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a failure category.
type Kind string

const (
	Unknown          Kind = "unknown"
	Auth             Kind = "auth"
	Validation       Kind = "validation"
	RateLimit        Kind = "rate_limit"
	TransientNetwork Kind = "transient_network"
	NotReady         Kind = "not_ready"
	ChecksumMismatch Kind = "checksum_mismatch"
	IO               Kind = "io"
	InvalidRange     Kind = "invalid_range"
	NotFound         Kind = "not_found"
	RemoteJobFailed  Kind = "remote_job_failed"
	Cancelled        Kind = "cancelled"
)

// Class groups kinds that share a retry budget.
type Class string

const (
	ClassFatal     Class = "fatal"
	ClassTransient Class = "transient"
	ClassNotReady  Class = "not_ready"
	ClassRateLimit Class = "rate_limit"
	ClassIntegrity Class = "integrity"
	ClassIO        Class = "io"
	ClassRemote    Class = "remote"
)

// Classes lists every class with a configurable budget.
var Classes = []Class{ClassTransient, ClassNotReady, ClassRateLimit, ClassIntegrity, ClassIO, ClassRemote}

// Class returns the retry class of the kind. Unknown errors are treated as transient.
func (k Kind) Class() Class {
	switch k {
	case Auth, Validation, InvalidRange, NotFound, Cancelled:
		return ClassFatal
	case RateLimit:
		return ClassRateLimit
	case NotReady:
		return ClassNotReady
	case ChecksumMismatch:
		return ClassIntegrity
	case IO:
		return ClassIO
	case RemoteJobFailed:
		return ClassRemote
	default:
		return ClassTransient
	}
}

// Retryable reports whether the kind can ever be retried.
func (k Kind) Retryable() bool {
	return k.Class() != ClassFatal
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "submit" or "download".
	Op  string
	Err error
	// RetryAfter carries the server's retry hint for RateLimit errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a RateLimit error with the server's retry hint.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: RateLimit, Op: op, Err: err, RetryAfter: retryAfter}
}

// KindOf classifies any error. Context errors map to Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientNetwork
	}
	return Unknown
}

// RetryAfter returns the retry hint attached to err, if any.
func RetryAfter(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
