package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// Kind classifies a remote failure.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindAuth          Kind = "auth"
	KindConflict      Kind = "conflict"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindValidation    Kind = "validation"
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Set for conflicts: the server's current version and fields.
	RemoteVersion  int64
	RemoteSnapshot *schema.Fields
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
	ErrValidation    = &Error{Kind: KindValidation}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Conflict creates a conflict error carrying the server's state.
func Conflict(version int64, snapshot schema.Fields) *Error {
	s := snapshot.Clone()
	return &Error{
		Kind:           KindConflict,
		Message:        fmt.Sprintf("remote has version %d", version),
		RemoteVersion:  version,
		RemoteSnapshot: &s,
	}
}

// KindOf classifies err. Unclassified errors, timeouts and cancellations are
// network failures.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether err is transient and the operation may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindNetwork
}

// AsConflict returns the conflict error in err's chain, if any.
func AsConflict(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindConflict {
		return re, true
	}
	return nil, false
}

// classify wraps a transport-level failure as a network error.
func classify(op string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, op+" timed out", err)
	}
	return Wrap(KindNetwork, op+" failed", err)
}
