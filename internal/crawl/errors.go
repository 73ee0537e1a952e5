package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an engine error for retry and failure accounting.
type Kind string

// Error kinds recognized by the retry and failure policies. The set is
// append-only; handlers must tolerate kinds they do not know.
const (
	KindNetworkTimeout    Kind = "network_timeout"
	KindNetworkConnection Kind = "network_connection"
	KindRateLimited       Kind = "rate_limited"
	KindParse             Kind = "parse_error"
	KindValidation        Kind = "validation_error"
	KindDatabase          Kind = "database_error"
	KindConfiguration     Kind = "configuration_error"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// Recoverable reports whether errors of this kind may be retried at all.
// Parse, validation and configuration failures are fatal for the affected
// item; cancellation is never retried.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNetworkTimeout, KindNetworkConnection, KindRateLimited, KindDatabase, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the typed error carried across stage and batch boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError creates an Error without a cause.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error. Typed engine errors keep their kind;
// context and net errors are mapped onto the taxonomy; anything else is
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindNetworkTimeout
		}
		return KindNetworkConnection
	}
	return KindUnknown
}
