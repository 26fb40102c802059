package messaging

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and routing decisions.
type ErrorKind string

const (
	// ErrKindConfiguration is a missing or invalid option. Fatal for the
	// affected component, surfaced at startup.
	ErrKindConfiguration ErrorKind = "CONFIGURATION"
	// ErrKindValidation is a structurally invalid message. Never retried.
	ErrKindValidation ErrorKind = "VALIDATION"
	// ErrKindHandler is a handler error. Eligible for retry and the breaker.
	ErrKindHandler ErrorKind = "HANDLER"
	// ErrKindTransient is a transient store/transport error. Retried.
	ErrKindTransient ErrorKind = "TRANSIENT"
	// ErrKindCircuitOpen is a fast-fail short circuit. Not retried by the
	// same policy.
	ErrKindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
	// ErrKindConcurrency is an optimistic concurrency conflict. Retryable by
	// the caller.
	ErrKindConcurrency ErrorKind = "CONCURRENCY"
	// ErrKindConversion is a missing conversion path or converter failure.
	ErrKindConversion ErrorKind = "CONVERSION"
	// ErrKindCancelled is a propagated cancellation. Never converted to a
	// generic failure.
	ErrKindCancelled ErrorKind = "CANCELLED"
)

// Stable short error codes surfaced to users.
const (
	CodeInvalidMessage    = "RK-1001"
	CodeNoHandler         = "RK-1002"
	CodeHandlerFailed     = "RK-1003"
	CodeCircuitOpen       = "RK-2001"
	CodeRetriesExhausted  = "RK-2002"
	CodeStoreUnavailable  = "RK-3001"
	CodeNotFound          = "RK-3002"
	CodeDuplicate         = "RK-3003"
	CodeConcurrency       = "RK-4001"
	CodeCorrelationLost   = "RK-4002"
	CodeNoRepository      = "RK-4003"
	CodeConversionMissing = "RK-5001"
	CodeConversionFailed  = "RK-5002"
	CodeBadConfig         = "RK-6001"
)

// Sentinel errors for expected conditions. Stores return these instead of
// throwing for "not found" style outcomes.
var (
	ErrNotFound            = errors.New("relaykit: not found")
	ErrDuplicate           = errors.New("relaykit: duplicate message")
	ErrConcurrencyConflict = errors.New("relaykit: version conflict")
	ErrCircuitOpen         = errors.New("relaykit: circuit breaker open")
	ErrNoHandler           = errors.New("relaykit: no handler registered")
	ErrCorrelationMissing  = errors.New("relaykit: correlation id missing")
	ErrConversionMissing   = errors.New("relaykit: no conversion path")
)

// Error is the typed error surface. It carries a kind for policy decisions, a
// stable short code for operators and an optional remediation hint.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
	Hint string
	Err  error
}

// NewError creates a typed error wrapping err.
func NewError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// WithHint attaches a remediation hint and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		s += " (hint: " + e.Hint + ")"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies an arbitrary error. Typed errors keep their kind,
// cancellation is recognized, everything else is a handler error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if IsCancellation(err) {
		return ErrKindCancelled
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrKindCircuitOpen
	case errors.Is(err, ErrConcurrencyConflict):
		return ErrKindConcurrency
	case errors.Is(err, ErrConversionMissing):
		return ErrKindConversion
	}
	return ErrKindHandler
}

// IsCancellation reports whether err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
