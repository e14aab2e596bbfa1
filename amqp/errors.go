package amqp

import (
	"fmt"

	"go.bryk.io/amqp10/errors"
)

// Kind identifies the broad category of a failure returned to an
// application goroutine through a Task's completion latch.
type Kind uint

const (
	// KindTimeout marks a task that did not complete before its deadline.
	KindTimeout Kind = iota

	// KindDeliveryFailure marks a send that cannot be completed: the peer
	// rejected or released it, retries were exhausted, or the underlying
	// link/sender was closed or destroyed mid-flight.
	KindDeliveryFailure

	// KindAuthenticationFailure marks a SASL handshake that did not
	// negotiate successfully.
	KindAuthenticationFailure
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDeliveryFailure:
		return "delivery-failure"
	case KindAuthenticationFailure:
		return "authentication-failure"
	default:
		return "unknown"
	}
}

// TaskError is the concrete error type surfaced by Task.Wait(). Reason
// holds a short machine-checkable tag (e.g. "undeliverable",
// "send retries exhausted", "sender closed") used by tests and callers that want
// to branch on the specific cause without string-matching Error().
type TaskError struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *TaskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *TaskError) Unwrap() error {
	return e.cause
}

func newTaskError(kind Kind, reason string, cause error) *TaskError {
	if cause != nil {
		cause = errors.Wrap(cause, reason)
	}
	return &TaskError{Kind: kind, Reason: reason, cause: cause}
}

func errTimeout(reason string) *TaskError {
	return newTaskError(KindTimeout, reason, nil)
}

func errDeliveryFailure(reason string, cause error) *TaskError {
	return newTaskError(KindDeliveryFailure, reason, cause)
}

func errAuthenticationFailure(reason string, cause error) *TaskError {
	return newTaskError(KindAuthenticationFailure, reason, cause)
}

// IsKind reports whether err is a *TaskError of the given kind.
func IsKind(err error, kind Kind) bool {
	te, ok := err.(*TaskError)
	if !ok {
		var te2 *TaskError
		if !errors.As(err, &te2) {
			return false
		}
		te = te2
	}
	return te.Kind == kind
}
