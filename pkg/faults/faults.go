// Package faults classifies every error raised by the deployment engine into
// a small set of kinds, so that callers branch on the kind of a failure
// rather than inspecting message strings or status codes.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnknown is the zero value; errors that were never classified.
	KindUnknown Kind = iota

	// KindValidation covers bad configuration or malformed manifests.
	// Fatal, never retried, surfaced to the caller immediately.
	KindValidation

	// KindConflict means the resource already exists or was concurrently
	// modified. Recovered locally via merge/patch/replace.
	KindConflict

	// KindUnprocessable means the cluster rejected the resource schema.
	// One auto-fix retry, then fatal.
	KindUnprocessable

	// KindTransient covers network errors, timeouts on single calls and
	// 5xx-class responses. Retried per resilience policy.
	KindTransient

	// KindTimeout means a rollout or stabilization wait exceeded its
	// deadline. Fatal for the current attempt; may trigger rollback.
	KindTimeout

	// KindHealthCheck means post-deploy validation failed.
	KindHealthCheck

	// KindDependencyTimeout means a region dependency never became healthy
	// within its window. Fatal for the dependent region only.
	KindDependencyTimeout

	// KindRollback means a rollback itself failed. Terminal; escalated to
	// manual intervention and never auto-retried.
	KindRollback

	// KindBreakerOpen is the fast failure returned while a circuit breaker
	// is open. Treated as transient by retry budgets one level up.
	KindBreakerOpen
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindHealthCheck:
		return "health-check"
	case KindDependencyTimeout:
		return "dependency-timeout"
	case KindRollback:
		return "rollback"
	case KindBreakerOpen:
		return "breaker-open"
	}
	return "unknown"
}

// Error is a classified engine error. It wraps the underlying cause, if any.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.msg
	}
	if len(e.msg) == 0 {
		return e.cause.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind. A nil cause returns nil.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the classification of err, unwrapping as needed.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the resilience layer should retry err.
// Only transient-class failures qualify; everything else propagates.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindConflict:
		// Conflicts resolve on a re-read of current state.
		return true
	}
	return false
}
