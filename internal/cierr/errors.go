// Package cierr classifies the error kinds named in spec section 7, so that
// callers can branch on error kind with errors.Is/errors.As instead of
// catching exceptions deep in handlers.
package cierr

import "errors"

var (
	// ErrNotFound means the upstream resource does not exist (HTTP 404, or
	// an empty/absent Commitfest record). Callers treat it as "no data".
	ErrNotFound = errors.New("not found")

	// ErrTransient means the failure is a network-layer hiccup (timeout,
	// connection reset, 5xx, DNS) that is worth retrying.
	ErrTransient = errors.New("transient upstream error")

	// ErrOutOfSync means a webhook's CAS precondition did not hold against
	// local state; the caller must poll to reconcile rather than mutate.
	ErrOutOfSync = errors.New("webhook out of sync with local state")

	// ErrDataViolation means the payload does not match any known shape
	// (unrecognised enum, missing required field).
	ErrDataViolation = errors.New("malformed or unrecognised payload")
)

// Transient wraps err so errors.Is(wrapped, ErrTransient) succeeds while
// preserving the original message for logs.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: ErrTransient, cause: err}
}

// NotFound wraps err as a not-found condition.
func NotFound(err error) error {
	if err == nil {
		return ErrNotFound
	}
	return &wrapped{kind: ErrNotFound, cause: err}
}

// DataViolation wraps err as a malformed-payload condition.
func DataViolation(err error) error {
	if err == nil {
		return ErrDataViolation
	}
	return &wrapped{kind: ErrDataViolation, cause: err}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	if w.cause == nil {
		return w.kind.Error()
	}
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.cause}
}
