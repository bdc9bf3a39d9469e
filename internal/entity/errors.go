package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by Update before the store has a value.
	ErrNotReady = errors.New("entity: store not ready")

	// ErrReadOnly is returned by Update once the sync channel is known to be
	// unavailable.
	ErrReadOnly = errors.New("entity: store is read-only (offline)")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("entity: store closed")

	// ErrNoFetcher is returned by Invalidate when the store was built
	// without a Fetcher.
	ErrNoFetcher = errors.New("entity: no fetcher configured")
)

// ErrorKind categorizes the errors a store or group surfaces through Err.
type ErrorKind string

const (
	// KindTransportUnavailable: the sync channel could not be joined. The
	// store stays readable but refuses updates.
	KindTransportUnavailable ErrorKind = "TRANSPORT_UNAVAILABLE"

	// KindRemoteRejected: a push was rejected or a remote request failed.
	KindRemoteRejected ErrorKind = "REMOTE_REJECTED"

	// KindBootstrapFailed: a collection bootstrap fetch failed. Safe to
	// retry.
	KindBootstrapFailed ErrorKind = "BOOTSTRAP_FAILED"

	// KindStaleApply: a broadcast did not apply to the local shape. The
	// store refetches.
	KindStaleApply ErrorKind = "STALE_APPLY"
)

// Error is a failure recorded on a store or group.
//
// Errors are surfaced through Err, never returned across the
// broadcast or acknowledgement boundary.
type Error struct {
	Kind ErrorKind

	// Op is the store operation that failed (subscribe, push, mutate,
	// receive, invalidate, bootstrap).
	Op string

	// EntityID is empty for collection-level errors.
	EntityID string

	Err error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
// Uses errors.As to handle wrapped errors.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
