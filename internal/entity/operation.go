package entity

import (
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/record"
)

// State is the store lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Origin tells local edits apart from applied broadcasts in the history.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Operation is one entry of a store's history.
type Operation struct {
	// ID is the store version when the change was made. For remote
	// operations it is the broadcast version.
	ID int64 `json:"id"`

	Diff   diff.Diff `json:"diff"`
	Origin Origin    `json:"origin"`

	// Before is the value the diff was computed from. Only set for local
	// operations.
	Before record.Object `json:"-"`

	// Acked is set once the authority acknowledged the push. Remote
	// operations are always acked.
	Acked bool `json:"acked"`

	// Version is the authority version of the change, zero while pending.
	Version int64 `json:"version,omitempty"`

	seq uint64
}

// Pending reports whether the operation is a local change still waiting for
// its acknowledgement.
func (op Operation) Pending() bool {
	return op.Origin == OriginLocal && !op.Acked
}

// Retention bounds a store's history.
//
// Pending operations are never dropped: they are needed to rebuild the value
// after a rejected push.
type Retention struct {
	// Limit caps the number of operations kept; zero means unbounded.
	Limit int

	// DropAcknowledged removes operations as soon as their push is
	// acknowledged and the mutator has seen them.
	DropAcknowledged bool
}

// DefaultRetention keeps the most recent 512 operations.
var DefaultRetention = Retention{Limit: 512}

// apply returns history with the policy enforced, oldest first.
func (r Retention) apply(history []Operation) []Operation {
	if r.DropAcknowledged {
		kept := history[:0]
		for _, op := range history {
			if op.Pending() {
				kept = append(kept, op)
			}
		}
		clear(history[len(kept):])
		history = kept
	}
	if r.Limit <= 0 || len(history) <= r.Limit {
		return history
	}

	excess := len(history) - r.Limit
	kept := make([]Operation, 0, r.Limit)
	for _, op := range history {
		if excess > 0 && !op.Pending() {
			excess--
			continue
		}
		kept = append(kept, op)
	}
	return kept
}
