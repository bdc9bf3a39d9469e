package entity

import (
	"context"

	"github.com/roach88/entsync/internal/record"
)

// Effect is what a mutator asks of its store after running.
type Effect int

const (
	EffectNone Effect = iota

	// EffectInvalidate refetches the entity, for commands whose
	// consequences are not expressible as a diff.
	EffectInvalidate
)

// Merge returns the stronger of two effects.
func (e Effect) Merge(other Effect) Effect {
	if other > e {
		return other
	}
	return e
}

// Mutation is handed to a Mutator after a push is acknowledged.
type Mutation struct {
	EntityID string
	Kind     string

	// Op is the acknowledged operation.
	Op Operation

	// History is the retained history, oldest first, including Op.
	History []Operation

	// Value is the store value at the time of the call.
	Value record.Object
}

// Mutator translates acknowledged local changes into remote commands.
//
// Mutate must not issue any request when Op.Diff is empty.
type Mutator interface {
	Mutate(ctx context.Context, m Mutation) (Effect, error)
}

// MutatorFunc adapts a function to Mutator.
type MutatorFunc func(ctx context.Context, m Mutation) (Effect, error)

// Mutate implements Mutator.
func (f MutatorFunc) Mutate(ctx context.Context, m Mutation) (Effect, error) {
	return f(ctx, m)
}

type noopMutator struct{}

func (noopMutator) Mutate(context.Context, Mutation) (Effect, error) {
	return EffectNone, nil
}
