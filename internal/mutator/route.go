package mutator

import (
	"context"
	"fmt"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
)

// Ignore drops the changes it is given.
func Ignore(entity.Mutation, diff.Diff) ([]Command, error) {
	return nil, nil
}

// Enum routes on the new value of an enum field. The last change wins when
// several touch the field; removals and non-string values go to otherwise.
func Enum(cases map[string]Route, otherwise Route) Route {
	return func(m entity.Mutation, changes diff.Diff) ([]Command, error) {
		last := changes[len(changes)-1]
		if v, ok := last.Value.(string); ok && last.Op != diff.OpRemove {
			if r, ok := cases[v]; ok {
				return r(m, changes)
			}
		}
		if otherwise == nil {
			return nil, fmt.Errorf("no route for value %v", last.Value)
		}
		return otherwise(m, changes)
	}
}

// Send plans a single command whose variables are the entity's kind and id
// plus whatever vars adds.
func Send(doc remote.Document, invalidate bool, vars func(m entity.Mutation, changes diff.Diff) remote.Vars) Route {
	return func(m entity.Mutation, changes diff.Diff) ([]Command, error) {
		v := remote.Vars{"kind": m.Kind, "id": m.EntityID}
		if vars != nil {
			for k, val := range vars(m, changes) {
				v[k] = val
			}
		}
		return []Command{{Document: doc, Vars: v, Invalidate: invalidate}}, nil
	}
}

// UpdateFields plans an updateFields command carrying the changes as an
// RFC 6902 patch. The push already committed the diff, so the patch has to
// leave the record unchanged when applied on top of it: a top-level key
// change goes as is, and a nested change is sent as a replace of the whole
// top-level field.
func UpdateFields(m entity.Mutation, changes diff.Diff) ([]Command, error) {
	patch, err := diff.ToJSONPatch(fieldChanges(m, changes))
	if err != nil {
		return nil, err
	}
	return []Command{{
		Document: remote.DocUpdateFields,
		Vars: remote.Vars{
			"kind":  m.Kind,
			"id":    m.EntityID,
			"patch": string(patch),
		},
	}}, nil
}

// Chain runs mutators in order and merges their effects. The first error
// stops the chain.
func Chain(ms ...entity.Mutator) entity.Mutator {
	return entity.MutatorFunc(func(ctx context.Context, m entity.Mutation) (entity.Effect, error) {
		effect := entity.EffectNone
		for _, mu := range ms {
			e, err := mu.Mutate(ctx, m)
			effect = effect.Merge(e)
			if err != nil {
				return effect, err
			}
		}
		return effect, nil
	})
}

// newValue is the value the last change under a path set, or nil.
func newValue(changes diff.Diff) any {
	last := changes[len(changes)-1]
	if last.Op == diff.OpRemove {
		return nil
	}
	return last.Value
}

// fieldChanges rewrites changes so that each one addresses a top-level key.
// Array inserts and removals are not repeatable, whole-field writes are.
func fieldChanges(m entity.Mutation, changes diff.Diff) diff.Diff {
	var keys []string
	nested := make(map[string]bool)
	last := make(map[string]diff.Change)
	var out diff.Diff
	for _, c := range changes {
		key, ok := c.Path.Key(0)
		if !ok {
			out = append(out, c)
			continue
		}
		if _, seen := last[key]; !seen {
			keys = append(keys, key)
		}
		last[key] = c
		if len(c.Path) > 1 {
			nested[key] = true
		}
	}

	var after record.Object
	for _, key := range keys {
		if !nested[key] {
			out = append(out, last[key])
			continue
		}
		if after == nil {
			after = operationResult(m)
		}
		v, ok := after[key]
		if !ok {
			out = append(out, diff.Change{Path: diff.Path{key}, Op: diff.OpRemove})
			continue
		}
		out = append(out, diff.Change{Path: diff.Path{key}, Op: diff.OpReplace, Value: record.Clone(v)})
	}
	return out
}

// operationResult is the value the acknowledged operation produced. Later
// local edits already in m.Value have their own pushes and must not leak in.
func operationResult(m entity.Mutation) record.Object {
	if m.Op.Before == nil {
		return m.Value
	}
	after, err := diff.ApplyObject(m.Op.Before, m.Op.Diff)
	if err != nil {
		return m.Value
	}
	return after
}
