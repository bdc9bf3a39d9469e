package mutator

import (
	"context"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
)

// Opportunity stages with dedicated commands.
const (
	StageClosedWon  = "ClosedWon"
	StageClosedLost = "ClosedLost"
)

// Opportunity dispatches opportunity changes:
//
//	internalStage = ClosedWon   -> closeWon (refetch)
//	internalStage = ClosedLost  -> closeLost (refetch)
//	internalStage = other       -> updateFields
//	externalStage               -> updateStage
//	anything else               -> updateFields
func Opportunity(c remote.Client, opts ...Option) *Table {
	return NewTable(c, []Entry{
		{
			Path: "internalStage",
			Route: Enum(map[string]Route{
				StageClosedWon: Send(remote.DocCloseWon, true, nil),
				StageClosedLost: Send(remote.DocCloseLost, true, func(m entity.Mutation, _ diff.Diff) remote.Vars {
					return remote.Vars{"lossReason": m.Value["lossReason"]}
				}),
			}, UpdateFields),
		},
		{
			Path: "externalStage",
			Route: Send(remote.DocUpdateStage, false, func(_ entity.Mutation, changes diff.Diff) remote.Vars {
				return remote.Vars{"stage": newValue(changes)}
			}),
		},
	}, UpdateFields, opts...)
}

// Contract dispatches contract field changes through updateFields and
// line item changes through LineItems.
func Contract(c remote.Client, opts ...Option) entity.Mutator {
	fields := NewTable(c, []Entry{
		{Path: "lineItems", Route: Ignore},
	}, UpdateFields, opts...)
	return Chain(fields, LineItems(c, opts...))
}

// Generic sends every change through updateFields. Used for workflows and
// table views.
func Generic(c remote.Client, opts ...Option) *Table {
	return NewTable(c, nil, UpdateFields, opts...)
}

// LineItems folds the retained local history into one cumulative
// updateLineItems command whenever the acknowledged operation touched
// lineItems. Partial line item updates are not idempotent on the server, so
// the full resulting list is always sent.
func LineItems(c remote.Client, opts ...Option) entity.Mutator {
	// Reuse the table options for logging and metrics.
	cfg := NewTable(c, nil, Ignore, opts...)
	field := diff.Path{"lineItems"}

	return entity.MutatorFunc(func(ctx context.Context, m entity.Mutation) (entity.Effect, error) {
		if !m.Op.Diff.Touches(field) {
			return entity.EffectNone, nil
		}

		items, changed := foldLineItems(m, field)
		if !changed {
			return entity.EffectNone, nil
		}
		cmd := Command{
			Document: remote.DocUpdateLineItems,
			Vars: remote.Vars{
				"kind":      m.Kind,
				"id":        m.EntityID,
				"lineItems": items,
			},
		}
		return run(ctx, cfg.client, cfg.logger, cfg.metrics, m, []Command{cmd})
	})
}

// foldLineItems composes every local diff in the history, starting from the
// first one's Before, and returns the resulting line items and whether the
// cumulative change touches them. If the history no longer composes (remote
// changes interleaved) the current value's line items are used.
func foldLineItems(m entity.Mutation, field diff.Path) (any, bool) {
	var base record.Object
	var diffs []diff.Diff
	for _, op := range m.History {
		if op.Origin != entity.OriginLocal {
			continue
		}
		if base == nil {
			base = op.Before
		}
		diffs = append(diffs, op.Diff)
	}
	if base == nil {
		return record.Clone(m.Value["lineItems"]), true
	}

	cumulative, result, err := diff.Fold(base, diffs...)
	if err != nil {
		return record.Clone(m.Value["lineItems"]), true
	}
	if !cumulative.Touches(field) {
		return nil, false
	}
	obj, _ := result.(map[string]any)
	return obj["lineItems"], true
}

// ForKind returns the mutator for an entity kind.
func ForKind(kind string, c remote.Client, met *metrics.Metrics) entity.Mutator {
	opts := []Option{WithMetrics(met)}
	switch kind {
	case "opportunity":
		return Opportunity(c, opts...)
	case "contract":
		return Contract(c, opts...)
	default:
		return Generic(c, opts...)
	}
}
