package mutator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/testutil"
)

func mutation(kind string, value record.Object, d diff.Diff) entity.Mutation {
	op := entity.Operation{ID: 1, Diff: d, Origin: entity.OriginLocal, Acked: true, Version: 2}
	return entity.Mutation{
		EntityID: "opp-1",
		Kind:     kind,
		Op:       op,
		History:  []entity.Operation{op},
		Value:    value,
	}
}

func replace(path diff.Path, v any) diff.Change {
	return diff.Change{Path: path, Op: diff.OpReplace, Value: v}
}

func TestOpportunity_Dispatch(t *testing.T) {
	tests := []struct {
		name       string
		diff       diff.Diff
		value      record.Object
		wantDocs   []remote.Document
		wantEffect entity.Effect
	}{
		{
			name:       "closed won",
			diff:       diff.Diff{replace(diff.Path{"internalStage"}, "ClosedWon")},
			wantDocs:   []remote.Document{remote.DocCloseWon},
			wantEffect: entity.EffectInvalidate,
		},
		{
			name:       "closed lost",
			diff:       diff.Diff{replace(diff.Path{"internalStage"}, "ClosedLost")},
			value:      record.Object{"lossReason": "price"},
			wantDocs:   []remote.Document{remote.DocCloseLost},
			wantEffect: entity.EffectInvalidate,
		},
		{
			name:       "other internal stage",
			diff:       diff.Diff{replace(diff.Path{"internalStage"}, "Negotiation")},
			wantDocs:   []remote.Document{remote.DocUpdateFields},
			wantEffect: entity.EffectNone,
		},
		{
			name:       "external stage",
			diff:       diff.Diff{replace(diff.Path{"externalStage"}, "Proposal")},
			wantDocs:   []remote.Document{remote.DocUpdateStage},
			wantEffect: entity.EffectNone,
		},
		{
			name:       "plain field",
			diff:       diff.Diff{replace(diff.Path{"amount"}, int64(500))},
			wantDocs:   []remote.Document{remote.DocUpdateFields},
			wantEffect: entity.EffectNone,
		},
		{
			name: "stage and field",
			diff: diff.Diff{
				replace(diff.Path{"amount"}, int64(500)),
				replace(diff.Path{"internalStage"}, "ClosedWon"),
			},
			wantDocs:   []remote.Document{remote.DocCloseWon, remote.DocUpdateFields},
			wantEffect: entity.EffectInvalidate,
		},
		{
			name:       "empty diff",
			diff:       nil,
			wantDocs:   []remote.Document{},
			wantEffect: entity.EffectNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewRecordingClient()
			value := tt.value
			if value == nil {
				value = record.Object{}
			}

			effect, err := Opportunity(client).Mutate(context.Background(), mutation("opportunity", value, tt.diff))
			require.NoError(t, err)
			assert.Equal(t, tt.wantEffect, effect)
			assert.Equal(t, tt.wantDocs, client.Documents())
		})
	}
}

func TestOpportunity_CommandVariables(t *testing.T) {
	client := testutil.NewRecordingClient()
	m := Opportunity(client)

	_, err := m.Mutate(context.Background(), mutation("opportunity",
		record.Object{"lossReason": "budget"},
		diff.Diff{replace(diff.Path{"internalStage"}, "ClosedLost")}))
	require.NoError(t, err)

	_, err = m.Mutate(context.Background(), mutation("opportunity", record.Object{},
		diff.Diff{replace(diff.Path{"externalStage"}, "Proposal")}))
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, remote.Vars{"kind": "opportunity", "id": "opp-1", "lossReason": "budget"}, calls[0].Vars)
	assert.Equal(t, remote.Vars{"kind": "opportunity", "id": "opp-1", "stage": "Proposal"}, calls[1].Vars)
}

func TestUpdateFields_CarriesJSONPatch(t *testing.T) {
	client := testutil.NewRecordingClient()
	m := mutation("workflow", record.Object{}, diff.Diff{
		replace(diff.Path{"name"}, "Renewal"),
		{Path: diff.Path{"steps", 2}, Op: diff.OpRemove},
	})
	m.Op.Before = record.Object{"name": "Draft", "steps": []any{"a", "b", "c"}}
	_, err := Generic(client).Mutate(context.Background(), m)
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, remote.DocUpdateFields, calls[0].Document)

	var patch []map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Vars["patch"].(string)), &patch))
	require.Len(t, patch, 2)
	assert.Equal(t, map[string]any{"op": "replace", "path": "/name", "value": "Renewal"}, patch[0])
	assert.Equal(t, map[string]any{"op": "replace", "path": "/steps", "value": []any{"a", "b"}}, patch[1])
}

func TestUpdateFields_NestedChangesSendWholeField(t *testing.T) {
	tests := []struct {
		name    string
		before  record.Object
		changes diff.Diff
		value   record.Object
		want    []map[string]any
	}{
		{
			name:    "array append",
			before:  record.Object{"steps": []any{"a", "b"}},
			changes: diff.Diff{{Path: diff.Path{"steps", 2}, Op: diff.OpAdd, Value: "c"}},
			want:    []map[string]any{{"op": "replace", "path": "/steps", "value": []any{"a", "b", "c"}}},
		},
		{
			name:   "insert in the middle",
			before: record.Object{"steps": []any{"a", "b"}},
			changes: diff.Diff{
				replace(diff.Path{"steps", 1}, "x"),
				{Path: diff.Path{"steps", 2}, Op: diff.OpAdd, Value: "b"},
			},
			want: []map[string]any{{"op": "replace", "path": "/steps", "value": []any{"a", "x", "b"}}},
		},
		{
			name:    "later local edits stay out",
			before:  record.Object{"steps": []any{"a"}},
			changes: diff.Diff{{Path: diff.Path{"steps", 1}, Op: diff.OpAdd, Value: "b"}},
			value:   record.Object{"steps": []any{"a", "b", "pending"}},
			want:    []map[string]any{{"op": "replace", "path": "/steps", "value": []any{"a", "b"}}},
		},
		{
			name:    "nested object key",
			before:  record.Object{"owner": map[string]any{"name": "kim", "team": "east"}},
			changes: diff.Diff{{Path: diff.Path{"owner", "team"}, Op: diff.OpRemove}},
			want:    []map[string]any{{"op": "replace", "path": "/owner", "value": map[string]any{"name": "kim"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewRecordingClient()
			m := mutation("workflow", tt.value, tt.changes)
			m.Op.Before = tt.before
			_, err := Generic(client).Mutate(context.Background(), m)
			require.NoError(t, err)

			calls := client.Calls()
			require.Len(t, calls, 1)
			var patch []map[string]any
			require.NoError(t, json.Unmarshal([]byte(calls[0].Vars["patch"].(string)), &patch))
			assert.Equal(t, tt.want, patch)
		})
	}
}

func TestTable_LongestPrefixMatch(t *testing.T) {
	var got []string
	collect := func(name string) Route {
		return func(_ entity.Mutation, changes diff.Diff) ([]Command, error) {
			for _, c := range changes {
				got = append(got, name+":"+c.Path.Normalize())
			}
			return nil, nil
		}
	}
	table := NewTable(testutil.NewRecordingClient(), []Entry{
		{Path: "a", Route: collect("a")},
		{Path: "a.b", Route: collect("ab")},
		{Path: "items", Route: collect("items")},
	}, collect("rest"))

	_, err := table.Plan(mutation("x", nil, diff.Diff{
		replace(diff.Path{"a", "b", "c"}, 1),
		replace(diff.Path{"a", "z"}, 1),
		replace(diff.Path{"ab"}, 1),
		replace(diff.Path{"items", 3, "price"}, 1),
		replace(diff.Path{"a"}, 1),
	}))
	require.NoError(t, err)

	// Declaration order of entries, fallback last; change order within.
	assert.Equal(t, []string{
		"a:a.z", "a:a",
		"ab:a.b.c",
		"items:items[].price",
		"rest:ab",
	}, got)
}

func TestNewTable_Panics(t *testing.T) {
	c := testutil.NewRecordingClient()
	assert.Panics(t, func() {
		NewTable(c, []Entry{{Path: "a", Route: Ignore}, {Path: "a", Route: Ignore}}, Ignore)
	})
	assert.Panics(t, func() { NewTable(c, nil, nil) })
	assert.Panics(t, func() { NewTable(c, []Entry{{Path: "", Route: Ignore}}, Ignore) })
	assert.Panics(t, func() { NewTable(c, []Entry{{Path: "a"}}, Ignore) })
}

func TestEnum_NoOtherwise(t *testing.T) {
	r := Enum(map[string]Route{"A": Ignore}, nil)
	_, err := r(entity.Mutation{}, diff.Diff{replace(diff.Path{"s"}, "B")})
	assert.Error(t, err)

	cmds, err := r(entity.Mutation{}, diff.Diff{replace(diff.Path{"s"}, "A")})
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestTable_CommandFailureStops(t *testing.T) {
	client := testutil.NewRecordingClient().FailOn(remote.DocCloseWon, "already closed")

	effect, err := Opportunity(client).Mutate(context.Background(), mutation("opportunity", record.Object{}, diff.Diff{
		replace(diff.Path{"internalStage"}, "ClosedWon"),
		replace(diff.Path{"amount"}, int64(1)),
	}))
	require.Error(t, err)
	assert.True(t, remote.IsError(err))
	assert.Equal(t, entity.EffectNone, effect)
	assert.Equal(t, []remote.Document{remote.DocCloseWon}, client.Documents())
}

func TestContract_LineItemsFoldHistory(t *testing.T) {
	client := testutil.NewRecordingClient()
	m := Contract(client)

	v0 := record.Object{"title": "MSA", "lineItems": []any{}}
	d1 := diff.Diff{{Path: diff.Path{"lineItems", 0}, Op: diff.OpAdd, Value: record.Object{"sku": "A", "qty": int64(1)}}}
	v1, err := diff.ApplyObject(v0, d1)
	require.NoError(t, err)
	d2 := diff.Diff{replace(diff.Path{"lineItems", 0, "qty"}, int64(3))}
	v2, err := diff.ApplyObject(v1, d2)
	require.NoError(t, err)

	op1 := entity.Operation{ID: 1, Diff: d1, Before: v0, Origin: entity.OriginLocal, Acked: true, Version: 2}
	op2 := entity.Operation{ID: 2, Diff: d2, Before: v1, Origin: entity.OriginLocal, Acked: true, Version: 3}
	remoteOp := entity.Operation{ID: 3, Diff: diff.Diff{replace(diff.Path{"title"}, "MSA v2")}, Origin: entity.OriginRemote, Acked: true}

	effect, err := m.Mutate(context.Background(), entity.Mutation{
		EntityID: "k-1",
		Kind:     "contract",
		Op:       op2,
		History:  []entity.Operation{op1, remoteOp, op2},
		Value:    v2,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.EffectNone, effect)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, remote.DocUpdateLineItems, calls[0].Document)
	assert.Equal(t, []any{map[string]any{"sku": "A", "qty": int64(3)}}, calls[0].Vars["lineItems"])
}

func TestContract_FieldChangeSkipsLineItems(t *testing.T) {
	client := testutil.NewRecordingClient()

	_, err := Contract(client).Mutate(context.Background(), mutation("contract",
		record.Object{"title": "MSA"},
		diff.Diff{replace(diff.Path{"title"}, "MSA")}))
	require.NoError(t, err)
	assert.Equal(t, []remote.Document{remote.DocUpdateFields}, client.Documents())
}

func TestContract_EmptyDiffIssuesNothing(t *testing.T) {
	client := testutil.NewRecordingClient()
	_, err := Contract(client).Mutate(context.Background(), mutation("contract", record.Object{}, nil))
	require.NoError(t, err)
	assert.Empty(t, client.Calls())
}

func TestChain_MergesEffects(t *testing.T) {
	invalidate := entity.MutatorFunc(func(context.Context, entity.Mutation) (entity.Effect, error) {
		return entity.EffectInvalidate, nil
	})
	none := entity.MutatorFunc(func(context.Context, entity.Mutation) (entity.Effect, error) {
		return entity.EffectNone, nil
	})
	failing := entity.MutatorFunc(func(context.Context, entity.Mutation) (entity.Effect, error) {
		return entity.EffectNone, errors.New("boom")
	})

	effect, err := Chain(invalidate, none).Mutate(context.Background(), entity.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, entity.EffectInvalidate, effect)

	called := false
	after := entity.MutatorFunc(func(context.Context, entity.Mutation) (entity.Effect, error) {
		called = true
		return entity.EffectNone, nil
	})
	_, err = Chain(failing, after).Mutate(context.Background(), entity.Mutation{})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestForKind(t *testing.T) {
	c := testutil.NewRecordingClient()
	assert.IsType(t, &Table{}, ForKind("opportunity", c, nil))
	assert.IsType(t, &Table{}, ForKind("workflow", c, nil))
	assert.NotNil(t, ForKind("contract", c, nil))
}

func TestOpportunity_ThroughStore(t *testing.T) {
	client := testutil.NewRecordingClient()
	sc := testutil.NewScriptedChannel()
	sc.AutoAck(2)

	s := entity.New("opp-1", sc.Joiner(), entity.WithKind("opportunity"), entity.WithMutator(Opportunity(client)))
	defer s.Close()
	require.NoError(t, s.Load(record.Snapshot{Value: record.Object{"id": "opp-1", "internalStage": "Open"}, Version: 1}))
	require.NoError(t, s.Subscribe(context.Background()))

	_, err := s.Update(func(v record.Object) record.Object {
		v["internalStage"] = "ClosedWon"
		return v
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	defer cancel()
	require.NoError(t, s.Settled(ctx))

	assert.Equal(t, []remote.Document{remote.DocCloseWon}, client.Documents())
	// No fetcher: the invalidate effect is reported but cannot refetch.
	assert.NoError(t, s.Err())
}
