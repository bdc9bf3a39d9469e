package authority_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/authority"
	"github.com/roach88/entsync/internal/group"
	"github.com/roach88/entsync/internal/mutator"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/store"
)

func newClient(t *testing.T, a *authority.Authority, kind string) *group.Group {
	t.Helper()
	g := group.New(kind, a.Transport(),
		group.WithRemote(a.Client()),
		group.WithMutator(mutator.ForKind(kind, a.Client(), nil)),
	)
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()
	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))
	return g
}

func TestTwoClientsConvergeThroughCloseWon(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	a := authority.New(s)
	t.Cleanup(func() {
		_ = a.Close()
		_ = s.Close()
	})
	ctx := context.Background()
	require.NoError(t, a.Seed(ctx, "opportunity", []record.Object{
		{"id": "1", "internalStage": "Open", "probability": 20, "price": 10},
	}))

	alice := newClient(t, a, "opportunity")
	bob := newClient(t, a, "opportunity")

	deal, ok := alice.GetByID("1")
	require.True(t, ok)
	_, err = deal.Update(func(v record.Object) record.Object {
		v["internalStage"] = authority.StageClosedWon
		return v
	})
	require.NoError(t, err)

	settle, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, deal.Settled(settle))

	assert.Equal(t, authority.StageClosedWon, deal.Value()["internalStage"])
	assert.Equal(t, int64(100), deal.Value()["probability"])
	assert.Equal(t, int64(2), deal.Version())
	assert.NoError(t, deal.Err())

	other, ok := bob.GetByID("1")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return other.Version() == 2 && record.Equal(other.Value(), deal.Value())
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := s.GetRecord(ctx, "opportunity", "1")
	require.NoError(t, err)
	assert.Equal(t, deal.Value(), stored.Value)
}

func TestConcurrentWritersLastWriteWins(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	a := authority.New(s)
	t.Cleanup(func() {
		_ = a.Close()
		_ = s.Close()
	})
	ctx := context.Background()
	require.NoError(t, a.Seed(ctx, "workflow", []record.Object{{"id": "w", "name": "draft"}}))

	alice := newClient(t, a, "workflow")
	bob := newClient(t, a, "workflow")
	aw, _ := alice.GetByID("w")
	bw, _ := bob.GetByID("w")

	_, err = aw.Update(func(v record.Object) record.Object { v["name"] = "alice"; return v })
	require.NoError(t, err)
	settle, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, aw.Settled(settle))

	assert.Eventually(t, func() bool { return bw.Version() >= 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = bw.Update(func(v record.Object) record.Object { v["name"] = "bob"; return v })
	require.NoError(t, err)
	require.NoError(t, bw.Settled(settle))

	assert.Eventually(t, func() bool {
		return aw.Value()["name"] == "bob" && bw.Value()["name"] == "bob"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArrayEditsCommitOnce(t *testing.T) {
	tests := []struct {
		name string
		edit func([]any) []any
		want []any
	}{
		{
			name: "append",
			edit: func(steps []any) []any { return append(steps, "c") },
			want: []any{"a", "b", "c"},
		},
		{
			name: "insert in the middle",
			edit: func(steps []any) []any { return []any{steps[0], "x", steps[1]} },
			want: []any{"a", "x", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := store.Open(filepath.Join(t.TempDir(), "authority.db"))
			require.NoError(t, err)
			a := authority.New(s)
			t.Cleanup(func() {
				_ = a.Close()
				_ = s.Close()
			})
			ctx := context.Background()
			require.NoError(t, a.Seed(ctx, "workflow", []record.Object{
				{"id": "w", "steps": []any{"a", "b"}},
			}))

			alice := newClient(t, a, "workflow")
			bob := newClient(t, a, "workflow")
			wf, ok := alice.GetByID("w")
			require.True(t, ok)

			_, err = wf.Update(func(v record.Object) record.Object {
				v["steps"] = tt.edit(v["steps"].([]any))
				return v
			})
			require.NoError(t, err)
			settle, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			require.NoError(t, wf.Settled(settle))

			assert.NoError(t, wf.Err())
			assert.Equal(t, tt.want, wf.Value()["steps"])
			assert.Equal(t, int64(1), wf.Version())

			stored, err := s.GetRecord(ctx, "workflow", "w")
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Value["steps"])
			assert.Equal(t, int64(1), stored.Version)

			other, ok := bob.GetByID("w")
			require.True(t, ok)
			assert.Eventually(t, func() bool {
				return other.Version() == 1 && record.Equal(other.Value(), wf.Value())
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}
