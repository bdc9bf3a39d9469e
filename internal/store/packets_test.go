package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/record"
)

func setPrice(price int64) ChangeFunc {
	return func(record.Snapshot) (diff.Diff, error) {
		return diff.Diff{{Path: diff.Path{"price"}, Op: diff.OpReplace, Value: price}}, nil
	}
}

func TestRecords_PutGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, "deal", "2", record.Object{"id": "2"}))
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1", "stage": "OPEN"}))
	require.NoError(t, s.PutRecord(ctx, "contract", "c1", nil))

	got, err := s.GetRecord(ctx, "deal", "1")
	require.NoError(t, err)
	assert.Equal(t, record.Object{"id": "1", "stage": "OPEN"}, got.Value)
	assert.Equal(t, int64(0), got.Version)

	_, err = s.GetRecord(ctx, "deal", "9")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListRecords(ctx, "deal")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "2", list[1].ID)

	empty, err := s.ListRecords(ctx, "nothing")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	kinds, err := s.Kinds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"contract", "deal"}, kinds)
}

func TestPutRecord_KeepsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, "deal", "1", "push", setPrice(10))
	require.NoError(t, err)
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1"}))

	head, err := s.Head(ctx, "deal", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestCommit_AssignsIncreasingVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1", "price": int64(10)}))

	p1, err := s.Commit(ctx, "deal", "1", "push", setPrice(50))
	require.NoError(t, err)
	p2, err := s.Commit(ctx, "deal", "1", "command", setPrice(60))
	require.NoError(t, err)

	assert.Equal(t, int64(1), p1.Version)
	assert.Equal(t, int64(2), p2.Version)
	assert.Greater(t, p2.Seq, p1.Seq)
	assert.Equal(t, "command", p2.Origin)

	got, err := s.GetRecord(ctx, "deal", "1")
	require.NoError(t, err)
	assert.Equal(t, record.Object{"id": "1", "price": int64(60)}, got.Value)
	assert.Equal(t, int64(2), got.Version)
}

func TestCommit_CreatesMissingRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var seen record.Snapshot
	p, err := s.Commit(ctx, "deal", "new", "push", func(cur record.Snapshot) (diff.Diff, error) {
		seen = cur
		return diff.Diff{{Path: diff.Path{"id"}, Op: diff.OpAdd, Value: "new"}}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, record.Object{}, seen.Value)
	assert.Equal(t, int64(0), seen.Version)
	assert.Equal(t, int64(1), p.Version)
}

func TestCommit_EmptyDiffWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1"}))

	_, err := s.Commit(ctx, "deal", "1", "push", func(record.Snapshot) (diff.Diff, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrEmptyDiff)

	packets, err := s.PacketsSince(ctx, "deal", "1", 0)
	require.NoError(t, err)
	assert.Empty(t, packets)
}

func TestCommit_ChangeErrorRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Commit(ctx, "deal", "1", "push", func(record.Snapshot) (diff.Diff, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = s.GetRecord(ctx, "deal", "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_UnappliableDiff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRecord(ctx, "deal", "1", record.Object{"id": "1"}))

	_, err := s.Commit(ctx, "deal", "1", "push", func(record.Snapshot) (diff.Diff, error) {
		return diff.Diff{{Path: diff.Path{"lineItems", 3, "price"}, Op: diff.OpReplace, Value: 1}}, nil
	})
	require.Error(t, err)

	head, err := s.Head(ctx, "deal", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestPacketsSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, step := range []struct {
		id    string
		price int64
	}{{"1", 10}, {"2", 20}, {"1", 30}, {"1", 40}} {
		_, err := s.Commit(ctx, "deal", step.id, "push", setPrice(step.price))
		require.NoError(t, err)
	}

	one, err := s.PacketsSince(ctx, "deal", "1", 1)
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, int64(2), one[0].Version)
	assert.Equal(t, int64(3), one[1].Version)
	assert.Equal(t, int64(40), one[1].Diff[0].Value)

	all, err := s.PacketsSince(ctx, "deal", "", 0)
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, p := range all {
		ids[i] = p.EntityID
	}
	assert.Equal(t, []string{"1", "2", "1", "1"}, ids)

	tail, err := s.PacketsSince(ctx, "deal", "", all[1].Seq)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	head, err := s.Head(ctx, "deal", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}
