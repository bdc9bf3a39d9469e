package group

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/testutil"
)

func staticFetch(snaps ...record.Snapshot) (FetchAll, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) ([]record.Snapshot, error) {
		calls.Add(1)
		return snaps, nil
	}, &calls
}

func twoOpenDeals() []record.Snapshot {
	return []record.Snapshot{
		{Value: record.Object{"id": "1", "stage": "OPEN"}},
		{Value: record.Object{"id": "2", "stage": "OPEN"}},
	}
}

func newGroup(t *testing.T, opts ...Option) (*Group, *testutil.ScriptedTransport) {
	t.Helper()
	tr := testutil.NewScriptedTransport()
	g := New("deal", tr, opts...)
	t.Cleanup(func() { _ = g.Close() })
	return g, tr
}

func stageTo(stage string, version int64, id string) channel.Packet {
	return channel.Packet{
		ID:      id,
		Version: version,
		Diff:    diff.Diff{{Path: diff.Path{"stage"}, Op: diff.OpReplace, Value: stage}},
	}
}

func TestGroup_BroadcastReachesOnlyItsChild(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, tr := newGroup(t, WithFetchAll(fetch))
	ctx := context.Background()

	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))

	tr.Channel("deal", "").Broadcast(stageTo("WON", 5, "1"))

	one, ok := g.GetByID("1")
	require.True(t, ok)
	assert.Equal(t, "WON", one.Value()["stage"])
	assert.Equal(t, int64(5), one.Version())

	two, ok := g.GetByID("2")
	require.True(t, ok)
	assert.Equal(t, record.Object{"id": "2", "stage": "OPEN"}, two.Value())
	assert.Equal(t, int64(0), two.Version())
}

func TestGroup_BroadcastCreatesChildOnFirstSight(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, tr := newGroup(t, WithFetchAll(fetch))
	ctx := context.Background()
	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))

	coll := tr.Channel("deal", "")
	coll.Broadcast(stageTo("WON", 5, "3"))
	coll.Broadcast(stageTo("LOST", 6, "3"))

	assert.Equal(t, 3, g.Len())
	three, ok := g.GetByID("3")
	require.True(t, ok)
	assert.Equal(t, record.Object{"id": "3", "stage": "LOST"}, three.Value())
	assert.Equal(t, int64(6), three.Version())
}

func TestGroup_ReceiveWithoutSubscription(t *testing.T) {
	g, _ := newGroup(t)

	g.Receive(stageTo("WON", 2, "9"))

	s, ok := g.GetByID("9")
	require.True(t, ok)
	assert.Equal(t, "WON", s.Value()["stage"])
	assert.False(t, g.IsBootstrapped())
}

func TestGroup_BroadcastWithoutIDDropped(t *testing.T) {
	g, _ := newGroup(t)
	g.Receive(stageTo("WON", 2, ""))
	assert.Equal(t, 0, g.Len())
}

func TestGroup_CustomPacketID(t *testing.T) {
	byPath := func(p channel.Packet) (string, bool) {
		if len(p.Diff) == 0 {
			return "", false
		}
		key, ok := p.Diff[0].Path.Key(0)
		return key, ok
	}
	g, _ := newGroup(t, WithPacketID(byPath), WithIDField("dealId"))

	g.Receive(channel.Packet{Version: 1, Diff: diff.Diff{{Path: diff.Path{"d-7"}, Op: diff.OpReplace, Value: "x"}}})

	s, ok := g.GetByID("d-7")
	require.True(t, ok)
	assert.Equal(t, "d-7", s.Value()["dealId"])
}

func TestGroup_BootstrapOnce(t *testing.T) {
	fetch, calls := staticFetch(twoOpenDeals()...)
	g, _ := newGroup(t, WithFetchAll(fetch))

	require.NoError(t, g.Bootstrap(context.Background()))
	require.NoError(t, g.Bootstrap(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, g.IsBootstrapped())
	assert.Equal(t, 2, g.Len())
}

func TestGroup_ConcurrentBootstrapSharesFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]record.Snapshot, error) {
		calls.Add(1)
		<-release
		return twoOpenDeals(), nil
	}
	g, _ := newGroup(t, WithFetchAll(fetch))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Bootstrap(context.Background()))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, g.Len())
}

func TestGroup_BootstrapFailureIsRetryable(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	fetch := func(context.Context) ([]record.Snapshot, error) {
		if fail.Load() {
			return nil, errors.New("503 unavailable")
		}
		return twoOpenDeals(), nil
	}
	g, _ := newGroup(t, WithFetchAll(fetch))

	err := g.Bootstrap(context.Background())
	require.Error(t, err)
	assert.True(t, entity.IsKind(err, entity.KindBootstrapFailed))
	assert.True(t, entity.IsKind(g.Err(), entity.KindBootstrapFailed))
	assert.False(t, g.IsBootstrapped())
	assert.Equal(t, 0, g.Len())

	fail.Store(false)
	require.NoError(t, g.Bootstrap(context.Background()))
	assert.True(t, g.IsBootstrapped())
	assert.NoError(t, g.Err())
}

func TestGroup_BootstrapWithoutFetcher(t *testing.T) {
	g, _ := newGroup(t)
	assert.ErrorIs(t, g.Bootstrap(context.Background()), entity.ErrNoFetcher)
}

func TestGroup_BootstrapKeepsNewerChild(t *testing.T) {
	fetch, _ := staticFetch(
		record.Snapshot{Value: record.Object{"id": "1", "stage": "OPEN"}, Version: 2},
		record.Snapshot{Value: record.Object{"id": "2", "stage": "OPEN"}, Version: 2},
	)
	g, _ := newGroup(t, WithFetchAll(fetch))

	g.Receive(stageTo("WON", 5, "1"))
	require.NoError(t, g.Bootstrap(context.Background()))

	one, _ := g.GetByID("1")
	assert.Equal(t, "WON", one.Value()["stage"])
	assert.Equal(t, int64(5), one.Version())

	ids := make([]string, 0, 2)
	for _, s := range g.ToArray() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestGroup_BootstrapSkipsRecordsWithoutID(t *testing.T) {
	fetch, _ := staticFetch(
		record.Snapshot{Value: record.Object{"stage": "OPEN"}},
		record.Snapshot{Value: record.Object{"id": "1"}},
	)
	g, _ := newGroup(t, WithFetchAll(fetch))
	require.NoError(t, g.Bootstrap(context.Background()))
	assert.Equal(t, 1, g.Len())
}

func TestGroup_ChildPushCarriesID(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, tr := newGroup(t, WithFetchAll(fetch))
	ctx := context.Background()
	require.NoError(t, g.Subscribe(ctx))
	require.NoError(t, g.Bootstrap(ctx))

	two, _ := g.GetByID("2")
	_, err := two.Update(func(v record.Object) record.Object {
		v["stage"] = "WON"
		return v
	})
	require.NoError(t, err)

	call := tr.Channel("deal", "").NextPush(t)
	assert.Equal(t, "2", call.Packet.ID)
	call.Ack(11)

	ctx, cancel := context.WithTimeout(ctx, testutil.DefaultWait)
	defer cancel()
	require.NoError(t, two.Settled(ctx))
	assert.Equal(t, int64(11), two.Version())

	// Children share the collection channel; none joins its own topic.
	joins := tr.Joins()
	require.Len(t, joins, 1)
	assert.Equal(t, testutil.JoinCall{Topic: "deal"}, joins[0])
}

func TestGroup_OfflineChildrenAreReadOnly(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, tr := newGroup(t, WithFetchAll(fetch))
	tr.FailJoins(channel.ErrUnavailable)
	ctx := context.Background()

	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))

	assert.True(t, entity.IsKind(g.Err(), entity.KindTransportUnavailable))
	one, _ := g.GetByID("1")
	assert.True(t, one.IsOffline())
	_, err := one.Update(func(v record.Object) record.Object {
		v["stage"] = "WON"
		return v
	})
	assert.ErrorIs(t, err, entity.ErrReadOnly)
	assert.Equal(t, "OPEN", one.Value()["stage"])
}

func TestGroup_WithRemote(t *testing.T) {
	client := testutil.NewRecordingClient().
		On(remote.DocFetchAll, func(vars remote.Vars) (json.RawMessage, error) {
			return json.RawMessage(`{"items":[{"value":{"id":"1","stage":"OPEN"},"version":4}]}`), nil
		}).
		On(remote.DocFetchOne, func(vars remote.Vars) (json.RawMessage, error) {
			return json.RawMessage(`{"value":{"id":"1","stage":"WON"},"version":6}`), nil
		})
	g, _ := newGroup(t, WithRemote(client))

	require.NoError(t, g.Bootstrap(context.Background()))
	one, ok := g.GetByID("1")
	require.True(t, ok)
	assert.Equal(t, int64(4), one.Version())

	require.NoError(t, one.Invalidate(context.Background()))
	assert.Equal(t, "WON", one.Value()["stage"])
	assert.Equal(t, int64(6), one.Version())

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, remote.Vars{"kind": "deal"}, calls[0].Vars)
	assert.Equal(t, remote.Vars{"kind": "deal", "id": "1"}, calls[1].Vars)
}

func TestGroup_Evict(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, _ := newGroup(t, WithFetchAll(fetch))
	require.NoError(t, g.Bootstrap(context.Background()))

	one, _ := g.GetByID("1")
	require.NoError(t, g.Evict("1"))

	_, ok := g.GetByID("1")
	assert.False(t, ok)
	assert.Equal(t, 1, g.Len())
	_, err := one.Update(func(v record.Object) record.Object { return v })
	assert.ErrorIs(t, err, entity.ErrClosed)
	assert.NoError(t, g.Evict("missing"))
}

func TestGroup_EvictDuringReceive(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, _ := newGroup(t, WithFetchAll(fetch))
	ctx := context.Background()
	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))

	var wg sync.WaitGroup
	for i := int64(1); i <= 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Receive(stageTo("WON", i, "1"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Evict("1"))
		}()
	}
	wg.Wait()

	// Whatever survived the race is still routed.
	g.Receive(stageTo("LOST", 500, "1"))
	one, ok := g.GetByID("1")
	require.True(t, ok)
	assert.Equal(t, "LOST", one.Value()["stage"])
	assert.Equal(t, int64(500), one.Version())
}

func TestGroup_StaleLeaveKeepsReplacementRoute(t *testing.T) {
	fetch, _ := staticFetch(twoOpenDeals()...)
	g, tr := newGroup(t, WithFetchAll(fetch))
	ctx := context.Background()
	require.NoError(t, g.Bootstrap(ctx))
	require.NoError(t, g.Subscribe(ctx))

	stale := &childChannel{group: g, id: "1"}
	require.NoError(t, g.Evict("1"))

	coll := tr.Channel("deal", "")
	coll.Broadcast(stageTo("WON", 3, "1"))
	require.NoError(t, stale.Leave())
	coll.Broadcast(stageTo("LOST", 4, "1"))

	one, ok := g.GetByID("1")
	require.True(t, ok)
	assert.Equal(t, "LOST", one.Value()["stage"])
	assert.Equal(t, int64(4), one.Version())

	g.mu.Lock()
	_, routed := g.routes["1"]
	g.mu.Unlock()
	assert.True(t, routed)
}

func TestGroup_ReceiveAfterCloseCreatesNothing(t *testing.T) {
	g, _ := newGroup(t)
	require.NoError(t, g.Close())

	g.Receive(stageTo("WON", 2, "9"))

	_, ok := g.GetByID("9")
	assert.False(t, ok)
	assert.Equal(t, 0, g.Len())
}

func TestGroup_CloseLeavesCollection(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	g := New("deal", tr)
	require.NoError(t, g.Subscribe(context.Background()))

	require.NoError(t, g.Close())
	assert.True(t, tr.Channel("deal", "").Left())
	assert.ErrorIs(t, g.Subscribe(context.Background()), entity.ErrClosed)
}
