package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/queue"
	"github.com/roach88/entsync/internal/record"
)

// Store owns one entity record.
//
// INVARIANTS:
//   - version never decreases except through an explicit Load
//   - value == committed + pending diffs, except after a broadcast overwrote
//     local state (last write wins) and before the next rebase
//   - pending operations are pushed in the order they were made, one at a
//     time
type Store struct {
	id         string
	kind       string
	join       Joiner
	fetch      Fetcher
	mutator    Mutator
	retention  Retention
	seenWindow int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	outbox *queue.Queue[Operation]
	flight singleflight.Group
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	value     record.Object
	committed record.Object
	version   int64
	floor     int64 // versions at or below are contained in the last load
	history   []Operation
	pending   []Operation
	buffered  []channel.Packet
	seen      *lru.Cache[int64, struct{}]
	err       error
	ch        channel.Channel
	joined    bool
	offline   bool
	closed    bool
	busy      int // queued pushes and refetches not yet finished
	nextSeq   uint64
	changed   chan struct{}
}

// New creates an uninitialized store for entity id. join is called once, by
// Subscribe.
func New(id string, join Joiner, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		id:         id,
		kind:       "entity",
		join:       join,
		mutator:    noopMutator{},
		retention:  DefaultRetention,
		seenWindow: DefaultSeenWindow,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		outbox:     queue.New[Operation](),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	// lru.New only fails for a non-positive size, which WithSeenWindow
	// rules out.
	s.seen, _ = lru.New[int64, struct{}](s.seenWindow)
	s.logger = s.logger.With("kind", s.kind, "entity", id)
	return s
}

func (s *Store) ID() string   { return s.id }
func (s *Store) Kind() string { return s.kind }

// Value returns a copy of the current value.
func (s *Store) Value() record.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.CloneObject(s.value)
}

// Version returns the last reconciled version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns value and version read atomically.
func (s *Store) Snapshot() record.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.Snapshot{Value: record.CloneObject(s.value), Version: s.version}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) IsLoading() bool {
	return s.State() == StateLoading
}

// IsOffline reports whether Subscribe failed to join the sync channel.
func (s *Store) IsOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Err returns the last recorded failure, an *Error, or nil.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// History returns a copy of the retained operations, oldest first.
func (s *Store) History() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.history))
	copy(out, s.history)
	return out
}

// Changed returns a channel that is closed on the next change of value,
// version, state or error.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Load seeds the store from a snapshot and moves it to Ready.
//
// The version is taken as given, so Load is the one operation allowed to
// move it backwards. Acknowledged history is cleared; pending local changes
// are kept and re-applied on top of the snapshot. Broadcasts buffered while
// the store was not ready are replayed.
func (s *Store) Load(snap record.Snapshot) error {
	value, err := record.NormalizeObject(snap.Value)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.id, err)
	}
	if value == nil {
		value = record.Object{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.loadLocked(value, snap.Version)
	s.notifyLocked()
	return nil
}

func (s *Store) loadLocked(value record.Object, version int64) {
	s.committed = value
	s.version = version
	s.floor = version
	s.seen.Purge()
	s.history = append([]Operation(nil), s.pending...)
	s.state = StateReady
	s.err = nil
	s.rebaseLocked()

	buffered := s.buffered
	s.buffered = nil
	for _, pkt := range buffered {
		s.receiveLocked(pkt)
	}
}

// rebaseLocked rebuilds value from committed and the pending diffs.
func (s *Store) rebaseLocked() {
	value := record.CloneObject(s.committed)
	for _, op := range s.pending {
		next, err := diff.ApplyObject(value, op.Diff)
		if err != nil {
			s.logger.Warn("pending change no longer applies", "op", op.ID, "error", err)
			continue
		}
		value = next
	}
	s.value = value
}

// Update applies fn to a copy of the value, records the resulting diff and
// makes the new value visible before returning. The diff is pushed
// asynchronously once the store is subscribed.
//
// An empty diff is not recorded or pushed; the returned Operation then has
// an empty Diff.
func (s *Store) Update(fn func(record.Object) record.Object) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return Operation{}, ErrClosed
	case s.offline:
		return Operation{}, ErrReadOnly
	case s.state != StateReady:
		return Operation{}, ErrNotReady
	}

	before := s.value
	next, err := record.NormalizeObject(fn(record.CloneObject(before)))
	if err != nil {
		return Operation{}, fmt.Errorf("update %s: %w", s.id, err)
	}
	if next == nil {
		return Operation{}, fmt.Errorf("update %s: updater returned nil", s.id)
	}

	d := diff.Compute(before, next)
	if d.IsEmpty() {
		return Operation{ID: s.version, Origin: OriginLocal}, nil
	}

	s.nextSeq++
	op := Operation{
		ID:     s.version,
		Diff:   d,
		Origin: OriginLocal,
		Before: before,
		seq:    s.nextSeq,
	}
	s.value = next
	s.pending = append(s.pending, op)
	s.history = s.retention.apply(append(s.history, op))
	s.busy++
	s.outbox.Enqueue(op)
	s.metrics.Update(s.kind)
	s.notifyLocked()

	s.logger.Debug("local update", "base_version", op.ID, "paths", d.Paths())
	return op, nil
}

// Subscribe joins the sync channel, registers the broadcast handler and
// starts pushing queued changes. Only the first call has an effect.
//
// A failed join does not return an error: the store records a
// TransportUnavailable error and becomes read-only.
func (s *Store) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	since := s.version
	s.mu.Unlock()

	ch, err := s.join(ctx, since)
	if err == nil && ch == nil {
		err = channel.ErrUnavailable
	}
	if err != nil {
		s.logger.Warn("sync channel unavailable, store is read-only", "error", err)
		s.goOffline(err)
		return nil
	}

	if err := ch.On(channel.EventSyncPacket, s.Receive); err != nil {
		_ = ch.Leave()
		return fmt.Errorf("subscribe %s: %w", s.id, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Leave()
		return ErrClosed
	}
	s.ch = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(ch)
	return nil
}

// goOffline marks the store read-only. Queued changes stay visible but are
// never pushed.
func (s *Store) goOffline(cause error) {
	dropped := s.outbox.Drain()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = true
	s.busy -= len(dropped)
	s.err = &Error{Kind: KindTransportUnavailable, Op: "subscribe", EntityID: s.id, Err: cause}
	s.notifyLocked()
}

// pump pushes queued operations one at a time.
func (s *Store) pump(ch channel.Channel) {
	defer s.wg.Done()
	for {
		op, err := s.outbox.Dequeue(s.ctx)
		if err != nil {
			return
		}
		s.deliver(ch, op)
	}
}

func (s *Store) deliver(ch channel.Channel, op Operation) {
	defer s.finish()

	start := time.Now()
	ack, err := ch.Push(s.ctx, channel.EventSyncPacket, channel.Packet{
		ID:      s.id,
		Version: op.ID,
		Diff:    op.Diff,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		result := metrics.ResultError
		if channel.IsRejected(err) {
			result = metrics.ResultRejected
		}
		s.metrics.Push(s.kind, result, 0)
		s.reject(op, err)
		return
	}
	s.metrics.Push(s.kind, metrics.ResultOK, time.Since(start).Seconds())

	s.mutate(s.acknowledge(op, ack.Version))
}

// acknowledge adopts the ack version and moves op from pending to committed.
// The returned mutation snapshots the history in the same critical section,
// before a concurrent Update can prune the acknowledged operation.
func (s *Store) acknowledge(op Operation, version int64) Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version > s.version {
		s.version = version
	}
	s.seen.Add(version, struct{}{})

	committed, err := diff.ApplyObject(s.committed, op.Diff)
	if err != nil {
		// The committed base moved under the change (a broadcast touched
		// the same structure). Adopt the visible value.
		s.logger.Debug("acked change does not apply to committed value", "version", version, "error", err)
		committed = record.CloneObject(s.value)
	}
	s.committed = committed
	s.removePendingLocked(op.seq)

	op.Acked = true
	op.Version = version
	for i := range s.history {
		if s.history[i].seq == op.seq {
			s.history[i] = op
			break
		}
	}
	s.notifyLocked()

	s.logger.Debug("push acknowledged", "version", version)
	return Mutation{
		EntityID: s.id,
		Kind:     s.kind,
		Op:       op,
		History:  append([]Operation(nil), s.history...),
		Value:    record.CloneObject(s.value),
	}
}

// reject restores the last committed value and re-applies the changes
// still pending. The rejected operation leaves the history.
func (s *Store) reject(op Operation, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removePendingLocked(op.seq)
	for i := range s.history {
		if s.history[i].seq == op.seq {
			s.history = append(s.history[:i], s.history[i+1:]...)
			break
		}
	}
	s.rebaseLocked()
	s.err = &Error{Kind: KindRemoteRejected, Op: "push", EntityID: s.id, Err: cause}
	s.notifyLocked()

	s.logger.Warn("push rejected, rolled back", "base_version", op.ID, "error", cause)
}

func (s *Store) removePendingLocked(seq uint64) {
	for i := range s.pending {
		if s.pending[i].seq == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// mutate runs the mutator for an acknowledged operation, then enforces the
// retention policy so a mutator always sees the trail it may need.
func (s *Store) mutate(m Mutation) {
	effect, err := s.mutator.Mutate(s.ctx, m)

	s.mu.Lock()
	s.history = s.retention.apply(s.history)
	if err != nil && s.ctx.Err() == nil {
		s.err = &Error{Kind: KindRemoteRejected, Op: "mutate", EntityID: s.id, Err: err}
		s.notifyLocked()
		s.logger.Warn("mutator failed", "version", m.Op.Version, "error", err)
	}
	s.mu.Unlock()

	if effect == EffectInvalidate && s.ctx.Err() == nil {
		if err := s.Invalidate(s.ctx); err != nil {
			s.logger.Warn("invalidate after mutation failed", "error", err)
		}
	}
}

func (s *Store) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	s.notifyLocked()
}

// Receive applies a broadcast packet. It is the store's sync_packet handler
// and is also called by a group when demultiplexing collection broadcasts.
//
// Packets that arrive while the store has no value are buffered until the
// next load. A packet whose diff does not apply is recorded as StaleApply and
// triggers a refetch.
func (s *Store) Receive(pkt channel.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.receiveLocked(pkt)
}

func (s *Store) receiveLocked(pkt channel.Packet) {
	if s.state != StateReady {
		s.buffered = append(s.buffered, pkt)
		s.metrics.Broadcast(s.kind, metrics.ResultBuffered)
		return
	}
	if pkt.Version <= s.floor || s.seen.Contains(pkt.Version) {
		s.metrics.Broadcast(s.kind, metrics.ResultDuplicate)
		return
	}

	next, err := diff.ApplyObject(s.value, pkt.Diff)
	if err != nil {
		s.err = &Error{Kind: KindStaleApply, Op: "receive", EntityID: s.id, Err: err}
		s.metrics.Broadcast(s.kind, metrics.ResultStale)
		s.notifyLocked()
		s.logger.Warn("broadcast does not apply, refetching", "version", pkt.Version, "error", err)
		s.refetchLocked()
		return
	}

	if committed, err := diff.ApplyObject(s.committed, pkt.Diff); err == nil {
		s.committed = committed
	} else {
		s.committed = record.CloneObject(next)
	}
	s.value = next
	if pkt.Version > s.version {
		s.version = pkt.Version
	}
	s.seen.Add(pkt.Version, struct{}{})
	s.history = s.retention.apply(append(s.history, Operation{
		ID:      pkt.Version,
		Diff:    pkt.Diff,
		Origin:  OriginRemote,
		Acked:   true,
		Version: pkt.Version,
	}))
	s.metrics.Broadcast(s.kind, metrics.ResultApplied)
	s.notifyLocked()
}

// refetchLocked starts an asynchronous Invalidate. Without a fetcher the
// store keeps its StaleApply error.
func (s *Store) refetchLocked() {
	if s.fetch == nil {
		return
	}
	s.busy++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish()
		if err := s.Invalidate(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("refetch failed", "error", err)
		}
	}()
}

// Invalidate refetches the entity and loads the result. Concurrent calls
// share one fetch.
//
// The fetched version is adopted only if it is newer, so the version never
// regresses. On failure the store returns to its previous state and records
// a RemoteRejected error.
func (s *Store) Invalidate(ctx context.Context) error {
	if s.fetch == nil {
		return ErrNoFetcher
	}
	_, err, _ := s.flight.Do("invalidate", func() (any, error) {
		return nil, s.invalidate(ctx)
	})
	return err
}

func (s *Store) invalidate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.state
	s.state = StateLoading
	s.notifyLocked()
	s.mu.Unlock()

	s.metrics.Invalidate(s.kind)
	snap, err := s.fetch(ctx)
	var value record.Object
	if err == nil {
		value, err = record.NormalizeObject(snap.Value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = prev
		s.err = &Error{Kind: KindRemoteRejected, Op: "invalidate", EntityID: s.id, Err: err}
		if prev == StateReady {
			buffered := s.buffered
			s.buffered = nil
			for _, pkt := range buffered {
				s.receiveLocked(pkt)
			}
		}
		s.notifyLocked()
		return s.err
	}
	if value == nil {
		value = record.Object{}
	}

	version := snap.Version
	if s.version > version {
		version = s.version
	}
	s.loadLocked(value, version)
	s.notifyLocked()
	s.logger.Debug("refetched", "version", version)
	return nil
}

// Settled blocks until every queued push has been acknowledged or rejected,
// its mutator has run and no refetch is in progress.
func (s *Store) Settled(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.busy == 0 && s.state != StateLoading
		changed := s.changed
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops the outbox, leaves the channel and waits for background work.
// Pending changes that were not pushed are dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	s.notifyLocked()
	s.mu.Unlock()

	s.cancel()
	s.outbox.Close()
	var err error
	if ch != nil {
		if lerr := ch.Leave(); lerr != nil && !errors.Is(lerr, channel.ErrClosed) {
			err = fmt.Errorf("leave %s: %w", s.id, lerr)
		}
	}
	s.wg.Wait()
	return err
}
