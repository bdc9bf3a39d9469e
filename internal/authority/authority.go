// Package authority is the reference remote authority: the single writer
// that assigns channel versions, orders broadcasts and executes commands.
//
// It serves both halves of the client contract in process. Transport joins
// topics and accepts pushes; Request answers the query and command
// documents of package remote. The WebSocket and HTTP servers in package
// wire and remote wrap the same value.
//
// # Ordering
//
// Every commit (push or command) runs under one mutex, from the store
// transaction through enqueueing the packet on each subscriber's delivery
// queue. Subscribers therefore observe the packets of a topic in commit
// order, and a slow handler never blocks a commit.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/store"
)

// Origins recorded on committed packets.
const (
	OriginPush    = "push"
	OriginCommand = "command"
)

// ErrClosed is returned by Join and Request after Close.
var ErrClosed = errors.New("authority: closed")

// Authority owns a store and the set of joined subscribers.
//
// INVARIANTS:
//   - versions of an entity increase by exactly one per commit
//   - a subscriber receives the packets of its topic in commit order
//   - the sender of a push never receives its own packet
type Authority struct {
	store   *store.Store
	idField string
	ids     channel.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{} // by channel.Topic(kind, id)
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Authority.
type Option func(*Authority)

// WithIDField names the record field that holds the entity id. Pushes that
// touch it are rejected. Default "id".
func WithIDField(field string) Option {
	return func(a *Authority) { a.idField = field }
}

// WithIDGenerator sets the generator for subscriber ids. Tests use
// channel.FixedGenerator for stable traces.
func WithIDGenerator(g channel.IDGenerator) Option {
	return func(a *Authority) { a.ids = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// New creates an authority over s. The authority does not own s; callers
// close it after Close.
func New(s *store.Store, opts ...Option) *Authority {
	a := &Authority{
		store:   s,
		idField: "id",
		ids:     channel.UUIDv7Generator{},
		logger:  slog.Default(),
		subs:    make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the backing store.
func (a *Authority) Store() *store.Store { return a.store }

// Seed stores records of kind without committing packets. Each record must
// carry its id under the id field.
func (a *Authority) Seed(ctx context.Context, kind string, records []record.Object) error {
	for i, rec := range records {
		norm, err := record.NormalizeObject(rec)
		if err != nil {
			return fmt.Errorf("seed %s[%d]: %w", kind, i, err)
		}
		id, ok := record.IDOf(norm, a.idField)
		if !ok {
			return fmt.Errorf("seed %s[%d]: missing %q", kind, i, a.idField)
		}
		if err := a.store.PutRecord(ctx, kind, id, norm); err != nil {
			return fmt.Errorf("seed %s[%d]: %w", kind, i, err)
		}
	}
	a.logger.Info("seeded records", "kind", kind, "count", len(records))
	return nil
}

// commit writes one change and fans the packet out. except, if set, is the
// pushing subscriber. Holding a.mu across both steps is what orders
// broadcasts.
func (a *Authority) commit(ctx context.Context, kind, id, origin string, except *subscriber, change store.ChangeFunc) (store.Packet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return store.Packet{}, ErrClosed
	}
	p, err := a.store.Commit(ctx, kind, id, origin, change)
	if err != nil {
		return store.Packet{}, err
	}
	a.metrics.Commit(kind)
	a.logger.Debug("committed",
		"kind", kind,
		"entity", id,
		"version", p.Version,
		"origin", origin,
		"changes", len(p.Diff),
	)

	out := channel.Packet{ID: id, Version: p.Version, Diff: p.Diff}
	a.fanoutLocked(channel.Topic(kind, id), out, except)
	a.fanoutLocked(channel.Topic(kind, ""), out, except)
	return p, nil
}

func (a *Authority) fanoutLocked(key string, p channel.Packet, except *subscriber) {
	for sub := range a.subs[key] {
		if sub == except {
			continue
		}
		sub.queue.Enqueue(p)
	}
}

// validatePush checks a pushed diff before it reaches the store.
func (a *Authority) validatePush(d diff.Diff) error {
	if d.IsEmpty() {
		return &channel.RejectedError{Reason: "empty diff"}
	}
	for _, c := range d {
		if len(c.Path) == 0 {
			return &channel.RejectedError{Reason: "diff replaces the whole record"}
		}
		if key, ok := c.Path.Key(0); ok && key == a.idField {
			return &channel.RejectedError{Reason: fmt.Sprintf("field %q is read-only", a.idField)}
		}
	}
	return nil
}

// Close detaches every subscriber and waits for their delivery goroutines.
func (a *Authority) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var all []*subscriber
	for _, set := range a.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	a.subs = make(map[string]map[*subscriber]struct{})
	a.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	a.wg.Wait()
	return nil
}
