// Package group implements the Group Store: a keyed collection of entity
// stores of one kind, bootstrapped from a bulk fetch and fed by one
// collection-level sync channel.
//
// Children never join channels of their own. Each gets a scoped view of the
// group's channel: its pushes carry its id and its broadcast handler is an
// entry in the group's route table. Broadcasts for an id the group has not
// seen yet create the child on the spot, so a collection converges even when
// an update arrives before the record's first fetch.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/record"
)

// Group owns the entity stores of one collection.
//
// INVARIANTS:
//   - at most one child store exists per id
//   - children are listed in the order they were first seen
//   - isBootstrapped only becomes true after a successful fetch
type Group struct {
	kind      string
	topic     string
	transport channel.Transport
	idField   string
	packetID  PacketID
	fetchAll  FetchAll
	fetchOne  FetchOne
	mutator   entity.Mutator
	storeOpts []entity.Option
	logger    *slog.Logger
	metrics   *metrics.Metrics

	flight singleflight.Group

	mu           sync.Mutex
	children     map[string]*entity.Store
	order        []string
	routes       map[string]route
	bootstrapped bool
	err          error
	ch           channel.Channel
	joined       bool
	closed       bool
}

// New creates an empty group for kind. transport may be nil, in which case
// the group is offline once subscribed.
func New(kind string, transport channel.Transport, opts ...Option) *Group {
	g := &Group{
		kind:      kind,
		topic:     kind,
		transport: transport,
		idField:   "id",
		packetID:  defaultPacketID,
		logger:    slog.Default(),
		children:  make(map[string]*entity.Store),
		routes:    make(map[string]route),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("kind", kind, "topic", g.topic)
	return g
}

func (g *Group) Kind() string  { return g.kind }
func (g *Group) Topic() string { return g.topic }

// IsBootstrapped reports whether a bootstrap fetch has succeeded.
func (g *Group) IsBootstrapped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bootstrapped
}

// Err returns the last collection-level failure, an *entity.Error, or nil.
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// GetByID returns the child store for id.
func (g *Group) GetByID(id string) (*entity.Store, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.children[id]
	return s, ok
}

// ToArray returns the child stores in first-seen order.
func (g *Group) ToArray() []*entity.Store {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*entity.Store, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.children[id])
	}
	return out
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Bootstrap loads the whole collection once. Concurrent calls share one
// fetch; calls after a success return immediately. A failure records a
// BootstrapFailed error and leaves the group retryable.
//
// A child that already holds a newer version than its fetched snapshot (a
// broadcast won the race) keeps its value.
func (g *Group) Bootstrap(ctx context.Context) error {
	g.mu.Lock()
	if g.bootstrapped {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	_, err, _ := g.flight.Do("bootstrap", func() (any, error) {
		return nil, g.bootstrap(ctx)
	})
	return err
}

func (g *Group) bootstrap(ctx context.Context) error {
	g.mu.Lock()
	done := g.bootstrapped
	g.mu.Unlock()
	if done {
		return nil
	}
	if g.fetchAll == nil {
		return entity.ErrNoFetcher
	}

	snaps, err := g.fetchAll(ctx)
	if err != nil {
		g.metrics.Bootstrap(g.kind, metrics.ResultError)
		berr := &entity.Error{Kind: entity.KindBootstrapFailed, Op: "bootstrap", Err: err}
		g.mu.Lock()
		g.err = berr
		g.mu.Unlock()
		g.logger.Warn("bootstrap failed", "error", err)
		return berr
	}

	for _, snap := range snaps {
		id, ok := record.IDOf(snap.Value, g.idField)
		if !ok {
			g.logger.Warn("bootstrap record without id, skipped", "id_field", g.idField)
			continue
		}
		child, created := g.child(ctx, id)
		if child == nil {
			return entity.ErrClosed
		}
		if !created && child.State() == entity.StateReady && child.Version() > snap.Version {
			continue
		}
		if err := child.Load(snap); err != nil {
			g.logger.Warn("bootstrap load failed", "entity", id, "error", err)
		}
	}

	g.mu.Lock()
	g.bootstrapped = true
	g.err = nil
	g.mu.Unlock()
	g.metrics.Bootstrap(g.kind, metrics.ResultOK)
	g.logger.Info("bootstrapped", "records", len(snaps))
	return nil
}

// child returns the store for id, creating it if needed. New children of a
// subscribed group are subscribed before child returns. It returns nil once
// the group is closed.
func (g *Group) child(ctx context.Context, id string) (*entity.Store, bool) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, false
	}
	if s, ok := g.children[id]; ok {
		g.mu.Unlock()
		return s, false
	}

	opts := []entity.Option{
		entity.WithKind(g.kind),
		entity.WithLogger(g.logger),
		entity.WithMetrics(g.metrics),
		entity.WithMutator(g.mutator),
	}
	if g.fetchOne != nil {
		fetch := g.fetchOne
		opts = append(opts, entity.WithFetcher(func(ctx context.Context) (record.Snapshot, error) {
			return fetch(ctx, id)
		}))
	}
	opts = append(opts, g.storeOpts...)

	s := entity.New(id, g.childJoiner(id), opts...)
	g.children[id] = s
	g.order = append(g.order, id)
	joined := g.joined
	g.mu.Unlock()

	if joined {
		if err := s.Subscribe(ctx); err != nil {
			g.logger.Warn("child subscribe failed", "entity", id, "error", err)
		}
	}
	return s, true
}

func (g *Group) childJoiner(id string) entity.Joiner {
	return func(context.Context, int64) (channel.Channel, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.ch == nil {
			return nil, channel.ErrUnavailable
		}
		return &childChannel{group: g, id: id}, nil
	}
}

// Subscribe joins the collection topic and subscribes every child. Only the
// first call has an effect. An unavailable transport leaves the group and
// its children read-only with a TransportUnavailable error.
func (g *Group) Subscribe(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return entity.ErrClosed
	}
	if g.joined {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	ch := channel.JoinOrNil(ctx, g.transport, g.topic, "", 0)
	if ch != nil {
		if err := ch.On(channel.EventSyncPacket, g.Receive); err != nil {
			_ = ch.Leave()
			return fmt.Errorf("subscribe %s: %w", g.topic, err)
		}
	}

	g.mu.Lock()
	g.joined = true
	g.ch = ch
	if ch == nil {
		g.err = &entity.Error{Kind: entity.KindTransportUnavailable, Op: "subscribe", Err: channel.ErrUnavailable}
	}
	children := make([]*entity.Store, 0, len(g.order))
	for _, id := range g.order {
		children = append(children, g.children[id])
	}
	g.mu.Unlock()

	for _, s := range children {
		if err := s.Subscribe(ctx); err != nil {
			g.logger.Warn("child subscribe failed", "entity", s.ID(), "error", err)
		}
	}
	return nil
}

// Receive routes a collection broadcast to its child, creating the child
// (seeded with just its id, at version 0) on first sight.
func (g *Group) Receive(pkt channel.Packet) {
	id, ok := g.packetID(pkt)
	if !ok {
		g.logger.Debug("broadcast without entity id dropped", "version", pkt.Version)
		return
	}

	s, h, closed := g.lookup(id)
	if closed {
		return
	}
	if s == nil {
		var created bool
		s, created = g.child(context.Background(), id)
		if s == nil {
			return
		}
		if created {
			if err := s.Load(record.Snapshot{Value: record.Object{g.idField: id}}); err != nil {
				g.logger.Warn("seed child failed", "entity", id, "error", err)
			}
			g.logger.Debug("child created from broadcast", "entity", id)
		}
		if s, h, closed = g.lookup(id); closed || s == nil {
			g.logger.Debug("broadcast for evicted child dropped", "entity", id, "version", pkt.Version)
			return
		}
	}

	if h != nil {
		h(pkt)
		return
	}
	// Not subscribed (offline group): apply directly.
	s.Receive(pkt)
}

// lookup returns the child for id and its broadcast handler, both read in
// one critical section.
func (g *Group) lookup(id string) (*entity.Store, channel.Handler, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, true
	}
	s := g.children[id]
	if s == nil {
		return nil, nil, false
	}
	return s, g.routes[id].handler, false
}

// Evict closes and forgets the child for id.
func (g *Group) Evict(id string) error {
	g.mu.Lock()
	s, ok := g.children[id]
	if ok {
		delete(g.children, id)
		delete(g.routes, id)
		for i, oid := range g.order {
			if oid == id {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// Close closes every child and leaves the collection channel.
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	children := make([]*entity.Store, 0, len(g.order))
	for _, id := range g.order {
		children = append(children, g.children[id])
	}
	ch := g.ch
	g.mu.Unlock()

	for _, s := range children {
		if err := s.Close(); err != nil {
			g.logger.Debug("close child", "entity", s.ID(), "error", err)
		}
	}
	if ch != nil {
		return ch.Leave()
	}
	return nil
}

// route is a child's broadcast handler. ch identifies the registering view so
// a stale child leaving cannot drop the handler of its replacement.
type route struct {
	ch      *childChannel
	handler channel.Handler
}

// childChannel is a child's view of the group channel.
type childChannel struct {
	group *Group
	id    string
}

func (c *childChannel) On(event string, h channel.Handler) error {
	if event != channel.EventSyncPacket {
		return fmt.Errorf("child channel: unsupported event %q", event)
	}
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	if _, ok := c.group.routes[c.id]; ok {
		return channel.ErrHandlerRegistered
	}
	c.group.routes[c.id] = route{ch: c, handler: h}
	return nil
}

func (c *childChannel) Push(ctx context.Context, event string, p channel.Packet) (channel.Ack, error) {
	c.group.mu.Lock()
	ch := c.group.ch
	c.group.mu.Unlock()
	if ch == nil {
		return channel.Ack{}, channel.ErrUnavailable
	}
	p.ID = c.id
	return ch.Push(ctx, event, p)
}

func (c *childChannel) Leave() error {
	c.group.mu.Lock()
	defer c.group.mu.Unlock()
	if r, ok := c.group.routes[c.id]; ok && r.ch == c {
		delete(c.group.routes, c.id)
	}
	return nil
}
