package group

import (
	"context"
	"log/slog"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
)

// FetchAll loads every record of the collection.
type FetchAll func(ctx context.Context) ([]record.Snapshot, error)

// FetchOne loads one record, for child invalidation.
type FetchOne func(ctx context.Context, id string) (record.Snapshot, error)

// PacketID extracts the entity id a collection broadcast is about.
type PacketID func(p channel.Packet) (string, bool)

// Option configures a Group.
type Option func(*Group)

// WithTopic sets the collection topic. Default: the kind.
func WithTopic(topic string) Option {
	return func(g *Group) {
		g.topic = topic
	}
}

// WithIDField names the record field holding the entity id. Default: "id".
func WithIDField(field string) Option {
	return func(g *Group) {
		g.idField = field
	}
}

// WithPacketID replaces the broadcast id extractor. Default: Packet.ID.
func WithPacketID(f PacketID) Option {
	return func(g *Group) {
		g.packetID = f
	}
}

func WithFetchAll(f FetchAll) Option {
	return func(g *Group) {
		g.fetchAll = f
	}
}

func WithFetchOne(f FetchOne) Option {
	return func(g *Group) {
		g.fetchOne = f
	}
}

// WithRemote fetches the collection and single records through c.
func WithRemote(c remote.Client) Option {
	return func(g *Group) {
		g.fetchAll = func(ctx context.Context) ([]record.Snapshot, error) {
			return remote.FetchAll(ctx, c, g.kind)
		}
		g.fetchOne = func(ctx context.Context, id string) (record.Snapshot, error) {
			return remote.FetchOne(ctx, c, g.kind, id)
		}
	}
}

// WithMutator sets the mutator shared by every child store.
func WithMutator(m entity.Mutator) Option {
	return func(g *Group) {
		g.mutator = m
	}
}

// WithStoreOptions appends options applied to every child store.
func WithStoreOptions(opts ...entity.Option) Option {
	return func(g *Group) {
		g.storeOpts = append(g.storeOpts, opts...)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Group) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Group) {
		g.metrics = m
	}
}

func defaultPacketID(p channel.Packet) (string, bool) {
	return p.ID, p.ID != ""
}
