package entity

import (
	"context"
	"log/slog"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/record"
)

// Joiner attaches a store to its sync channel. since is the store version at
// join time. A nil channel with a nil error counts as unavailable.
type Joiner func(ctx context.Context, since int64) (channel.Channel, error)

// JoinTopic returns a Joiner for an entity-scoped topic on t.
func JoinTopic(t channel.Transport, topic, id string) Joiner {
	return func(ctx context.Context, since int64) (channel.Channel, error) {
		if t == nil {
			return nil, channel.ErrUnavailable
		}
		return t.Join(ctx, topic, id, since)
	}
}

// Fetcher loads the authoritative snapshot of the entity.
type Fetcher func(ctx context.Context) (record.Snapshot, error)

// DefaultSeenWindow is the number of reconciled versions remembered for
// duplicate suppression.
const DefaultSeenWindow = 256

// Option configures a Store.
type Option func(*Store)

// WithKind sets the entity kind used in logs, metrics and mutations.
func WithKind(kind string) Option {
	return func(s *Store) {
		s.kind = kind
	}
}

// WithFetcher sets the fetch used by Invalidate.
func WithFetcher(f Fetcher) Option {
	return func(s *Store) {
		s.fetch = f
	}
}

// WithMutator sets the mutator run after each acknowledged push.
func WithMutator(m Mutator) Option {
	return func(s *Store) {
		if m != nil {
			s.mutator = m
		}
	}
}

// WithRetention sets the history policy.
//
// Default: DefaultRetention.
// The mutator of an acknowledged operation always finds it in History,
// whatever the policy.
func WithRetention(r Retention) Option {
	return func(s *Store) {
		s.retention = r
	}
}

// WithSeenWindow sets how many reconciled versions are remembered.
func WithSeenWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.seenWindow = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}
