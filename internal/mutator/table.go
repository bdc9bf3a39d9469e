// Package mutator turns acknowledged local changes into remote commands.
//
// A Table maps normalized diff paths ("internalStage", "lineItems") to
// routes. Each route is a pure function from the changes under its path to
// the commands to issue; the table then runs those commands in order.
// Changes no entry claims go to the table's fallback, which must be given
// explicitly (use Ignore to drop them).
//
// Mutators hold their remote.Client; nothing here is a package-level
// singleton.
package mutator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/metrics"
	"github.com/roach88/entsync/internal/remote"
)

// Command is one remote request planned by a route.
type Command struct {
	Document remote.Document
	Vars     remote.Vars

	// Invalidate asks the store to refetch once the command succeeds.
	Invalidate bool
}

// Route plans the commands for the changes under one path.
type Route func(m entity.Mutation, changes diff.Diff) ([]Command, error)

// Entry binds a normalized path to a route.
type Entry struct {
	Path  string
	Route Route
}

// Option configures a Table.
type Option func(*Table)

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) {
		t.metrics = m
	}
}

// Table is a path-keyed dispatch table. It implements entity.Mutator.
type Table struct {
	client   remote.Client
	entries  []Entry
	byLength []int // entry indexes, longest path first
	fallback Route
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTable builds a table. It panics on a duplicate or empty path and on a
// nil route or fallback: tables are built once at startup and a broken one
// is a programming error.
func NewTable(client remote.Client, entries []Entry, fallback Route, opts ...Option) *Table {
	if fallback == nil {
		panic("mutator: nil fallback route")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		switch {
		case e.Path == "":
			panic("mutator: empty path")
		case e.Route == nil:
			panic(fmt.Sprintf("mutator: nil route for %q", e.Path))
		case seen[e.Path]:
			panic(fmt.Sprintf("mutator: duplicate route for %q", e.Path))
		}
		seen[e.Path] = true
	}

	t := &Table{
		client:   client,
		entries:  append([]Entry(nil), entries...),
		fallback: fallback,
		logger:   slog.Default(),
	}
	for i := range t.entries {
		t.byLength = append(t.byLength, i)
	}
	sort.SliceStable(t.byLength, func(a, b int) bool {
		return len(t.entries[t.byLength[a]].Path) > len(t.entries[t.byLength[b]].Path)
	})
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// match returns the entry claiming path, or -1.
func (t *Table) match(path string) int {
	for _, i := range t.byLength {
		key := t.entries[i].Path
		if path == key {
			return i
		}
		if strings.HasPrefix(path, key) {
			switch path[len(key)] {
			case '.', '[':
				return i
			}
		}
	}
	return -1
}

// Plan returns the commands for m without issuing them. Entries are
// consulted in declaration order, the fallback last. An empty diff plans
// nothing.
func (t *Table) Plan(m entity.Mutation) ([]Command, error) {
	if m.Op.Diff.IsEmpty() {
		return nil, nil
	}

	grouped := make([]diff.Diff, len(t.entries))
	var rest diff.Diff
	for _, c := range m.Op.Diff {
		if i := t.match(c.Path.Normalize()); i >= 0 {
			grouped[i] = append(grouped[i], c)
		} else {
			rest = append(rest, c)
		}
	}

	var cmds []Command
	for i, changes := range grouped {
		if len(changes) == 0 {
			continue
		}
		planned, err := t.entries[i].Route(m, changes)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", t.entries[i].Path, err)
		}
		cmds = append(cmds, planned...)
	}
	if len(rest) > 0 {
		planned, err := t.fallback(m, rest)
		if err != nil {
			return nil, fmt.Errorf("fallback route: %w", err)
		}
		cmds = append(cmds, planned...)
	}
	return cmds, nil
}

// Mutate implements entity.Mutator. Commands run in plan order; the first
// failure stops the rest.
func (t *Table) Mutate(ctx context.Context, m entity.Mutation) (entity.Effect, error) {
	cmds, err := t.Plan(m)
	if err != nil {
		return entity.EffectNone, err
	}
	return run(ctx, t.client, t.logger, t.metrics, m, cmds)
}

func run(ctx context.Context, c remote.Client, logger *slog.Logger, met *metrics.Metrics, m entity.Mutation, cmds []Command) (entity.Effect, error) {
	effect := entity.EffectNone
	for _, cmd := range cmds {
		if _, err := c.Request(ctx, cmd.Document, cmd.Vars); err != nil {
			met.Command(string(cmd.Document), metrics.ResultError)
			return effect, fmt.Errorf("%s %s: %w", cmd.Document, m.EntityID, err)
		}
		met.Command(string(cmd.Document), metrics.ResultOK)
		logger.Debug("command issued", "document", cmd.Document, "kind", m.Kind, "entity", m.EntityID)
		if cmd.Invalidate {
			effect = entity.EffectInvalidate
		}
	}
	return effect, nil
}
