package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/entsync/internal/authority"
	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/group"
	"github.com/roach88/entsync/internal/mutator"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
)

// DefaultSettleTimeout bounds the wait after each step.
const DefaultSettleTimeout = 2 * time.Second

// Harness is the scenario execution engine. It owns one authority over a
// fresh in-memory database and one group store per client.
type Harness struct {
	kind      string
	store     *store.Store
	authority *authority.Authority
	clients   map[string]*client
	order     []string
	lastSeq   int64
	timeout   time.Duration
	logger    *slog.Logger
}

type client struct {
	name   string
	online bool
	group  *group.Group
	remote *recorder
}

// Option configures a run.
type Option func(*Harness)

// WithSettleTimeout bounds how long a step may take to settle.
func WithSettleTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// WithLogger routes authority and client logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database. Subscriber ids
// come from a fixed generator, so traces are reproducible.
//
// Execution flow:
//  1. Seed the authority
//  2. Bootstrap and subscribe every client
//  3. Run each step and wait for the clients to settle
//  4. Evaluate assertions
//
// An error is returned when the scenario cannot be executed at all
// (a step fails unexpectedly or never settles). Assertion failures are
// reported on the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		kind:    scenario.Kind,
		clients: make(map[string]*client),
		timeout: DefaultSettleTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	h.store = st

	h.authority = authority.New(st,
		authority.WithIDGenerator(channel.NewFixedGenerator("sub")),
		authority.WithLogger(h.logger),
	)
	defer h.authority.Close()

	ctx := context.Background()
	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	recs, err := st.ListRecords(ctx, h.kind)
	if err != nil {
		return nil, fmt.Errorf("read final state: %w", err)
	}
	result.Records = make(map[string]any, len(recs))
	for _, r := range recs {
		result.Records[r.ID] = map[string]any(r.Value)
	}

	actx := &AssertionContext{Ctx: ctx, harness: h, records: recs}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	seed := make([]record.Object, len(scenario.Seed))
	for i, rec := range scenario.Seed {
		seed[i] = record.Object(rec)
	}
	if err := h.authority.Seed(ctx, h.kind, seed); err != nil {
		return err
	}

	offline := make(map[string]bool, len(scenario.Offline))
	for _, name := range scenario.Offline {
		offline[name] = true
	}

	for _, name := range scenario.Clients {
		rec := &recorder{next: h.authority.Client()}
		var tr channel.Transport
		if !offline[name] {
			tr = h.authority.Transport()
		}
		g := group.New(h.kind, tr,
			group.WithRemote(rec),
			group.WithMutator(mutator.ForKind(h.kind, rec, nil)),
			group.WithLogger(h.logger.With("client", name)),
		)
		c := &client{name: name, online: !offline[name], group: g, remote: rec}
		h.clients[name] = c
		h.order = append(h.order, name)

		if err := g.Bootstrap(ctx); err != nil {
			return fmt.Errorf("client %s: %w", name, err)
		}
		if err := g.Subscribe(ctx); err != nil {
			return fmt.Errorf("client %s: %w", name, err)
		}
	}
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		if err := h.clients[name].group.Close(); err != nil {
			h.logger.Debug("close client", "client", name, "error", err)
		}
	}
}

// runStep executes one step, waits for the clients to settle and appends
// the step's commands and packets to the trace.
func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) error {
	c := h.clients[step.Client]

	var err error
	switch {
	case step.Update != nil:
		err = h.update(c, step.Update)
	case step.Command != nil:
		err = h.command(ctx, c, step.Command)
	default:
		err = h.invalidate(ctx, c, step.Invalidate)
	}

	switch {
	case err != nil && !step.ExpectError:
		return err
	case err == nil && step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d]: expected %s's step to fail", i, c.name))
	}

	if err := h.settle(ctx); err != nil {
		return err
	}

	for _, name := range h.order {
		for _, call := range h.clients[name].remote.take() {
			result.Trace = append(result.Trace, TraceEvent{
				Type:     EventCommand,
				Step:     i,
				Client:   name,
				Document: string(call.document),
				Vars:     call.vars,
			})
		}
	}
	if err != nil {
		result.Trace = append(result.Trace, TraceEvent{
			Type:   EventError,
			Step:   i,
			Client: c.name,
			Error:  err.Error(),
		})
	}

	packets, err := h.store.PacketsSince(ctx, h.kind, "", h.lastSeq)
	if err != nil {
		return fmt.Errorf("read packets: %w", err)
	}
	for _, p := range packets {
		result.Trace = append(result.Trace, TraceEvent{
			Type:    EventPacket,
			Step:    i,
			Seq:     p.Seq,
			ID:      p.EntityID,
			Version: p.Version,
			Origin:  p.Origin,
			Diff:    changesOf(p),
		})
		h.lastSeq = p.Seq
	}
	return nil
}

func (h *Harness) update(c *client, u *UpdateStep) error {
	s, ok := c.group.GetByID(u.ID)
	if !ok {
		return fmt.Errorf("%s has no %s %q", c.name, h.kind, u.ID)
	}
	set, err := record.NormalizeObject(u.Set)
	if err != nil {
		return fmt.Errorf("update %s: %w", u.ID, err)
	}
	_, err = s.Update(func(v record.Object) record.Object {
		for k, val := range set {
			v[k] = val
		}
		for _, k := range u.Unset {
			delete(v, k)
		}
		return v
	})
	return err
}

func (h *Harness) command(ctx context.Context, c *client, cmd *CommandStep) error {
	vars, err := record.NormalizeObject(cmd.Vars)
	if err != nil {
		return fmt.Errorf("command %s: %w", cmd.Document, err)
	}
	if vars == nil {
		vars = record.Object{}
	}
	if _, ok := vars["kind"]; !ok {
		vars["kind"] = h.kind
	}
	_, err = c.remote.Request(ctx, remote.Document(cmd.Document), remote.Vars(vars))
	return err
}

func (h *Harness) invalidate(ctx context.Context, c *client, id string) error {
	s, ok := c.group.GetByID(id)
	if !ok {
		return fmt.Errorf("%s has no %s %q", c.name, h.kind, id)
	}
	return s.Invalidate(ctx)
}

// settle waits until every online client is idle and holds at least the
// authority's version of every record.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(h.timeout)
	for {
		quiet, err := h.quiet(ctx)
		if err != nil {
			return err
		}
		if quiet {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("clients did not settle within %s", h.timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *Harness) quiet(ctx context.Context) (bool, error) {
	// Idle first: a mutator that finishes after the records are read
	// could otherwise commit a version nobody has been compared against.
	for _, name := range h.order {
		for _, s := range h.clients[name].group.ToArray() {
			sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			err := s.Settled(sctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
		}
	}

	recs, err := h.store.ListRecords(ctx, h.kind)
	if err != nil {
		return false, fmt.Errorf("read records: %w", err)
	}
	for _, name := range h.order {
		c := h.clients[name]
		if !c.online {
			continue
		}
		for _, r := range recs {
			s, ok := c.group.GetByID(r.ID)
			if !ok || s.Version() < r.Version || s.State() != entity.StateReady {
				return false, nil
			}
		}
	}
	return true, nil
}

// changesOf renders a packet's diff for the trace.
func changesOf(p store.Packet) []any {
	out := make([]any, len(p.Diff))
	for i, c := range p.Diff {
		m := map[string]any{"op": string(c.Op), "path": c.Path.String()}
		if c.Op != diff.OpRemove {
			m["val"] = c.Value
		}
		out[i] = m
	}
	return out
}

// recorder forwards requests to the authority and records every command.
// Queries are not recorded: they do not change state and their timing
// depends on refetch scheduling.
type recorder struct {
	next remote.Client

	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	document remote.Document
	vars     map[string]any
}

func (r *recorder) Request(ctx context.Context, doc remote.Document, vars remote.Vars) (json.RawMessage, error) {
	if doc != remote.DocFetchOne && doc != remote.DocFetchAll {
		norm, err := record.Normalize(map[string]any(vars))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", doc, err)
		}
		r.mu.Lock()
		r.calls = append(r.calls, recordedCall{document: doc, vars: norm.(map[string]any)})
		r.mu.Unlock()
	}
	return r.next.Request(ctx, doc, vars)
}

func (r *recorder) take() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}
