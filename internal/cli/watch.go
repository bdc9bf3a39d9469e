package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/channel"
	"github.com/roach88/entsync/internal/config"
	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/group"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/wire"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	URL     string
	Request string // empty: derived from URL
	Kind    string
	ID      string
	Token   string
	History int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a collection's broadcasts live",
		Long: `Bootstrap a collection from a running authority, subscribe to its sync
channels and print every broadcast as it is applied.

The request endpoint defaults to the socket URL with ws replaced by http and
/socket by /request. With --format json each packet is one JSON line.

Examples:
  entsync watch --kind opportunity
  entsync watch --url ws://crm.internal:4000/socket --kind deal --id d9
  entsync watch --kind workflow --token "$(entsync token --config entsync.yaml --subject ops)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:4000/socket", "authority socket URL")
	cmd.Flags().StringVar(&opts.Request, "request", "", "authority request URL")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "entity kind (required)")
	_ = cmd.MarkFlagRequired("kind")
	cmd.Flags().StringVar(&opts.ID, "id", "", "only print packets for this entity")
	cmd.Flags().StringVar(&opts.Token, "token", "", "join token")
	cmd.Flags().IntVar(&opts.History, "history", config.Default().HistoryLimit, "operations kept per entity")

	return cmd
}

// WatchEvent is one line of JSON watch output.
type WatchEvent struct {
	Event   string `json:"event"`
	Kind    string `json:"kind"`
	ID      string `json:"id,omitempty"`
	Version int64  `json:"version,omitempty"`
	Diff    any    `json:"diff,omitempty"`
	Records int    `json:"records,omitempty"`
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), slog.LevelWarn, opts.Verbose)

	requestURL := opts.Request
	if requestURL == "" {
		var err error
		if requestURL, err = requestURLFor(opts.URL); err != nil {
			return WrapExitError(ExitCommandError, "cannot derive request URL (use --request)", err)
		}
	}

	var copts []wire.ClientOption
	var ropts []remote.HTTPOption
	copts = append(copts, wire.WithClientLogger(logger))
	if opts.Token != "" {
		copts = append(copts, wire.WithToken(opts.Token))
		ropts = append(ropts, remote.WithBearerToken(opts.Token))
	}

	conn, err := wire.Dial(ctx, opts.URL, copts...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to connect", err)
	}
	defer conn.Close()

	out := newFormatter(opts.RootOptions, cmd)
	p := &packetPrinter{w: out.Writer, json: out.JSON(), kind: opts.Kind, only: opts.ID}

	g := group.New(opts.Kind, conn,
		group.WithRemote(remote.NewHTTPClient(requestURL, ropts...)),
		group.WithPacketID(func(pkt channel.Packet) (string, bool) {
			p.packet(pkt)
			return pkt.ID, pkt.ID != ""
		}),
		group.WithStoreOptions(entity.WithRetention(entity.Retention{Limit: opts.History})),
		group.WithLogger(logger),
	)
	defer g.Close()

	if err := g.Bootstrap(ctx); err != nil {
		return WrapExitError(ExitFailure, "bootstrap failed", err)
	}
	if err := g.Subscribe(ctx); err != nil {
		return WrapExitError(ExitFailure, "subscribe failed", err)
	}
	p.bootstrapped(g.ToArray())

	select {
	case <-ctx.Done():
	case <-conn.Done():
		return WrapExitError(ExitFailure, "connection lost", conn.Err())
	}
	return nil
}

// requestURLFor maps ws://host/socket to http://host/request.
func requestURLFor(socket string) (string, error) {
	u, err := url.Parse(socket)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/socket") + "/request"
	return u.String(), nil
}

// packetPrinter writes broadcasts as the group routes them. Delivery
// goroutines call it concurrently.
type packetPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	kind string
	only string
}

func (p *packetPrinter) bootstrapped(children []*entity.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(WatchEvent{Kind: p.kind, Event: "bootstrap", Records: len(children)})
		return
	}
	fmt.Fprintf(p.w, "bootstrapped %d %s records\n", len(children), p.kind)
	for _, s := range children {
		if p.only != "" && s.ID() != p.only {
			continue
		}
		fmt.Fprintf(p.w, "  %s v%d\n", s.ID(), s.Version())
	}
}

func (p *packetPrinter) packet(pkt channel.Packet) {
	if p.only != "" && pkt.ID != p.only {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.w).Encode(WatchEvent{
			Kind: p.kind, ID: pkt.ID, Version: pkt.Version, Diff: pkt.Diff, Event: "packet",
		})
		return
	}
	fmt.Fprintf(p.w, "%s/%s v%d\n", p.kind, pkt.ID, pkt.Version)
	_ = renderChanges(indent{p.w}, nil, pkt.Diff)
}
