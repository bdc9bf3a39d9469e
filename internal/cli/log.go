package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	Kind     string
	ID       string // optional - one entity only
	Since    int64
}

// LogResult is the JSON payload of the log command.
type LogResult struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id,omitempty"`
	Head    int64          `json:"head,omitempty"`
	Packets []store.Packet `json:"packets"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show committed sync packets",
		Long: `Show the packets the authority committed for an entity kind.

Without --id, packets of every entity are listed in commit order and --since
is a sequence number. With --id, packets of that entity are listed in
version order and --since is a version.

Examples:
  entsync log --db ./entsync.db --kind opportunity
  entsync log --db ./entsync.db --kind opportunity --id 42 --since 3
  entsync log --db ./entsync.db --kind deal --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "entity kind (required)")
	_ = cmd.MarkFlagRequired("kind")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only packets after this sequence (or version with --id)")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	packets, err := st.PacketsSince(ctx, opts.Kind, opts.ID, opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read packets", err)
	}

	result := LogResult{Kind: opts.Kind, ID: opts.ID, Packets: packets}
	if opts.ID != "" {
		if result.Head, err = st.Head(ctx, opts.Kind, opts.ID); err != nil {
			return WrapExitError(ExitFailure, "failed to read head", err)
		}
	}

	out := newFormatter(opts.RootOptions, cmd)
	if out.JSON() {
		return out.Success(result)
	}

	w := out.Writer
	if len(packets) == 0 {
		fmt.Fprintln(w, "No packets.")
		return nil
	}
	for _, p := range packets {
		fmt.Fprintf(w, "#%d %s/%s v%d %s\n", p.Seq, p.Kind, p.EntityID, p.Version, p.Origin)
		if err := renderChanges(indent{w}, nil, p.Diff); err != nil {
			return WrapExitError(ExitFailure, "failed to render packet", err)
		}
	}
	if opts.ID != "" {
		fmt.Fprintf(w, "head: v%d\n", result.Head)
	}
	return nil
}

// indent prefixes every write with two spaces. renderChanges writes whole
// lines, one per call.
type indent struct {
	w io.Writer
}

func (i indent) Write(p []byte) (int, error) {
	if _, err := i.w.Write([]byte("  ")); err != nil {
		return 0, err
	}
	return i.w.Write(p)
}
