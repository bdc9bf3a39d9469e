package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/roach88/entsync/internal/diff"
	"github.com/roach88/entsync/internal/record"
)

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <from.json> <to.json>",
		Short: "Compute the diff between two records",
		Long: `Compute the diff that turns one JSON record into another.

Text output lists one change per line: "+" adds, "-" removes, "~" replaces.
String replacements are shown inline, [-removed-]{+inserted+}.
JSON output is the wire form of the diff, ready for "entsync apply".

Examples:
  entsync diff before.json after.json
  entsync diff before.json after.json --format json > change.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <record.json> <diff.json>",
		Short: "Apply a diff to a record",
		Long: `Apply a wire-format diff to a JSON record and print the result as
canonical JSON.

Exit codes:
  0 - Diff applied
  1 - Diff does not fit the record
  2 - Command error (unreadable or malformed input)

Example:
  entsync apply before.json change.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runDiff(opts *RootOptions, fromPath, toPath string, cmd *cobra.Command) error {
	from, err := readValue(fromPath)
	if err != nil {
		return err
	}
	to, err := readValue(toPath)
	if err != nil {
		return err
	}

	d := diff.Compute(from, to)
	out := newFormatter(opts, cmd)
	if out.JSON() {
		if d == nil {
			d = diff.Diff{}
		}
		return out.Success(d)
	}
	if d.IsEmpty() {
		fmt.Fprintln(out.Writer, "no changes")
		return nil
	}
	return renderChanges(out.Writer, from, d)
}

func runApply(opts *RootOptions, docPath, diffPath string, cmd *cobra.Command) error {
	doc, err := readValue(docPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(diffPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read diff", err)
	}
	d, err := diff.Decode(data)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid diff %s", diffPath), err)
	}

	out := newFormatter(opts, cmd)
	result, err := diff.Apply(doc, d)
	if err != nil {
		var aerr *diff.ApplyError
		if out.JSON() && errors.As(err, &aerr) {
			_ = out.Error("E_APPLY", "diff does not apply", map[string]any{
				"index":  aerr.Index,
				"path":   aerr.Path.String(),
				"reason": aerr.Reason,
			})
		}
		return WrapExitError(ExitFailure, "diff does not apply", err)
	}

	canonical, err := record.MarshalCanonical(result)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode result", err)
	}
	if out.JSON() {
		return out.Success(result)
	}
	fmt.Fprintln(out.Writer, string(canonical))
	return nil
}

// readValue reads and normalizes one JSON document.
func readValue(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read record", err)
	}
	v, err := record.Decode(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid JSON in %s", path), err)
	}
	return v, nil
}

var (
	added    = color.New(color.FgGreen).SprintFunc()
	removed  = color.New(color.FgRed).SprintFunc()
	replaced = color.New(color.FgYellow).SprintFunc()
)

// renderChanges writes one line per change. from, when non-nil, is the
// value the diff applies to; it lets replacements show the old value.
func renderChanges(w io.Writer, from any, d diff.Diff) error {
	for _, c := range d {
		path := c.Path.String()
		switch c.Op {
		case diff.OpAdd:
			val, err := record.MarshalCanonical(c.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %s: %s\n", added("+"), path, val)
		case diff.OpRemove:
			fmt.Fprintf(w, "%s %s\n", removed("-"), path)
		default:
			old, ok := valueAt(from, c.Path)
			line, err := describeReplace(old, ok, c.Value)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %s: %s\n", replaced("~"), path, line)
		}
	}
	return nil
}

func describeReplace(old any, known bool, val any) (string, error) {
	next, err := record.MarshalCanonical(val)
	if err != nil {
		return "", err
	}
	if !known {
		return string(next), nil
	}
	if a, ok := old.(string); ok {
		if b, ok := val.(string); ok {
			return inlineStringDiff(a, b), nil
		}
	}
	prev, err := record.MarshalCanonical(old)
	if err != nil {
		return "", err
	}
	return string(prev) + " -> " + string(next), nil
}

// inlineStringDiff renders a character diff of two strings in word-diff
// style.
func inlineStringDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString(removed("[-" + d.Text + "-]"))
		case diffmatchpatch.DiffInsert:
			sb.WriteString(added("{+" + d.Text + "+}"))
		}
	}
	return sb.String()
}

// valueAt returns the value at p inside doc.
func valueAt(doc any, p diff.Path) (any, bool) {
	if doc == nil {
		return nil, false
	}
	cur := doc
	for _, elem := range p {
		switch node := cur.(type) {
		case map[string]any:
			k, ok := elem.(string)
			if !ok {
				return nil, false
			}
			if cur, ok = node[k]; !ok {
				return nil, false
			}
		case []any:
			i, ok := elem.(int)
			if !ok || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
