package diff

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/entsync/internal/record"
)

// ErrMalformed marks a diff that cannot be interpreted at all (unknown op,
// bad path element). Apply failures against a record of the wrong shape are
// reported as *ApplyError instead.
var ErrMalformed = errors.New("malformed diff")

// Op is the kind of a single change.
type Op string

const (
	// OpAdd inserts an array element or sets a new object key.
	OpAdd Op = "add"
	// OpReplace overwrites an existing value. On an object a missing key is
	// set, so a diff can converge onto a sparse record.
	OpReplace Op = "replace"
	// OpRemove deletes an object key or array element.
	OpRemove Op = "remove"
)

// Change is one (path, op, value) triple.
type Change struct {
	Path  Path
	Op    Op
	Value any
}

// Diff is an ordered list of changes. Order matters: array removals are
// emitted from the highest index down so each index is valid when applied.
type Diff []Change

// IsEmpty reports whether the diff carries no changes.
func (d Diff) IsEmpty() bool {
	return len(d) == 0
}

// Paths returns the normalized path of every change, in order.
func (d Diff) Paths() []string {
	out := make([]string, len(d))
	for i, c := range d {
		out[i] = c.Path.Normalize()
	}
	return out
}

// Touches reports whether any change is at or below prefix.
func (d Diff) Touches(prefix Path) bool {
	for _, c := range d {
		if c.Path.HasPrefix(prefix) || prefix.HasPrefix(c.Path) {
			return true
		}
	}
	return false
}

// Compute returns the changes that turn from into to. Both values must be
// normalized (see record.Normalize). Compute(a, a) is empty.
func Compute(from, to any) Diff {
	var d Diff
	walk(nil, from, to, &d)
	return d
}

func walk(path Path, from, to any, out *Diff) {
	switch f := from.(type) {
	case map[string]any:
		t, ok := to.(map[string]any)
		if !ok {
			*out = append(*out, Change{Path: path, Op: OpReplace, Value: record.Clone(to)})
			return
		}
		union := make(map[string]any, len(f)+len(t))
		for k := range f {
			union[k] = nil
		}
		for k := range t {
			union[k] = nil
		}
		for _, k := range record.SortedKeys(union) {
			fv, inFrom := f[k]
			tv, inTo := t[k]
			switch {
			case inFrom && inTo:
				walk(path.child(k), fv, tv, out)
			case inFrom:
				*out = append(*out, Change{Path: path.child(k), Op: OpRemove})
			default:
				*out = append(*out, Change{Path: path.child(k), Op: OpAdd, Value: record.Clone(tv)})
			}
		}
	case []any:
		t, ok := to.([]any)
		if !ok {
			*out = append(*out, Change{Path: path, Op: OpReplace, Value: record.Clone(to)})
			return
		}
		n := min(len(f), len(t))
		for i := 0; i < n; i++ {
			walk(path.child(i), f[i], t[i], out)
		}
		for i := len(f); i < len(t); i++ {
			*out = append(*out, Change{Path: path.child(i), Op: OpAdd, Value: record.Clone(t[i])})
		}
		for i := len(f) - 1; i >= len(t); i-- {
			*out = append(*out, Change{Path: path.child(i), Op: OpRemove})
		}
	default:
		if !record.Equal(from, to) {
			*out = append(*out, Change{Path: path, Op: OpReplace, Value: record.Clone(to)})
		}
	}
}

// Fold composes diffs onto base and returns the single diff from base to
// the result, together with the result itself.
func Fold(base any, diffs ...Diff) (Diff, any, error) {
	cur := base
	for i, d := range diffs {
		next, err := Apply(cur, d)
		if err != nil {
			return nil, nil, fmt.Errorf("fold diff %d: %w", i, err)
		}
		cur = next
	}
	return Compute(base, cur), cur, nil
}

type changeJSON struct {
	Path  Path            `json:"path"`
	Op    Op              `json:"op,omitempty"`
	Value json.RawMessage `json:"val,omitempty"`
}

// MarshalJSON encodes the change as {"path", "op", "val"}. Remove changes
// carry no value.
func (c Change) MarshalJSON() ([]byte, error) {
	path := c.Path
	if path == nil {
		path = Path{}
	}
	out := changeJSON{Path: path, Op: c.Op}
	if c.Op != OpRemove {
		v, err := record.MarshalCanonical(c.Value)
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", c.Path, err)
		}
		out.Value = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a change. A missing op means replace.
func (c *Change) UnmarshalJSON(data []byte) error {
	var in changeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Op == "" {
		in.Op = OpReplace
	}
	switch in.Op {
	case OpAdd, OpReplace, OpRemove:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrMalformed, in.Op)
	}
	var val any
	if len(in.Value) > 0 {
		v, err := record.Decode(in.Value)
		if err != nil {
			return fmt.Errorf("%w: value at %s: %v", ErrMalformed, in.Path, err)
		}
		val = v
	}
	*c = Change{Path: in.Path, Op: in.Op, Value: val}
	return nil
}

// Decode parses a JSON encoded diff.
func Decode(data []byte) (Diff, error) {
	var d Diff
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ToJSONPatch exports the diff as an RFC 6902 JSON Patch document.
func ToJSONPatch(d Diff) ([]byte, error) {
	ops := make([]patchOp, len(d))
	for i, c := range d {
		ops[i] = patchOp{Op: string(c.Op), Path: c.Path.Pointer()}
		if c.Op == OpRemove {
			continue
		}
		v, err := record.MarshalCanonical(c.Value)
		if err != nil {
			return nil, fmt.Errorf("json patch %s: %w", c.Path, err)
		}
		ops[i].Value = v
	}
	return json.Marshal(ops)
}
