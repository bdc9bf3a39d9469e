package diff

import (
	"fmt"

	"github.com/roach88/entsync/internal/record"
)

// ApplyError reports a change that does not fit the record it is applied
// to: a missing intermediate, an index out of range, a key on an array.
type ApplyError struct {
	Index  int
	Path   Path
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply change %d at %s: %s", e.Index, e.Path, e.Reason)
}

// Apply returns a copy of doc with every change applied in order. doc is
// never modified. Apply(a, Compute(a, b)) equals b.
func Apply(doc any, d Diff) (any, error) {
	cur := record.Clone(doc)
	for i, c := range d {
		next, err := applyChange(cur, c)
		if err != nil {
			if ae, ok := err.(*ApplyError); ok {
				ae.Index = i
				ae.Path = c.Path
			}
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// ApplyObject is Apply for a record root. A diff that turns the root into
// anything other than an object is an error.
func ApplyObject(doc record.Object, d Diff) (record.Object, error) {
	out, err := Apply(doc, d)
	if err != nil {
		return nil, err
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, &ApplyError{Path: Path{}, Reason: "result is " + record.TypeName(out) + ", not object"}
	}
	return obj, nil
}

func applyChange(root any, c Change) (any, error) {
	switch c.Op {
	case OpAdd, OpReplace, OpRemove:
	default:
		return nil, fmt.Errorf("%w: unknown op %q at %s", ErrMalformed, c.Op, c.Path)
	}
	if len(c.Path) == 0 {
		if c.Op == OpRemove {
			return nil, nil
		}
		return record.Clone(c.Value), nil
	}
	return setAt(root, c.Path, c)
}

// setAt walks path inside node, applies c at the last element and returns
// the (possibly reallocated) node so slices can grow or shrink in place of
// their parent's reference.
func setAt(node any, path Path, c Change) (any, error) {
	elem := path[0]
	last := len(path) == 1

	switch container := node.(type) {
	case map[string]any:
		key, ok := elem.(string)
		if !ok {
			return nil, &ApplyError{Reason: fmt.Sprintf("index %v used on object", elem)}
		}
		if last {
			return applyToObject(container, key, c)
		}
		child, ok := container[key]
		if !ok {
			return nil, &ApplyError{Reason: fmt.Sprintf("missing key %q", key)}
		}
		updated, err := setAt(child, path[1:], c)
		if err != nil {
			return nil, err
		}
		container[key] = updated
		return container, nil

	case []any:
		i, ok := index(elem)
		if !ok {
			return nil, &ApplyError{Reason: fmt.Sprintf("key %v used on array", elem)}
		}
		if last {
			return applyToArray(container, i, c)
		}
		if i < 0 || i >= len(container) {
			return nil, &ApplyError{Reason: fmt.Sprintf("index %d out of range (len %d)", i, len(container))}
		}
		updated, err := setAt(container[i], path[1:], c)
		if err != nil {
			return nil, err
		}
		container[i] = updated
		return container, nil

	default:
		return nil, &ApplyError{Reason: "cannot descend into " + record.TypeName(node)}
	}
}

func applyToObject(obj map[string]any, key string, c Change) (any, error) {
	switch c.Op {
	case OpRemove:
		if _, ok := obj[key]; !ok {
			return nil, &ApplyError{Reason: fmt.Sprintf("remove missing key %q", key)}
		}
		delete(obj, key)
	default:
		obj[key] = record.Clone(c.Value)
	}
	return obj, nil
}

func applyToArray(arr []any, i int, c Change) (any, error) {
	switch c.Op {
	case OpAdd:
		if i < 0 || i > len(arr) {
			return nil, &ApplyError{Reason: fmt.Sprintf("add index %d out of range (len %d)", i, len(arr))}
		}
		arr = append(arr, nil)
		copy(arr[i+1:], arr[i:])
		arr[i] = record.Clone(c.Value)
		return arr, nil
	case OpReplace:
		if i < 0 || i >= len(arr) {
			return nil, &ApplyError{Reason: fmt.Sprintf("replace index %d out of range (len %d)", i, len(arr))}
		}
		arr[i] = record.Clone(c.Value)
		return arr, nil
	default:
		if i < 0 || i >= len(arr) {
			return nil, &ApplyError{Reason: fmt.Sprintf("remove index %d out of range (len %d)", i, len(arr))}
		}
		return append(arr[:i], arr[i+1:]...), nil
	}
}
