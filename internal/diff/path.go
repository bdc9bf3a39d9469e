package diff

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a location inside a record. Elements are string object
// keys or int array indices.
type Path []any

// Key returns the object key at position i, if that element is a key.
func (p Path) Key(i int) (string, bool) {
	if i < 0 || i >= len(p) {
		return "", false
	}
	k, ok := p[i].(string)
	return k, ok
}

// index converts a path element to an array index.
func index(elem any) (int, bool) {
	switch v := elem.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// child returns a copy of p extended with elem. The full slice expression
// forces a fresh backing array so siblings never share storage.
func (p Path) child(elem any) Path {
	return append(p[:len(p):len(p)], elem)
}

// Normalize renders the path for dispatch: keys joined by ".", indices
// shown as "[]". ["lineItems", 2, "price"] becomes "lineItems[].price".
func (p Path) Normalize() string {
	var b strings.Builder
	for i, elem := range p {
		if _, ok := index(elem); ok {
			b.WriteString("[]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprint(&b, elem)
	}
	return b.String()
}

// String renders the path with concrete indices, e.g. "lineItems[2].price".
func (p Path) String() string {
	var b strings.Builder
	for i, elem := range p {
		if n, ok := index(elem); ok {
			b.WriteString("[" + strconv.Itoa(n) + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprint(&b, elem)
	}
	if b.Len() == 0 {
		return "<root>"
	}
	return b.String()
}

// Pointer renders the path as an RFC 6901 JSON pointer.
func (p Path) Pointer() string {
	var b strings.Builder
	for _, elem := range p {
		b.WriteByte('/')
		if n, ok := index(elem); ok {
			b.WriteString(strconv.Itoa(n))
			continue
		}
		s := fmt.Sprint(elem)
		s = strings.ReplaceAll(s, "~", "~0")
		s = strings.ReplaceAll(s, "/", "~1")
		b.WriteString(s)
	}
	return b.String()
}

// HasPrefix reports whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if !elemEqual(p[i], prefix[i]) {
			return false
		}
	}
	return true
}

func elemEqual(a, b any) bool {
	ai, aok := index(a)
	bi, bok := index(b)
	if aok || bok {
		return aok && bok && ai == bi
	}
	return a == b
}

// UnmarshalJSON decodes path elements, turning JSON numbers into ints.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: path must be an array: %v", ErrMalformed, err)
	}
	out := make(Path, len(raw))
	for i, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out[i] = s
			continue
		}
		var n int
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("%w: path[%d] must be a string or integer", ErrMalformed, i)
		}
		out[i] = n
	}
	*p = out
	return nil
}
