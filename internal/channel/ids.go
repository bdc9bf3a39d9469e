package channel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces the identifiers a transport needs: subscriber ids on
// the authority, message refs on the wire. Implemented by UUIDv7Generator
// (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, then a numbered fallback once
// they run out, so golden traces stay stable.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	ids    []string
	idx    int
}

// NewFixedGenerator creates a generator that returns ids in order, then
// "prefix-N".
//
// Example:
//
//	gen := NewFixedGenerator("sub", "alice")
//	gen.Generate() // "alice"
//	gen.Generate() // "sub-2"
func NewFixedGenerator(prefix string, ids ...string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix, ids: ids}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}
