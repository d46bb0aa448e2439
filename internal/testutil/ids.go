package testutil

import (
	"fmt"
	"sync"
)

// FixedGenerator returns predetermined ids in order, then falls back to
// "<prefix>-<n>" once the list is exhausted.
//
// This keeps simulated tokens and order ids stable across runs so traces
// can be compared against golden files.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	prefix string
	n      int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("tok", "tok-a")
//	gen.Generate() // "tok-a"
//	gen.Generate() // "tok-2"
func NewFixedGenerator(prefix string, ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids, prefix: prefix}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.n <= len(g.ids) {
		return g.ids[g.n-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
