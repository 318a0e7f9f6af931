package event

import (
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for events and runs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
//
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids in order.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate panics once the ids are exhausted so a misconfigured test fails
// loudly.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
