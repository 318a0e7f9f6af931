// Package recovery keeps the last-known-good artifact of every unit and
// restores it through the capability port when a live update fails.
package recovery

import (
	"sync"

	"github.com/roach88/hotswap/internal/artifact"
)

// Keeper holds the last-known-good artifact per unit. The hash of that
// artifact is also the unit's confirmed live hash, which is what duplicate
// change notifications are compared against.
//
// Safe for concurrent use.
type Keeper struct {
	mu   sync.RWMutex
	good map[string]artifact.Artifact
}

func NewKeeper() *Keeper {
	return &Keeper{good: make(map[string]artifact.Artifact)}
}

// Register seeds the baseline for a unit that is already running a.
func (k *Keeper) Register(a artifact.Artifact) {
	k.Confirm(a)
}

// Confirm records a as the unit's last-known-good artifact.
func (k *Keeper) Confirm(a artifact.Artifact) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.good[a.Unit] = a
}

// Baseline returns the last-known-good artifact for unit.
func (k *Keeper) Baseline(unit string) (artifact.Artifact, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	a, ok := k.good[unit]
	return a, ok
}

// LiveHash returns the content hash of the unit's confirmed artifact, or "".
func (k *Keeper) LiveHash(unit string) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.good[unit].Hash
}

// Units returns the number of units with a baseline.
func (k *Keeper) Units() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.good)
}
