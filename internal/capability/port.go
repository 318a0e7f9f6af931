// Package capability defines the narrow port through which the orchestrator
// reaches the host runtime's live redefinition facility, plus an in-memory
// Host that simulates one.
package capability

import (
	"context"
	"errors"
)

// ErrUnitNotLoaded is returned by ports for units the runtime has not loaded.
var ErrUnitNotLoaded = errors.New("unit not loaded")

// Port is the runtime redefinition contract. Implementations may block and
// are not required to be reentrant for a single unit; the orchestrator
// serialises calls per unit.
type Port interface {
	// RedefinitionSupported reports whether the runtime can redefine units
	// live.
	RedefinitionSupported() bool

	// ApplyRedefinition replaces the implementation of unit with candidate.
	ApplyRedefinition(ctx context.Context, unit string, candidate []byte) error

	// LoadedUnits enumerates the units currently loaded.
	LoadedUnits(ctx context.Context) ([]string, error)

	// InstanceFootprint estimates the bytes held by live instances of unit.
	InstanceFootprint(ctx context.Context, unit string) (int64, error)
}

// ArtifactReader is optionally implemented by ports that can return the
// artifact a unit is currently running. The orchestrator uses it to seed a
// rollback baseline for units it has not seen before.
type ArtifactReader interface {
	CurrentArtifact(ctx context.Context, unit string) ([]byte, error)
}
