package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/compiler"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/store"
	"github.com/roach88/hotswap/internal/swap"
	"github.com/roach88/hotswap/internal/testutil"
)

// seedDatabase writes a database holding two Counter runs: run-0001 is
// confirmed, run-0002 is rejected for adding a field.
func seedDatabase(t *testing.T) string {
	t.Helper()
	dbPath, outcomes := writeRuns(t, true, "counter-v2.unit", "counter-v3.unit")
	require.Equal(t, swap.Confirmed, outcomes[0].State)
	require.Equal(t, swap.Rejected, outcomes[1].State)
	return dbPath
}

// writeRuns processes one notification per path against a fresh database
// and returns the database path with the outcomes. counter-v2.unit changes
// the body; counter-v3.unit also adds a field.
func writeRuns(t *testing.T, supported bool, paths ...string) (string, []swap.Outcome) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "hotswap.db")

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	events := db.Events()

	baseline := testutil.UnitArtifact("Counter", "return count + 1")
	host := capability.NewHost()
	host.SetSupported(supported)
	host.Load("Counter", baseline, 1)

	source := artifact.NewMemorySource()
	source.Put("counter-v2.unit", testutil.UnitArtifact("Counter", "return count + 2"))
	source.Put("counter-v3.unit", testutil.UnitArtifactWithField("Counter", "total", "return count + 3"))

	orch := swap.New(events, host, source,
		swap.WithEventIDs(testutil.NewSequentialIDs("ev")),
		swap.WithRunIDs(testutil.NewSequentialIDs("run")),
		swap.WithClock(testutil.NewManualClock(time.Second)),
		swap.WithAlerter(swap.AlertFunc(func(context.Context, swap.Alert) {})),
	)
	orch.Register("Counter", "counter.unit", baseline)
	require.NoError(t, orch.Start(ctx))

	outcomes := make([]swap.Outcome, 0, len(paths))
	for _, path := range paths {
		out, err := orch.Process(ctx, swap.ChangeNotification{UnitID: "Counter", ArtifactPath: path})
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}

	orch.Stop()
	require.NoError(t, events.Close())
	require.NoError(t, db.Close())
	return dbPath, outcomes
}

// seedLibrary stores the built-in flows in the database at dbPath.
func seedLibrary(t *testing.T, dbPath string) {
	t.Helper()
	flows, err := compiler.Seeds()
	require.NoError(t, err)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = flowstore.StoreAll(context.Background(), db.Flows(), flows)
	require.NoError(t, err)
}

// execute runs cmd with args and returns its stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
