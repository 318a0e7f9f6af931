package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/swap"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []swap.ChangeNotification
	fail bool
}

func (s *recordingSink) Submit(n swap.ChangeNotification) (*swap.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("sink closed")
	}
	s.got = append(s.got, n)
	return &swap.Ticket{RunID: "run-1"}, nil
}

func (s *recordingSink) notifications() []swap.ChangeNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swap.ChangeNotification(nil), s.got...)
}

const counter = "unit: Counter\nfields:\n  - {name: count, type: int}\n"

func start(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// Give the watcher time to register its directories.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcherSubmitsSettledChange(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	w := New([]Location{{Path: dir, Patterns: []string{"*.unit"}, Settle: 20 * time.Millisecond}}, sink, WithUser("alice"))
	start(t, w)

	path := filepath.Join(dir, "counter.unit")
	require.NoError(t, os.WriteFile(path, []byte(counter), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	require.Eventually(t, func() bool { return len(sink.notifications()) == 1 }, 2*time.Second, 10*time.Millisecond)
	n := sink.notifications()[0]
	assert.Equal(t, "Counter", n.UnitID)
	assert.Equal(t, path, n.ArtifactPath)
	assert.Equal(t, "alice", n.UserID)
	assert.False(t, n.DetectedAt.IsZero())

	// Nothing else arrives for the ignored file.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.notifications(), 1)
}

func TestWatcherRecursive(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	sink := &recordingSink{}
	w := New([]Location{{Path: dir, Patterns: []string{"*.unit"}, Recursive: true, Settle: 20 * time.Millisecond}}, sink)
	start(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(nested, "gauge.unit"), []byte("not: [valid"), 0o644))

	require.Eventually(t, func() bool { return len(sink.notifications()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "gauge", sink.notifications()[0].UnitID, "unparseable artifacts fall back to the file name")
}

func TestWatcherSubmitErrorsAreNotFatal(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{fail: true}
	w := New([]Location{{Path: dir, Patterns: []string{"*.unit"}, Settle: 10 * time.Millisecond}}, sink)
	start(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "counter.unit"), []byte(counter), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.notifications())
}

func TestRunMissingDirectory(t *testing.T) {
	w := New([]Location{{Path: filepath.Join(t.TempDir(), "missing"), Patterns: []string{"*"}}}, &recordingSink{})
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to watch")
}

func TestRunWithoutLocationsWaits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, New(nil, &recordingSink{}).Run(ctx))
}

func TestLocate(t *testing.T) {
	w := New([]Location{
		{Path: "/srv", Patterns: []string{"*.unit"}, Recursive: true},
		{Path: "/srv/flat", Patterns: []string{"*.yaml"}},
	}, &recordingSink{})

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/srv/x.unit", "/srv", true},
		{"/srv/deep/x.unit", "/srv", true},
		{"/srv/flat/x.yaml", "/srv/flat", true},
		{"/srv/flat/sub/x.yaml", "/srv", true},
		{"/other/x.unit", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			loc, ok := w.locate(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, loc.Path)
		})
	}
}

func TestLocationMatches(t *testing.T) {
	loc := Location{Patterns: []string{"*.unit", "plugin-*"}}
	assert.True(t, loc.Matches("counter.unit"))
	assert.True(t, loc.Matches("plugin-a"))
	assert.False(t, loc.Matches("counter.yaml"))
	assert.False(t, Location{}.Matches("counter.unit"))
}

func TestUnitID(t *testing.T) {
	assert.Equal(t, "Counter", UnitID("/x/whatever.unit", []byte(counter)))
	assert.Equal(t, "whatever", UnitID("/x/whatever.unit", nil))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.unit"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.unit"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "c.unit"), []byte("c"), 0o644))

	collect := func(loc Location) []string {
		var got []string
		require.NoError(t, Scan(loc, func(path string, content []byte) error {
			rel, err := filepath.Rel(root, path)
			require.NoError(t, err)
			got = append(got, rel+"="+string(content))
			return nil
		}))
		return got
	}

	flat := collect(Location{Path: root, Patterns: []string{"*.unit"}})
	assert.Equal(t, []string{"a.unit=a", "b.unit=b"}, flat)

	deep := collect(Location{Path: root, Patterns: []string{"*.unit"}, Recursive: true})
	assert.Equal(t, []string{"a.unit=a", "b.unit=b", filepath.Join("nested", "c.unit") + "=c"}, deep)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.unit"), []byte("a"), 0o644))

	boom := errors.New("boom")
	err := Scan(Location{Path: root, Patterns: []string{"*.unit"}}, func(string, []byte) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = Scan(Location{Path: filepath.Join(root, "missing"), Patterns: []string{"*"}}, func(string, []byte) error { return nil })
	assert.ErrorContains(t, err, "failed to scan")
}
