// Package watch turns file-system changes into change notifications.
//
// Each Location names a directory, the file patterns that count as unit
// artifacts, and a settle interval. Writes to a matching file are coalesced
// until the file has been quiet for the interval, then one notification is
// submitted. Delivery is at-least-once; the orchestrator drops duplicates by
// content hash.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/swap"
)

// DefaultSettle applies to locations without their own interval.
const DefaultSettle = 500 * time.Millisecond

// minTick bounds how often pending changes are flushed.
const minTick = 10 * time.Millisecond

// Location is one watched directory.
type Location struct {
	Path      string
	Patterns  []string
	Recursive bool
	Settle    time.Duration
}

// Matches reports whether name (a base name) is an artifact of l.
func (l Location) Matches(name string) bool {
	for _, p := range l.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Sink accepts notifications. *swap.Orchestrator satisfies it.
type Sink interface {
	Submit(n swap.ChangeNotification) (*swap.Ticket, error)
}

// Watcher watches a set of locations.
type Watcher struct {
	locations []Location
	sink      Sink
	clock     event.Clock
	user      string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the clock stamped on notifications.
func WithClock(c event.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithUser attributes notifications to a user.
func WithUser(id string) Option {
	return func(w *Watcher) { w.user = id }
}

// New creates a Watcher.
func New(locations []Location, sink Sink, opts ...Option) *Watcher {
	w := &Watcher{locations: locations, sink: sink, clock: event.SystemClock{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type pending struct {
	loc Location
	due time.Time
}

// Run watches until ctx ends. It returns an error only if watching could
// not be set up.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.locations) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	tick := DefaultSettle
	for _, loc := range w.locations {
		if err := w.add(fw, loc.Path, loc.Recursive); err != nil {
			return err
		}
		if loc.Settle > 0 && loc.Settle < tick {
			tick = loc.Settle
		}
		slog.Info("watching", "path", loc.Path, "patterns", loc.Patterns, "recursive", loc.Recursive)
	}
	ticker := time.NewTicker(max(tick/2, minTick))
	defer ticker.Stop()

	queued := make(map[string]*pending)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(fw, ev, queued)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)

		case now := <-ticker.C:
			w.flush(now, queued)
		}
	}
}

func (w *Watcher) add(fw *fsnotify.Watcher, root string, recursive bool) error {
	if !recursive {
		if err := fw.Add(root); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) observe(fw *fsnotify.Watcher, ev fsnotify.Event, queued map[string]*pending) {
	loc, ok := w.locate(ev.Name)
	if !ok {
		return
	}

	if ev.Has(fsnotify.Create) && loc.Recursive {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.add(fw, ev.Name, true); err != nil {
				slog.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !loc.Matches(filepath.Base(ev.Name)) {
		return
	}
	settle := loc.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	queued[ev.Name] = &pending{loc: loc, due: time.Now().Add(settle)}
}

// locate finds the location owning path. The deepest root wins.
func (w *Watcher) locate(path string) (Location, bool) {
	var (
		best  Location
		found bool
	)
	for _, loc := range w.locations {
		rel, err := filepath.Rel(loc.Path, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !loc.Recursive && filepath.Dir(rel) != "." {
			continue
		}
		if !found || len(loc.Path) > len(best.Path) {
			best, found = loc, true
		}
	}
	return best, found
}

func (w *Watcher) flush(now time.Time, queued map[string]*pending) {
	for path, p := range queued {
		if now.Before(p.due) {
			continue
		}
		delete(queued, path)

		content, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to read changed artifact", "path", path, "error", err)
			}
			continue
		}
		n := swap.ChangeNotification{
			UnitID:       UnitID(path, content),
			ArtifactPath: path,
			DetectedAt:   w.clock.Now(),
			UserID:       w.user,
		}
		t, err := w.sink.Submit(n)
		if err != nil {
			slog.Error("failed to submit change", "unit", n.UnitID, "path", path, "error", err)
			continue
		}
		slog.Debug("change submitted", "unit", n.UnitID, "path", path, "run", t.RunID)
	}
}

// UnitID names the unit an artifact belongs to: the manifest's unit when it
// parses, else the file name without its extension.
func UnitID(path string, content []byte) string {
	if m, err := artifact.Inspect(content); err == nil && m.Unit != "" {
		return m.Unit
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Scan calls fn for every artifact already present under l, in lexical
// path order. Units running before the watcher starts are registered from
// these.
func Scan(l Location, fn func(path string, content []byte) error) error {
	return filepath.WalkDir(l.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", path, err)
		}
		if d.IsDir() {
			if path != l.Path && !l.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !l.Matches(d.Name()) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read artifact: %w", err)
		}
		return fn(path, content)
	})
}
