package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/hotswap/internal/analysis"
	"github.com/roach88/hotswap/internal/compiler"
	"github.com/roach88/hotswap/internal/config"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
	"github.com/roach88/hotswap/internal/store"
)

// loadConfig resolves configuration from the --config file, the environment
// and flag overrides.
func loadConfig(opts *RootOptions, overrides map[string]any) (*config.Config, error) {
	return config.Load(opts.Config, overrides)
}

// configureLogging installs a text handler on w. Verbose forces debug;
// otherwise the configured level applies.
func configureLogging(w io.Writer, verbose bool, level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// backend is an opened event log and flow store pair.
type backend struct {
	log   eventlog.Log
	flows flowstore.Store
	db    *store.DB // nil for the memory driver

	closeLog func() error
}

func (b *backend) Close() error {
	var errs []error
	if b.closeLog != nil {
		errs = append(errs, b.closeLog())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}

// openBackend opens the configured store, creating the database if needed.
func openBackend(cfg *config.Config) (*backend, error) {
	if cfg.Store.Driver == "memory" {
		mem := eventlog.NewMemoryLog()
		return &backend{log: mem, flows: flowstore.NewMemory(), closeLog: mem.Close}, nil
	}

	slog.Info("opening database", "path", cfg.Store.Path)
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	events := db.Events()
	return &backend{log: events, flows: db.Flows(), db: db, closeLog: events.Close}, nil
}

// openExisting opens an existing SQLite database for offline inspection.
func openExisting(path string) (*backend, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	events := db.Events()
	return &backend{log: events, flows: db.Flows(), db: db, closeLog: events.Close}, nil
}

// databasePath picks the --db flag when set, else the configured path.
func databasePath(opts *RootOptions, flag string) (string, *config.Config, error) {
	cfg, err := loadConfig(opts, nil)
	if err != nil {
		return "", nil, err
	}
	if flag != "" {
		return flag, cfg, nil
	}
	if cfg.Store.Driver != "sqlite" {
		return "", nil, fmt.Errorf("store.driver %q keeps no history; pass --db", cfg.Store.Driver)
	}
	return cfg.Store.Path, cfg, nil
}

// newAnalysis builds the flow analysis service and seeds its library with
// the built-in flows plus every configured CUE library.
func newAnalysis(ctx context.Context, cfg *config.Config, b *backend) (*analysis.Service, error) {
	svc := analysis.New(b.log, b.flows,
		analysis.WithGroupBy(cfg.GroupBy()),
		analysis.WithMatcher(cfg.Matcher()),
		analysis.WithWindow(cfg.Analysis.WindowEvents, cfg.WindowAge()),
		analysis.WithLearnOptions(cfg.LearnOptions()),
		analysis.WithWorkers(cfg.Analysis.Workers),
	)

	flows, err := libraryFlows(cfg.Analysis.Library)
	if err != nil {
		return nil, err
	}
	if _, err := svc.Seed(ctx, flows); err != nil {
		return nil, fmt.Errorf("failed to seed flow library: %w", err)
	}
	slog.Debug("flow library seeded", "flows", len(flows), "libraries", len(cfg.Analysis.Library))
	return svc, nil
}

// libraryFlows compiles the built-in seeds and the given CUE files.
func libraryFlows(paths []string) ([]flow.Flow, error) {
	flows, err := compiler.Seeds()
	if err != nil {
		return nil, fmt.Errorf("failed to compile built-in flows: %w", err)
	}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read flow library: %w", err)
		}
		declared, err := compiler.Compile(src, filepath.Base(path), flow.OriginDeclared)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		flows = append(flows, declared...)
	}
	return flows, nil
}
