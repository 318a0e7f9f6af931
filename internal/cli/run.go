package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/config"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/server"
	"github.com/roach88/hotswap/internal/swap"
	"github.com/roach88/hotswap/internal/validation"
	"github.com/roach88/hotswap/internal/watch"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	Memory     bool
	Addr       string
	NoServer   bool
	NoAnalysis bool

	// RunIDs overrides run id generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs event.IDGenerator

	// Ready is called once every component is running (for testing).
	Ready func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch artifacts and hot-swap changed units",
		Long: `Start the hot-swap service.

Artifacts already present under every configured watch path are loaded as the
running units. Changes to them are validated, applied live, verified and rolled
back on failure; every step is appended to the event log. Flow analysis follows
the log, and the HTTP API accepts notifications and serves queries.

Flags override the config file and HOTSWAP_* environment variables.

Examples:
  hotswap run --config hotswap.yaml
  hotswap run --config hotswap.yaml --db ./hotswap.db --addr :9090
  hotswap run --config hotswap.yaml --memory --no-server --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "keep the event log in memory")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address host:port (overrides server.host/server.port)")
	cmd.Flags().BoolVar(&opts.NoServer, "no-server", false, "disable the HTTP API")
	cmd.Flags().BoolVar(&opts.NoAnalysis, "no-analysis", false, "disable streaming flow analysis")
	cmd.MarkFlagsMutuallyExclusive("db", "memory")

	return cmd
}

// overrides turns set flags into config keys.
func (o *RunOptions) overrides() (map[string]any, error) {
	out := make(map[string]any)
	if o.Database != "" {
		out["store.driver"] = "sqlite"
		out["store.path"] = o.Database
	}
	if o.Memory {
		out["store.driver"] = "memory"
	}
	if o.Addr != "" {
		host, port, err := net.SplitHostPort(o.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q", port)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		out["server.host"] = host
		out["server.port"] = p
	}
	if o.NoServer {
		out["server.enabled"] = false
	}
	if o.NoAnalysis {
		out["analysis.enabled"] = false
	}
	return out, nil
}

func runService(opts *RunOptions, cmd *cobra.Command) error {
	overrides, err := opts.overrides()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	cfg, err := loadConfig(opts.RootOptions, overrides)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	configureLogging(cmd.ErrOrStderr(), opts.Verbose, cfg.Log.Level)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	b, err := openBackend(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	svc, err := newAnalysis(ctx, cfg, b)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build flow library", err)
	}

	host := capability.NewHost()
	swapOpts := []swap.Option{
		swap.WithApplyTimeout(cfg.ApplyTimeout()),
		swap.WithDrainTimeout(cfg.DrainTimeout()),
		swap.WithSupersede(cfg.Swap.Supersede),
		swap.WithValidator(validation.New(validation.Options{AllowMethodAdditions: cfg.Swap.AllowMethodAdditions})),
	}
	if opts.RunIDs != nil {
		swapOpts = append(swapOpts, swap.WithRunIDs(opts.RunIDs))
	}
	orch := swap.New(b.log, host, artifact.FileSource{}, swapOpts...)

	locations := watchLocations(cfg)
	resident, err := loadResident(locations, host, orch)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load running units", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before the orchestrator accepts work so no event is missed.
	if cfg.Analysis.Enabled {
		stream := svc.Attach()
		g.Go(func() error { return stream(gctx) })
	}
	if err := orch.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return WrapExitError(ExitFailure, "failed to start orchestrator", err)
	}

	g.Go(func() error { return watch.New(locations, orch).Run(gctx) })

	addr := ""
	if cfg.Server.Enabled {
		srvOpts := []server.Option{}
		if b.db != nil {
			srvOpts = append(srvOpts, server.WithHealthCheck(b.db))
		}
		srv := server.New(cfg.Addr(), cfg.Server.Mode, orch, b.log, svc, srvOpts...)
		addr = srv.Addr
		g.Go(func() error { return srv.Run(gctx) })
	}

	slog.Info("hotswap started", "units", resident, "locations", len(locations), "store", cfg.Store.Driver, "analysis", cfg.Analysis.Enabled)
	fmt.Fprintf(cmd.OutOrStdout(), "hotswap started: %d unit(s) across %d location(s)\n", resident, len(locations))
	if addr != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "API listening on %s\n", addr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	err = g.Wait()
	orch.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "service error", err)
	}

	slog.Info("hotswap stopped gracefully")
	return nil
}

// watchLocations maps the configured tuples onto watcher locations.
func watchLocations(cfg *config.Config) []watch.Location {
	locations := make([]watch.Location, 0, len(cfg.Watch))
	for _, w := range cfg.Watch {
		locations = append(locations, watch.Location{
			Path:      w.WatchPath,
			Patterns:  w.Patterns,
			Recursive: w.IsRecursive(),
			Settle:    w.PollInterval(),
		})
	}
	return locations
}

// loadResident makes every artifact found under locations a running unit on
// host and its last-known-good baseline in orch.
func loadResident(locations []watch.Location, host *capability.Host, orch *swap.Orchestrator) (int, error) {
	n := 0
	for _, loc := range locations {
		err := watch.Scan(loc, func(path string, content []byte) error {
			unit := watch.UnitID(path, content)
			host.Load(unit, content, 1)
			orch.Register(unit, path, content)
			slog.Debug("unit loaded", "unit", unit, "path", path)
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
