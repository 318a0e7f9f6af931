package cli

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/swap"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Unit     string // optional - specific unit only
}

// ReplayRunResult is the replayed state of one pipeline run.
type ReplayRunResult struct {
	RunID         string     `json:"run_id"`
	Unit          string     `json:"unit"`
	Events        int        `json:"events"`
	State         swap.State `json:"state"`
	Terminal      bool       `json:"terminal"`
	Deterministic bool       `json:"deterministic"`
	Error         string     `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs             []ReplayRunResult `json:"runs"`
	TotalRuns        int               `json:"total_runs"`
	TotalEvents      int               `json:"total_events"`
	ChainIntact      bool              `json:"chain_intact"`
	ChainError       string            `json:"chain_error,omitempty"`
	Detections       int               `json:"detections"`
	FlowsStable      bool              `json:"flows_deterministic"`
	AllDeterministic bool              `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify determinism",
		Long: `Replay the event log to verify its integrity and determinism.

The hash chain of every unit is checked, every pipeline run is folded through
the run state machine twice, and flow detection is run twice over the whole
history. Any difference, broken link or illegal transition fails the replay.

Exit codes:
  0 - Log intact and replay deterministic
  1 - Chain broken, illegal transition, or replay differed
  2 - Command error (database not found, etc.)

Examples:
  hotswap replay --db ./hotswap.db
  hotswap replay --db ./hotswap.db --unit Counter
  hotswap replay --config hotswap.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "replay runs of one unit only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	path, cfg, err := databasePath(opts.RootOptions, opts.Database)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	b, err := openExisting(path)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer b.Close()

	first, err := readHistory(ctx, b.log, opts.Unit)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "failed to read event log", err)
	}
	second, err := readHistory(ctx, b.log, opts.Unit)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "failed to read event log", err)
	}

	result := ReplayResult{
		TotalEvents:      len(first),
		ChainIntact:      true,
		FlowsStable:      true,
		AllDeterministic: true,
	}
	if err := event.VerifyChain(first); err != nil {
		result.ChainIntact = false
		result.ChainError = err.Error()
	}

	runs, again := foldRuns(first), foldRuns(second)
	result.Runs = runs
	result.TotalRuns = len(runs)
	for i := range result.Runs {
		run := &result.Runs[i]
		run.Deterministic = i < len(again) && reflect.DeepEqual(*run, again[i])
		if !run.Deterministic || run.Error != "" {
			result.AllDeterministic = false
		}
	}
	if len(runs) != len(again) {
		result.AllDeterministic = false
	}

	svc, err := newAnalysis(ctx, cfg, b)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "failed to build flow library", err)
	}
	d1, err := svc.Batch(ctx, time.Time{})
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "flow detection failed", err)
	}
	d2, err := svc.Batch(ctx, time.Time{})
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "flow detection failed", err)
	}
	result.Detections = len(d1.Matches)
	result.FlowsStable = reflect.DeepEqual(d1.Matches, d2.Matches)
	if !result.FlowsStable {
		result.AllDeterministic = false
	}

	switch {
	case !result.ChainIntact:
		_ = formatter.Failure(ErrCodeChain, "event chain broken", result)
		return NewExitError(ExitFailure, "event chain broken")
	case !result.AllDeterministic:
		_ = formatter.Failure(ErrCodeDeterminism, "determinism verification failed", result)
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return formatter.Success(result)
}

// readHistory reads the whole log, or one unit's stream.
func readHistory(ctx context.Context, log eventlog.Log, unit string) ([]event.Event, error) {
	if unit != "" {
		return log.ReadStream(ctx, unit)
	}
	return log.ReadAll(ctx, time.Time{})
}

// foldRuns groups events by run and replays each through the state
// machine. Runs are reported in order of their first event.
func foldRuns(events []event.Event) []ReplayRunResult {
	groups := flow.GroupEvents(events, flow.ByCorrelation)
	runs := make([]ReplayRunResult, 0, len(groups))
	for _, g := range groups {
		first := g.Events[0]
		run := ReplayRunResult{RunID: first.CorrelationID, Unit: first.AggregateID, Events: len(g.Events)}
		if run.RunID == "" {
			run.RunID = g.Key
		}
		state, err := swap.Replay(g.Events)
		run.State = state
		run.Terminal = state.Terminal()
		if err != nil {
			run.Error = err.Error()
		}
		runs = append(runs, run)
	}
	return runs
}

// Text renders the replay summary.
func (r ReplayResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Replay Summary: %d run(s), %d event(s)\n", r.TotalRuns, r.TotalEvents)
	if r.ChainIntact {
		fmt.Fprintln(w, "✓ Hash chain intact")
	} else {
		fmt.Fprintf(w, "✗ Hash chain broken: %s\n", r.ChainError)
	}
	fmt.Fprintln(w)

	for _, run := range r.Runs {
		status := "✓"
		if !run.Deterministic || run.Error != "" {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Run: %s  unit=%s  events=%d  state=%s\n", status, run.RunID, run.Unit, run.Events, run.State)
		if run.Error != "" {
			fmt.Fprintf(w, "    %s\n", run.Error)
		}
	}

	fmt.Fprintln(w)
	if r.FlowsStable {
		fmt.Fprintf(w, "✓ Flow detection deterministic (%d detection(s))\n", r.Detections)
	} else {
		fmt.Fprintln(w, "✗ Flow detection differed between replays")
	}
	if r.AllDeterministic && r.ChainIntact {
		fmt.Fprintln(w, "All runs replayed deterministically.")
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
