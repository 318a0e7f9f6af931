package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/eventlog"
)

// EventsOptions holds flags shared by the events subcommands.
type EventsOptions struct {
	*RootOptions
	Database string
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read and verify the event log",
		Long: `Read the append-only event log and verify its hash chain.

Exit codes:
  0 - Success
  1 - Chain verification failed
  2 - Command error (database not found, etc.)

Examples:
  hotswap events show --db ./hotswap.db
  hotswap events show --db ./hotswap.db Counter --run run-0001
  hotswap events verify --db ./hotswap.db`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")

	cmd.AddCommand(newEventsShowCommand(opts))
	cmd.AddCommand(newEventsVerifyCommand(opts))

	return cmd
}

// EventList is the output of events show.
type EventList struct {
	Events []event.Event `json:"events"`
}

func (l EventList) Text(w io.Writer) {
	if len(l.Events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tUNIT\tVERSION\tKIND\tRUN\tTIME")
	for _, ev := range l.Events {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			ev.StreamPosition, ev.AggregateID, ev.AggregateVersion, ev.Kind, ev.CorrelationID, ev.Timestamp.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

// VerifyResult is the output of events verify.
type VerifyResult struct {
	Events     int    `json:"events"`
	Aggregates int    `json:"aggregates"`
	Intact     bool   `json:"intact"`
	Error      string `json:"error,omitempty"`
}

func (r VerifyResult) Text(w io.Writer) {
	if r.Intact {
		fmt.Fprintf(w, "✓ Chain intact: %d event(s) across %d unit(s)\n", r.Events, r.Aggregates)
		return
	}
	fmt.Fprintf(w, "✗ Chain broken: %s\n", r.Error)
}

// withLog opens the database and hands its event log to fn.
func withLog(opts *EventsOptions, cmd *cobra.Command, fn func(ctx context.Context, f *OutputFormatter, log eventlog.Log) error) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	path, _, err := databasePath(opts.RootOptions, opts.Database)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	b, err := openExisting(path)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	defer b.Close()
	return fn(commandContext(cmd), formatter, b.log)
}

func newEventsShowCommand(opts *EventsOptions) *cobra.Command {
	var (
		run   string
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:           "show [unit]",
		Short:         "Print events in log order",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(opts, cmd, func(ctx context.Context, f *OutputFormatter, log eventlog.Log) error {
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				var (
					events []event.Event
					err    error
				)
				if len(args) == 1 {
					events, err = log.ReadStream(ctx, args[0])
					events = eventlog.Filter(events, from)
				} else {
					events, err = log.ReadAll(ctx, from)
				}
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "failed to read event log", err)
				}
				if run != "" {
					events = slices.DeleteFunc(events, func(ev event.Event) bool { return ev.CorrelationID != run })
				}
				if limit > 0 && len(events) > limit {
					events = events[len(events)-limit:]
				}
				if events == nil {
					events = []event.Event{}
				}
				return f.Success(EventList{Events: events})
			})
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "only events of this run")
	cmd.Flags().DurationVar(&since, "since", 0, "only events this recent (0 = whole log)")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most the last N events")
	return cmd
}

func newEventsVerifyCommand(opts *EventsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify",
		Short:         "Verify the hash chain of every unit",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLog(opts, cmd, func(ctx context.Context, f *OutputFormatter, log eventlog.Log) error {
				events, err := log.ReadAll(ctx, time.Time{})
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "failed to read event log", err)
				}
				units := make(map[string]struct{})
				for _, ev := range events {
					units[ev.AggregateID] = struct{}{}
				}
				res := VerifyResult{Events: len(events), Aggregates: len(units), Intact: true}
				if err := event.VerifyChain(events); err != nil {
					res.Intact = false
					res.Error = err.Error()
					_ = f.Failure(ErrCodeChain, "event chain broken", res)
					return WrapExitError(ExitFailure, "event chain broken", err)
				}
				return f.Success(res)
			})
		},
	}
}
