package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/hotswap/internal/analysis"
	"github.com/roach88/hotswap/internal/config"
	"github.com/roach88/hotswap/internal/event"
	"github.com/roach88/hotswap/internal/flow"
	"github.com/roach88/hotswap/internal/flowstore"
)

// FlowsOptions holds flags shared by the flows subcommands.
type FlowsOptions struct {
	*RootOptions
	Database string
}

// NewFlowsCommand creates the flows command group.
func NewFlowsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlowsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect and maintain the flow library",
		Long: `Inspect and maintain the library of flows that analysis recognises in the
event log, and the flow instances detected so far.

Examples:
  hotswap flows list --db ./hotswap.db
  hotswap flows search --db ./hotswap.db --name "*rollback*" --min-confidence 0.8
  hotswap flows learn --db ./hotswap.db --since 24h
  hotswap flows detect --db ./hotswap.db --format json`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")

	cmd.AddCommand(newFlowsListCommand(opts))
	cmd.AddCommand(newFlowsSearchCommand(opts))
	cmd.AddCommand(newFlowsStatsCommand(opts))
	cmd.AddCommand(newFlowsDeleteCommand(opts))
	cmd.AddCommand(newFlowsLearnCommand(opts))
	cmd.AddCommand(newFlowsDetectCommand(opts))

	return cmd
}

// FlowList is the output of list and search.
type FlowList struct {
	Flows []flow.Flow `json:"flows"`
}

func (l FlowList) Text(w io.Writer) {
	if len(l.Flows) == 0 {
		fmt.Fprintln(w, "No flows found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCONFIDENCE\tEVENTS\tWINDOW\tORIGIN\tVERSION")
	for _, f := range l.Flows {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\t%s\t%d\n",
			f.ID, f.Name, f.Confidence, len(f.Sequence), f.MaximumTimeWindow, f.Origin, f.Version)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d flow(s)\n", len(l.Flows))
}

// FlowStats is the output of stats.
type FlowStats struct {
	flow.Statistics
}

func (s FlowStats) Text(w io.Writer) {
	fmt.Fprintf(w, "Flows:                   %d\n", s.Total)
	fmt.Fprintf(w, "Detections:              %d\n", s.Detections)
	fmt.Fprintf(w, "Average confidence:      %.2f\n", s.AverageConfidence)
	fmt.Fprintf(w, "Highest confidence:      %.2f\n", s.HighestConfidence)
	fmt.Fprintf(w, "Lowest confidence:       %.2f\n", s.LowestConfidence)
	fmt.Fprintf(w, "Average sequence length: %.1f\n", s.AverageSequenceLength)
	fmt.Fprintln(w, "Distribution:")
	for _, b := range flow.Buckets {
		fmt.Fprintf(w, "  %s  %d\n", b, s.Distribution[b])
	}
	origins := []flow.Origin{flow.OriginSeed, flow.OriginDeclared, flow.OriginLearned}
	fmt.Fprintln(w, "By origin:")
	for _, o := range origins {
		fmt.Fprintf(w, "  %-8s  %d\n", o, s.ByOrigin[o])
	}
}

// LearnedFlow pairs a learned flow with what the store did with it.
type LearnedFlow struct {
	Flow   flow.Flow        `json:"flow"`
	Result flowstore.Result `json:"result"`
}

// LearnResult is the output of learn.
type LearnResult struct {
	Learned []LearnedFlow `json:"learned"`
}

func (r LearnResult) Text(w io.Writer) {
	if len(r.Learned) == 0 {
		fmt.Fprintln(w, "No new flows learned.")
		return
	}
	for _, l := range r.Learned {
		fmt.Fprintf(w, "%s  %s  confidence=%.2f  %s v%d\n", l.Flow.ID, l.Flow.Name, l.Flow.Confidence, l.Result.Message, l.Result.Version)
	}
	fmt.Fprintf(w, "%d flow(s) learned\n", len(r.Learned))
}

// DetectResult is the output of detect.
type DetectResult struct {
	Report     analysis.Report `json:"report"`
	Detections []flow.Match    `json:"detections"`
}

func (r DetectResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Detections: %d matched, %d unmatched group(s), %d skipped\n",
		r.Report.Matches, r.Report.Unmatched, r.Report.Skipped)
	for _, m := range r.Detections {
		fmt.Fprintf(w, "  %s  %s  positions %d-%d  confidence=%.2f\n", m.Key, m.FlowID, m.FirstPos, m.LastPos, m.Confidence)
	}
}

// withLibrary opens the database and hands the resolved config and backend
// to fn.
func withLibrary(opts *FlowsOptions, cmd *cobra.Command, fn func(ctx context.Context, f *OutputFormatter, cfg *config.Config, b *backend) error) error {
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
	return fn(commandContext(cmd), formatter, cfg, b)
}

func newFlowsListCommand(opts *FlowsOptions) *cobra.Command {
	var minConfidence float64

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored flows",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, _ *config.Config, b *backend) error {
				var (
					flows []flow.Flow
					err   error
				)
				if cmd.Flags().Changed("min-confidence") {
					flows, err = b.flows.GetByMinimumConfidence(ctx, minConfidence)
				} else {
					flows, err = b.flows.GetAll(ctx)
				}
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "failed to list flows", err)
				}
				return f.Success(FlowList{Flows: nonNilFlows(flows)})
			})
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "only flows at or above this confidence, highest first")
	return cmd
}

// searchFlags binds flow.Criteria to flags.
type searchFlags struct {
	name, description, origin string
	require, exclude          []string
	minConfidence             float64
	maxConfidence             float64
	minLength                 int
	maxWindow                 time.Duration
}

func (s *searchFlags) criteria(cmd *cobra.Command) flow.Criteria {
	c := flow.Criteria{
		NamePattern:        s.name,
		DescriptionPattern: s.description,
		Origin:             flow.Origin(s.origin),
		RequiredKinds:      toKinds(s.require),
		ExcludedKinds:      toKinds(s.exclude),
		MinSequenceLength:  s.minLength,
		MaxTimeWindow:      s.maxWindow,
	}
	if cmd.Flags().Changed("min-confidence") {
		c.MinConfidence = &s.minConfidence
	}
	if cmd.Flags().Changed("max-confidence") {
		c.MaxConfidence = &s.maxConfidence
	}
	return c
}

func newFlowsSearchCommand(opts *FlowsOptions) *cobra.Command {
	s := &searchFlags{}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search stored flows",
		Long: `Search stored flows. Every given criterion must hold.

Name and description patterns match the whole text, case-insensitively, with
"*" matching any run of characters.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, _ *config.Config, b *backend) error {
				flows, err := b.flows.Search(ctx, s.criteria(cmd))
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeInvalidInput, "search failed", err)
				}
				return f.Success(FlowList{Flows: nonNilFlows(flows)})
			})
		},
	}
	cmd.Flags().StringVar(&s.name, "name", "", "name pattern")
	cmd.Flags().StringVar(&s.description, "description", "", "description pattern")
	cmd.Flags().StringVar(&s.origin, "origin", "", "origin (seed|declared|learned)")
	cmd.Flags().StringSliceVar(&s.require, "require", nil, "event kinds the sequence must contain")
	cmd.Flags().StringSliceVar(&s.exclude, "exclude", nil, "event kinds the sequence must not contain")
	cmd.Flags().Float64Var(&s.minConfidence, "min-confidence", 0, "minimum confidence")
	cmd.Flags().Float64Var(&s.maxConfidence, "max-confidence", 1, "maximum confidence")
	cmd.Flags().IntVar(&s.minLength, "min-length", 0, "minimum sequence length")
	cmd.Flags().DurationVar(&s.maxWindow, "max-window", 0, "maximum time window")
	return cmd
}

func newFlowsStatsCommand(opts *FlowsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Summarise the flow library",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, _ *config.Config, b *backend) error {
				st, err := b.flows.Statistics(ctx)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "failed to compute statistics", err)
				}
				return f.Success(FlowStats{Statistics: st})
			})
		},
	}
}

func newFlowsDeleteCommand(opts *FlowsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <flow-id>",
		Short:         "Delete a flow from the library",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, _ *config.Config, b *backend) error {
				id := flow.ID(args[0])
				if err := b.flows.Delete(ctx, id); err != nil {
					if errors.Is(err, flowstore.ErrNotFound) {
						return f.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("flow %s not found", id), err)
					}
					return f.fail(ExitCommandError, ErrCodeStore, "failed to delete flow", err)
				}
				return f.Success(fmt.Sprintf("Deleted flow %s", id))
			})
		},
	}
}

func newFlowsLearnCommand(opts *FlowsOptions) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Learn flows from runs no known flow explains",
		Long: `Propose flows from groups of events that matched no stored flow and store
those that reach the configured confidence floor and support.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, cfg *config.Config, b *backend) error {
				svc, err := newAnalysis(ctx, cfg, b)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeGeneric, "failed to build flow library", err)
				}
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				learned, results, err := svc.Learn(ctx, from)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "learning failed", err)
				}
				out := LearnResult{Learned: make([]LearnedFlow, 0, len(learned))}
				for i, l := range learned {
					lf := LearnedFlow{Flow: l}
					if i < len(results) {
						lf.Result = results[i]
					}
					out.Learned = append(out.Learned, lf)
				}
				return f.Success(out)
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only consider events this recent (0 = whole log)")
	return cmd
}

func newFlowsDetectCommand(opts *FlowsOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "detect",
		Short:         "Recompute flow detections from the whole log",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLibrary(opts, cmd, func(ctx context.Context, f *OutputFormatter, cfg *config.Config, b *backend) error {
				svc, err := newAnalysis(ctx, cfg, b)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeGeneric, "failed to build flow library", err)
				}
				rep, err := svc.Rebuild(ctx)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "detection failed", err)
				}
				detections, err := b.flows.Detections(ctx)
				if err != nil {
					return f.fail(ExitCommandError, ErrCodeStore, "failed to read detections", err)
				}
				if detections == nil {
					detections = []flow.Match{}
				}
				return f.Success(DetectResult{Report: rep, Detections: detections})
			})
		},
	}
}

func toKinds(raw []string) []event.Kind {
	var out []event.Kind
	for _, r := range raw {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, event.Kind(r))
		}
	}
	return out
}

func nonNilFlows(flows []flow.Flow) []flow.Flow {
	if flows == nil {
		return []flow.Flow{}
	}
	return flows
}
