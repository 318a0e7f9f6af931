package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/hotswap/internal/digest"
	"github.com/roach88/hotswap/internal/validation"
	"github.com/roach88/hotswap/internal/watch"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Unit                 string
	AllowMethodAdditions bool
}

// ValidationResult is the output of validate.
type ValidationResult struct {
	validation.Outcome
	BaselineHash  string `json:"baseline_hash"`
	CandidateHash string `json:"candidate_hash"`
	Identical     bool   `json:"identical"`
}

func (r ValidationResult) Text(w io.Writer) {
	if r.Accepted() {
		fmt.Fprintf(w, "✓ %s: candidate can be applied live\n", r.Unit)
		if r.Identical {
			fmt.Fprintln(w, "  (candidate is identical to the baseline)")
		}
		return
	}
	fmt.Fprintf(w, "✗ %s: candidate rejected (%d violation(s))\n", r.Unit, len(r.Violations))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <baseline> <candidate>",
		Short: "Check whether a candidate artifact can replace a running one",
		Long: `Compare a candidate artifact with the baseline it would replace, using the
same rules the orchestrator applies before a live redefinition. Method bodies
may change; fields, the supertype and method signatures may not.

Exit codes:
  0 - Candidate accepted
  1 - Candidate rejected
  2 - Command error (unreadable file, bad config)

Examples:
  hotswap validate units/counter.unit build/counter.unit
  hotswap validate --allow-method-additions old.unit new.unit --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Unit, "unit", "", "unit name (defaults to the baseline's manifest unit)")
	cmd.Flags().BoolVar(&opts.AllowMethodAdditions, "allow-method-additions", false, "accept candidates that only add methods (overrides swap.allow_method_additions)")

	return cmd
}

func runValidate(opts *ValidateOptions, baselinePath, candidatePath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	overrides := map[string]any{}
	if cmd.Flags().Changed("allow-method-additions") {
		overrides["swap.allow_method_additions"] = opts.AllowMethodAdditions
	}
	cfg, err := loadConfig(opts.RootOptions, overrides)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	baseline, err := os.ReadFile(baselinePath)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, "failed to read baseline", err)
	}
	candidate, err := os.ReadFile(candidatePath)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, "failed to read candidate", err)
	}

	unit := opts.Unit
	if unit == "" {
		unit = watch.UnitID(baselinePath, baseline)
	}
	formatter.VerboseLog("Validating %s: %s -> %s", unit, baselinePath, candidatePath)

	v := validation.New(validation.Options{AllowMethodAdditions: cfg.Swap.AllowMethodAdditions})
	res := ValidationResult{
		Outcome:       v.Check(unit, baseline, candidate),
		BaselineHash:  digest.Artifact(baseline),
		CandidateHash: digest.Artifact(candidate),
	}
	res.Identical = res.BaselineHash == res.CandidateHash

	if !res.Accepted() {
		_ = formatter.Failure(ErrCodeRejected, "candidate rejected", res)
		return NewExitError(ExitFailure, "candidate rejected: "+res.Summary())
	}
	return formatter.Success(res)
}
