package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // optional YAML config file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the hotswap CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "hotswap",
		Short: "hotswap - live redefinition of running units with an audited event log",
		Long: `hotswap redefines code units inside a running process without a restart.

A watcher reports changed unit artifacts. Each change is checked against the
running baseline (method bodies may change; fields, the supertype and method
signatures may not), applied live, verified by instance footprint, and rolled
back to the last-known-good artifact when any step fails. Every step lands in
an append-only event log chained per unit, and flow analysis reads that log to
recognise recurring run shapes such as Complete Hot-Swap or Rollback Recovery.

Commands:
  run       watch artifacts, apply changes and serve the HTTP API
  validate  check offline whether a candidate may replace a baseline
  events    print the event log or verify each unit's hash chain
  flows     list, search, delete and learn flows; recompute detections
  replay    re-run detection over the log and check it is deterministic
  scenario  run conformance scenarios against a simulated runtime

Configuration is resolved from defaults, the --config file, HOTSWAP_*
environment variables (HOTSWAP_STORE__PATH sets store.path), then flags.
Empty values are ignored.

Exit codes:
  0 - Success
  1 - The operation ran and failed (rejected candidate, failed scenario)
  2 - Command error (bad flags, unreadable files, invalid config)`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewFlowsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
