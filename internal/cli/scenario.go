package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/hotswap/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioReport holds the overall result.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r ScenarioReport) Text(w io.Writer) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		switch s.Golden {
		case "updated":
			fmt.Fprintf(w, "%s %s (golden updated)\n", mark, s.Name)
		default:
			fmt.Fprintf(w, "%s %s\n", mark, s.Name)
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run conformance scenarios",
		Long: `Run scenario files against a simulated runtime.

Each scenario loads resident units, delivers change notifications and
checks step outcomes, the event log and detected flows. When a golden
file exists under golden/<name>.golden next to the scenario, the
snapshot must match it as well.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  hotswap scenario ./testdata/scenarios
  hotswap scenario ./testdata/scenarios --filter "rollback*"
  hotswap scenario ./testdata/scenarios --update
  hotswap scenario ./testdata/scenarios/complete_hot_swap.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runScenarios(opts *ScenarioOptions, root string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeInvalidInput, "invalid filter pattern", err)
		}
	}

	files, err := findScenarioFiles(root, opts.Filter)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, "failed to find scenarios", err)
	}

	report := ScenarioReport{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		formatter.VerboseLog("Running %s", file)
		res := runScenarioFile(file, opts.Update)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, res)
	}

	if report.Failed > 0 {
		_ = formatter.Failure(ErrCodeScenarioFails, fmt.Sprintf("%d scenario(s) failed", report.Failed), report)
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}
	return formatter.Success(report)
}

// findScenarioFiles returns root itself when it is a file, else every YAML
// file beneath it whose base name matches filter.
func findScenarioFiles(root, filter string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(d.Name(), ext)
			if ok, _ := filepath.Match(filter, name); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func runScenarioFile(file string, update bool) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("load error: %v", err)},
		}
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution error: %v", err)},
		}
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	snapshot := harness.Snapshot(scenario.Name, result)
	goldenPath := goldenFilePath(file, scenario.Name)

	if update {
		if err := writeGolden(goldenPath, snapshot); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		res.Golden = "updated"
		return res
	}

	want, err := os.ReadFile(goldenPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return res
	case err != nil:
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read golden file: %v", err))
	case !bytes.Equal(want, snapshot):
		res.Pass = false
		res.Golden = "mismatch"
		res.Errors = append(res.Errors, "snapshot does not match golden file (run with --update to regenerate)")
	default:
		res.Golden = "match"
	}
	return res
}

func goldenFilePath(scenarioFile, name string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}
