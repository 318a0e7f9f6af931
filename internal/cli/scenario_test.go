package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenariosDir = "../../testdata/scenarios"

func copyScenario(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(scenariosDir, name))
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestScenarioCommandRunsDirectory(t *testing.T) {
	out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ complete_hot_swap")
	assert.Contains(t, out, "✓ rollback_recovery")
	assert.Contains(t, out, "5 passed, 0 failed, 5 total")
}

func TestScenarioCommandFilter(t *testing.T) {
	out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "json"}), scenariosDir, "--filter", "rollback*")
	require.NoError(t, err)

	var resp struct {
		Data ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "rollback_recovery", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestScenarioCommandGolden(t *testing.T) {
	dir := t.TempDir()
	file := copyScenario(t, dir, "complete_hot_swap.yaml")
	goldenPath := filepath.Join(dir, "golden", "complete_hot_swap.golden")

	out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), file, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ complete_hot_swap (golden updated)")

	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), "scenario: complete_hot_swap")
	assert.Contains(t, string(golden), "flow-complete-hot-swap correlation:run-0001")

	out, err = execute(t, NewScenarioCommand(&RootOptions{Format: "json"}), dir)
	require.NoError(t, err)
	var resp struct {
		Data ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(goldenPath, []byte("scenario: stale\n"), 0o644))
	out, err = execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ complete_hot_swap")
	assert.Contains(t, out, "run with --update to regenerate")
	assert.Contains(t, out, "Error [E104]: 1 scenario(s) failed")
}

func TestScenarioCommandFailingExpectation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wrong.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: wrong
description: expects a confirmation the validator never gives

units:
  - name: Counter
    artifact: counter-v1

artifacts:
  counter-v1:
    unit: Counter
    body: v1
  counter-wide:
    unit: Counter
    body: v2
    extra_fields: [limit]

steps:
  - notify: counter-wide
    expect:
      state: Confirmed
`), 0o644))

	out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "json"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
		Error  *CLIError      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenarioFails, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestScenarioCommandErrors(t *testing.T) {
	t.Run("missing path", func(t *testing.T) {
		out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "none"))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, "failed to find scenarios")
	})

	t.Run("bad filter", func(t *testing.T) {
		out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), scenariosDir, "--filter", "[")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, "invalid filter pattern")
	})

	t.Run("empty directory", func(t *testing.T) {
		out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "No scenarios found.")
	})

	t.Run("unparseable scenario", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [\n"), 0o644))
		out, err := execute(t, NewScenarioCommand(&RootOptions{Format: "text"}), dir)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "✗ bad.yaml")
		assert.Contains(t, out, "load error")
	})
}
