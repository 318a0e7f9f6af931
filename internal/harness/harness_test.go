package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../../testdata/scenarios"

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join(scenarioDir, "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
		})
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join(scenarioDir, "rollback_recovery.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace, "payloads included")
	assert.Equal(t, first.Detections, second.Detections)
	assert.Equal(t, Snapshot("x", first), Snapshot("x", second))
}

const minimal = `
name: minimal
description: one confirmed swap
units:
  - name: Counter
    artifact: v1
artifacts:
  v1: {unit: Counter, body: one}
  v2: {unit: Counter, body: two}
steps:
  - notify: v2
    expect:
      state: %s
      error_code: %s
`

func TestExpectationMismatch(t *testing.T) {
	scenario, err := ParseScenario([]byte(sprintf(minimal, "Failed", "APPLY_FAILED")))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"step 1: state Confirmed, want Failed",
		`step 1: error code "", want "APPLY_FAILED"`,
	}, result.Errors)
}

func TestAssertionFailures(t *testing.T) {
	base, err := ParseScenario([]byte(sprintf(minimal, "Confirmed", `""`)))
	require.NoError(t, err)

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			"missing kind",
			Assertion{Type: AssertTraceContains, Kind: "RolledBack"},
			"Assertion failed: trace_contains",
		},
		{
			"payload mismatch",
			Assertion{Type: AssertTraceContains, Kind: "ArtifactChanged", Payload: map[string]string{"artifact_path": "v3"}},
			"not found in trace",
		},
		{
			"wrong order",
			Assertion{Type: AssertTraceOrder, Kinds: []string{"Validated", "MetadataExtracted"}},
			"MetadataExtracted not found after [Validated]",
		},
		{
			"wrong count",
			Assertion{Type: AssertTraceCount, Kind: "Validated", Count: 2},
			"1 occurrences",
		},
		{
			"other unit",
			Assertion{Type: AssertTraceCount, Unit: "Timer", Kind: "Validated", Count: 1},
			"0 occurrences",
		},
		{
			"flow not detected",
			Assertion{Type: AssertFlowDetected, Flow: "Rollback Recovery"},
			`at least one detection of "Rollback Recovery"`,
		},
		{
			"flow present",
			Assertion{Type: AssertFlowAbsent, Flow: "Complete Hot-Swap"},
			"1 detections",
		},
		{
			"stale content",
			Assertion{Type: AssertLiveContent, Unit: "Counter", Artifact: "v1"},
			"Counter running v1",
		},
		{
			"rollbacks",
			Assertion{Type: AssertRollbackAttempts, Unit: "Counter", Count: 1},
			"0 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := *base
			scenario.Assertions = []Assertion{tt.assertion}
			result, err := Run(&scenario)
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
		})
	}
}
