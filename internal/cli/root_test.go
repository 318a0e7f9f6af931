package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "hotswap", cmd.Use)
	assert.Contains(t, cmd.Short, "live redefinition")
	assert.Contains(t, cmd.Long, "append-only event log")
	assert.Contains(t, cmd.Long, "HOTSWAP_STORE__PATH")
	assert.Contains(t, cmd.Long, "last-known-good artifact")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"run"},
		{"replay"},
		{"validate"},
		{"scenario"},
		{"flows", "list"},
		{"flows", "search"},
		{"flows", "stats"},
		{"flows", "delete"},
		{"flows", "learn"},
		{"flows", "detect"},
		{"events", "show"},
		{"events", "verify"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"db", "memory", "addr", "no-server", "no-analysis"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "missing --%s", name)
	}
	// Unset flags defer to the config file.
	assert.Equal(t, "", runCmd.Flags().Lookup("db").DefValue)
}

func TestReplayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	replayCmd, _, err := cmd.Find([]string{"replay"})
	require.NoError(t, err)

	assert.NotNil(t, replayCmd.Flags().Lookup("db"))
	assert.NotNil(t, replayCmd.Flags().Lookup("unit"))
}

func TestScenarioCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	scenarioCmd, _, err := cmd.Find([]string{"scenario"})
	require.NoError(t, err)

	updateFlag := scenarioCmd.Flags().Lookup("update")
	require.NotNil(t, updateFlag)
	assert.Equal(t, "false", updateFlag.DefValue)

	assert.NotNil(t, scenarioCmd.Flags().Lookup("filter"))
}

func TestFlowsSharesDatabaseFlag(t *testing.T) {
	cmd := NewRootCommand()
	listCmd, _, err := cmd.Find([]string{"flows", "list"})
	require.NoError(t, err)

	assert.NotNil(t, listCmd.InheritedFlags().Lookup("db"))
	assert.NotNil(t, listCmd.Flags().Lookup("min-confidence"))
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "scenario", "."})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
