package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hotswap/internal/flow"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotswap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.Watch)
	assert.Equal(t, 30*time.Second, cfg.ApplyTimeout())
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout())
	assert.True(t, cfg.Swap.Supersede)
	assert.False(t, cfg.Swap.AllowMethodAdditions)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, flow.ByCorrelation, cfg.GroupBy())
	assert.Equal(t, flow.DefaultWindowEvents, cfg.Analysis.WindowEvents)
	assert.Equal(t, flow.DefaultWindowAge, cfg.WindowAge())
	assert.Equal(t, flow.NewMatcher(), cfg.Matcher())
	assert.Equal(t, flow.DefaultLearnOptions(), cfg.LearnOptions())
	assert.Equal(t, "127.0.0.1:8088", cfg.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
watch:
  - watch_path: units
    patterns: ["*.unit", "*.yaml"]
    recursive: false
    poll_interval_ms: 250
  - watch_path: /srv/plugins
swap:
  apply_timeout: 5s
  supersede: false
store:
  driver: memory
analysis:
  group_by: user
  max_gap: 3
server:
  port: 9000
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	require.Len(t, cfg.Watch, 2)
	first := cfg.Watch[0]
	assert.Equal(t, filepath.Join(filepath.Dir(path), "units"), first.WatchPath)
	assert.Equal(t, []string{"*.unit", "*.yaml"}, first.Patterns)
	assert.False(t, first.IsRecursive())
	assert.Equal(t, 250*time.Millisecond, first.PollInterval())

	second := cfg.Watch[1]
	assert.Equal(t, "/srv/plugins", second.WatchPath)
	assert.Equal(t, DefaultPatterns, second.Patterns)
	assert.True(t, second.IsRecursive())
	assert.Equal(t, 500*time.Millisecond, second.PollInterval())

	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout())
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout(), "unset keys keep defaults")
	assert.False(t, cfg.Swap.Supersede)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, flow.ByUser, cfg.GroupBy())
	assert.Equal(t, 3, cfg.Matcher().DefaultMaxGap)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
swap:
  apply_timeout: 5s
  drain_timeout: 6s
server:
  port: 9000
log:
  level: warn
`)
	t.Setenv("HOTSWAP_SWAP__APPLY_TIMEOUT", "7s")
	t.Setenv("HOTSWAP_SERVER__PORT", "9100")

	cfg, err := Load(path, map[string]any{"server.port": 9200})
	require.NoError(t, err)

	assert.Equal(t, 7*time.Second, cfg.ApplyTimeout(), "env beats file")
	assert.Equal(t, 6*time.Second, cfg.DrainTimeout(), "file beats defaults")
	assert.Equal(t, 9200, cfg.Server.Port, "overrides beat env")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEmptyValuesAreUnset(t *testing.T) {
	path := writeConfig(t, `
store:
  path: from-file.db
server:
  host: 10.0.0.1
`)
	tests := []struct {
		name      string
		env       map[string]string
		overrides map[string]any
		wantPath  string
		wantHost  string
	}{
		{
			name:     "empty env keeps the file",
			env:      map[string]string{"HOTSWAP_STORE__PATH": ""},
			wantPath: "from-file.db",
			wantHost: "10.0.0.1",
		},
		{
			name:      "empty override keeps the env",
			env:       map[string]string{"HOTSWAP_STORE__PATH": "from-env.db"},
			overrides: map[string]any{"store.path": ""},
			wantPath:  "from-env.db",
			wantHost:  "10.0.0.1",
		},
		{
			name:      "nil override keeps the file",
			overrides: map[string]any{"server.host": nil},
			wantPath:  "from-file.db",
			wantHost:  "10.0.0.1",
		},
		{
			name:      "set values still win",
			env:       map[string]string{"HOTSWAP_STORE__PATH": "from-env.db", "HOTSWAP_SERVER__HOST": ""},
			overrides: map[string]any{"server.host": "0.0.0.0"},
			wantPath:  "from-env.db",
			wantHost:  "0.0.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(path, tt.overrides)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, cfg.Store.Path)
			assert.Equal(t, tt.wantHost, cfg.Server.Host)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"bad apply timeout", map[string]any{"swap.apply_timeout": "soon"}, "swap.apply_timeout"},
		{"zero drain timeout", map[string]any{"swap.drain_timeout": "0s"}, "swap.drain_timeout must be > 0"},
		{"unknown driver", map[string]any{"store.driver": "postgres"}, "unsupported store.driver"},
		{"sqlite without path", map[string]any{"store.path": " "}, "store.path is required"},
		{"unknown grouping", map[string]any{"analysis.group_by": "host"}, "analysis.group_by"},
		{"empty window", map[string]any{"analysis.window_events": 0}, "analysis.window_events"},
		{"gap below unbounded", map[string]any{"analysis.max_gap": -2}, "analysis.max_gap"},
		{"floor above one", map[string]any{"analysis.learn_floor": 1.5}, "analysis.learn_floor"},
		{"no support", map[string]any{"analysis.learn_min_support": 0}, "analysis.learn_min_support"},
		{"bad port", map[string]any{"server.port": 70000}, "invalid server.port"},
		{"bad mode", map[string]any{"server.mode": "prod"}, "invalid server.mode"},
		{"bad level", map[string]any{"log.level": "trace"}, "invalid log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateWatch(t *testing.T) {
	path := writeConfig(t, `
watch:
  - patterns: ["*.unit"]
`)
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch[0].watch_path is required")

	path = writeConfig(t, `
watch:
  - watch_path: units
    patterns: ["[unterminated"]
`)
	_, err = Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}
