// Package config resolves hotswap configuration.
//
// Values are layered, each layer overriding the one before it: built-in
// defaults, then the YAML file, then HOTSWAP_* environment variables, then
// runtime overrides supplied by the caller (usually CLI flags).
// Environment names map to keys by dropping the prefix, lower-casing and
// turning "__" into ".": HOTSWAP_SWAP__APPLY_TIMEOUT sets swap.apply_timeout.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/hotswap/internal/flow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HOTSWAP_"

// Config is the resolved configuration.
type Config struct {
	Watch    []WatchConfig  `koanf:"watch"`
	Swap     SwapConfig     `koanf:"swap"`
	Store    StoreConfig    `koanf:"store"`
	Analysis AnalysisConfig `koanf:"analysis"`
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
}

// WatchConfig is one watched location. Zero fields take the watch defaults.
type WatchConfig struct {
	WatchPath      string   `koanf:"watch_path"`
	Patterns       []string `koanf:"patterns"`
	Recursive      *bool    `koanf:"recursive"`
	PollIntervalMS int      `koanf:"poll_interval_ms"`
}

// Watch defaults.
var (
	DefaultPatterns       = []string{"*.unit"}
	DefaultPollIntervalMS = 500
)

// IsRecursive reports the recursive flag, true when unset.
func (w WatchConfig) IsRecursive() bool {
	return w.Recursive == nil || *w.Recursive
}

// PollInterval returns the debounce interval for the location.
func (w WatchConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

type SwapConfig struct {
	ApplyTimeout         string `koanf:"apply_timeout"`
	DrainTimeout         string `koanf:"drain_timeout"`
	Supersede            bool   `koanf:"supersede"`
	AllowMethodAdditions bool   `koanf:"allow_method_additions"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory | sqlite
	Path   string `koanf:"path"`
}

type AnalysisConfig struct {
	Enabled         bool     `koanf:"enabled"`
	GroupBy         string   `koanf:"group_by"`
	WindowEvents    int      `koanf:"window_events"`
	WindowAge       string   `koanf:"window_age"`
	MaxGap          int      `koanf:"max_gap"`
	LearnFloor      float64  `koanf:"learn_floor"`
	LearnMinSupport int      `koanf:"learn_min_support"`
	Workers         int      `koanf:"workers"`
	Library         []string `koanf:"library"`
}

type ServerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Mode    string `koanf:"mode"` // debug | release | test
}

type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

// Defaults returns the built-in values.
func Defaults() map[string]any {
	return map[string]any{
		"swap.apply_timeout":          "30s",
		"swap.drain_timeout":          "30s",
		"swap.supersede":              true,
		"swap.allow_method_additions": false,
		"store.driver":                "sqlite",
		"store.path":                  "hotswap.db",
		"analysis.enabled":            true,
		"analysis.group_by":           string(flow.ByCorrelation),
		"analysis.window_events":      flow.DefaultWindowEvents,
		"analysis.window_age":         flow.DefaultWindowAge.String(),
		"analysis.max_gap":            flow.Unbounded,
		"analysis.learn_floor":        0.3,
		"analysis.learn_min_support":  2,
		"analysis.workers":            0,
		"server.enabled":              true,
		"server.host":                 "127.0.0.1",
		"server.port":                 8088,
		"server.mode":                 "release",
		"log.level":                   "info",
	}
}

// Load resolves configuration from defaults, the file at path (skipped when
// empty), the environment and overrides, in that order, then validates it.
// Empty environment values and empty string overrides are treated as unset,
// so they never hide a lower source.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		k.Set(key, value)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	for key, value := range overrides {
		if value == nil || value == "" {
			continue
		}
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyWatchDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue maps HOTSWAP_SECTION__FIELD onto section.field. A blank key
// drops the variable.
func envValue(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", "."), value
}

// applyWatchDefaults fills unset tuple fields. Relative watch paths are
// resolved against the config file's directory.
func (c *Config) applyWatchDefaults(configPath string) {
	for i := range c.Watch {
		w := &c.Watch[i]
		if len(w.Patterns) == 0 {
			w.Patterns = append([]string(nil), DefaultPatterns...)
		}
		if w.PollIntervalMS == 0 {
			w.PollIntervalMS = DefaultPollIntervalMS
		}
		if configPath != "" && w.WatchPath != "" && !filepath.IsAbs(w.WatchPath) {
			w.WatchPath = filepath.Join(filepath.Dir(configPath), w.WatchPath)
		}
	}
}

// Validate checks every field.
func (c *Config) Validate() error {
	for i, w := range c.Watch {
		if strings.TrimSpace(w.WatchPath) == "" {
			return fmt.Errorf("watch[%d].watch_path is required", i)
		}
		for _, p := range w.Patterns {
			if _, err := filepath.Match(p, ""); err != nil {
				return fmt.Errorf("watch[%d]: invalid pattern %q: %w", i, p, err)
			}
		}
		if w.PollIntervalMS < 0 {
			return fmt.Errorf("watch[%d].poll_interval_ms must be >= 0", i)
		}
	}

	if _, err := positiveDuration("swap.apply_timeout", c.Swap.ApplyTimeout); err != nil {
		return err
	}
	if _, err := positiveDuration("swap.drain_timeout", c.Swap.DrainTimeout); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q (must be memory or sqlite)", c.Store.Driver)
	}

	if _, err := flow.ParseGroupBy(c.Analysis.GroupBy); err != nil {
		return fmt.Errorf("analysis.group_by: %w", err)
	}
	if c.Analysis.WindowEvents <= 0 {
		return fmt.Errorf("analysis.window_events must be > 0")
	}
	if _, err := positiveDuration("analysis.window_age", c.Analysis.WindowAge); err != nil {
		return err
	}
	if c.Analysis.MaxGap < flow.Unbounded {
		return fmt.Errorf("analysis.max_gap must be >= %d", flow.Unbounded)
	}
	if c.Analysis.LearnFloor < 0 || c.Analysis.LearnFloor > 1 {
		return fmt.Errorf("analysis.learn_floor must be within [0,1]")
	}
	if c.Analysis.LearnMinSupport < 1 {
		return fmt.Errorf("analysis.learn_min_support must be >= 1")
	}
	if c.Analysis.Workers < 0 {
		return fmt.Errorf("analysis.workers must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid server.mode %q (must be debug, release or test)", c.Server.Mode)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

func positiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

// ApplyTimeout is the parsed swap.apply_timeout. Valid after Load.
func (c *Config) ApplyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Swap.ApplyTimeout)
	return d
}

// DrainTimeout is the parsed swap.drain_timeout. Valid after Load.
func (c *Config) DrainTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Swap.DrainTimeout)
	return d
}

// WindowAge is the parsed analysis.window_age. Valid after Load.
func (c *Config) WindowAge() time.Duration {
	d, _ := time.ParseDuration(c.Analysis.WindowAge)
	return d
}

// GroupBy is the parsed analysis.group_by. Valid after Load.
func (c *Config) GroupBy() flow.GroupBy {
	g, _ := flow.ParseGroupBy(c.Analysis.GroupBy)
	return g
}

// Matcher builds the flow matcher the analysis settings describe.
func (c *Config) Matcher() flow.Matcher {
	return flow.Matcher{DefaultMaxGap: c.Analysis.MaxGap}
}

// LearnOptions returns the learning thresholds.
func (c *Config) LearnOptions() flow.LearnOptions {
	return flow.LearnOptions{
		Floor:      c.Analysis.LearnFloor,
		MinSupport: c.Analysis.LearnMinSupport,
		MinLength:  2,
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
