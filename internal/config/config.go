// Package config loads the FocusGuard YAML configuration and watches it for
// changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/focusguard/internal/aggregator"
	"github.com/eliteGoblin/focusd/focusguard/internal/daemon"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
	"github.com/eliteGoblin/focusd/focusguard/internal/judgment"
	"github.com/eliteGoblin/focusd/focusguard/internal/llm"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
	"github.com/eliteGoblin/focusd/focusguard/internal/usecase"
)

const (
	EnvAPIKey   = "FOCUSGUARD_LLM_API_KEY"
	EnvProvider = "FOCUSGUARD_LLM_PROVIDER"
	EnvModel    = "FOCUSGUARD_LLM_MODEL"
	EnvDataDir  = "FOCUSGUARD_DATA_DIR"
)

const (
	minInterval     = 5 * time.Second
	minPollInterval = time.Second
)

// EnforcementConfig tunes the window actions and the console dialog.
type EnforcementConfig struct {
	SettleDelay   time.Duration `yaml:"settle_delay"`
	DialogTimeout time.Duration `yaml:"dialog_timeout"`
}

// Config is the whole daemon configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	Supervision daemon.Config              `yaml:"supervision"`
	Aggregator  aggregator.Config          `yaml:"aggregator"`
	Policy      policy.Rules               `yaml:"policy"`
	Economy     economy.Config             `yaml:"economy"`
	Judgment    judgment.Config            `yaml:"judgment"`
	Consistency judgment.ConsistencyConfig `yaml:"consistency"`
	LLM         llm.Config                 `yaml:"llm"`
	Actions     usecase.DispatcherConfig   `yaml:"actions"`
	Blocker     usecase.BlockerConfig      `yaml:"blocker"`
	Enforcement EnforcementConfig          `yaml:"enforcement"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	dataDir := filepath.Join(homeDir(), ".local", "share", "focusguard")
	return &Config{
		DataDir:     dataDir,
		LogFile:     filepath.Join(dataDir, "focusguard.log"),
		LogLevel:    "info",
		Supervision: daemon.DefaultConfig(),
		Aggregator:  aggregator.DefaultConfig(),
		Policy:      policy.DefaultRules(),
		Economy:     economy.DefaultConfig(),
		Judgment:    judgment.DefaultConfig(),
		Consistency: judgment.DefaultConsistencyConfig(),
		LLM:         llm.DefaultConfig(),
		Actions:     usecase.DefaultDispatcherConfig(),
		Blocker:     usecase.DefaultBlockerConfig(),
		Enforcement: EnforcementConfig{
			SettleDelay:   200 * time.Millisecond,
			DialogTimeout: 60 * time.Second,
		},
	}
}

// DefaultPath is ~/.config/focusguard/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".config", "focusguard", "config.yaml")
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.TempDir()
}

// Load overlays the file at path on the defaults. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvProvider); v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// Save writes the config atomically: a temp file in the same directory is
// renamed over path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install config: %w", err)
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Supervision.Interval < minInterval {
		errs = append(errs, fmt.Errorf("supervision.interval %v is below %v", c.Supervision.Interval, minInterval))
	}
	if c.Supervision.StrictInterval < minInterval {
		errs = append(errs, fmt.Errorf("supervision.strict_interval %v is below %v", c.Supervision.StrictInterval, minInterval))
	}
	if c.Supervision.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("supervision.poll_interval %v is below %v", c.Supervision.PollInterval, minPollInterval))
	}
	if c.Supervision.RecoveryGrace > c.Supervision.RecoveryWindow {
		errs = append(errs, fmt.Errorf("supervision.recovery_grace %v exceeds recovery_window %v",
			c.Supervision.RecoveryGrace, c.Supervision.RecoveryWindow))
	}
	if c.Aggregator.BlockInterval < time.Minute {
		errs = append(errs, fmt.Errorf("aggregator.block_interval %v is below %v", c.Aggregator.BlockInterval, time.Minute))
	}
	if !unitInterval(c.Policy.AmbiguityThreshold) {
		errs = append(errs, fmt.Errorf("policy.ambiguity_threshold %v is outside (0,1]", c.Policy.AmbiguityThreshold))
	}
	if !unitInterval(c.Policy.TrendThreshold) {
		errs = append(errs, fmt.Errorf("policy.trend_threshold %v is outside (0,1]", c.Policy.TrendThreshold))
	}
	if c.Economy.BankruptcyFloor > 0 {
		errs = append(errs, fmt.Errorf("economy.bankruptcy_floor %d must not be positive", c.Economy.BankruptcyFloor))
	}
	if c.Economy.StreakMinPct > c.Economy.StreakMaxPct {
		errs = append(errs, fmt.Errorf("economy.streak_min_pct %d exceeds streak_max_pct %d", c.Economy.StreakMinPct, c.Economy.StreakMaxPct))
	}
	if c.Consistency.AdjustScore > c.Consistency.ApproveScore {
		errs = append(errs, fmt.Errorf("consistency.adjust_score %v exceeds approve_score %v", c.Consistency.AdjustScore, c.Consistency.ApproveScore))
	}
	if c.Judgment.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("judgment.max_attempts %d must be at least 1", c.Judgment.MaxAttempts))
	}
	switch c.LLM.Provider {
	case llm.ProviderOpenAI, llm.ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of %s, %s", c.LLM.Provider, llm.ProviderOpenAI, llm.ProviderGemini))
	}
	return errors.Join(errs...)
}

func unitInterval(v float64) bool {
	return v > 0 && v <= 1
}
