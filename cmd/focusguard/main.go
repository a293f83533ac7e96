// Package main is the CLI entry point for focusguard.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/focusguard/internal/config"
	"github.com/eliteGoblin/focusd/focusguard/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "focusguard",
	Short: "Keeps you on the goal you set",
	Long: `focusguard watches the focused window, decides whether you are drifting
from your current goal and offers an intervention when you are: close the
tab, snooze, whitelist the app for a while, or turn on strict mode.

Clear-cut cases are decided locally. Ambiguous ones are sent to an LLM.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	RunE:  runVersion,
}

var (
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(goalCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// createLogger writes JSON logs to the configured file, falling back to
// stderr when the file cannot be opened.
func createLogger(cfg *config.Config) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{cfg.LogFile}
	zc.ErrorOutputPaths = []string{cfg.LogFile}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err == nil {
		if logger, err := zc.Build(); err == nil {
			return logger
		}
	}
	logger, _ := zap.NewProduction()
	return logger
}

// stores are the two databases every command works on.
type stores struct {
	profile  *infra.ProfileDB
	activity *infra.ActivityDB
}

func openStores(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load profile key: %w", err)
	}
	profile, err := infra.OpenProfileDB(cfg.DataDir, key, logger)
	if err != nil {
		return nil, err
	}
	activity, err := infra.OpenActivityDB(cmd.Context(), cfg.DataDir, logger)
	if err != nil {
		profile.Close()
		return nil, err
	}
	return &stores{profile: profile, activity: activity}, nil
}

func (s *stores) Close() {
	s.activity.Close()
	s.profile.Close()
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return json.NewEncoder(out).Encode(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
	}
	fmt.Fprintf(out, "focusguard %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	return nil
}
