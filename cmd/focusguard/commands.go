package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/aggregator"
	"github.com/eliteGoblin/focusd/focusguard/internal/config"
	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate the recorded activity once",
	Long: `Summarizes the activity recorded by a running supervisor and runs the
local policy over it. Prints the decision and the top entries of each window.
No intervention is shown and nothing is sent to the LLM.`,
	RunE: runCheck,
}

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Manage the current goal",
}

var goalSetCmd = &cobra.Command{
	Use:   "set <text>",
	Short: "Start a new goal, abandoning the current one",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGoalSet,
}

var goalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current goal",
	RunE:  runGoalShow,
}

var goalDoneCmd = &cobra.Command{
	Use:   "done",
	Short: "Mark the current goal completed",
	RunE:  func(cmd *cobra.Command, args []string) error { return finishGoal(cmd, domain.GoalCompleted) },
}

var goalAbandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "Abandon the current goal",
	RunE:  func(cmd *cobra.Command, args []string) error { return finishGoal(cmd, domain.GoalAbandoned) },
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trust, balance and goal",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset trust and balance to their initial values",
	Long:  `Restores trust to its initial score and the balance to zero. Transaction history is kept.`,
	RunE:  runReset,
}

var resetConfirm bool

func init() {
	goalCmd.AddCommand(goalSetCmd, goalShowCmd, goalDoneCmd, goalAbandonCmd)
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "Confirm the reset")
}

// withStores loads config, opens both databases and runs fn.
func withStores(cmd *cobra.Command, fn func(cfg *config.Config, st *stores, logger *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg)
	defer logger.Sync()

	st, err := openStores(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st, logger)
}

func runGoalSet(cmd *cobra.Command, args []string) error {
	return withStores(cmd, func(_ *config.Config, st *stores, _ *zap.Logger) error {
		g, err := st.profile.SetGoal(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Goal #%d: %s\n", g.ID, g.Text)
		return nil
	})
}

func runGoalShow(cmd *cobra.Command, args []string) error {
	return withStores(cmd, func(_ *config.Config, st *stores, _ *zap.Logger) error {
		g, err := st.profile.Active(cmd.Context())
		if errors.Is(err, domain.ErrNoActiveGoal) {
			fmt.Fprintln(cmd.OutOrStdout(), "No active goal. Set one with: focusguard goal set <text>")
			return nil
		}
		if err != nil {
			return err
		}
		printGoal(cmd.OutOrStdout(), g)
		return nil
	})
}

func finishGoal(cmd *cobra.Command, status domain.GoalStatus) error {
	return withStores(cmd, func(_ *config.Config, st *stores, _ *zap.Logger) error {
		g, err := st.profile.FinishGoal(cmd.Context(), status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Goal #%d %s after %s\n", g.ID, g.Status, time.Since(g.StartedAt).Round(time.Minute))
		return nil
	})
}

func printGoal(w io.Writer, g domain.Goal) {
	fmt.Fprintf(w, "Goal #%d: %s (since %s)\n", g.ID, g.Text, g.StartedAt.Format("15:04"))
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStores(cmd, func(cfg *config.Config, st *stores, logger *zap.Logger) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		p, err := st.profile.Read(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Trust:   %d (%s)\n", p.TrustScore, p.Tier())
		fmt.Fprintf(out, "Balance: %d\n", p.Balance)

		g, err := st.profile.Active(ctx)
		switch {
		case errors.Is(err, domain.ErrNoActiveGoal):
			fmt.Fprintln(out, "Goal:    none")
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "Goal:    %s\n", g.Text)
		}

		hist, err := st.activity.History(ctx, 5)
		if err != nil {
			return err
		}
		if len(hist) > 0 {
			fmt.Fprintln(out, "\nRecent actions:")
			for _, h := range hist {
				fmt.Fprintf(out, "  %s  %-16s %s\n", h.At.Format("15:04"), h.ActionType, h.Outcome)
			}
		}

		agg := aggregator.New(cfg.Aggregator, st.activity, logger).WithSessions(st.activity)
		if in := agg.History(ctx, time.Now()).Insights; in.Blocks > 0 {
			fmt.Fprintf(out, "\nPatterns (%d blocks):\n", in.Blocks)
			fmt.Fprintf(out, "  Peak focus:  %02d:00 (%.0f%%)\n", in.PeakHour, in.PeakDensity*100)
			fmt.Fprintf(out, "  Distraction: %s\n", in.DistractionTrend)
			fmt.Fprintf(out, "  Fatigue:     %s\n", in.Fatigue)
			if len(in.TopApps) > 0 {
				fmt.Fprintf(out, "  Top apps:    %s\n", strings.Join(in.TopApps, ", "))
			}
		}
		return nil
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return errors.New("refusing to reset without --yes")
	}
	return withStores(cmd, func(cfg *config.Config, st *stores, logger *zap.Logger) error {
		p, err := economy.NewLedger(st.profile, cfg.Economy, logger).Reset(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile reset: trust %d, balance %d\n", p.TrustScore, p.Balance)
		return nil
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withStores(cmd, func(cfg *config.Config, st *stores, logger *zap.Logger) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		goal, err := st.profile.Active(ctx)
		if err != nil && !errors.Is(err, domain.ErrNoActiveGoal) {
			return err
		}
		p, err := st.profile.Read(ctx)
		if err != nil {
			return err
		}

		agg := aggregator.New(cfg.Aggregator, st.activity, logger)
		windows := agg.Summarize(ctx, time.Now(), domain.InstantWindow, domain.ShortWindow, domain.ContextWindow)
		decision := policy.New(cfg.Policy).Evaluate(policy.Input{
			Windows:    windows,
			Goal:       goal,
			TrustScore: p.TrustScore,
		})

		fmt.Fprintf(out, "Decision: %s", decision.Verdict)
		if decision.Tier > 0 {
			fmt.Fprintf(out, " (tier %d, confidence %.2f)", decision.Tier, decision.Confidence)
		}
		fmt.Fprintf(out, "\nReason:   %s\n", decision.Reason)

		for _, d := range []time.Duration{domain.InstantWindow, domain.ShortWindow, domain.ContextWindow} {
			win := windows.Get(d)
			fmt.Fprintf(out, "\nLast %s:\n", d)
			if win.Empty() {
				fmt.Fprintln(out, "  (no activity)")
				continue
			}
			for _, e := range win.TopEntries {
				fmt.Fprintf(out, "  %6s  %-20s %s\n", e.TotalDuration.Round(time.Second), e.AppName, e.WindowTitle)
			}
		}
		return nil
	})
}
