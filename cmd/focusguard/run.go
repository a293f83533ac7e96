package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/aggregator"
	"github.com/eliteGoblin/focusd/focusguard/internal/config"
	"github.com/eliteGoblin/focusd/focusguard/internal/daemon"
	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
	"github.com/eliteGoblin/focusd/focusguard/internal/infra"
	"github.com/eliteGoblin/focusd/focusguard/internal/judgment"
	"github.com/eliteGoblin/focusd/focusguard/internal/llm"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
	"github.com/eliteGoblin/focusd/focusguard/internal/usecase"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor in the foreground",
	Long: `Runs the supervision loop in this terminal. Interventions are shown here
and answered by typing the option number.

Signals:
  SIGUSR1  cease fire: stop all interventions for the cooldown
  SIGUSR2  run a check now`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sup := buildSupervisor(ctx, cfg, st, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sigs:
				if s == syscall.SIGUSR1 {
					sup.CeaseFire()
				} else {
					sup.Trigger()
				}
			}
		}
	}()

	logger.Info("focusguard started",
		zap.String("version", Version),
		zap.Int("pid", os.Getpid()),
		zap.String("data_dir", cfg.DataDir))
	fmt.Fprintf(cmd.OutOrStdout(), "focusguard %s watching (pid %d). Ctrl-C to stop.\n", Version, os.Getpid())

	err = sup.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("focusguard stopped")
		return nil
	}
	return err
}

// buildSupervisor wires the production collaborators.
func buildSupervisor(ctx context.Context, cfg *config.Config, st *stores, logger *zap.Logger) *daemon.Supervisor {
	clock := usecase.SystemClock()
	procs := infra.NewProcessTable()
	xdo := infra.NewXDoTool(infra.ExecRunner{}, procs, cfg.Enforcement.SettleDelay, logger.Named("x11"))

	ledger := economy.NewLedger(st.profile, cfg.Economy, logger.Named("economy"))
	pol := policy.New(cfg.Policy)
	blocker := usecase.NewAppBlocker(procs, policy.NewAppRegistry(), ledger, clock, cfg.Blocker, logger.Named("blocker"))
	agg := aggregator.New(cfg.Aggregator, st.activity, logger.Named("aggregator")).WithSessions(st.activity)

	backend, err := llm.NewBackend(ctx, cfg.LLM, logger.Named("llm"))
	if err != nil {
		logger.Warn("judgment backend unavailable, running policy only", zap.Error(err))
		backend = nil
	}
	var checker usecase.ChoiceChecker
	if backend != nil && cfg.Consistency.Enabled {
		checker = judgment.NewConsistencyChecker(backend, cfg.Consistency, logger.Named("consistency")).
			WithHistory(agg.History)
	}

	dispatcher := usecase.NewDispatcher(usecase.DispatcherDeps{
		Ledger:      ledger,
		Pending:     usecase.NewPendingSet(clock, nil, logger.Named("pending")),
		Whitelist:   usecase.NewExpiringSet(clock),
		Closed:      usecase.NewExpiringSet(clock),
		Blocker:     blocker,
		Enforcement: xdo,
		Activity:    st.activity,
		Audit:       st.activity,
		Checker:     checker,
		Clock:       clock,
	}, cfg.Actions, logger.Named("dispatcher"))

	deps := daemon.Deps{
		Aggregator:   agg,
		Policy:       pol,
		OptionPolicy: cfg.Judgment,
		Dispatcher:   dispatcher,
		Ledger:       ledger,
		Goals:        st.profile,
		Presenter:    infra.NewConsole(os.Stdin, os.Stdout, cfg.Enforcement.DialogTimeout, logger.Named("console")),
		Sources:      []domain.ActivitySource{xdo},
		Log:          st.activity,
		Blocker:      blocker,
		Clock:        clock,
		Tasks: []func(ctx context.Context) error{
			func(ctx context.Context) error {
				err := config.Watch(ctx, configPath, config.DefaultDebounce, logger.Named("config"), func(c *config.Config) {
					pol.SetRules(c.Policy)
				})
				if err != nil && ctx.Err() == nil {
					// a missing config dir only disables hot reload
					logger.Warn("config watch disabled", zap.Error(err))
					return nil
				}
				return err
			},
		},
	}

	if backend != nil {
		deps.Judge = judgment.NewClient(backend, cfg.Judgment, logger.Named("judgment"))
	}

	return daemon.New(cfg.Supervision, deps, logger.Named("supervisor"))
}
