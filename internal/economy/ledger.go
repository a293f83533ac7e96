// Package economy prices intervention actions and keeps the trust score and
// coin balance in the profile store.
package economy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// InsufficientBalanceReason is the disabled reason for unaffordable options.
const InsufficientBalanceReason = "insufficient balance"

// Config holds prices and balance rules.
type Config struct {
	Prices              map[domain.ActionType]int `yaml:"prices"`
	SnoozePricePer10Min int                       `yaml:"snooze_price_per_10_min"`
	BankruptcyFloor     int                       `yaml:"bankruptcy_floor"`
	MiningRate          int                       `yaml:"mining_rate"`
	MiningInterval      time.Duration             `yaml:"mining_interval"`
	RelaunchPenalty     int                       `yaml:"relaunch_penalty"`

	// Streak pricing: each prior consecutive distracted cycle raises paid
	// prices by StreakSurchargePct, each prior focused cycle lowers them by
	// StreakDiscountPct, within [StreakMinPct, StreakMaxPct] of the base.
	StreakSurchargePct int `yaml:"streak_surcharge_pct"`
	StreakDiscountPct  int `yaml:"streak_discount_pct"`
	StreakMinPct       int `yaml:"streak_min_pct"`
	StreakMaxPct       int `yaml:"streak_max_pct"`
}

// DefaultConfig returns the default price table.
func DefaultConfig() Config {
	return Config{
		Prices: map[domain.ActionType]int{
			domain.ActionCloseTab:       5,
			domain.ActionCloseWindow:    5,
			domain.ActionMinimizeWindow: 2,
			domain.ActionWhitelistTemp:  20,
			domain.ActionBlockApp:       15,
			domain.ActionStrictMode:     -10,
			domain.ActionDismiss:        0,
			domain.ActionForceCeaseFire: 0,
		},
		SnoozePricePer10Min: 5,
		BankruptcyFloor:     -50,
		MiningRate:          1,
		MiningInterval:      30 * time.Second,
		RelaunchPenalty:     1,
		StreakSurchargePct:  20,
		StreakDiscountPct:   10,
		StreakMinPct:        50,
		StreakMaxPct:        200,
	}
}

// Streak counts consecutive cycle verdicts. Only one of the counters is
// non-zero at a time.
type Streak struct {
	Distractions int
	Focus        int
}

// Record extends the streak with one verdict.
func (s Streak) Record(distracted bool) Streak {
	if distracted {
		return Streak{Distractions: s.Distractions + 1}
	}
	return Streak{Focus: s.Focus + 1}
}

// Ledger applies trust and balance changes through a ProfileStore.
type Ledger struct {
	store  domain.ProfileStore
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	last   domain.TrustProfile // last profile read or written
	streak Streak
}

// NewLedger creates a ledger.
func NewLedger(store domain.ProfileStore, config Config, logger *zap.Logger) *Ledger {
	def := DefaultConfig()
	if config.Prices == nil {
		config.Prices = def.Prices
	}
	if config.StreakMinPct <= 0 {
		config.StreakMinPct = def.StreakMinPct
	}
	if config.StreakMaxPct < config.StreakMinPct {
		config.StreakMaxPct = config.StreakMinPct
	}
	return &Ledger{store: store, config: config, logger: logger}
}

// Config returns the ledger settings.
func (l *Ledger) Config() Config {
	return l.config
}

// Profile reads the current profile.
func (l *Ledger) Profile(ctx context.Context) (domain.TrustProfile, error) {
	p, err := l.store.Read(ctx)
	if err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	l.remember(p)
	return p, nil
}

// LastKnown returns the profile most recently read or written, without
// touching the store.
func (l *Ledger) LastKnown() domain.TrustProfile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Ledger) remember(p domain.TrustProfile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Version >= l.last.Version {
		l.last = p
	}
}

// apply writes a delta through the store. A failed write reports the last
// known profile, except for a floor rejection which carries the current one.
func (l *Ledger) apply(ctx context.Context, delta domain.ProfileDelta) (domain.TrustProfile, error) {
	p, err := l.store.ApplyDelta(ctx, delta)
	switch {
	case err == nil, errors.Is(err, domain.ErrInsufficientFunds):
		l.remember(p)
		return p, err
	default:
		return l.LastKnown(), err
	}
}

// RecordVerdict extends the distraction or focus streak with the outcome
// of one supervision cycle.
func (l *Ledger) RecordVerdict(distracted bool) Streak {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak = l.streak.Record(distracted)
	return l.streak
}

// Streak returns the current verdict streak.
func (l *Ledger) Streak() Streak {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streak
}

// ApplyTrustDelta adjusts trust and returns the clamped score.
func (l *Ledger) ApplyTrustDelta(ctx context.Context, delta int) (int, error) {
	p, err := l.apply(ctx, domain.ProfileDelta{Trust: delta, Reason: "trust"})
	if err != nil {
		return 0, fmt.Errorf("failed to apply trust delta: %w", err)
	}
	return p.TrustScore, nil
}

// ApplyBalanceDelta adjusts the balance. A debit that would cross the
// bankruptcy floor fails with ErrInsufficientFunds and changes nothing.
func (l *Ledger) ApplyBalanceDelta(ctx context.Context, delta int) (int, error) {
	floor := l.config.BankruptcyFloor
	p, err := l.apply(ctx, domain.ProfileDelta{Balance: delta, Floor: &floor, Reason: "balance"})
	if err != nil {
		return p.Balance, fmt.Errorf("failed to apply balance delta %d: %w", delta, err)
	}
	return p.Balance, nil
}

// Price returns the cost of an option. Negative prices are rebates and,
// like free actions, are not affected by the streak. Paid actions are
// scaled by the verdict streak and cost at least 1.
func (l *Ledger) Price(opt domain.InterventionOption) int {
	base := l.config.Prices[opt.ActionType]
	if opt.ActionType == domain.ActionSnooze {
		base = (opt.SnoozeMinutes()*l.config.SnoozePricePer10Min + 9) / 10
	}
	if base <= 0 {
		return base
	}
	price := (base*l.streakPct(l.Streak()) + 50) / 100
	if price < 1 {
		price = 1
	}
	return price
}

// streakPct is the percentage of the base price charged for a streak.
func (l *Ledger) streakPct(s Streak) int {
	pct := 100 + s.Distractions*l.config.StreakSurchargePct - s.Focus*l.config.StreakDiscountPct
	if pct < l.config.StreakMinPct {
		pct = l.config.StreakMinPct
	}
	if pct > l.config.StreakMaxPct {
		pct = l.config.StreakMaxPct
	}
	return pct
}

// Gate returns a copy of opts with every option priced above the balance
// disabled. Options already disabled keep their reason.
func (l *Ledger) Gate(profile domain.TrustProfile, opts []domain.InterventionOption) []domain.InterventionOption {
	out := make([]domain.InterventionOption, len(opts))
	copy(out, opts)
	for i := range out {
		if out[i].Disabled {
			continue
		}
		if price := l.Price(out[i]); price > 0 && price > profile.Balance {
			out[i].Disable(InsufficientBalanceReason)
		}
	}
	return out
}

// Settle applies an action's trust impact and cost as one atomic change.
// A positive cost may not take the balance below zero.
func (l *Ledger) Settle(ctx context.Context, action domain.ActionType, trustDelta, cost int) (domain.TrustProfile, error) {
	delta := domain.ProfileDelta{Trust: trustDelta, Balance: -cost, Reason: string(action)}
	if cost > 0 {
		zero := 0
		delta.Floor = &zero
	}
	p, err := l.apply(ctx, delta)
	if err != nil {
		return p, fmt.Errorf("failed to settle %s: %w", action, err)
	}
	l.logger.Debug("settled action",
		zap.String("action", string(action)),
		zap.Int("trust_delta", trustDelta),
		zap.Int("cost", cost),
		zap.Int("trust", p.TrustScore),
		zap.Int("balance", p.Balance))
	return p, nil
}

// Penalize debits amount, going below zero if needed but never below the
// bankruptcy floor. A penalty that would cross the floor is skipped.
func (l *Ledger) Penalize(ctx context.Context, amount int, reason string) (domain.TrustProfile, error) {
	floor := l.config.BankruptcyFloor
	p, err := l.apply(ctx, domain.ProfileDelta{Balance: -amount, Floor: &floor, Reason: reason})
	if errors.Is(err, domain.ErrInsufficientFunds) {
		l.logger.Info("penalty skipped at bankruptcy floor",
			zap.String("reason", reason),
			zap.Int("balance", p.Balance))
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("failed to apply penalty: %w", err)
	}
	l.logger.Info("penalty applied",
		zap.String("reason", reason),
		zap.Int("amount", amount),
		zap.Int("balance", p.Balance))
	return p, nil
}

// Mine credits the mining rate.
func (l *Ledger) Mine(ctx context.Context) (int, error) {
	p, err := l.apply(ctx, domain.ProfileDelta{Balance: l.config.MiningRate, Reason: "mining"})
	if err != nil {
		return 0, fmt.Errorf("failed to mine: %w", err)
	}
	return p.Balance, nil
}

// Run credits the mining rate every MiningInterval until ctx is done.
func (l *Ledger) Run(ctx context.Context) error {
	interval := l.config.MiningInterval
	if interval <= 0 {
		interval = DefaultConfig().MiningInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Mine(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("mining failed", zap.Error(err))
			}
		}
	}
}

// Reset restores the initial profile.
func (l *Ledger) Reset(ctx context.Context) (domain.TrustProfile, error) {
	p, err := l.store.Reset(ctx)
	if err != nil {
		return p, fmt.Errorf("failed to reset profile: %w", err)
	}
	l.mu.Lock()
	l.last = p
	l.streak = Streak{}
	l.mu.Unlock()
	l.logger.Info("profile reset", zap.Int("trust", p.TrustScore), zap.Int("balance", p.Balance))
	return p, nil
}
