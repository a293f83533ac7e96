package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
)

// DispatcherConfig holds action defaults.
type DispatcherConfig struct {
	StrictModeDefault time.Duration `yaml:"strict_mode_default"`
	WhitelistDefault  time.Duration `yaml:"whitelist_default"`
	BlockDefault      time.Duration `yaml:"block_default"`
	// ClosedKeywordTTL is how long a closed tab's keyword is ignored by the policy.
	ClosedKeywordTTL time.Duration `yaml:"closed_keyword_ttl"`
	// PurgeWindow is how far back activity matching a closed tab is deleted.
	PurgeWindow time.Duration `yaml:"purge_window"`
}

// DefaultDispatcherConfig returns the default action settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		StrictModeDefault: 30 * time.Minute,
		WhitelistDefault:  time.Hour,
		BlockDefault:      time.Hour,
		ClosedKeywordTTL:  5 * time.Minute,
		PurgeWindow:       5 * time.Minute,
	}
}

// ActionContext is what the dispatcher knows about the situation an option
// was chosen in.
type ActionContext struct {
	Goal    domain.Goal
	Summary string
	Entry   domain.WindowEntry
}

// ChoiceChecker reviews a paid choice before it is applied.
type ChoiceChecker interface {
	Review(ctx context.Context, r domain.ChoiceReview) domain.ConsistencyVerdict
}

// Dispatcher applies chosen intervention options.
type Dispatcher struct {
	ledger      *economy.Ledger
	pending     *PendingSet
	whitelist   *ExpiringSet
	closed      *ExpiringSet
	blocker     *AppBlocker
	enforcement domain.Enforcement
	activity    domain.ActivityLog
	audit       domain.AuditLog
	checker     ChoiceChecker
	clock       Clock
	config      DispatcherConfig
	logger      *zap.Logger
}

// DispatcherDeps are the collaborators a Dispatcher drives.
type DispatcherDeps struct {
	Ledger      *economy.Ledger
	Pending     *PendingSet
	Whitelist   *ExpiringSet
	Closed      *ExpiringSet
	Blocker     *AppBlocker
	Enforcement domain.Enforcement
	Activity    domain.ActivityLog
	Audit       domain.AuditLog
	// Checker, when set, reviews paid snoozes and whitelist grants.
	Checker ChoiceChecker
	Clock   Clock
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		ledger:      deps.Ledger,
		pending:     deps.Pending,
		whitelist:   deps.Whitelist,
		closed:      deps.Closed,
		blocker:     deps.Blocker,
		enforcement: deps.Enforcement,
		activity:    deps.Activity,
		audit:       deps.Audit,
		checker:     deps.Checker,
		clock:       clock,
		config:      config,
		logger:      logger,
	}
}

// Prepare gates a judgment's options against the current balance.
func (d *Dispatcher) Prepare(ctx context.Context, j domain.Judgment) (domain.Judgment, error) {
	profile, err := d.ledger.Profile(ctx)
	if err != nil {
		return j, err
	}
	j.Options = d.ledger.Gate(profile, j.Options)
	return j, nil
}

// Apply executes one option. Disabled or unaffordable options are rejected
// without touching the ledger. Window actions that fail verification return
// an EnforcementAbortedError and apply no trust or cost.
func (d *Dispatcher) Apply(ctx context.Context, opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	if !opt.ActionType.Valid() {
		return domain.ActionOutcome{}, fmt.Errorf("%w: %q", domain.ErrUnknownActionType, opt.ActionType)
	}
	if opt.Disabled {
		if opt.DisabledReason == economy.InsufficientBalanceReason {
			return domain.ActionOutcome{}, fmt.Errorf("%w: %w", domain.ErrOptionDisabled, domain.ErrInsufficientFunds)
		}
		return domain.ActionOutcome{}, fmt.Errorf("%w: %s", domain.ErrOptionDisabled, opt.DisabledReason)
	}

	cost := d.ledger.Price(opt)
	impact := opt.TrustImpact
	if cost > 0 {
		profile, err := d.ledger.Profile(ctx)
		if err != nil {
			return domain.ActionOutcome{}, err
		}
		if cost > profile.Balance {
			return domain.ActionOutcome{}, fmt.Errorf("%s costs %d, balance %d: %w",
				opt.ActionType, cost, profile.Balance, domain.ErrInsufficientFunds)
		}
		if d.checker != nil && reviewed(opt.ActionType) {
			v := d.checker.Review(ctx, domain.ChoiceReview{
				Goal:    actx.Goal,
				Summary: actx.Summary,
				Entry:   actx.Entry,
				Option:  opt,
				Cost:    cost,
				At:      d.clock.Now(),
			})
			switch v.Decision {
			case domain.ConsistencyRejected:
				d.record(ctx, opt, actx, 0, 0, "rejected: "+v.Reason)
				d.logger.Info("choice rejected",
					zap.String("action", string(opt.ActionType)),
					zap.Float64("score", v.Score),
					zap.String("reason", v.Reason))
				return domain.ActionOutcome{ActionType: opt.ActionType},
					fmt.Errorf("%w: %s", domain.ErrChoiceRejected, v.Reason)
			case domain.ConsistencyPriceAdjusted:
				cost = min(v.Cost, profile.Balance)
				impact = v.TrustImpact
			}
		}
	}

	var (
		outcome domain.ActionOutcome
		err     error
	)
	switch opt.ActionType {
	case domain.ActionSnooze:
		outcome, err = d.snooze(opt)
	case domain.ActionDismiss:
		outcome = domain.ActionOutcome{Message: "dismissed"}
	case domain.ActionWhitelistTemp:
		outcome, err = d.whitelistTemp(opt, actx)
	case domain.ActionStrictMode:
		outcome, err = d.strictMode(opt)
	case domain.ActionCloseWindow:
		outcome, err = d.closeWindow(ctx, opt, actx)
	case domain.ActionMinimizeWindow:
		outcome, err = d.minimizeWindow(ctx, opt, actx)
	case domain.ActionCloseTab:
		outcome, err = d.closeTab(ctx, opt, actx)
	case domain.ActionBlockApp:
		outcome, err = d.blockApp(ctx, opt, actx)
	case domain.ActionForceCeaseFire:
		outcome, err = d.ceaseFire()
	default:
		return domain.ActionOutcome{}, fmt.Errorf("%w: %q", domain.ErrUnknownActionType, opt.ActionType)
	}

	if err != nil {
		d.record(ctx, opt, actx, 0, 0, "aborted: "+err.Error())
		d.logger.Warn("action aborted",
			zap.String("action", string(opt.ActionType)),
			zap.Error(err))
		return domain.ActionOutcome{ActionType: opt.ActionType}, err
	}

	profile, err := d.ledger.Settle(ctx, opt.ActionType, impact, cost)
	if err != nil {
		// the effect already happened; the ledger reports the last known profile
		d.logger.Warn("failed to settle applied action",
			zap.String("action", string(opt.ActionType)),
			zap.Error(err))
	}
	outcome.ActionType = opt.ActionType
	outcome.Applied = true
	outcome.Cost = cost
	outcome.TrustScore = profile.TrustScore
	outcome.Balance = profile.Balance

	d.record(ctx, opt, actx, impact, cost, outcome.Message)
	d.logger.Info("action applied",
		zap.String("action", string(opt.ActionType)),
		zap.Int("trust_impact", impact),
		zap.Int("cost", cost),
		zap.Int("trust", profile.TrustScore),
		zap.Int("balance", profile.Balance))
	return outcome, nil
}

// ApplyTimeout records a presentation that timed out as a DISMISS with no
// trust impact and no cost.
func (d *Dispatcher) ApplyTimeout(ctx context.Context, actx ActionContext) domain.ActionOutcome {
	opt := domain.InterventionOption{ActionType: domain.ActionDismiss}
	d.record(ctx, opt, actx, 0, 0, "timeout")
	return domain.ActionOutcome{ActionType: domain.ActionDismiss, Applied: true, Message: "timed out"}
}

// NewGoal cancels every pending enforcement and clears the temporary
// whitelist and closed keywords.
func (d *Dispatcher) NewGoal() {
	n := d.pending.CancelAll()
	d.whitelist.Clear()
	d.closed.Clear()
	d.logger.Info("timed state cleared for new goal", zap.Int("cancelled", n))
}

// Whitelist returns the active temporary whitelist.
func (d *Dispatcher) Whitelist() []string {
	return d.whitelist.Active()
}

// Suppressed returns keywords of recently closed tabs.
func (d *Dispatcher) Suppressed() []string {
	return d.closed.Active()
}

// Pending exposes the pending set.
func (d *Dispatcher) Pending() *PendingSet {
	return d.pending
}

// StrictModeActive reports whether a strict mode enforcement is live.
func (d *Dispatcher) StrictModeActive() bool {
	return len(d.pending.Active(domain.PendingStrictMode)) > 0
}

// HandleExpiry performs the cleanup side of an expired enforcement. It
// reports false when nothing ended, e.g. a whitelist entry that a later
// grant extended.
func (d *Dispatcher) HandleExpiry(p domain.PendingEnforcement) bool {
	if p.Kind == domain.PendingWhitelistTemp {
		if app, ok := p.Payload["app"].(string); ok {
			return d.whitelist.Expire(app, p.ExpiresAt)
		}
	}
	return true
}

func (d *Dispatcher) snooze(opt domain.InterventionOption) (domain.ActionOutcome, error) {
	dur := time.Duration(opt.SnoozeMinutes()) * time.Minute
	d.pending.CancelKind(domain.PendingSnooze)
	p := d.pending.Schedule(domain.PendingSnooze, dur, map[string]any{"duration_minutes": int(dur.Minutes())})
	return domain.ActionOutcome{
		Message: fmt.Sprintf("snoozed for %s", dur),
		Pending: &p,
	}, nil
}

func (d *Dispatcher) whitelistTemp(opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	app := opt.PayloadString("app")
	if app == "" {
		app = actx.Entry.AppName
	}
	app = normalizeApp(app)
	if app == "" {
		return domain.ActionOutcome{}, &domain.EnforcementAbortedError{Action: opt.ActionType, Reason: "no app to whitelist"}
	}

	dur := d.config.WhitelistDefault
	if h := opt.PayloadInt("duration_hours", 0); h > 0 {
		dur = time.Duration(h) * time.Hour
	} else {
		dur = minutesOr(opt, "duration_minutes", dur)
	}

	p := d.pending.Schedule(domain.PendingWhitelistTemp, dur, map[string]any{"app": app})
	d.whitelist.Add(app, p.ExpiresAt)
	return domain.ActionOutcome{
		Message: fmt.Sprintf("%s allowed for %s", app, dur),
		Pending: &p,
	}, nil
}

func (d *Dispatcher) strictMode(opt domain.InterventionOption) (domain.ActionOutcome, error) {
	dur := minutesOr(opt, "duration_minutes", d.config.StrictModeDefault)
	d.pending.CancelKind(domain.PendingStrictMode)
	p := d.pending.Schedule(domain.PendingStrictMode, dur, map[string]any{"duration_minutes": int(dur.Minutes())})
	return domain.ActionOutcome{
		Message: fmt.Sprintf("strict mode for %s", dur),
		Pending: &p,
	}, nil
}

func (d *Dispatcher) closeWindow(ctx context.Context, opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	keyword := targetKeyword(opt, actx)
	w, err := d.locate(ctx, opt.ActionType, keyword)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	if err := d.enforcement.CloseWindow(ctx, w.ID); err != nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "close failed: %v", err)
	}
	exists, err := d.enforcement.WindowExists(ctx, w.ID)
	if err != nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "cannot verify close: %v", err)
	}
	if exists {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "window %q still open", w.Title)
	}
	return domain.ActionOutcome{Message: fmt.Sprintf("closed %q", w.Title)}, nil
}

func (d *Dispatcher) minimizeWindow(ctx context.Context, opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	keyword := targetKeyword(opt, actx)
	w, err := d.locate(ctx, opt.ActionType, keyword)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	if err := d.enforcement.MinimizeWindow(ctx, w.ID); err != nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "minimize failed: %v", err)
	}
	active, err := d.enforcement.ActiveWindow(ctx)
	if err == nil && active.ID == w.ID {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "window %q still focused", w.Title)
	}

	outcome := domain.ActionOutcome{Message: fmt.Sprintf("minimized %q", w.Title)}
	if opt.PayloadInt("duration_minutes", 0) > 0 {
		snoozed, _ := d.snooze(opt)
		outcome.Pending = snoozed.Pending
	}
	return outcome, nil
}

func (d *Dispatcher) closeTab(ctx context.Context, opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	keyword := opt.PayloadString("keyword")
	if keyword == "" {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "no tab keyword")
	}
	prior, priorErr := d.enforcement.ActiveWindow(ctx)

	w, err := d.locate(ctx, opt.ActionType, keyword)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	if err := d.enforcement.FocusWindow(ctx, w.ID); err != nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "focus failed: %v", err)
	}
	// the keystroke goes to whatever has focus, so check again right before sending it
	active, err := d.enforcement.ActiveWindow(ctx)
	if err != nil || active.ID != w.ID {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "focus moved before close")
	}
	if ok, err := d.enforcement.VerifyTitle(ctx, w.ID, keyword); err != nil || !ok {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "tab %q no longer in front", keyword)
	}
	if err := d.enforcement.SendCloseKeystroke(ctx); err != nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "keystroke failed: %v", err)
	}
	if still, err := d.enforcement.VerifyTitle(ctx, w.ID, keyword); err == nil && still {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "tab %q still open", keyword)
	}

	if priorErr == nil && prior.ID != "" && prior.ID != w.ID {
		if err := d.enforcement.FocusWindow(ctx, prior.ID); err != nil {
			d.logger.Debug("failed to restore focus", zap.String("window", prior.ID), zap.Error(err))
		}
	}

	now := d.clock.Now()
	if d.activity != nil {
		n, err := d.activity.DeleteMatching(ctx, now.Add(-d.config.PurgeWindow), keyword)
		if err != nil {
			d.logger.Warn("failed to purge closed tab activity", zap.String("keyword", keyword), zap.Error(err))
		} else {
			d.logger.Debug("purged closed tab activity", zap.String("keyword", keyword), zap.Int64("rows", n))
		}
	}
	d.closed.Add(keyword, now.Add(d.config.ClosedKeywordTTL))
	return domain.ActionOutcome{Message: fmt.Sprintf("closed tab %q", keyword)}, nil
}

func (d *Dispatcher) blockApp(ctx context.Context, opt domain.InterventionOption, actx ActionContext) (domain.ActionOutcome, error) {
	if d.blocker == nil {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "app blocking unavailable")
	}
	app := opt.PayloadString("app")
	if app == "" {
		app = actx.Entry.AppName
	}
	if normalizeApp(app) == "" {
		return domain.ActionOutcome{}, aborted(opt.ActionType, "no app to block")
	}
	dur := minutesOr(opt, "duration_minutes", d.config.BlockDefault)
	blk, result, err := d.blocker.Block(ctx, app, dur)
	if err != nil {
		return domain.ActionOutcome{}, err
	}
	return domain.ActionOutcome{
		Message: fmt.Sprintf("%s blocked until %s, %d processes killed", blk.App, blk.ExpiresAt.Format("15:04"), len(result.KilledPIDs)),
	}, nil
}

func (d *Dispatcher) ceaseFire() (domain.ActionOutcome, error) {
	n := d.pending.CancelKind(domain.PendingSnooze)
	return domain.ActionOutcome{
		Message:   fmt.Sprintf("cease fire, %d pending snoozes cancelled", n),
		CeaseFire: true,
	}, nil
}

// locate finds the target window and verifies its title before acting.
func (d *Dispatcher) locate(ctx context.Context, action domain.ActionType, keyword string) (domain.WindowRef, error) {
	if d.enforcement == nil {
		return domain.WindowRef{}, aborted(action, "window control unavailable")
	}
	if strings.TrimSpace(keyword) == "" {
		return domain.WindowRef{}, aborted(action, "no window keyword")
	}
	w, err := d.enforcement.FindWindow(ctx, keyword)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.WindowRef{}, aborted(action, "no window matching %q", keyword)
	}
	if err != nil {
		return domain.WindowRef{}, aborted(action, "window lookup failed: %v", err)
	}
	ok, err := d.enforcement.VerifyTitle(ctx, w.ID, keyword)
	if err != nil || !ok {
		return domain.WindowRef{}, aborted(action, "window %s does not match %q", w.ID, keyword)
	}
	return w, nil
}

func (d *Dispatcher) record(ctx context.Context, opt domain.InterventionOption, actx ActionContext, impact, cost int, outcome string) {
	if d.audit == nil {
		return
	}
	rec := domain.AuditRecord{
		At:             d.clock.Now(),
		Goal:           actx.Goal.Text,
		ContextSummary: actx.Summary,
		ActionType:     opt.ActionType,
		TrustImpact:    impact,
		Cost:           cost,
		Outcome:        outcome,
	}
	if err := d.audit.Record(ctx, rec); err != nil {
		d.logger.Warn("failed to write audit record", zap.Error(err))
	}
}

// reviewed reports whether a paid action goes through the consistency check.
func reviewed(a domain.ActionType) bool {
	return a == domain.ActionSnooze || a == domain.ActionWhitelistTemp
}

func aborted(action domain.ActionType, format string, args ...any) error {
	return &domain.EnforcementAbortedError{Action: action, Reason: fmt.Sprintf(format, args...)}
}

func targetKeyword(opt domain.InterventionOption, actx ActionContext) string {
	if kw := opt.PayloadString("keyword"); kw != "" {
		return kw
	}
	return actx.Entry.WindowTitle
}

func minutesOr(opt domain.InterventionOption, key string, def time.Duration) time.Duration {
	if m := opt.PayloadInt(key, 0); m > 0 {
		return time.Duration(m) * time.Minute
	}
	return def
}
