// Package daemon runs the supervision loop and its background tasks.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/focusguard/internal/aggregator"
	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
	"github.com/eliteGoblin/focusd/focusguard/internal/judgment"
	"github.com/eliteGoblin/focusd/focusguard/internal/policy"
	"github.com/eliteGoblin/focusd/focusguard/internal/usecase"
)

// State is the supervision loop state.
type State string

const (
	StateIdle               State = "idle"
	StateSampling           State = "sampling"
	StatePolicyDecided      State = "policy_decided"
	StatePolicyDeferred     State = "policy_deferred"
	StateAwaitingJudgment   State = "awaiting_judgment"
	StatePresenting         State = "presenting"
	StateAwaitingUserChoice State = "awaiting_user_choice"
	StateApplying           State = "applying"
)

// Config holds supervision loop configuration.
type Config struct {
	Interval          time.Duration `yaml:"interval"`            // cycle cadence
	StrictInterval    time.Duration `yaml:"strict_interval"`     // cadence while strict mode is on
	CeaseFireCooldown time.Duration `yaml:"cease_fire_cooldown"` // no cycles after a cease fire
	RecoveryGrace     time.Duration `yaml:"recovery_grace"`      // recovery sooner than this after an intervention is not counted
	RecoveryWindow    time.Duration `yaml:"recovery_window"`     // recovery later than this after an intervention is not counted
	PollInterval      time.Duration `yaml:"poll_interval"`       // sensor sampling
	LogRetention      time.Duration `yaml:"log_retention"`
	ExpiryInterval    time.Duration `yaml:"expiry_interval"` // log expiry and pending sweep
	EventBuffer       int           `yaml:"event_buffer"`
}

// DefaultConfig returns default supervision configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		StrictInterval:    10 * time.Second,
		CeaseFireCooldown: 180 * time.Second,
		RecoveryGrace:     30 * time.Second,
		RecoveryWindow:    120 * time.Second,
		PollInterval:      3 * time.Second,
		LogRetention:      time.Hour,
		ExpiryInterval:    time.Minute,
		EventBuffer:       64,
	}
}

// Judge obtains a judgment from the LLM path.
type Judge interface {
	Judge(ctx context.Context, req judgment.Request) (domain.Judgment, error)
	Available() bool
}

// Deps are the collaborators the supervisor drives.
type Deps struct {
	Aggregator   *aggregator.Aggregator
	Policy       *policy.Policy
	Judge        Judge // nil runs the policy only
	OptionPolicy judgment.Config
	Dispatcher   *usecase.Dispatcher
	Ledger       *economy.Ledger
	Goals        domain.GoalStore
	Presenter    domain.Presentation
	Sources      []domain.ActivitySource
	Log          domain.ActivityLog
	Blocker      *usecase.AppBlocker
	Clock        usecase.Clock
	// Tasks run beside the loop, e.g. the config watcher.
	Tasks []func(ctx context.Context) error
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State           State
	CycleID         uint64
	StrictMode      bool
	SnoozeUntil     time.Time
	CooldownUntil   time.Time
	JudgmentEnabled bool
	LastDecision    domain.PolicyDecision
	Whitelist       []string
	Blocked         []domain.BlockedApp
}

type eventKind int

const (
	evTick eventKind = iota
	evJudged
	evChosen
	evApplied
	evExpired
	evCeaseFire
	evFailed
)

type event struct {
	kind     eventKind
	cycle    uint64
	judgment domain.Judgment
	choice   domain.Choice
	outcome  domain.ActionOutcome
	pending  domain.PendingEnforcement
	err      error
}

// cycle is one intervention attempt, from sampling to applying a choice.
type cycle struct {
	id       uint64
	ctx      context.Context
	cancel   context.CancelFunc
	goal     domain.Goal
	windows  domain.Windows
	decision domain.PolicyDecision
	judgment domain.Judgment
	forced   bool
	// judged is set once the cycle reached a verdict that counts toward
	// the pricing streak.
	judged bool
}

// Supervisor runs one supervision timeline. All cycle state is owned by the
// loop goroutine; other goroutines talk to it through the event queue.
type Supervisor struct {
	config Config
	deps   Deps
	clock  usecase.Clock
	logger *zap.Logger

	events chan event
	done   chan struct{}

	// loop-owned
	cur         *cycle
	nextID      uint64
	forced      []domain.Judgment
	goalID      int64
	bannerShown bool
	// lastIntervention is when the user last resolved a dialog.
	lastIntervention time.Time

	mu            sync.Mutex
	state         State
	cycleID       uint64
	cooldownUntil time.Time
	lastDecision  domain.PolicyDecision
}

// New creates a supervisor.
func New(config Config, deps Deps, logger *zap.Logger) *Supervisor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.StrictInterval <= 0 {
		config.StrictInterval = DefaultConfig().StrictInterval
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = DefaultConfig().RecoveryWindow
	}
	clock := deps.Clock
	if clock == nil {
		clock = usecase.SystemClock()
	}
	s := &Supervisor{
		config: config,
		deps:   deps,
		clock:  clock,
		logger: logger,
		events: make(chan event, config.EventBuffer),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	// expiries that fire before Run are queued for the loop
	deps.Dispatcher.Pending().SetExpiryHandler(func(p domain.PendingEnforcement) {
		s.post(event{kind: evExpired, pending: p})
	})
	return s
}

// Run starts the background tasks and the supervision loop.
// This blocks until context is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.deps.Sources {
		src := src
		g.Go(func() error { return s.pollSource(gctx, src) })
	}
	if s.deps.Log != nil {
		g.Go(func() error { return s.housekeeping(gctx) })
	}
	if s.deps.Aggregator.HasSessions() {
		g.Go(func() error { return s.compressSessions(gctx) })
	}
	if s.deps.Ledger != nil {
		g.Go(func() error { return s.deps.Ledger.Run(gctx) })
	}
	if s.deps.Blocker != nil {
		g.Go(func() error { return s.deps.Blocker.Run(gctx) })
	}
	for _, task := range s.deps.Tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error { return s.loop(gctx) })

	return g.Wait()
}

// Trigger requests a cycle now instead of waiting for the next tick.
func (s *Supervisor) Trigger() {
	s.post(event{kind: evTick})
}

// CeaseFire cancels any intervention in flight, drops pending snoozes and
// suppresses cycles for the cooldown period.
func (s *Supervisor) CeaseFire() {
	s.post(event{kind: evCeaseFire})
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:         s.state,
		CycleID:       s.cycleID,
		CooldownUntil: s.cooldownUntil,
		LastDecision:  s.lastDecision,
	}
	s.mu.Unlock()

	st.StrictMode = s.deps.Dispatcher.StrictModeActive()
	if snoozes := s.deps.Dispatcher.Pending().Active(domain.PendingSnooze); len(snoozes) > 0 {
		st.SnoozeUntil = snoozes[0].ExpiresAt
	}
	st.JudgmentEnabled = s.deps.Judge != nil && s.deps.Judge.Available()
	st.Whitelist = s.deps.Dispatcher.Whitelist()
	if s.deps.Blocker != nil {
		st.Blocked = s.deps.Blocker.Blocked()
	}
	return st
}

// post delivers an event to the loop, or drops it once the loop has exited.
func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Supervisor) loop(ctx context.Context) error {
	defer close(s.done)

	cadence := s.cadence()
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	s.logger.Info("supervision loop started", zap.Duration("interval", cadence))

	for {
		select {
		case <-ctx.Done():
			s.endCycle()
			s.logger.Info("supervision loop stopping")
			return ctx.Err()

		case <-ticker.C:
			s.onTick(ctx)

		case ev := <-s.events:
			s.handle(ctx, ev)
		}

		if s.State() == StateIdle && len(s.forced) > 0 {
			j := s.forced[0]
			s.forced = s.forced[1:]
			s.presentForced(ctx, j)
		}

		if want := s.cadence(); want != cadence {
			cadence = want
			ticker.Reset(cadence)
			s.logger.Info("supervision cadence changed", zap.Duration("interval", cadence))
		}
	}
}

func (s *Supervisor) cadence() time.Duration {
	if s.deps.Dispatcher.StrictModeActive() {
		return s.config.StrictInterval
	}
	return s.config.Interval
}

// State returns the loop state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("state", zap.String("from", string(prev)), zap.String("to", string(st)))
	}
}

func (s *Supervisor) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evTick:
		s.onTick(ctx)
	case evJudged:
		if c := s.current(ev.cycle); c != nil {
			s.onJudged(ctx, c, ev)
		} else {
			s.logger.Debug("stale judgment discarded", zap.Uint64("cycle", ev.cycle))
		}
	case evChosen:
		if c := s.current(ev.cycle); c != nil {
			s.onChosen(ctx, c, ev)
		} else {
			s.logger.Debug("stale choice discarded", zap.Uint64("cycle", ev.cycle))
		}
	case evApplied:
		s.onApplied(ctx, ev)
	case evExpired:
		s.onExpired(ctx, ev.pending)
	case evCeaseFire:
		s.onCeaseFire(ctx)
	case evFailed:
		if c := s.current(ev.cycle); c != nil {
			s.logger.Error("cycle failed", zap.Uint64("cycle", c.id), zap.Error(ev.err))
			s.endCycle()
		}
	}
}

func (s *Supervisor) onTick(ctx context.Context) {
	switch s.State() {
	case StateIdle:
		s.startCycle(ctx)
	case StateAwaitingJudgment, StateAwaitingUserChoice:
		s.recheck(ctx)
	default:
		s.logger.Debug("cycle in flight, tick skipped", zap.String("state", string(s.State())))
	}
}

func (s *Supervisor) startCycle(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	cooling := now.Before(s.cooldownUntil)
	s.mu.Unlock()
	if cooling {
		s.logger.Debug("cease fire cooldown, cycle skipped")
		return
	}
	if len(s.deps.Dispatcher.Pending().Active(domain.PendingSnooze)) > 0 {
		s.logger.Debug("snooze active, cycle skipped")
		return
	}

	goal, err := s.deps.Goals.Active(ctx)
	if errors.Is(err, domain.ErrNoActiveGoal) {
		s.logger.Debug("no active goal, cycle skipped")
		return
	}
	if err != nil {
		s.logger.Warn("failed to read goal", zap.Error(err))
		return
	}
	if s.goalID != 0 && goal.ID != s.goalID {
		s.deps.Dispatcher.NewGoal()
		s.forced = nil
	}
	s.goalID = goal.ID

	profile, err := s.deps.Ledger.Profile(ctx)
	if err != nil {
		s.logger.Warn("failed to read profile, cycle skipped", zap.Error(err))
		return
	}

	s.setState(StateSampling)
	windows := s.deps.Aggregator.Summarize(ctx, now, domain.InstantWindow, domain.ShortWindow, domain.ContextWindow)
	decision := s.deps.Policy.Evaluate(policy.Input{
		Windows:    windows,
		Goal:       goal,
		TrustScore: profile.TrustScore,
		Whitelist:  s.deps.Dispatcher.Whitelist(),
		Suppressed: s.deps.Dispatcher.Suppressed(),
		StrictMode: s.deps.Dispatcher.StrictModeActive(),
	})

	c := s.newCycle(ctx, goal)
	c.windows = windows
	c.decision = decision
	s.mu.Lock()
	s.lastDecision = decision
	s.mu.Unlock()

	s.logger.Debug("policy decision",
		zap.Uint64("cycle", c.id),
		zap.String("verdict", string(decision.Verdict)),
		zap.Int("tier", decision.Tier),
		zap.String("reason", decision.Reason))

	switch decision.Verdict {
	case domain.VerdictForceRecovery:
		s.setState(StatePolicyDecided)
		c.judgment = judgment.RecoveryJudgment(decision)
		c.judged = true
		if s.recoveredFromIntervention(now) {
			s.logger.Info("user back at work after intervention", zap.Uint64("cycle", c.id))
			s.backAtWork(ctx)
			return
		}
		s.conclude(ctx, c, c.judgment)
	case domain.VerdictForceDistraction:
		s.setState(StatePolicyDecided)
		j := judgment.FromDecision(decision, s.deps.Policy.IsGenericTool(decision.Entry.AppName))
		s.conclude(ctx, c, judgment.ApplyOptionPolicy(j, profile.TrustScore, s.deps.OptionPolicy))
	default:
		s.setState(StatePolicyDeferred)
		if decision.Insufficient || s.deps.Judge == nil || !s.deps.Judge.Available() {
			s.endCycle()
			return
		}
		s.requestJudgment(c, profile)
	}
}

func (s *Supervisor) newCycle(ctx context.Context, goal domain.Goal) *cycle {
	s.endCycle()
	s.nextID++
	cctx, cancel := context.WithCancel(ctx)
	c := &cycle{id: s.nextID, ctx: cctx, cancel: cancel, goal: goal}
	s.cur = c
	s.mu.Lock()
	s.cycleID = c.id
	s.mu.Unlock()
	return c
}

// endCycle cancels whatever the current cycle still has in flight, records
// its verdict in the pricing streak and returns to Idle.
func (s *Supervisor) endCycle() {
	if s.cur != nil {
		if s.cur.judged && !s.cur.forced {
			streak := s.deps.Ledger.RecordVerdict(s.cur.judgment.IsDistracted)
			s.logger.Debug("verdict recorded",
				zap.Uint64("cycle", s.cur.id),
				zap.Bool("distracted", s.cur.judgment.IsDistracted),
				zap.Int("distractions", streak.Distractions),
				zap.Int("focus", streak.Focus))
		}
		s.cur.cancel()
		s.cur = nil
	}
	s.setState(StateIdle)
}

func (s *Supervisor) current(id uint64) *cycle {
	if s.cur != nil && s.cur.id == id {
		return s.cur
	}
	return nil
}

func (s *Supervisor) requestJudgment(c *cycle, profile domain.TrustProfile) {
	s.setState(StateAwaitingJudgment)
	req := judgment.Request{
		Goal:    c.goal,
		Profile: profile,
		Windows: c.windows,
		Streak:  s.deps.Ledger.Streak(),
		Now:     s.clock.Now(),
	}
	s.spawn(c.id, func() {
		req.History = s.deps.Aggregator.History(c.ctx, req.Now)
		j, err := s.deps.Judge.Judge(c.ctx, req)
		s.post(event{kind: evJudged, cycle: c.id, judgment: j, err: err})
	})
}

func (s *Supervisor) onJudged(ctx context.Context, c *cycle, ev event) {
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, context.Canceled):
		case domain.IsFatalJudgmentError(ev.err):
			if !s.bannerShown {
				s.bannerShown = true
				s.deps.Presenter.Notify(ctx, domain.Notice{
					Level:      domain.NoticeError,
					Message:    fmt.Sprintf("AI judgment disabled for this session: %v", ev.err),
					Persistent: true,
				})
			}
		default:
			s.logger.Warn("judgment failed", zap.Uint64("cycle", c.id), zap.Error(ev.err))
		}
		s.endCycle()
		return
	}
	if s.userRecovered(ctx) {
		s.logger.Info("user back at work, judgment discarded", zap.Uint64("cycle", c.id))
		c.judged = true
		s.backAtWork(ctx)
		return
	}
	s.conclude(ctx, c, ev.judgment)
}

// conclude presents a distracted judgment or ends the cycle.
func (s *Supervisor) conclude(ctx context.Context, c *cycle, j domain.Judgment) {
	c.judgment = j
	c.judged = !judgment.IsSafeDefault(j)
	if j.Status == domain.StatusRecovery || !j.IsDistracted {
		s.logger.Debug("no intervention",
			zap.Uint64("cycle", c.id),
			zap.String("status", string(j.Status)),
			zap.String("summary", j.AnalysisSummary))
		s.endCycle()
		return
	}
	s.present(ctx, c, j)
}

func (s *Supervisor) present(ctx context.Context, c *cycle, j domain.Judgment) {
	gated, err := s.deps.Dispatcher.Prepare(ctx, j)
	if err != nil {
		s.logger.Warn("failed to gate options, presenting ungated", zap.Error(err))
		gated = j
	}
	c.judgment = gated

	s.setState(StatePresenting)
	s.spawn(c.id, func() {
		choice, err := s.deps.Presenter.Present(c.ctx, gated)
		s.post(event{kind: evChosen, cycle: c.id, choice: choice, err: err})
	})
	s.setState(StateAwaitingUserChoice)
}

func (s *Supervisor) presentForced(ctx context.Context, j domain.Judgment) {
	goal, err := s.deps.Goals.Active(ctx)
	if err != nil && !errors.Is(err, domain.ErrNoActiveGoal) {
		s.logger.Warn("failed to read goal", zap.Error(err))
	}
	c := s.newCycle(ctx, goal)
	c.forced = true
	s.present(ctx, c, j)
}

func (s *Supervisor) onChosen(ctx context.Context, c *cycle, ev event) {
	actx := usecase.ActionContext{
		Goal:    c.goal,
		Summary: c.judgment.AnalysisSummary,
		Entry:   c.decision.Entry,
	}
	switch ev.choice.Kind {
	case domain.ChoiceTimeout:
		s.lastIntervention = s.clock.Now()
		s.deps.Dispatcher.ApplyTimeout(ctx, actx)
		s.endCycle()
	case domain.ChoiceSelected:
		s.lastIntervention = s.clock.Now()
		opt, ok := c.judgment.Option(ev.choice.ActionType)
		if !ok {
			s.logger.Warn("choice not among presented options", zap.String("action", string(ev.choice.ActionType)))
			s.endCycle()
			return
		}
		s.setState(StateApplying)
		s.spawn(c.id, func() {
			// applying is not cancelled with the cycle; a started action runs to completion
			out, err := s.deps.Dispatcher.Apply(ctx, opt, actx)
			s.post(event{kind: evApplied, cycle: c.id, outcome: out, err: err})
		})
	default:
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			s.logger.Warn("presentation failed", zap.Error(ev.err))
		}
		s.endCycle()
	}
}

func (s *Supervisor) onApplied(ctx context.Context, ev event) {
	switch {
	case ev.err != nil:
		s.deps.Presenter.Notify(ctx, domain.Notice{Level: domain.NoticeWarn, Message: ev.err.Error()})
	case ev.outcome.Message != "":
		s.deps.Presenter.Notify(ctx, domain.Notice{
			Level:   domain.NoticeInfo,
			Message: fmt.Sprintf("%s (trust %d, balance %d)", ev.outcome.Message, ev.outcome.TrustScore, ev.outcome.Balance),
		})
	}
	if ev.outcome.CeaseFire {
		s.startCooldown()
	}
	if s.current(ev.cycle) != nil {
		s.endCycle()
	}
}

func (s *Supervisor) onExpired(ctx context.Context, p domain.PendingEnforcement) {
	switch p.Kind {
	case domain.PendingSnooze:
		j := judgment.SnoozeExpiredJudgment()
		if s.State() == StateIdle {
			s.presentForced(ctx, j)
		} else {
			s.forced = append(s.forced, j)
		}
	case domain.PendingStrictMode:
		s.deps.Presenter.Notify(ctx, domain.Notice{Level: domain.NoticeInfo, Message: "Strict mode ended"})
	case domain.PendingWhitelistTemp:
		if !s.deps.Dispatcher.HandleExpiry(p) {
			return
		}
		s.deps.Presenter.Notify(ctx, domain.Notice{
			Level:   domain.NoticeInfo,
			Message: fmt.Sprintf("Temporary allowance for %v ended", p.Payload["app"]),
		})
	}
}

func (s *Supervisor) onCeaseFire(ctx context.Context) {
	s.ceaseFire(ctx, "Cease fire", fmt.Sprintf("Cease fire for %s", s.config.CeaseFireCooldown))
}

func (s *Supervisor) backAtWork(ctx context.Context) {
	s.ceaseFire(ctx, "Back at work", fmt.Sprintf("Back at work, interventions paused for %s", s.config.CeaseFireCooldown))
}

// ceaseFire ends the current cycle, drops queued forced dialogs, dispatches
// FORCE_CEASE_FIRE and starts the cooldown.
func (s *Supervisor) ceaseFire(ctx context.Context, label, message string) {
	var actx usecase.ActionContext
	if s.cur != nil {
		actx.Goal = s.cur.goal
		actx.Summary = s.cur.judgment.AnalysisSummary
		actx.Entry = s.cur.decision.Entry
	}
	s.endCycle()
	s.forced = nil
	s.lastIntervention = time.Time{}

	_, err := s.deps.Dispatcher.Apply(ctx, domain.InterventionOption{
		Label:      label,
		ActionType: domain.ActionForceCeaseFire,
	}, actx)
	if err != nil {
		s.logger.Warn("cease fire failed", zap.Error(err))
	}
	s.startCooldown()
	s.deps.Presenter.Notify(ctx, domain.Notice{Level: domain.NoticeInfo, Message: message})
}

// recoveredFromIntervention reports whether a recovery seen now follows a
// resolved intervention closely enough to count as the user returning to work.
func (s *Supervisor) recoveredFromIntervention(now time.Time) bool {
	if s.lastIntervention.IsZero() {
		return false
	}
	since := now.Sub(s.lastIntervention)
	return since >= s.config.RecoveryGrace && since <= s.config.RecoveryWindow
}

func (s *Supervisor) startCooldown() {
	until := s.clock.Now().Add(s.config.CeaseFireCooldown)
	s.mu.Lock()
	s.cooldownUntil = until
	s.mu.Unlock()
	s.logger.Info("cease fire cooldown started", zap.Time("until", until))
}

// recheck cancels an outstanding intervention when the last 30 seconds
// already show the user back at work.
func (s *Supervisor) recheck(ctx context.Context) {
	if s.cur == nil || s.cur.forced {
		return
	}
	if s.userRecovered(ctx) {
		s.logger.Info("user back at work, intervention cancelled", zap.Uint64("cycle", s.cur.id))
		s.backAtWork(ctx)
	}
}

func (s *Supervisor) userRecovered(ctx context.Context) bool {
	windows := s.deps.Aggregator.Summarize(ctx, s.clock.Now(), domain.InstantWindow)
	_, ok := s.deps.Policy.InstantAlignment(windows, s.deps.Dispatcher.Whitelist())
	return ok
}

// spawn runs f for cycle id, turning a panic into a cycle failure.
func (s *Supervisor) spawn(id uint64, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.post(event{kind: evFailed, cycle: id, err: fmt.Errorf("panic: %v", r)})
			}
		}()
		f()
	}()
}
