// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ActivitySourceKind identifies which sensor produced a record.
type ActivitySourceKind string

const (
	SourceApplication ActivitySourceKind = "application"
	SourceBrowser     ActivitySourceKind = "browser"
)

// invisibleChars matches zero-width, bidi, line/paragraph separators,
// no-break spaces and C0 control characters that some apps put in titles.
var invisibleChars = regexp.MustCompile(`[\x{200b}-\x{200f}\x{2028}-\x{202f}\x{00a0}\x00-\x1f]`)

// SanitizeTitle strips invisible characters from a window or page title.
func SanitizeTitle(title string) string {
	return strings.TrimSpace(invisibleChars.ReplaceAllString(title, ""))
}

// ActivityRecord is one observation of foreground activity.
type ActivityRecord struct {
	Source         ActivitySourceKind
	AppName        string
	WindowTitle    string
	URL            string
	PageTitle      string
	ObservedAt     time.Time
	SanitizedTitle string
}

// NewActivityRecord builds a record with SanitizedTitle filled in.
func NewActivityRecord(source ActivitySourceKind, app, title, url, pageTitle string, at time.Time) ActivityRecord {
	return ActivityRecord{
		Source:         source,
		AppName:        app,
		WindowTitle:    title,
		URL:            url,
		PageTitle:      pageTitle,
		ObservedAt:     at,
		SanitizedTitle: SanitizeTitle(title),
	}
}

// WindowEntry is one aggregated (app, title, url) group inside an ActivityWindow.
type WindowEntry struct {
	AppName       string        `json:"app_name"`
	WindowTitle   string        `json:"window_title"`
	URL           string        `json:"url,omitempty"`
	TotalDuration time.Duration `json:"total_duration"`
	LastSeen      time.Time     `json:"last_seen"`
}

// Text returns everything a keyword matcher should look at for this entry.
func (e WindowEntry) Text() string {
	return strings.ToLower(e.WindowTitle + " " + e.URL)
}

// ActivityWindow is the derived view of one trailing duration.
type ActivityWindow struct {
	Duration   time.Duration
	TopEntries []WindowEntry // ordered by TotalDuration desc
}

// Top returns the entry with the most dwell time.
func (w ActivityWindow) Top() (WindowEntry, bool) {
	if len(w.TopEntries) == 0 {
		return WindowEntry{}, false
	}
	return w.TopEntries[0], true
}

// Empty reports whether the window carries no evidence.
func (w ActivityWindow) Empty() bool {
	return len(w.TopEntries) == 0
}

// TotalDwell sums the dwell of all top entries.
func (w ActivityWindow) TotalDwell() time.Duration {
	var total time.Duration
	for _, e := range w.TopEntries {
		total += e.TotalDuration
	}
	return total
}

// Standard window lengths used by the supervision cycle.
const (
	InstantWindow = 30 * time.Second
	ShortWindow   = 5 * time.Minute
	ContextWindow = 20 * time.Minute
)

// Windows is the per-duration aggregation result.
type Windows map[time.Duration]ActivityWindow

// Get returns the window for d, or an empty one.
func (w Windows) Get(d time.Duration) ActivityWindow {
	if win, ok := w[d]; ok {
		return win
	}
	return ActivityWindow{Duration: d}
}

// AllEmpty reports whether no window holds any evidence.
func (w Windows) AllEmpty() bool {
	for _, win := range w {
		if !win.Empty() {
			return false
		}
	}
	return true
}

// AppShare is one app's share of the samples in a session block.
type AppShare struct {
	App     string `json:"app"`
	Samples int    `json:"samples"`
}

// SessionBlock compresses the raw activity of one period, typically 30
// minutes, into the few numbers the judgment prompt can use.
type SessionBlock struct {
	Start            time.Time
	End              time.Time
	FocusDensity     float64 // 0 all leisure .. 1 all focus apps
	DistractionCount int     // samples on known distraction apps
	Switches         int     // foreground app changes
	EnergyLevel      float64 // min(1, Switches/10)
	DominantApps     []AppShare
}

// Trend is the direction of a measured pattern.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// FatigueLevel grades how far recent energy fell below the user's average.
type FatigueLevel string

const (
	FatigueNone     FatigueLevel = "none"
	FatigueModerate FatigueLevel = "moderate"
	FatigueHigh     FatigueLevel = "high"
)

// Insights are the long-term patterns derived from stored session blocks.
type Insights struct {
	Blocks           int // blocks the insights were derived from
	PeakHour         int // hour of day with the best focus density, -1 when unknown
	PeakDensity      float64
	FocusHours       []int // hours whose average density is above 0.7
	DistractionTrend Trend
	Fatigue          FatigueLevel
	TopApps          []string
}

// SessionHistory is what the judgment prompt knows beyond the live windows.
type SessionHistory struct {
	Recent   []SessionBlock // newest last
	Insights Insights
}

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is what the user declared they are working on.
type Goal struct {
	ID        int64
	Text      string
	StartedAt time.Time
	Status    GoalStatus
}

// TrustTier buckets the trust score for prompt building and policy leniency.
type TrustTier string

const (
	TierStrict   TrustTier = "strict"
	TierStandard TrustTier = "standard"
	TierLenient  TrustTier = "lenient"
)

// Trust score bounds.
const (
	MinTrust     = 0
	MaxTrust     = 100
	InitialTrust = 80
)

// TierFor maps a trust score to its tier: <60 strict, 60..90 standard, >90 lenient.
func TierFor(score int) TrustTier {
	switch {
	case score < 60:
		return TierStrict
	case score > 90:
		return TierLenient
	default:
		return TierStandard
	}
}

// ClampTrust bounds a raw trust value to [MinTrust, MaxTrust].
func ClampTrust(v int) int {
	if v < MinTrust {
		return MinTrust
	}
	if v > MaxTrust {
		return MaxTrust
	}
	return v
}

// TrustProfile is the persisted per-user trust and balance.
type TrustProfile struct {
	TrustScore int
	Balance    int
	UpdatedAt  time.Time
	Version    int64
}

// Tier returns the profile's trust tier.
func (p TrustProfile) Tier() TrustTier {
	return TierFor(p.TrustScore)
}

// ProfileDelta is one atomic change to a TrustProfile.
// Floor, when set, rejects a debit that would take the balance below it.
type ProfileDelta struct {
	Trust   int
	Balance int
	Floor   *int
	Reason  string
}

// ActionType is the closed set of intervention actions.
type ActionType string

const (
	ActionSnooze         ActionType = "SNOOZE"
	ActionDismiss        ActionType = "DISMISS"
	ActionWhitelistTemp  ActionType = "WHITELIST_TEMP"
	ActionStrictMode     ActionType = "STRICT_MODE"
	ActionCloseWindow    ActionType = "CLOSE_WINDOW"
	ActionMinimizeWindow ActionType = "MINIMIZE_WINDOW"
	ActionCloseTab       ActionType = "CLOSE_TAB"
	ActionBlockApp       ActionType = "BLOCK_APP"
	ActionForceCeaseFire ActionType = "FORCE_CEASE_FIRE"
)

// AllActionTypes lists every action type.
var AllActionTypes = []ActionType{
	ActionSnooze, ActionDismiss, ActionWhitelistTemp, ActionStrictMode,
	ActionCloseWindow, ActionMinimizeWindow, ActionCloseTab, ActionBlockApp,
	ActionForceCeaseFire,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	for _, t := range AllActionTypes {
		if t == a {
			return true
		}
	}
	return false
}

// UserSelectable reports whether the action may be offered as a dialog option.
func (a ActionType) UserSelectable() bool {
	return a.Valid() && a != ActionForceCeaseFire
}

// OptionStyle is a presentation hint.
type OptionStyle string

const (
	StyleNormal  OptionStyle = "normal"
	StyleWarning OptionStyle = "warning"
	StylePrimary OptionStyle = "primary"
)

// InterventionOption is one remediation choice offered to the user.
type InterventionOption struct {
	Label          string         `json:"label"`
	ActionType     ActionType     `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	TrustImpact    int            `json:"trust_impact"`
	Style          OptionStyle    `json:"style"`
	Disabled       bool           `json:"disabled"`
	DisabledReason string         `json:"disabled_reason,omitempty"`
}

// PayloadInt reads an integer payload field, tolerating JSON numbers and numeric strings.
func (o InterventionOption) PayloadInt(key string, def int) int {
	v, ok := o.Payload[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

// DefaultSnoozeMinutes is the snooze length of an option that names none.
const DefaultSnoozeMinutes = 10

// SnoozeMinutes is the snooze length the option asks for. Gating, pricing
// and scheduling all read it so they agree on the effective duration.
func (o InterventionOption) SnoozeMinutes() int {
	if m := o.PayloadInt("duration_minutes", 0); m > 0 {
		return m
	}
	return DefaultSnoozeMinutes
}

// PayloadString reads a string payload field.
func (o InterventionOption) PayloadString(key string) string {
	if s, ok := o.Payload[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Disable marks the option unavailable with a reason.
func (o *InterventionOption) Disable(reason string) {
	o.Disabled = true
	o.DisabledReason = reason
}

// JudgmentStatus separates ordinary verdicts from recovery signals.
type JudgmentStatus string

const (
	StatusNormal   JudgmentStatus = "NORMAL"
	StatusRecovery JudgmentStatus = "RECOVERY"
)

// Judgment is the decision about the current activity.
type Judgment struct {
	IsDistracted    bool                 `json:"is_distracted"`
	Confidence      float64              `json:"confidence"`
	Status          JudgmentStatus       `json:"status"`
	AnalysisSummary string               `json:"analysis_summary"`
	ThoughtTrace    []string             `json:"thought_trace,omitempty"`
	Options         []InterventionOption `json:"options"`
	Forced          bool                 `json:"forced"`
}

// Option returns the first option with the given action type.
func (j Judgment) Option(t ActionType) (InterventionOption, bool) {
	for _, o := range j.Options {
		if o.ActionType == t {
			return o, true
		}
	}
	return InterventionOption{}, false
}

// PendingKind identifies timed enforcements.
type PendingKind string

const (
	PendingSnooze        PendingKind = "SNOOZE"
	PendingWhitelistTemp PendingKind = "WHITELIST_TEMP"
	PendingStrictMode    PendingKind = "STRICT_MODE"
)

// PendingEnforcement is a timed effect that fires a callback on expiry.
type PendingEnforcement struct {
	ID        string
	Kind      PendingKind
	ExpiresAt time.Time
	Payload   map[string]any
}

// Verdict is the policy outcome.
type Verdict string

const (
	VerdictForceRecovery    Verdict = "force_recovery"
	VerdictForceDistraction Verdict = "force_distraction"
	VerdictDefer            Verdict = "defer"
)

// PolicyDecision is the result of one policy evaluation.
type PolicyDecision struct {
	Verdict    Verdict
	Tier       int
	Reason     string
	Confidence float64
	Keyword    string      // leisure keyword that triggered a distraction, if any
	Entry      WindowEntry // entry the decision is about
	// Insufficient is set when no window holds any evidence.
	Insufficient bool
}

// ChoiceKind is how a presentation ended.
type ChoiceKind string

const (
	ChoiceSelected  ChoiceKind = "selected"
	ChoiceTimeout   ChoiceKind = "timeout"
	ChoiceCancelled ChoiceKind = "cancelled"
)

// Choice is the user's answer to a presented judgment.
type Choice struct {
	Kind       ChoiceKind
	ActionType ActionType
}

// NoticeLevel grades user-facing notices.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a non-interactive message for the user.
type Notice struct {
	Level      NoticeLevel
	Message    string
	Persistent bool
}

// ActionOutcome reports what applying an option did.
type ActionOutcome struct {
	ActionType ActionType
	Applied    bool
	Cost       int
	TrustScore int
	Balance    int
	Message    string
	Pending    *PendingEnforcement
	CeaseFire  bool
}

// AuditRecord is one row of learning history: what was shown and what the user chose.
type AuditRecord struct {
	At             time.Time
	Goal           string
	ContextSummary string
	ActionType     ActionType
	TrustImpact    int
	Cost           int
	Outcome        string
}

// ConsistencyDecision is the outcome of checking a paid choice against
// what the user has actually been doing.
type ConsistencyDecision string

const (
	ConsistencyApproved      ConsistencyDecision = "APPROVED"
	ConsistencyPriceAdjusted ConsistencyDecision = "PRICE_ADJUSTED"
	ConsistencyRejected      ConsistencyDecision = "REJECTED"
)

// ChoiceReview is a paid choice submitted for a consistency check.
type ChoiceReview struct {
	Goal    Goal
	Summary string
	Entry   WindowEntry
	Option  InterventionOption
	Cost    int
	At      time.Time
}

// ConsistencyVerdict is a checked choice: the decision, the score it was
// derived from and the cost and trust impact to settle with.
type ConsistencyVerdict struct {
	Decision    ConsistencyDecision
	Score       float64
	Reason      string
	Cost        int
	TrustImpact int
}

// WindowRef identifies an OS window.
type WindowRef struct {
	ID    string
	Title string
}

// BlockedApp is an app whose processes are killed until ExpiresAt.
type BlockedApp struct {
	App       string
	Patterns  []string
	ExpiresAt time.Time
}
