package judgment

import (
	"fmt"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// SafeDefaultSummary is the analysis summary of the fallback judgment.
const SafeDefaultSummary = "service unavailable"

// SafeDefault is returned when no valid judgment could be obtained.
// It never intervenes.
func SafeDefault() domain.Judgment {
	return domain.Judgment{
		IsDistracted:    false,
		Confidence:      0,
		Status:          domain.StatusNormal,
		AnalysisSummary: SafeDefaultSummary,
		Options:         []domain.InterventionOption{},
	}
}

// IsSafeDefault reports whether j is the fallback rather than a verdict.
func IsSafeDefault(j domain.Judgment) bool {
	return !j.IsDistracted && j.Confidence == 0 && j.AnalysisSummary == SafeDefaultSummary
}

// DefaultLabel names an action when the backend left the label empty.
func DefaultLabel(a domain.ActionType) string {
	switch a {
	case domain.ActionSnooze:
		return "Snooze"
	case domain.ActionDismiss:
		return "I'm working"
	case domain.ActionWhitelistTemp:
		return "Allow this app for now"
	case domain.ActionStrictMode:
		return "Turn on strict mode"
	case domain.ActionCloseWindow:
		return "Close this window"
	case domain.ActionMinimizeWindow:
		return "Minimize this window"
	case domain.ActionCloseTab:
		return "Close this tab"
	case domain.ActionBlockApp:
		return "Block this app"
	}
	return string(a)
}

// ApplyOptionPolicy disables options the user's trust does not allow:
// long snoozes below the snooze threshold and temporary whitelisting below
// the whitelist threshold. The input judgment is not modified.
func ApplyOptionPolicy(j domain.Judgment, trust int, config Config) domain.Judgment {
	opts := make([]domain.InterventionOption, len(j.Options))
	copy(opts, j.Options)

	for i := range opts {
		o := &opts[i]
		switch o.ActionType {
		case domain.ActionSnooze:
			if trust < config.SnoozeTrustThreshold && o.SnoozeMinutes() > config.SnoozeMaxMinutes {
				o.Disable(fmt.Sprintf("trust below %d allows at most %d minutes", config.SnoozeTrustThreshold, config.SnoozeMaxMinutes))
			}
		case domain.ActionWhitelistTemp:
			if trust < config.WhitelistTrustThreshold {
				o.Disable(fmt.Sprintf("trust below %d", config.WhitelistTrustThreshold))
			}
		}
	}
	j.Options = opts
	return j
}

// RecoveryJudgment is the forced verdict issued when the policy sees the
// user back at work.
func RecoveryJudgment(d domain.PolicyDecision) domain.Judgment {
	return domain.Judgment{
		IsDistracted:    false,
		Confidence:      1,
		Status:          domain.StatusRecovery,
		AnalysisSummary: d.Reason,
		Options:         []domain.InterventionOption{},
		Forced:          true,
	}
}

// FromDecision builds a local judgment for a ForceDistraction decision so
// the user gets remediation options without a backend round trip.
func FromDecision(d domain.PolicyDecision, genericTool bool) domain.Judgment {
	var first domain.InterventionOption
	if genericTool && d.Keyword != "" {
		first = domain.InterventionOption{
			Label:       fmt.Sprintf("Close the %s tab", d.Keyword),
			ActionType:  domain.ActionCloseTab,
			Payload:     map[string]any{"keyword": d.Keyword},
			TrustImpact: 2,
			Style:       domain.StylePrimary,
		}
	} else {
		first = domain.InterventionOption{
			Label:       fmt.Sprintf("Close %s", appLabel(d.Entry)),
			ActionType:  domain.ActionCloseWindow,
			Payload:     map[string]any{"keyword": windowKeyword(d)},
			TrustImpact: 2,
			Style:       domain.StylePrimary,
		}
	}
	return domain.Judgment{
		IsDistracted:    true,
		Confidence:      d.Confidence,
		Status:          domain.StatusNormal,
		AnalysisSummary: d.Reason,
		Options: []domain.InterventionOption{
			first,
			{
				Label:       "Minimize it for 10 minutes",
				ActionType:  domain.ActionMinimizeWindow,
				Payload:     map[string]any{"keyword": windowKeyword(d), "duration_minutes": 10},
				TrustImpact: 1,
				Style:       domain.StyleNormal,
			},
			{
				Label:       "Snooze 10 minutes",
				ActionType:  domain.ActionSnooze,
				Payload:     map[string]any{"duration_minutes": 10},
				TrustImpact: -2,
				Style:       domain.StyleWarning,
			},
			{
				Label:       "This is work",
				ActionType:  domain.ActionDismiss,
				Payload:     map[string]any{},
				TrustImpact: -1,
				Style:       domain.StyleNormal,
			},
		},
	}
}

// SnoozeExpiredJudgment is the forced check-in shown when a snooze ends.
func SnoozeExpiredJudgment() domain.Judgment {
	return domain.Judgment{
		IsDistracted:    false,
		Confidence:      1,
		Status:          domain.StatusNormal,
		AnalysisSummary: "Snooze is over. Back to the goal?",
		Forced:          true,
		Options: []domain.InterventionOption{
			{
				Label:       "Back to work",
				ActionType:  domain.ActionDismiss,
				Payload:     map[string]any{},
				TrustImpact: 3,
				Style:       domain.StylePrimary,
			},
			{
				Label:       "5 more minutes",
				ActionType:  domain.ActionSnooze,
				Payload:     map[string]any{"duration_minutes": 5},
				TrustImpact: -5,
				Style:       domain.StyleWarning,
			},
		},
	}
}

func appLabel(e domain.WindowEntry) string {
	if e.AppName != "" {
		return e.AppName
	}
	return "this window"
}

// windowKeyword picks the text used to find the offending window again.
func windowKeyword(d domain.PolicyDecision) string {
	if d.Keyword != "" {
		return d.Keyword
	}
	return d.Entry.WindowTitle
}
