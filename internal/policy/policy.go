package policy

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// minTrendEvidence is the least dwell the 5-minute window needs before its
// keyword density is trusted.
const minTrendEvidence = 30 * time.Second

// Input is everything one evaluation looks at. The policy keeps no other state.
type Input struct {
	Windows    domain.Windows
	Goal       domain.Goal
	TrustScore int
	// Whitelist holds apps temporarily allowed via WHITELIST_TEMP.
	Whitelist []string
	// Suppressed holds keywords of recently closed tabs; matching entries are ignored.
	Suppressed []string
	StrictMode bool
}

// Policy evaluates the three tiers. Rules can be swapped at runtime.
type Policy struct {
	rules atomic.Pointer[Rules]
}

// New creates a policy with the given rules.
func New(rules Rules) *Policy {
	p := &Policy{}
	p.SetRules(rules)
	return p
}

// SetRules replaces the rules used by subsequent evaluations.
func (p *Policy) SetRules(rules Rules) {
	r := rules
	p.rules.Store(&r)
}

// Rules returns the current rules.
func (p *Policy) Rules() Rules {
	return *p.rules.Load()
}

// Evaluate runs Tier 1, then Tier 2, then Tier 3 and returns the first verdict.
func (p *Policy) Evaluate(in Input) domain.PolicyDecision {
	rules := p.rules.Load()

	if in.Windows.AllEmpty() {
		return domain.PolicyDecision{
			Verdict:      domain.VerdictDefer,
			Reason:       "insufficient evidence",
			Insufficient: true,
		}
	}

	if d, ok := instantAlignment(rules, in.Windows, in.Whitelist); ok {
		return d
	}
	if d, ok := ambiguityCheck(rules, in); ok {
		return d
	}
	return historicalTrend(rules, in)
}

// InstantAlignment runs only Tier 1. The supervision loop uses it to cancel
// an in-flight judgment when the user is already back at work.
func (p *Policy) InstantAlignment(windows domain.Windows, whitelist []string) (domain.PolicyDecision, bool) {
	return instantAlignment(p.rules.Load(), windows, whitelist)
}

// IsGenericTool reports whether app is a browser or chat client.
func (p *Policy) IsGenericTool(app string) bool {
	return matchApp(app, p.rules.Load().GenericApps)
}

func instantAlignment(rules *Rules, windows domain.Windows, whitelist []string) (domain.PolicyDecision, bool) {
	top, ok := windows.Get(domain.InstantWindow).Top()
	if !ok {
		return domain.PolicyDecision{}, false
	}

	reason := ""
	switch {
	case matchApp(top.AppName, whitelist):
		reason = fmt.Sprintf("%s is temporarily whitelisted", top.AppName)
	case matchApp(top.AppName, rules.WorkApps):
		reason = fmt.Sprintf("%s is a work tool", top.AppName)
	default:
		if hits := matchKeywords(strings.ToLower(top.WindowTitle), rules.WorkTitleKeywords); len(hits) > 0 {
			reason = fmt.Sprintf("window title names a work tool (%s)", hits[0])
		}
	}
	if reason == "" {
		return domain.PolicyDecision{}, false
	}
	return domain.PolicyDecision{
		Verdict:    domain.VerdictForceRecovery,
		Tier:       1,
		Reason:     reason,
		Confidence: 1,
		Entry:      top,
	}, true
}

func ambiguityCheck(rules *Rules, in Input) (domain.PolicyDecision, bool) {
	top, ok := in.Windows.Get(domain.InstantWindow).Top()
	if !ok || !matchApp(top.AppName, rules.GenericApps) || suppressed(top, in.Suppressed) {
		return domain.PolicyDecision{}, false
	}

	terms := goalTerms(in.Goal.Text, rules.GoalTermMinLen)
	if work := workHits(rules, top.Text(), terms); len(work) > 0 && !leisureSignal(rules, top) {
		// Work-leaning page: let the judgment confirm instead of
		// letting an older distraction trend override it.
		return domain.PolicyDecision{
			Verdict: domain.VerdictDefer,
			Tier:    2,
			Reason:  fmt.Sprintf("work-leaning content in %s (%s)", top.AppName, work[0]),
			Entry:   top,
		}, true
	}

	keyword, confidence := classify(rules, top, terms)
	if !leisureLeaning(rules, keyword, confidence) {
		return domain.PolicyDecision{}, false
	}
	return domain.PolicyDecision{
		Verdict:    domain.VerdictForceDistraction,
		Tier:       2,
		Reason:     fmt.Sprintf("leisure content in %s (%s)", top.AppName, keyword),
		Confidence: confidence,
		Keyword:    keyword,
		Entry:      top,
	}, true
}

// leisureLeaning reports whether a classification clears the ambiguity
// threshold. The threshold itself does not count as leaning.
func leisureLeaning(rules *Rules, keyword string, confidence float64) bool {
	return keyword != "" && confidence > rules.AmbiguityThreshold
}

func workHits(rules *Rules, text string, terms []string) []string {
	return append(matchKeywords(text, rules.WorkKeywords), matchKeywords(text, terms)...)
}

func leisureSignal(rules *Rules, e domain.WindowEntry) bool {
	return len(matchKeywords(e.Text(), rules.LeisureKeywords)) > 0 ||
		len(matchKeywords(strings.ToLower(e.URL), rules.LeisureDomains)) > 0
}

// classify returns the leading leisure keyword of an entry and how confident
// the policy is that the entry is leisure. Entries without leisure signals
// return an empty keyword.
func classify(rules *Rules, e domain.WindowEntry, terms []string) (string, float64) {
	text := e.Text()
	leisure := matchKeywords(text, rules.LeisureKeywords)
	domains := matchKeywords(strings.ToLower(e.URL), rules.LeisureDomains)
	if len(leisure) == 0 && len(domains) == 0 {
		return "", 0
	}
	keyword := ""
	if len(leisure) > 0 {
		keyword = leisure[0]
	} else {
		keyword = domains[0]
	}
	return keyword, leisureConfidence(len(leisure), len(workHits(rules, text, terms)), len(domains) > 0)
}

// leisureConfidence scores a generic-tool entry. One unopposed leisure
// keyword scores 0.8; each extra keyword adds 0.1, a leisure domain adds 0.2.
// Work keywords dilute the score proportionally.
func leisureConfidence(leisure, work int, domainHit bool) float64 {
	score := 0.0
	if leisure > 0 {
		score = 0.8 + 0.1*float64(leisure-1)
	}
	if domainHit {
		if score == 0 {
			score = 0.8
		} else {
			score += 0.2
		}
	}
	if work > 0 {
		hits := float64(leisure)
		if domainHit {
			hits++
		}
		score *= hits / (hits + float64(work))
	}
	if score > 1 {
		score = 1
	}
	return score
}

func historicalTrend(rules *Rules, in Input) domain.PolicyDecision {
	win := in.Windows.Get(domain.ShortWindow)

	terms := goalTerms(in.Goal.Text, rules.GoalTermMinLen)
	var total, leisureDwell time.Duration
	var worst domain.WindowEntry
	worstKeyword := ""
	for _, e := range win.TopEntries {
		if suppressed(e, in.Suppressed) {
			continue
		}
		total += e.TotalDuration
		keyword, confidence := classify(rules, e, terms)
		if !leisureLeaning(rules, keyword, confidence) {
			continue
		}
		leisureDwell += e.TotalDuration
		if e.TotalDuration > worst.TotalDuration {
			worst = e
			worstKeyword = keyword
		}
	}

	if total < minTrendEvidence {
		return domain.PolicyDecision{Verdict: domain.VerdictDefer, Tier: 3, Reason: "not enough recent activity"}
	}

	density := float64(leisureDwell) / float64(total)
	threshold := trendThreshold(rules, in.TrustScore, in.StrictMode)
	if density > threshold {
		return domain.PolicyDecision{
			Verdict:    domain.VerdictForceDistraction,
			Tier:       3,
			Reason:     fmt.Sprintf("%.0f%% of the last 5 minutes on leisure content (%s)", density*100, worstKeyword),
			Confidence: density,
			Keyword:    worstKeyword,
			Entry:      worst,
		}
	}
	return domain.PolicyDecision{
		Verdict:    domain.VerdictDefer,
		Tier:       3,
		Reason:     fmt.Sprintf("leisure density %.2f within threshold %.2f", density, threshold),
		Confidence: density,
	}
}

// trendThreshold lowers the density threshold for low trust or strict mode
// and raises it for high trust.
func trendThreshold(rules *Rules, trust int, strict bool) float64 {
	t := rules.TrendThreshold
	switch {
	case strict || domain.TierFor(trust) == domain.TierStrict:
		t += rules.StrictAdjust
	case domain.TierFor(trust) == domain.TierLenient:
		t += rules.LenientAdjust
	}
	if t < 0.05 {
		t = 0.05
	}
	return t
}

func suppressed(e domain.WindowEntry, keywords []string) bool {
	return len(matchKeywords(e.Text(), keywords)) > 0
}
