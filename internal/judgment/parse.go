package judgment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const (
	minDistractedOptions = 3
	maxOptions           = 4
	maxTrustImpact       = 5
)

// wireJudgment mirrors the backend's JSON loosely so that field-level
// problems can be repaired or reported instead of failing the whole decode.
type wireJudgment struct {
	IsDistracted    any          `json:"is_distracted"`
	Confidence      any          `json:"confidence"`
	Status          string       `json:"status"`
	AnalysisSummary *string      `json:"analysis_summary"`
	ThoughtTrace    any          `json:"thought_trace"`
	ForceCeaseFire  any          `json:"force_cease_fire"`
	Forced          any          `json:"forced"`
	Options         []wireOption `json:"options"`
}

type wireOption struct {
	Label          string         `json:"label"`
	ActionType     string         `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	TrustImpact    any            `json:"trust_impact"`
	Style          string         `json:"style"`
	Disabled       any            `json:"disabled"`
	DisabledReason string         `json:"disabled_reason"`
}

func malformed(format string, args ...any) error {
	return domain.NewJudgmentError(domain.MalformedResponse, fmt.Errorf(format, args...))
}

// Parse validates raw backend output and converts it to a Judgment.
// Cosmetic problems (code fences, surrounding prose, out-of-range trust
// impacts, unknown styles, duplicate or unknown options) are repaired;
// missing required fields and impossible values are a MalformedResponse.
func Parse(raw string) (domain.Judgment, error) {
	body := extractObject(raw)
	if body == "" {
		return domain.Judgment{}, malformed("no JSON object in response")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return domain.Judgment{}, malformed("invalid JSON: %v", err)
	}
	for _, key := range []string{"is_distracted", "confidence", "analysis_summary", "options"} {
		if _, ok := fields[key]; !ok {
			return domain.Judgment{}, malformed("missing required field %q", key)
		}
	}

	var w wireJudgment
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return domain.Judgment{}, malformed("invalid field types: %v", err)
	}

	distracted, ok := asBool(w.IsDistracted)
	if !ok {
		return domain.Judgment{}, malformed("is_distracted is not a boolean: %v", w.IsDistracted)
	}
	confidence, err := normalizeConfidence(w.Confidence)
	if err != nil {
		return domain.Judgment{}, err
	}
	if w.AnalysisSummary == nil {
		return domain.Judgment{}, malformed("analysis_summary is null")
	}

	j := domain.Judgment{
		IsDistracted:    distracted,
		Confidence:      confidence,
		Status:          normalizeStatus(w.Status),
		AnalysisSummary: strings.TrimSpace(*w.AnalysisSummary),
		ThoughtTrace:    asStrings(w.ThoughtTrace),
		Options:         normalizeOptions(w.Options),
	}
	if cease, _ := asBool(w.ForceCeaseFire); cease {
		j.Status = domain.StatusRecovery
	}
	j.Forced, _ = asBool(w.Forced)

	if j.IsDistracted && len(j.Options) < minDistractedOptions {
		return domain.Judgment{}, malformed("distracted verdict has %d usable options, need %d", len(j.Options), minDistractedOptions)
	}
	return j, nil
}

// extractObject strips markdown fences and any prose around the first JSON object.
func extractObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func normalizeConfidence(v any) (float64, error) {
	f, ok := asFloat(v)
	if !ok {
		return 0, malformed("confidence is not a number: %v", v)
	}
	if math.IsNaN(f) || f < 0 || f > 100 {
		return 0, malformed("confidence out of range: %v", f)
	}
	if f > 1 {
		// percentage scale
		f /= 100
	}
	return f, nil
}

func normalizeStatus(s string) domain.JudgmentStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(domain.StatusRecovery)) {
		return domain.StatusRecovery
	}
	return domain.StatusNormal
}

func normalizeOptions(in []wireOption) []domain.InterventionOption {
	out := make([]domain.InterventionOption, 0, len(in))
	seen := make(map[domain.ActionType]bool)
	for _, o := range in {
		action := domain.ActionType(strings.ToUpper(strings.TrimSpace(o.ActionType)))
		if !action.UserSelectable() || seen[action] {
			continue
		}
		seen[action] = true

		impact, _ := asFloat(o.TrustImpact)
		disabled, _ := asBool(o.Disabled)
		opt := domain.InterventionOption{
			Label:          strings.TrimSpace(o.Label),
			ActionType:     action,
			Payload:        normalizePayload(o.Payload),
			TrustImpact:    clampImpact(int(math.Round(impact))),
			Style:          normalizeStyle(o.Style),
			Disabled:       disabled,
			DisabledReason: strings.TrimSpace(o.DisabledReason),
		}
		if opt.Label == "" {
			opt.Label = DefaultLabel(action)
		}
		out = append(out, opt)
		if len(out) == maxOptions {
			break
		}
	}
	return out
}

// normalizePayload turns integral JSON numbers into ints so payload values
// read back the way they were written.
func normalizePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<31 {
			out[k] = int(f)
			continue
		}
		out[k] = v
	}
	return out
}

func normalizeStyle(s string) domain.OptionStyle {
	switch domain.OptionStyle(strings.ToLower(strings.TrimSpace(s))) {
	case domain.StyleWarning:
		return domain.StyleWarning
	case domain.StylePrimary:
		return domain.StylePrimary
	}
	return domain.StyleNormal
}

func clampImpact(v int) int {
	if v > maxTrustImpact {
		return maxTrustImpact
	}
	if v < -maxTrustImpact {
		return -maxTrustImpact
	}
	return v
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	}
	return 0, false
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// IsMalformed reports whether err is a MalformedResponse.
func IsMalformed(err error) bool {
	var je *domain.JudgmentError
	return errors.As(err, &je) && je.Kind == domain.MalformedResponse
}
