package judgment

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const distractedJSON = `{
  "is_distracted": true,
  "confidence": 0.9,
  "status": "NORMAL",
  "analysis_summary": "Watching videos instead of writing the report",
  "options": [
    {"label": "Close the YouTube tab", "action_type": "CLOSE_TAB", "payload": {"keyword": "YouTube"}, "trust_impact": 3, "style": "primary"},
    {"label": "Snooze 10 minutes", "action_type": "SNOOZE", "payload": {"duration_minutes": 10}, "trust_impact": -2, "style": "warning"},
    {"label": "It's research", "action_type": "DISMISS", "payload": {}, "trust_impact": -1, "style": "normal"}
  ]
}`

func TestParse_Valid(t *testing.T) {
	j, err := Parse(distractedJSON)
	require.NoError(t, err)

	assert.True(t, j.IsDistracted)
	assert.Equal(t, 0.9, j.Confidence)
	require.Len(t, j.Options, 3)
	assert.Equal(t, domain.ActionCloseTab, j.Options[0].ActionType)
	assert.Equal(t, "YouTube", j.Options[0].PayloadString("keyword"))
	assert.Equal(t, 10, j.Options[1].PayloadInt("duration_minutes", 0))
}

// TestParse_Repairs covers cosmetic problems that are fixed rather than rejected.
func TestParse_Repairs(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, j domain.Judgment)
	}{
		{
			name: "markdown fence",
			raw:  "```json\n" + distractedJSON + "\n```",
			check: func(t *testing.T, j domain.Judgment) {
				assert.Len(t, j.Options, 3)
			},
		},
		{
			name: "surrounding prose",
			raw:  "Here is my answer:\n" + distractedJSON + "\nHope this helps.",
			check: func(t *testing.T, j domain.Judgment) {
				assert.True(t, j.IsDistracted)
			},
		},
		{
			name: "percentage confidence",
			raw:  `{"is_distracted": false, "confidence": 85, "analysis_summary": "ok", "options": []}`,
			check: func(t *testing.T, j domain.Judgment) {
				assert.InDelta(t, 0.85, j.Confidence, 1e-9)
			},
		},
		{
			name: "string booleans and numbers",
			raw:  `{"is_distracted": "false", "confidence": "0.4", "analysis_summary": "ok", "options": []}`,
			check: func(t *testing.T, j domain.Judgment) {
				assert.False(t, j.IsDistracted)
				assert.Equal(t, 0.4, j.Confidence)
			},
		},
		{
			name: "force cease fire means recovery",
			raw:  `{"is_distracted": false, "confidence": 1, "analysis_summary": "back in the editor", "force_cease_fire": true, "options": []}`,
			check: func(t *testing.T, j domain.Judgment) {
				assert.Equal(t, domain.StatusRecovery, j.Status)
			},
		},
		{
			name: "legacy status values map to normal",
			raw:  `{"is_distracted": true, "confidence": 0.8, "status": "DISTRACTED", "analysis_summary": "x", "options": [` + threeOptions + `]}`,
			check: func(t *testing.T, j domain.Judgment) {
				assert.Equal(t, domain.StatusNormal, j.Status)
			},
		},
		{
			name: "unknown duplicate and non-selectable options dropped",
			raw: `{"is_distracted": true, "confidence": 0.8, "analysis_summary": "x", "options": [
				{"label": "a", "action_type": "SNOOZE", "trust_impact": 0, "style": "normal"},
				{"label": "b", "action_type": "snooze", "trust_impact": 0, "style": "normal"},
				{"label": "c", "action_type": "SELF_DESTRUCT", "trust_impact": 0, "style": "normal"},
				{"label": "d", "action_type": "FORCE_CEASE_FIRE", "trust_impact": 0, "style": "normal"},
				{"label": "e", "action_type": "DISMISS", "trust_impact": 0, "style": "normal"},
				{"label": "", "action_type": "CLOSE_TAB", "trust_impact": 0, "style": "normal"}
			]}`,
			check: func(t *testing.T, j domain.Judgment) {
				require.Len(t, j.Options, 3)
				assert.Equal(t, "a", j.Options[0].Label)
				assert.Equal(t, domain.ActionDismiss, j.Options[1].ActionType)
				assert.Equal(t, DefaultLabel(domain.ActionCloseTab), j.Options[2].Label)
			},
		},
		{
			name: "extra options truncated, impact clamped, style defaulted",
			raw: `{"is_distracted": true, "confidence": 0.8, "analysis_summary": "x", "options": [
				{"label": "a", "action_type": "SNOOZE", "trust_impact": -40, "style": "loud"},
				{"label": "b", "action_type": "DISMISS", "trust_impact": 12, "style": "PRIMARY"},
				{"label": "c", "action_type": "CLOSE_TAB", "trust_impact": 1, "style": "warning"},
				{"label": "d", "action_type": "BLOCK_APP", "trust_impact": 1, "style": "normal"},
				{"label": "e", "action_type": "STRICT_MODE", "trust_impact": 1, "style": "normal"}
			]}`,
			check: func(t *testing.T, j domain.Judgment) {
				require.Len(t, j.Options, 4)
				assert.Equal(t, -5, j.Options[0].TrustImpact)
				assert.Equal(t, domain.StyleNormal, j.Options[0].Style)
				assert.Equal(t, 5, j.Options[1].TrustImpact)
				assert.Equal(t, domain.StylePrimary, j.Options[1].Style)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := Parse(tt.raw)
			require.NoError(t, err)
			tt.check(t, j)
		})
	}
}

const threeOptions = `
	{"label": "a", "action_type": "SNOOZE", "trust_impact": 0, "style": "normal"},
	{"label": "b", "action_type": "DISMISS", "trust_impact": 0, "style": "normal"},
	{"label": "c", "action_type": "CLOSE_TAB", "trust_impact": 0, "style": "normal"}`

// TestParse_Malformed covers responses that must be rejected.
func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "I think the user is distracted."},
		{"broken json", `{"is_distracted": true, "confidence": `},
		{"missing confidence", `{"is_distracted": false, "analysis_summary": "x", "options": []}`},
		{"missing options", `{"is_distracted": false, "confidence": 0.2, "analysis_summary": "x"}`},
		{"missing summary", `{"is_distracted": false, "confidence": 0.2, "options": []}`},
		{"null summary", `{"is_distracted": false, "confidence": 0.2, "analysis_summary": null, "options": []}`},
		{"bad boolean", `{"is_distracted": "maybe", "confidence": 0.2, "analysis_summary": "x", "options": []}`},
		{"confidence out of range", `{"is_distracted": false, "confidence": 140, "analysis_summary": "x", "options": []}`},
		{"negative confidence", `{"is_distracted": false, "confidence": -0.1, "analysis_summary": "x", "options": []}`},
		{"too few options when distracted", `{"is_distracted": true, "confidence": 0.9, "analysis_summary": "x", "options": [
			{"label": "a", "action_type": "SNOOZE", "trust_impact": 0, "style": "normal"},
			{"label": "b", "action_type": "DISMISS", "trust_impact": 0, "style": "normal"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "expected malformed, got %v", err)
		})
	}
}

// TestParse_RoundTrip verifies serialize-then-parse is lossless for valid judgments.
func TestParse_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		want := randomJudgment(rng)

		data, err := json.Marshal(want)
		require.NoError(t, err)
		got, err := Parse(string(data))
		require.NoError(t, err, string(data))

		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s\njson: %s", diff, data)
		}
	}
}

func randomJudgment(rng *rand.Rand) domain.Judgment {
	selectable := make([]domain.ActionType, 0, len(domain.AllActionTypes))
	for _, a := range domain.AllActionTypes {
		if a.UserSelectable() {
			selectable = append(selectable, a)
		}
	}
	styles := []domain.OptionStyle{domain.StyleNormal, domain.StyleWarning, domain.StylePrimary}

	j := domain.Judgment{
		IsDistracted:    rng.Intn(2) == 0,
		Confidence:      rng.Float64(),
		Status:          domain.StatusNormal,
		AnalysisSummary: fmt.Sprintf("summary %d", rng.Intn(1000)),
		Forced:          rng.Intn(4) == 0,
	}
	if rng.Intn(3) == 0 {
		j.Status = domain.StatusRecovery
	}
	if rng.Intn(2) == 0 {
		j.ThoughtTrace = []string{"looked at the 30s window", fmt.Sprintf("step %d", rng.Intn(9))}
	}

	n := rng.Intn(5)
	if j.IsDistracted {
		n = 3 + rng.Intn(2)
	}
	perm := rng.Perm(len(selectable))
	for k := 0; k < n; k++ {
		opt := domain.InterventionOption{
			Label:       fmt.Sprintf("option %d", k),
			ActionType:  selectable[perm[k]],
			TrustImpact: rng.Intn(11) - 5,
			Style:       styles[rng.Intn(len(styles))],
		}
		switch rng.Intn(3) {
		case 0:
			opt.Payload = map[string]any{"duration_minutes": 1 + rng.Intn(60)}
		case 1:
			opt.Payload = map[string]any{"keyword": "youtube", "app": "chrome"}
		}
		if rng.Intn(4) == 0 {
			opt.Disable("insufficient balance")
		}
		j.Options = append(j.Options, opt)
	}
	return j
}
