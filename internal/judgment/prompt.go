package judgment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/internal/economy"
)

// Request is everything the judgment prompt is built from.
type Request struct {
	Goal    domain.Goal
	Profile domain.TrustProfile
	Windows domain.Windows
	History domain.SessionHistory
	Streak  economy.Streak
	Now     time.Time
}

// ResponseSchema describes the JSON object the backend must return.
func ResponseSchema() *domain.Schema {
	actions := make([]string, 0, len(domain.AllActionTypes))
	for _, a := range domain.AllActionTypes {
		if a.UserSelectable() {
			actions = append(actions, string(a))
		}
	}
	return &domain.Schema{
		Type: "object",
		Properties: map[string]*domain.Schema{
			"is_distracted":    {Type: "boolean"},
			"confidence":       {Type: "number", Description: "0 to 1"},
			"status":           {Type: "string", Enum: []string{string(domain.StatusNormal), string(domain.StatusRecovery)}},
			"analysis_summary": {Type: "string"},
			"thought_trace":    {Type: "array", Items: &domain.Schema{Type: "string"}},
			"options": {
				Type: "array",
				Items: &domain.Schema{
					Type: "object",
					Properties: map[string]*domain.Schema{
						"label":        {Type: "string"},
						"action_type":  {Type: "string", Enum: actions},
						"trust_impact": {Type: "integer", Description: "-5 to 5"},
						"style":        {Type: "string", Enum: []string{string(domain.StyleNormal), string(domain.StyleWarning), string(domain.StylePrimary)}},
						"payload": {
							Type: "object",
							Properties: map[string]*domain.Schema{
								"duration_minutes": {Type: "integer"},
								"duration_hours":   {Type: "integer"},
								"keyword":          {Type: "string"},
								"app":              {Type: "string"},
								"return_to_app":    {Type: "string"},
							},
						},
					},
					Required: []string{"label", "action_type", "trust_impact", "style"},
				},
			},
		},
		Required: []string{"is_distracted", "confidence", "analysis_summary", "options"},
	}
}

var promptTemplate = template.Must(template.New("judgment").Funcs(template.FuncMap{
	"dur":  formatDwell,
	"pct":  formatPct,
	"apps": formatApps,
}).Parse(`You supervise a person's focus. Decide whether their current activity
is a distraction from their declared goal.

Goal: {{.Goal}}
Goal started: {{.GoalAge}} ago
Trust score: {{.Trust}}/100 ({{.Tier}} supervision)
Balance: {{.Balance}} coins

Guidance for the {{.Tier}} tier: {{.TierGuidance}}

{{range .Windows}}Last {{.Label}} (top entries by time spent):
{{if .Entries}}{{range .Entries}}- [{{dur .TotalDuration}}] {{.AppName}} | {{.WindowTitle}}{{if .URL}} | {{.URL}}{{end}}
{{end}}{{else}}- no activity recorded
{{end}}
{{end}}{{if .Recent}}Recent session blocks:
{{range .Recent}}- {{.Start.Format "15:04"}}-{{.End.Format "15:04"}} focus {{pct .FocusDensity}}, {{.DistractionCount}} distracted samples, {{.Switches}} app switches, energy {{pct .EnergyLevel}}{{if .DominantApps}}, mostly {{apps .DominantApps}}{{end}}
{{end}}
{{end}}{{if .Patterns}}Long-term patterns: {{.Patterns}}
{{end}}{{if .Streak}}Verdict streak: {{.Streak}}
{{end}}Priorities:
1. The last 30 seconds matter most. If the person is already back on a work tool, answer status RECOVERY and is_distracted false.
2. Browsers and AI chat tools are ambiguous; judge by the page title and url against the goal.
3. Use the 5 and 20 minute windows only as supporting trend.
4. A long distracted streak, a rising distraction trend or high fatigue call for firmer options.

If is_distracted is true, offer 3 or 4 options with distinct action types chosen from:
SNOOZE (payload duration_minutes), DISMISS, WHITELIST_TEMP (payload app, duration_hours),
STRICT_MODE (payload duration_minutes), CLOSE_WINDOW (payload keyword),
MINIMIZE_WINDOW (payload keyword), CLOSE_TAB (payload keyword: a word from the tab title),
BLOCK_APP (payload app, duration_minutes).
trust_impact is an integer from -5 (indulgent choice) to 5 (disciplined choice).

Reply with one JSON object only, matching this schema:
{{.Schema}}
`))

type promptWindow struct {
	Label   string
	Entries []domain.WindowEntry
}

type promptData struct {
	Goal         string
	GoalAge      string
	Trust        int
	Tier         domain.TrustTier
	TierGuidance string
	Balance      int
	Windows      []promptWindow
	Recent       []domain.SessionBlock
	Patterns     string
	Streak       string
	Schema       string
}

// BuildPrompt renders the judgment prompt.
func BuildPrompt(req Request) (string, error) {
	schema, err := json.MarshalIndent(ResponseSchema(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	goalAge := "unknown"
	if !req.Goal.StartedAt.IsZero() {
		goalAge = formatDwell(now.Sub(req.Goal.StartedAt))
	}

	data := promptData{
		Goal:         strings.TrimSpace(req.Goal.Text),
		GoalAge:      goalAge,
		Trust:        req.Profile.TrustScore,
		Tier:         req.Profile.Tier(),
		TierGuidance: tierGuidance(req.Profile.Tier()),
		Balance:      req.Profile.Balance,
		Recent:       req.History.Recent,
		Patterns:     describeInsights(req.History.Insights),
		Streak:       describeStreak(req.Streak),
		Schema:       string(schema),
	}
	if data.Goal == "" {
		data.Goal = "(no goal declared)"
	}
	for _, d := range []time.Duration{domain.InstantWindow, domain.ShortWindow, domain.ContextWindow} {
		data.Windows = append(data.Windows, promptWindow{
			Label:   formatDwell(d),
			Entries: req.Windows.Get(d).TopEntries,
		})
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}

func tierGuidance(t domain.TrustTier) string {
	switch t {
	case domain.TierStrict:
		return "be strict, prefer closing or blocking, offer snoozes of at most 5 minutes and no whitelisting"
	case domain.TierLenient:
		return "give the benefit of the doubt on ambiguous content and prefer gentle options"
	default:
		return "flag clear distractions and offer a balanced set of options"
	}
}

func describeInsights(in domain.Insights) string {
	if in.Blocks == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d blocks recorded", in.Blocks)}
	if in.PeakHour >= 0 {
		parts = append(parts, fmt.Sprintf("peak focus at %02d:00 (%s)", in.PeakHour, formatPct(in.PeakDensity)))
	}
	if len(in.FocusHours) > 0 {
		hours := make([]string, len(in.FocusHours))
		for i, h := range in.FocusHours {
			hours[i] = fmt.Sprintf("%02d:00", h)
		}
		parts = append(parts, "usual focus hours "+strings.Join(hours, " "))
	}
	parts = append(parts, "distraction trend "+string(in.DistractionTrend))
	if in.Fatigue != "" && in.Fatigue != domain.FatigueNone {
		parts = append(parts, string(in.Fatigue)+" fatigue")
	}
	if len(in.TopApps) > 0 {
		parts = append(parts, "top apps "+strings.Join(in.TopApps, ", "))
	}
	return strings.Join(parts, "; ")
}

func describeStreak(s economy.Streak) string {
	switch {
	case s.Distractions > 0:
		return fmt.Sprintf("%d distracted cycles in a row", s.Distractions)
	case s.Focus > 0:
		return fmt.Sprintf("%d focused cycles in a row", s.Focus)
	default:
		return ""
	}
}

func formatPct(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}

func formatApps(apps []domain.AppShare) string {
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = a.App
	}
	return strings.Join(names, ", ")
}

func formatDwell(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm%02ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
}
