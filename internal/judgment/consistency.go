package judgment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// ConsistencyConfig holds the thresholds for checking paid choices.
type ConsistencyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ApproveScore float64       `yaml:"approve_score"`
	AdjustScore  float64       `yaml:"adjust_score"`
	AdjustPct    int           `yaml:"adjust_pct"`
	TrustPenalty int           `yaml:"trust_penalty"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConsistencyConfig returns the default consistency thresholds.
func DefaultConsistencyConfig() ConsistencyConfig {
	return ConsistencyConfig{
		Enabled:      true,
		ApproveScore: 0.7,
		AdjustScore:  0.4,
		AdjustPct:    150,
		TrustPenalty: 2,
		Timeout:      20 * time.Second,
	}
}

// unparsedScore is used when the backend answers but the score cannot be read.
const unparsedScore = 0.5

// HistoryFunc returns the session history at now.
type HistoryFunc func(ctx context.Context, now time.Time) domain.SessionHistory

// ConsistencyChecker asks the backend whether a paid choice fits what the
// user has been doing. It never blocks a choice because the backend is down.
type ConsistencyChecker struct {
	backend domain.LLMBackend
	history HistoryFunc
	config  ConsistencyConfig
	logger  *zap.Logger
}

// NewConsistencyChecker creates a checker.
func NewConsistencyChecker(backend domain.LLMBackend, config ConsistencyConfig, logger *zap.Logger) *ConsistencyChecker {
	def := DefaultConsistencyConfig()
	if config.ApproveScore <= 0 {
		config.ApproveScore = def.ApproveScore
	}
	if config.AdjustScore <= 0 {
		config.AdjustScore = def.AdjustScore
	}
	if config.AdjustPct <= 0 {
		config.AdjustPct = def.AdjustPct
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &ConsistencyChecker{backend: backend, config: config, logger: logger}
}

// WithHistory adds recent session blocks to the check.
func (c *ConsistencyChecker) WithHistory(fn HistoryFunc) *ConsistencyChecker {
	c.history = fn
	return c
}

// ConsistencySchema describes the JSON object the backend must return.
func ConsistencySchema() *domain.Schema {
	return &domain.Schema{
		Type: "object",
		Properties: map[string]*domain.Schema{
			"consistency_score": {Type: "number", Description: "0 to 1"},
			"audit_reason":      {Type: "string"},
		},
		Required: []string{"consistency_score", "audit_reason"},
	}
}

// Review checks one paid choice and returns the verdict to settle it with.
func (c *ConsistencyChecker) Review(ctx context.Context, r domain.ChoiceReview) domain.ConsistencyVerdict {
	approved := domain.ConsistencyVerdict{
		Decision:    domain.ConsistencyApproved,
		Score:       1,
		Cost:        r.Cost,
		TrustImpact: r.Option.TrustImpact,
	}

	var history domain.SessionHistory
	if c.history != nil {
		history = c.history(ctx, r.At)
	}
	prompt, err := buildConsistencyPrompt(r, history)
	if err != nil {
		c.logger.Warn("consistency prompt failed, approving", zap.Error(err))
		approved.Reason = "check unavailable"
		return approved
	}

	cctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	raw, err := c.backend.Complete(cctx, prompt, ConsistencySchema())
	if err != nil {
		c.logger.Warn("consistency check failed, approving",
			zap.String("action", string(r.Option.ActionType)),
			zap.Error(err))
		approved.Reason = "check unavailable"
		return approved
	}

	score, reason := parseConsistency(raw)
	v := c.decide(r, score, reason)
	c.logger.Info("choice checked",
		zap.String("action", string(r.Option.ActionType)),
		zap.String("decision", string(v.Decision)),
		zap.Float64("score", v.Score),
		zap.Int("cost", v.Cost))
	return v
}

func (c *ConsistencyChecker) decide(r domain.ChoiceReview, score float64, reason string) domain.ConsistencyVerdict {
	v := domain.ConsistencyVerdict{
		Score:       score,
		Reason:      reason,
		Cost:        r.Cost,
		TrustImpact: r.Option.TrustImpact,
	}
	switch {
	case score >= c.config.ApproveScore:
		v.Decision = domain.ConsistencyApproved
	case score >= c.config.AdjustScore:
		v.Decision = domain.ConsistencyPriceAdjusted
		v.Cost = (r.Cost*c.config.AdjustPct + 50) / 100
		v.TrustImpact -= c.config.TrustPenalty
	default:
		v.Decision = domain.ConsistencyRejected
	}
	return v
}

// parseConsistency reads the score and reason, falling back to a neutral
// score when the answer is not usable.
func parseConsistency(raw string) (float64, string) {
	body := extractObject(raw)
	if body == "" {
		return unparsedScore, "unreadable answer"
	}
	var wire struct {
		Score  any    `json:"consistency_score"`
		Reason string `json:"audit_reason"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return unparsedScore, "unreadable answer"
	}
	score, ok := asFloat(wire.Score)
	if !ok || score < 0 || score > 100 {
		return unparsedScore, strings.TrimSpace(wire.Reason)
	}
	if score > 1 {
		score /= 100
	}
	return score, strings.TrimSpace(wire.Reason)
}

var consistencyTemplate = template.Must(template.New("consistency").Funcs(template.FuncMap{
	"pct": formatPct,
}).Parse(`You audit a person's request to relax their focus supervision.
Judge whether the request is consistent with what they have actually been doing.

Goal: {{.Goal}}
Requested: {{.Label}} ({{.Action}}){{if .Detail}}, {{.Detail}}{{end}}, costing {{.Cost}} coins
Current window: {{.App}}{{if .Title}} | {{.Title}}{{end}}{{if .URL}} | {{.URL}}{{end}}
Situation: {{.Summary}}
{{if .Recent}}
Recent session blocks:
{{range .Recent}}- {{.Start.Format "15:04"}} focus {{pct .FocusDensity}}, {{.DistractionCount}} distracted samples, {{.Switches}} app switches
{{end}}{{end}}
A request that follows sustained focused work, or that is needed for the goal, is consistent.
A request made in the middle of a distraction streak, or to extend the distraction, is not.

Reply with one JSON object only: {"consistency_score": 0 to 1, "audit_reason": "one sentence"}
`))

type consistencyData struct {
	Goal    string
	Label   string
	Action  domain.ActionType
	Detail  string
	Cost    int
	App     string
	Title   string
	URL     string
	Summary string
	Recent  []domain.SessionBlock
}

func buildConsistencyPrompt(r domain.ChoiceReview, h domain.SessionHistory) (string, error) {
	data := consistencyData{
		Goal:    strings.TrimSpace(r.Goal.Text),
		Label:   r.Option.Label,
		Action:  r.Option.ActionType,
		Cost:    r.Cost,
		App:     r.Entry.AppName,
		Title:   r.Entry.WindowTitle,
		URL:     r.Entry.URL,
		Summary: strings.TrimSpace(r.Summary),
		Recent:  h.Recent,
	}
	if data.Goal == "" {
		data.Goal = "(no goal declared)"
	}
	if data.App == "" {
		data.App = "unknown"
	}
	if data.Summary == "" {
		data.Summary = "none given"
	}
	switch r.Option.ActionType {
	case domain.ActionSnooze:
		data.Detail = fmt.Sprintf("%d minutes", r.Option.SnoozeMinutes())
	case domain.ActionWhitelistTemp:
		if app := r.Option.PayloadString("app"); app != "" {
			data.Detail = "for " + app
		}
	}

	var buf bytes.Buffer
	if err := consistencyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render consistency prompt: %w", err)
	}
	return buf.String(), nil
}
