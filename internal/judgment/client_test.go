package judgment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// fakeBackend replays scripted responses in order; the last one repeats.
type fakeBackend struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(ctx context.Context, prompt string, schema *domain.Schema) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)

	if len(f.errs) > 0 {
		e := f.errs[min(i, len(f.errs)-1)]
		if e != nil {
			return "", e
		}
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	return f.responses[min(i, len(f.responses)-1)], nil
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(b domain.LLMBackend) (*Client, *recordingSleeper) {
	s := &recordingSleeper{}
	c := NewClient(b, DefaultConfig(), zap.NewNop()).WithSleeper(s.Sleep)
	return c, s
}

func testRequest(trust int) Request {
	return Request{
		Goal:    domain.Goal{Text: "write the quarterly report"},
		Profile: domain.TrustProfile{TrustScore: trust, Balance: 40},
		Windows: domain.Windows{},
		Now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func snoozeJSON(minutes int) string {
	return fmt.Sprintf(`{
	  "is_distracted": true, "confidence": 0.9, "analysis_summary": "video site",
	  "options": [
	    {"label": "Snooze", "action_type": "SNOOZE", "payload": {"duration_minutes": %d}, "trust_impact": -2, "style": "warning"},
	    {"label": "Allow", "action_type": "WHITELIST_TEMP", "payload": {"app": "chrome", "duration_hours": 1}, "trust_impact": -3, "style": "normal"},
	    {"label": "Close", "action_type": "CLOSE_TAB", "payload": {"keyword": "YouTube"}, "trust_impact": 2, "style": "primary"}
	  ]}`, minutes)
}

// TestJudge_MalformedThreeTimes verifies three bad responses end in the safe
// default after two backoff sleeps.
func TestJudge_MalformedThreeTimes(t *testing.T) {
	backend := &fakeBackend{responses: []string{"not json at all"}}
	c, sleeper := newTestClient(backend)

	j, err := c.Judge(context.Background(), testRequest(80))

	require.NoError(t, err)
	assert.Equal(t, SafeDefault(), j)
	assert.False(t, j.IsDistracted)
	assert.Equal(t, SafeDefaultSummary, j.AnalysisSummary)
	assert.Equal(t, 3, backend.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.True(t, c.Available())
}

// TestJudge_RetryThenSuccess verifies a transient failure is retried.
func TestJudge_RetryThenSuccess(t *testing.T) {
	backend := &fakeBackend{
		errs:      []error{domain.NewJudgmentError(domain.TransientNetwork, errors.New("connection reset")), nil},
		responses: []string{"", snoozeJSON(5)},
	}
	c, sleeper := newTestClient(backend)

	j, err := c.Judge(context.Background(), testRequest(80))

	require.NoError(t, err)
	assert.True(t, j.IsDistracted)
	assert.Len(t, j.Options, 3)
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

// TestJudge_SnoozeGatedByTrust verifies snoozes longer than five minutes are
// disabled for every trust score below 60 and enabled otherwise.
func TestJudge_SnoozeGatedByTrust(t *testing.T) {
	for trust := 0; trust <= 100; trust += 5 {
		for _, minutes := range []int{1, 5, 6, 10, 30} {
			backend := &fakeBackend{responses: []string{snoozeJSON(minutes)}}
			c, _ := newTestClient(backend)

			j, err := c.Judge(context.Background(), testRequest(trust))
			require.NoError(t, err)

			snooze, ok := j.Option(domain.ActionSnooze)
			require.True(t, ok)
			wantDisabled := trust < 60 && minutes > 5
			assert.Equal(t, wantDisabled, snooze.Disabled, "trust=%d minutes=%d", trust, minutes)
			if wantDisabled {
				assert.NotEmpty(t, snooze.DisabledReason)
			}
		}
	}
}

// TestJudge_WhitelistGatedByTrust verifies temporary whitelisting needs trust 70.
func TestJudge_WhitelistGatedByTrust(t *testing.T) {
	tests := []struct {
		trust    int
		disabled bool
	}{
		{trust: 50, disabled: true},
		{trust: 69, disabled: true},
		{trust: 70, disabled: false},
		{trust: 95, disabled: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("trust_%d", tt.trust), func(t *testing.T) {
			backend := &fakeBackend{responses: []string{snoozeJSON(5)}}
			c, _ := newTestClient(backend)

			j, err := c.Judge(context.Background(), testRequest(tt.trust))
			require.NoError(t, err)

			wl, ok := j.Option(domain.ActionWhitelistTemp)
			require.True(t, ok)
			assert.Equal(t, tt.disabled, wl.Disabled)
		})
	}
}

// TestJudge_AuthenticationIsFatal verifies auth failures are not retried and
// disable the client for the session.
func TestJudge_AuthenticationIsFatal(t *testing.T) {
	authErr := domain.NewJudgmentError(domain.Authentication, errors.New("401 invalid api key"))
	backend := &fakeBackend{errs: []error{authErr}}
	c, sleeper := newTestClient(backend)

	j, err := c.Judge(context.Background(), testRequest(80))
	require.Error(t, err)
	assert.Equal(t, domain.Authentication, domain.JudgmentErrorKindOf(err))
	assert.Equal(t, SafeDefault(), j)
	assert.Equal(t, 1, backend.Calls())
	assert.Empty(t, sleeper.delays)
	assert.False(t, c.Available())

	_, err = c.Judge(context.Background(), testRequest(80))
	require.Error(t, err)
	assert.Equal(t, 1, backend.Calls(), "latched client must not call the backend again")
}

// TestJudge_QuotaIsFatal verifies quota exhaustion latches like auth.
func TestJudge_QuotaIsFatal(t *testing.T) {
	backend := &fakeBackend{errs: []error{domain.NewJudgmentError(domain.QuotaExceeded, errors.New("insufficient_quota"))}}
	c, _ := newTestClient(backend)

	_, err := c.Judge(context.Background(), testRequest(80))
	require.Error(t, err)
	assert.True(t, domain.IsFatalJudgmentError(err))
	assert.False(t, c.Available())
}

// TestJudge_RateLimitBackoff verifies rate limits wait longer and honour Retry-After.
func TestJudge_RateLimitBackoff(t *testing.T) {
	rl := domain.NewJudgmentError(domain.RateLimit, errors.New("429"))
	slow := domain.NewJudgmentError(domain.RateLimit, errors.New("429"))
	slow.RetryAfter = 12 * time.Second

	backend := &fakeBackend{errs: []error{rl, slow, slow}}
	c, sleeper := newTestClient(backend)

	j, err := c.Judge(context.Background(), testRequest(80))
	require.NoError(t, err)
	assert.Equal(t, SafeDefault(), j)
	assert.Equal(t, []time.Duration{4 * time.Second, 12 * time.Second}, sleeper.delays)
}

func TestBackoff_Capped(t *testing.T) {
	c := NewClient(&fakeBackend{}, DefaultConfig(), zap.NewNop())
	rl := domain.NewJudgmentError(domain.RateLimit, errors.New("429"))
	rl.RetryAfter = 5 * time.Minute

	assert.Equal(t, 30*time.Second, c.backoff(2, rl))
	assert.Equal(t, 4*time.Second, c.backoff(3, errors.New("plain")))
}

// TestJudge_ContextCancelled verifies cancellation stops retries.
func TestJudge_ContextCancelled(t *testing.T) {
	backend := &fakeBackend{responses: []string{"garbage"}}
	c, _ := newTestClient(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, err := c.Judge(ctx, testRequest(80))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SafeDefault(), j)
	assert.LessOrEqual(t, backend.Calls(), 1)
}

// TestJudge_PromptCarriesContext verifies the goal, tier and recent activity
// reach the backend.
func TestJudge_PromptCarriesContext(t *testing.T) {
	backend := &fakeBackend{responses: []string{`{"is_distracted": false, "confidence": 0.2, "analysis_summary": "fine", "options": []}`}}
	c, _ := newTestClient(backend)

	req := testRequest(40)
	req.Windows = domain.Windows{
		domain.InstantWindow: {
			Duration: domain.InstantWindow,
			TopEntries: []domain.WindowEntry{
				{AppName: "chrome", WindowTitle: "Lofi beats - YouTube", URL: "https://youtube.com/watch", TotalDuration: 27 * time.Second},
			},
		},
	}

	_, err := c.Judge(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, backend.prompts, 1)

	p := backend.prompts[0]
	assert.Contains(t, p, "write the quarterly report")
	assert.Contains(t, p, string(domain.TierStrict))
	assert.Contains(t, p, "Lofi beats - YouTube")
	assert.Contains(t, p, "27 seconds")
	assert.Contains(t, p, `"analysis_summary"`)
}

// TestRecoveryJudgment verifies an editor in the instant window after a long
// video session yields a non-distracted recovery verdict.
func TestRecoveryJudgment(t *testing.T) {
	d := domain.PolicyDecision{
		Verdict:    domain.VerdictForceRecovery,
		Tier:       1,
		Reason:     "work app code is in focus",
		Confidence: 1,
	}
	j := RecoveryJudgment(d)

	assert.False(t, j.IsDistracted)
	assert.Equal(t, domain.StatusRecovery, j.Status)
	assert.True(t, j.Forced)
	assert.Empty(t, j.Options)
}

func TestFromDecision(t *testing.T) {
	d := domain.PolicyDecision{
		Verdict:    domain.VerdictForceDistraction,
		Tier:       2,
		Reason:     "leisure content in chrome",
		Confidence: 0.8,
		Keyword:    "youtube",
		Entry:      domain.WindowEntry{AppName: "chrome", WindowTitle: "cats - YouTube"},
	}

	tab := FromDecision(d, true)
	assert.True(t, tab.IsDistracted)
	require.Len(t, tab.Options, 4)
	assert.Equal(t, domain.ActionCloseTab, tab.Options[0].ActionType)
	assert.Equal(t, "youtube", tab.Options[0].PayloadString("keyword"))

	win := FromDecision(d, false)
	assert.Equal(t, domain.ActionCloseWindow, win.Options[0].ActionType)
	assert.Equal(t, 10, win.Options[1].PayloadInt("duration_minutes", 0))
}

func TestSnoozeExpiredJudgment(t *testing.T) {
	j := SnoozeExpiredJudgment()
	assert.True(t, j.Forced)
	require.Len(t, j.Options, 2)

	snooze, ok := j.Option(domain.ActionSnooze)
	require.True(t, ok)
	assert.Equal(t, 5, snooze.PayloadInt("duration_minutes", 0))
}
