package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/test/fixtures"
)

func mixedStream() *fixtures.Stream {
	return fixtures.NewStream(now, 3*time.Second).
		Dwell("code.exe", "main.go", 4).
		Browse("chrome.exe", "Cat video - YouTube", "https://youtube.com/watch?v=1", 2).
		Dwell("slack.exe", "general", 4)
}

// TestCompress_ScoresSamples verifies focus density, distractions, switches and energy.
func TestCompress_ScoresSamples(t *testing.T) {
	agg := New(DefaultConfig(), fixtures.NewActivityLog(mixedStream().Records()...), zap.NewNop())

	b, ok, err := agg.Compress(context.Background(), now.Add(-time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)

	// 4 focus samples score 1, 4 neutral score 0.5, 2 distraction score 0.
	assert.InDelta(t, 0.6, b.FocusDensity, 1e-9)
	assert.Equal(t, 2, b.DistractionCount)
	assert.Equal(t, 2, b.Switches)
	assert.InDelta(t, 0.2, b.EnergyLevel, 1e-9)
	assert.Equal(t, []domain.AppShare{
		{App: "code.exe", Samples: 4},
		{App: "slack.exe", Samples: 4},
		{App: "chrome.exe", Samples: 2},
	}, b.DominantApps)
	assert.Equal(t, now.Add(-time.Minute), b.Start)
	assert.Equal(t, now, b.End)
}

// TestCompress_EnergySaturates verifies energy is capped at 1.
func TestCompress_EnergySaturates(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second)
	for i := 0; i < 8; i++ {
		stream.Dwell("code.exe", "main.go", 1).Dwell("slack.exe", "general", 1)
	}
	agg := New(DefaultConfig(), fixtures.NewActivityLog(stream.Records()...), zap.NewNop())

	b, ok, err := agg.Compress(context.Background(), now.Add(-time.Minute), now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15, b.Switches)
	assert.Equal(t, 1.0, b.EnergyLevel)
	assert.Len(t, b.DominantApps, 2)
}

// TestCompress_EmptyPeriod verifies a period without samples produces no block.
func TestCompress_EmptyPeriod(t *testing.T) {
	agg := New(DefaultConfig(), fixtures.NewActivityLog(mixedStream().Records()...), zap.NewNop())

	_, ok, err := agg.Compress(context.Background(), now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCompress_LogFailure verifies a failing activity log surfaces as an error.
func TestCompress_LogFailure(t *testing.T) {
	log := fixtures.NewActivityLog()
	log.Err = fixtures.ErrLogDown
	agg := New(DefaultConfig(), log, zap.NewNop())

	_, _, err := agg.Compress(context.Background(), now.Add(-time.Minute), now)
	assert.ErrorIs(t, err, fixtures.ErrLogDown)
}

// TestCompressAndStore verifies blocks land in the session log only when one is attached.
func TestCompressAndStore(t *testing.T) {
	log := fixtures.NewActivityLog(mixedStream().Records()...)

	_, ok, err := New(DefaultConfig(), log, zap.NewNop()).CompressAndStore(context.Background(), now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok)

	sessions := fixtures.NewSessionLog()
	agg := New(DefaultConfig(), log, zap.NewNop()).WithSessions(sessions)
	_, ok, err = agg.CompressAndStore(context.Background(), now.Add(-time.Minute), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, sessions.Len())
}

func blockAt(start time.Time, density float64, distractions int, energy float64, apps ...string) domain.SessionBlock {
	b := domain.SessionBlock{
		Start:            start,
		End:              start.Add(30 * time.Minute),
		FocusDensity:     density,
		DistractionCount: distractions,
		EnergyLevel:      energy,
	}
	for _, app := range apps {
		b.DominantApps = append(b.DominantApps, domain.AppShare{App: app, Samples: 1})
	}
	return b
}

// TestInsights_PeakAndFocusHours verifies hourly averages drive peak and focus hours.
func TestInsights_PeakAndFocusHours(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	blocks := []domain.SessionBlock{
		blockAt(day.Add(9*time.Hour), 0.9, 0, 0.5, "code.exe", "slack.exe"),
		blockAt(day.Add(9*time.Hour+30*time.Minute), 0.7, 0, 0.5, "code.exe"),
		blockAt(day.Add(14*time.Hour), 0.4, 2, 0.5, "chrome.exe", "code.exe"),
		blockAt(day.Add(15*time.Hour), 0.75, 0, 0.5, "code.exe"),
	}

	in := Insights(blocks)

	assert.Equal(t, 4, in.Blocks)
	assert.Equal(t, 9, in.PeakHour)
	assert.InDelta(t, 0.8, in.PeakDensity, 1e-9)
	assert.Equal(t, []int{9, 15}, in.FocusHours)
	assert.Equal(t, []string{"code.exe", "chrome.exe", "slack.exe"}, in.TopApps)
}

// TestInsights_TrendAndFatigue verifies recent blocks are compared against the overall average.
func TestInsights_TrendAndFatigue(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	build := func(older, recent int, energy func(i int) float64) []domain.SessionBlock {
		var out []domain.SessionBlock
		for i := 0; i < 20; i++ {
			d := older
			if i >= 10 {
				d = recent
			}
			out = append(out, blockAt(start.Add(time.Duration(i)*30*time.Minute), 0.5, d, energy(i)))
		}
		return out
	}
	steady := func(int) float64 { return 1 }
	tired := func(low float64) func(int) float64 {
		return func(i int) float64 {
			if i >= 15 {
				return low
			}
			return 1
		}
	}

	tests := []struct {
		name    string
		blocks  []domain.SessionBlock
		trend   domain.Trend
		fatigue domain.FatigueLevel
	}{
		{"stable", build(2, 2, steady), domain.TrendStable, domain.FatigueNone},
		{"increasing", build(1, 3, steady), domain.TrendIncreasing, domain.FatigueNone},
		{"decreasing", build(3, 1, steady), domain.TrendDecreasing, domain.FatigueNone},
		{"moderate fatigue", build(2, 2, tired(0.7)), domain.TrendStable, domain.FatigueModerate},
		{"high fatigue", build(2, 2, tired(0.2)), domain.TrendStable, domain.FatigueHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Insights(tt.blocks)
			assert.Equal(t, tt.trend, in.DistractionTrend)
			assert.Equal(t, tt.fatigue, in.Fatigue)
		})
	}
}

// TestInsights_Empty verifies no blocks yields neutral insights.
func TestInsights_Empty(t *testing.T) {
	in := Insights(nil)
	assert.Equal(t, 0, in.Blocks)
	assert.Equal(t, -1, in.PeakHour)
	assert.Equal(t, domain.TrendStable, in.DistractionTrend)
	assert.Equal(t, domain.FatigueNone, in.Fatigue)
	assert.Empty(t, in.TopApps)
}

// TestHistory_RecentAndRetained verifies the recent slice and the retention horizon.
func TestHistory_RecentAndRetained(t *testing.T) {
	half := 30 * time.Minute
	ending := func(end time.Time) domain.SessionBlock {
		return blockAt(end.Add(-half), 0.5, 0, 0.5)
	}
	sessions := fixtures.NewSessionLog(
		ending(now.Add(-9*24*time.Hour)),
		ending(now.Add(-5*time.Hour)),
		ending(now.Add(-2*time.Hour)),
		ending(now.Add(-90*time.Minute)),
		ending(now.Add(-time.Hour)),
		ending(now.Add(-half)),
		ending(now),
	)
	agg := New(DefaultConfig(), fixtures.NewActivityLog(), zap.NewNop()).WithSessions(sessions)

	h := agg.History(context.Background(), now)

	assert.Equal(t, 6, h.Insights.Blocks)
	require.Len(t, h.Recent, 4)
	assert.Equal(t, now.Add(-90*time.Minute), h.Recent[0].End)
	assert.Equal(t, now, h.Recent[3].End)
}

// TestHistory_StoreFailure verifies a failing session log yields an empty history.
func TestHistory_StoreFailure(t *testing.T) {
	sessions := fixtures.NewSessionLog(blockAt(now.Add(-time.Hour), 0.9, 0, 0.5))
	sessions.Err = fixtures.ErrLogDown
	agg := New(DefaultConfig(), fixtures.NewActivityLog(), zap.NewNop()).WithSessions(sessions)

	h := agg.History(context.Background(), now)

	assert.Empty(t, h.Recent)
	assert.Equal(t, -1, h.Insights.PeakHour)
}
