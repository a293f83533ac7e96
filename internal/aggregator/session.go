package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const (
	dominantApps      = 5
	focusHourDensity  = 0.7
	recentTrendBlocks = 10
	recentEnergy      = 5
	promptBlocks      = 4
	promptLookback    = 2 * time.Hour
)

// DefaultFocusApps are app name fragments that count fully toward focus density.
var DefaultFocusApps = []string{
	"code", "python", "vscode", "intellij", "idea", "terminal", "word", "excel",
	"powerpoint", "powerpnt", "notepad", "pdf", "adobe", "latex", "markdown",
}

// DefaultDistractionApps are app, title or url fragments that count as distraction.
var DefaultDistractionApps = []string{
	"bilibili", "youtube", "netflix", "tiktok", "douyin", "game", "steam", "epic",
	"origin", "uplay", "twitter", "facebook", "instagram", "weibo", "zhihu",
	"reddit", "discord",
}

// WithSessions attaches the store session blocks are written to and read
// from. Without one, Compress still works but History is empty.
func (a *Aggregator) WithSessions(sessions domain.SessionLog) *Aggregator {
	a.sessions = sessions
	return a
}

// HasSessions reports whether a session store is attached.
func (a *Aggregator) HasSessions() bool {
	return a.sessions != nil
}

// BlockInterval is the length of one session block.
func (a *Aggregator) BlockInterval() time.Duration {
	return a.config.BlockInterval
}

// ExpireBlocks drops session blocks that fell out of retention at now.
func (a *Aggregator) ExpireBlocks(ctx context.Context, now time.Time) (int64, error) {
	if a.sessions == nil {
		return 0, nil
	}
	return a.sessions.ExpireBlocks(ctx, now.Add(-a.config.BlockRetention))
}

// Compress builds the session block for [start, end). It reports false
// when the period holds no activity.
func (a *Aggregator) Compress(ctx context.Context, start, end time.Time) (domain.SessionBlock, bool, error) {
	records, err := a.log.Query(ctx, start)
	if err != nil {
		return domain.SessionBlock{}, false, fmt.Errorf("failed to query activity: %w", err)
	}
	in := records[:0:0]
	for _, r := range records {
		if r.ObservedAt.Before(end) {
			in = append(in, r)
		}
	}
	if len(in) == 0 {
		return domain.SessionBlock{}, false, nil
	}
	return a.block(start, end, in), true, nil
}

// CompressAndStore compresses [start, end) and appends the block to the
// session store.
func (a *Aggregator) CompressAndStore(ctx context.Context, start, end time.Time) (domain.SessionBlock, bool, error) {
	if a.sessions == nil {
		return domain.SessionBlock{}, false, nil
	}
	b, ok, err := a.Compress(ctx, start, end)
	if err != nil || !ok {
		return b, ok, err
	}
	if err := a.sessions.AppendBlock(ctx, b); err != nil {
		return b, false, fmt.Errorf("failed to store session block: %w", err)
	}
	a.logger.Debug("session block stored",
		zap.Time("start", start),
		zap.Float64("focus_density", b.FocusDensity),
		zap.Int("distractions", b.DistractionCount),
		zap.Int("switches", b.Switches))
	return b, true, nil
}

func (a *Aggregator) block(start, end time.Time, records []domain.ActivityRecord) domain.SessionBlock {
	b := domain.SessionBlock{Start: start, End: end}
	counts := make(map[string]int)
	var score float64
	prev := ""
	for i, r := range records {
		app := strings.ToLower(strings.TrimSpace(r.AppName))
		counts[app]++
		text := app + " " + strings.ToLower(r.WindowTitle+" "+r.URL)

		distraction := containsAny(text, a.config.DistractionApps)
		if distraction {
			b.DistractionCount++
		}
		switch {
		case containsAny(app, a.config.FocusApps):
			score++
		case distraction:
		default:
			score += 0.5
		}
		if i > 0 && app != prev {
			b.Switches++
		}
		prev = app
	}
	b.FocusDensity = score / float64(len(records))
	b.EnergyLevel = float64(b.Switches) / 10
	if b.EnergyLevel > 1 {
		b.EnergyLevel = 1
	}

	for app, n := range counts {
		b.DominantApps = append(b.DominantApps, domain.AppShare{App: app, Samples: n})
	}
	sort.Slice(b.DominantApps, func(i, j int) bool {
		if b.DominantApps[i].Samples != b.DominantApps[j].Samples {
			return b.DominantApps[i].Samples > b.DominantApps[j].Samples
		}
		return b.DominantApps[i].App < b.DominantApps[j].App
	})
	if len(b.DominantApps) > dominantApps {
		b.DominantApps = b.DominantApps[:dominantApps]
	}
	return b
}

// History returns the recent session blocks and the insights derived from
// every block still retained. It never fails: a missing or failing store
// yields an empty history.
func (a *Aggregator) History(ctx context.Context, now time.Time) domain.SessionHistory {
	h := domain.SessionHistory{Insights: Insights(nil)}
	if a.sessions == nil {
		return h
	}
	blocks, err := a.sessions.Blocks(ctx, now.Add(-a.config.BlockRetention))
	if err != nil {
		a.logger.Warn("session blocks unavailable", zap.Error(err))
		return h
	}
	if len(blocks) > a.config.InsightBlocks {
		blocks = blocks[len(blocks)-a.config.InsightBlocks:]
	}
	h.Insights = Insights(blocks)

	since := now.Add(-promptLookback)
	for _, b := range blocks {
		if !b.End.Before(since) {
			h.Recent = append(h.Recent, b)
		}
	}
	if len(h.Recent) > promptBlocks {
		h.Recent = h.Recent[len(h.Recent)-promptBlocks:]
	}
	return h
}

// Insights derives long-term patterns from blocks ordered oldest first.
func Insights(blocks []domain.SessionBlock) domain.Insights {
	in := domain.Insights{
		Blocks:           len(blocks),
		PeakHour:         -1,
		DistractionTrend: domain.TrendStable,
		Fatigue:          domain.FatigueNone,
	}
	if len(blocks) == 0 {
		return in
	}

	sums := make(map[int]float64)
	counts := make(map[int]int)
	apps := make(map[string]int)
	var distractions, energy float64
	for _, b := range blocks {
		h := b.Start.Hour()
		sums[h] += b.FocusDensity
		counts[h]++
		distractions += float64(b.DistractionCount)
		energy += b.EnergyLevel
		for _, s := range b.DominantApps {
			apps[s.App]++
		}
	}

	hours := make([]int, 0, len(sums))
	for h := range sums {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	for _, h := range hours {
		avg := sums[h] / float64(counts[h])
		if in.PeakHour < 0 || avg > in.PeakDensity {
			in.PeakHour, in.PeakDensity = h, avg
		}
		if avg > focusHourDensity {
			in.FocusHours = append(in.FocusHours, h)
		}
	}

	avgDistractions := distractions / float64(len(blocks))
	recent := newest(blocks, recentTrendBlocks)
	var recentDistractions float64
	for _, b := range recent {
		recentDistractions += float64(b.DistractionCount)
	}
	recentDistractions /= float64(len(recent))
	switch {
	case recentDistractions > avgDistractions*1.2:
		in.DistractionTrend = domain.TrendIncreasing
	case recentDistractions < avgDistractions*0.8:
		in.DistractionTrend = domain.TrendDecreasing
	}

	avgEnergy := energy / float64(len(blocks))
	var recentE float64
	recentBlocks := newest(blocks, recentEnergy)
	for _, b := range recentBlocks {
		recentE += b.EnergyLevel
	}
	recentE /= float64(len(recentBlocks))
	switch {
	case recentE < avgEnergy*0.6:
		in.Fatigue = domain.FatigueHigh
	case recentE < avgEnergy*0.8:
		in.Fatigue = domain.FatigueModerate
	}

	for app := range apps {
		in.TopApps = append(in.TopApps, app)
	}
	sort.Slice(in.TopApps, func(i, j int) bool {
		ai, aj := in.TopApps[i], in.TopApps[j]
		if apps[ai] != apps[aj] {
			return apps[ai] > apps[aj]
		}
		return ai < aj
	})
	if len(in.TopApps) > dominantApps {
		in.TopApps = in.TopApps[:dominantApps]
	}
	return in
}

func newest(blocks []domain.SessionBlock, n int) []domain.SessionBlock {
	if len(blocks) > n {
		return blocks[len(blocks)-n:]
	}
	return blocks
}

func containsAny(text string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(text, f) {
			return true
		}
	}
	return false
}
