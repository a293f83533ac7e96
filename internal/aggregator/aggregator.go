// Package aggregator turns the raw activity log into per-duration windows
// of dwell-ranked (app, title, url) entries.
package aggregator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Config holds aggregation parameters.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"` // dwell cap per record
	TopN         int           `yaml:"top_n"`

	// Session blocks.
	BlockInterval   time.Duration `yaml:"block_interval"`
	BlockRetention  time.Duration `yaml:"block_retention"`
	InsightBlocks   int           `yaml:"insight_blocks"`
	FocusApps       []string      `yaml:"focus_apps"`
	DistractionApps []string      `yaml:"distraction_apps"`
}

// DefaultConfig returns the default aggregation parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval:    3 * time.Second,
		TopN:            5,
		BlockInterval:   30 * time.Minute,
		BlockRetention:  7 * 24 * time.Hour,
		InsightBlocks:   100,
		FocusApps:       DefaultFocusApps,
		DistractionApps: DefaultDistractionApps,
	}
}

// Aggregator summarizes the activity log.
type Aggregator struct {
	config   Config
	log      domain.ActivityLog
	sessions domain.SessionLog
	logger   *zap.Logger

	// degraded is set while the log is failing so the warning is logged once.
	degraded atomic.Bool
}

// New creates an aggregator reading from log.
func New(config Config, log domain.ActivityLog, logger *zap.Logger) *Aggregator {
	if config.TopN <= 0 {
		config.TopN = DefaultConfig().TopN
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BlockInterval <= 0 {
		config.BlockInterval = DefaultConfig().BlockInterval
	}
	if config.BlockRetention <= 0 {
		config.BlockRetention = DefaultConfig().BlockRetention
	}
	if config.InsightBlocks <= 0 {
		config.InsightBlocks = DefaultConfig().InsightBlocks
	}
	if config.FocusApps == nil {
		config.FocusApps = DefaultFocusApps
	}
	if config.DistractionApps == nil {
		config.DistractionApps = DefaultDistractionApps
	}
	return &Aggregator{config: config, log: log, logger: logger}
}

type entryKey struct {
	app, title, url string
}

// Summarize builds one ActivityWindow per requested duration, each covering
// [now-D, now]. It never fails: when the log is unavailable every window
// is returned empty.
func (a *Aggregator) Summarize(ctx context.Context, now time.Time, durations ...time.Duration) domain.Windows {
	out := make(domain.Windows, len(durations))
	for _, d := range durations {
		out[d] = domain.ActivityWindow{Duration: d}
	}
	if len(durations) == 0 {
		return out
	}

	longest := durations[0]
	for _, d := range durations[1:] {
		if d > longest {
			longest = d
		}
	}

	records, err := a.log.Query(ctx, now.Add(-longest))
	if err != nil {
		if !a.degraded.Swap(true) {
			a.logger.Warn("activity log unavailable, using empty windows", zap.Error(err))
		}
		return out
	}
	if a.degraded.Swap(false) {
		a.logger.Info("activity log available again")
	}

	dwells := a.dwellTimes(records, now)
	for _, d := range durations {
		out[d] = a.window(records, dwells, now, d)
	}
	return out
}

// dwellTimes estimates the time spent on each record: the gap to the next
// record of the same source, capped at the poll interval. The last record of
// a stream is capped by now.
func (a *Aggregator) dwellTimes(records []domain.ActivityRecord, now time.Time) []time.Duration {
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		ri, rj := records[idx[i]], records[idx[j]]
		if ri.Source != rj.Source {
			return ri.Source < rj.Source
		}
		return ri.ObservedAt.Before(rj.ObservedAt)
	})

	dwells := make([]time.Duration, len(records))
	for pos, i := range idx {
		rec := records[i]
		end := now
		if pos+1 < len(idx) && records[idx[pos+1]].Source == rec.Source {
			end = records[idx[pos+1]].ObservedAt
		}
		gap := end.Sub(rec.ObservedAt)
		if gap < 0 {
			gap = 0
		}
		if gap > a.config.PollInterval {
			gap = a.config.PollInterval
		}
		dwells[i] = gap
	}
	return dwells
}

func (a *Aggregator) window(records []domain.ActivityRecord, dwells []time.Duration, now time.Time, d time.Duration) domain.ActivityWindow {
	since := now.Add(-d)
	groups := make(map[entryKey]*domain.WindowEntry)

	for i, rec := range records {
		if rec.ObservedAt.Before(since) || rec.ObservedAt.After(now) {
			continue
		}
		title := rec.SanitizedTitle
		if title == "" {
			title = domain.SanitizeTitle(rec.WindowTitle)
		}
		if title == "" {
			title = domain.SanitizeTitle(rec.PageTitle)
		}
		key := entryKey{app: rec.AppName, title: title, url: rec.URL}
		e, ok := groups[key]
		if !ok {
			e = &domain.WindowEntry{AppName: rec.AppName, WindowTitle: title, URL: rec.URL}
			groups[key] = e
		}
		e.TotalDuration += dwells[i]
		if rec.ObservedAt.After(e.LastSeen) {
			e.LastSeen = rec.ObservedAt
		}
	}

	entries := make([]domain.WindowEntry, 0, len(groups))
	for _, e := range groups {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ei, ej := entries[i], entries[j]
		if ei.TotalDuration != ej.TotalDuration {
			return ei.TotalDuration > ej.TotalDuration
		}
		if !ei.LastSeen.Equal(ej.LastSeen) {
			return ei.LastSeen.After(ej.LastSeen)
		}
		if ei.AppName != ej.AppName {
			return ei.AppName < ej.AppName
		}
		if ei.WindowTitle != ej.WindowTitle {
			return ei.WindowTitle < ej.WindowTitle
		}
		return ei.URL < ej.URL
	})
	if len(entries) > a.config.TopN {
		entries = entries[:a.config.TopN]
	}
	return domain.ActivityWindow{Duration: d, TopEntries: entries}
}
