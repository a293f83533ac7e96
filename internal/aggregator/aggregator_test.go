package aggregator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
	"github.com/eliteGoblin/focusd/focusguard/test/fixtures"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(log domain.ActivityLog) *Aggregator {
	return New(Config{PollInterval: 3 * time.Second, TopN: 5}, log, zap.NewNop())
}

// TestSummarize_RanksByDwell verifies entries are ordered by total dwell.
func TestSummarize_RanksByDwell(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second).
		Dwell("video.exe", "Cat compilation", 10).
		Dwell("editor.exe", "report.docx", 4)
	agg := newTestAggregator(fixtures.NewActivityLog(stream.Records()...))

	windows := agg.Summarize(context.Background(), now, domain.ShortWindow)
	win := windows.Get(domain.ShortWindow)

	require.Len(t, win.TopEntries, 2)
	assert.Equal(t, "video.exe", win.TopEntries[0].AppName)
	assert.Equal(t, 30*time.Second, win.TopEntries[0].TotalDuration)
	assert.Equal(t, 12*time.Second, win.TopEntries[1].TotalDuration)
}

// TestSummarize_WindowBounds verifies each duration only sees its own trailing slice.
func TestSummarize_WindowBounds(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second).
		Dwell("video.exe", "Cat compilation", 60).
		Dwell("editor.exe", "report.docx", 10)
	agg := newTestAggregator(fixtures.NewActivityLog(stream.Records()...))

	windows := agg.Summarize(context.Background(), now, domain.InstantWindow, domain.ShortWindow)

	top, ok := windows.Get(domain.InstantWindow).Top()
	require.True(t, ok)
	assert.Equal(t, "editor.exe", top.AppName)
	assert.Len(t, windows.Get(domain.InstantWindow).TopEntries, 1)

	top, ok = windows.Get(domain.ShortWindow).Top()
	require.True(t, ok)
	assert.Equal(t, "video.exe", top.AppName)
}

// TestSummarize_GapCapped verifies a single record never counts more than one poll interval.
func TestSummarize_GapCapped(t *testing.T) {
	log := fixtures.NewActivityLog(
		domain.NewActivityRecord(domain.SourceApplication, "editor.exe", "notes", "", "", now.Add(-4*time.Minute)),
		domain.NewActivityRecord(domain.SourceApplication, "video.exe", "clip", "", "", now.Add(-1*time.Second)),
	)
	agg := newTestAggregator(log)

	win := agg.Summarize(context.Background(), now, domain.ShortWindow).Get(domain.ShortWindow)

	require.Len(t, win.TopEntries, 2)
	for _, e := range win.TopEntries {
		assert.LessOrEqual(t, e.TotalDuration, 3*time.Second, e.AppName)
	}
}

// TestSummarize_TopNLimit verifies at most TopN entries are kept.
func TestSummarize_TopNLimit(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second)
	for i := 0; i < 8; i++ {
		stream.Dwell("app.exe", string(rune('a'+i)), i+1)
	}
	agg := newTestAggregator(fixtures.NewActivityLog(stream.Records()...))

	win := agg.Summarize(context.Background(), now, domain.ShortWindow).Get(domain.ShortWindow)

	require.Len(t, win.TopEntries, 5)
	assert.Equal(t, "h", win.TopEntries[0].WindowTitle)
}

// TestSummarize_TieBrokenByRecency verifies equal dwell favors the most recent entry.
func TestSummarize_TieBrokenByRecency(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second).
		Dwell("old.exe", "older", 3).
		Dwell("new.exe", "newer", 3)
	agg := newTestAggregator(fixtures.NewActivityLog(stream.Records()...))

	win := agg.Summarize(context.Background(), now, domain.ShortWindow).Get(domain.ShortWindow)

	require.Len(t, win.TopEntries, 2)
	assert.Equal(t, "new.exe", win.TopEntries[0].AppName)
}

// TestSummarize_OrderIndependent verifies shuffling the log does not change the result.
func TestSummarize_OrderIndependent(t *testing.T) {
	stream := fixtures.NewStream(now, 3*time.Second).
		Dwell("a.exe", "one", 7).
		Dwell("b.exe", "two", 5).
		Dwell("a.exe", "one", 2)
	records := stream.Records()

	want := newTestAggregator(fixtures.NewActivityLog(records...)).
		Summarize(context.Background(), now, domain.ShortWindow)

	shuffled := append([]domain.ActivityRecord(nil), records...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	got := New(Config{PollInterval: 3 * time.Second, TopN: 5}, &unsortedLog{records: shuffled}, zap.NewNop()).
		Summarize(context.Background(), now, domain.ShortWindow)

	assert.Equal(t, want, got)
}

// TestSummarize_SanitizesTitles verifies invisible characters do not split groups.
func TestSummarize_SanitizesTitles(t *testing.T) {
	log := fixtures.NewActivityLog(
		domain.NewActivityRecord(domain.SourceApplication, "chrome", "YouTube\u200b", "", "", now.Add(-6*time.Second)),
		domain.NewActivityRecord(domain.SourceApplication, "chrome", " YouTube", "", "", now.Add(-3*time.Second)),
	)
	win := newTestAggregator(log).Summarize(context.Background(), now, domain.ShortWindow).Get(domain.ShortWindow)

	require.Len(t, win.TopEntries, 1)
	assert.Equal(t, "YouTube", win.TopEntries[0].WindowTitle)
	assert.Equal(t, 6*time.Second, win.TopEntries[0].TotalDuration)
}

// TestSummarize_LogUnavailable verifies failures degrade to empty windows.
func TestSummarize_LogUnavailable(t *testing.T) {
	log := fixtures.NewActivityLog()
	log.Err = fixtures.ErrLogDown
	agg := newTestAggregator(log)

	windows := agg.Summarize(context.Background(), now, domain.InstantWindow, domain.ShortWindow, domain.ContextWindow)

	assert.Len(t, windows, 3)
	assert.True(t, windows.AllEmpty())
	assert.True(t, agg.degraded.Load())

	log.Err = nil
	agg.Summarize(context.Background(), now, domain.ShortWindow)
	assert.False(t, agg.degraded.Load())
}

// unsortedLog returns records in storage order, ignoring observed_at.
type unsortedLog struct {
	fixtures.ActivityLog
	records []domain.ActivityRecord
}

func (l *unsortedLog) Query(ctx context.Context, since time.Time) ([]domain.ActivityRecord, error) {
	var out []domain.ActivityRecord
	for _, r := range l.records {
		if !r.ObservedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}
