// Package fixtures provides test helpers shared by unit and integration tests.
package fixtures

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// ActivityLog is an in-memory domain.ActivityLog.
type ActivityLog struct {
	mu      sync.Mutex
	records []domain.ActivityRecord
	// Err, when set, is returned by every call.
	Err error
}

// NewActivityLog creates an empty in-memory log.
func NewActivityLog(records ...domain.ActivityRecord) *ActivityLog {
	return &ActivityLog{records: append([]domain.ActivityRecord(nil), records...)}
}

func (l *ActivityLog) Append(ctx context.Context, rec domain.ActivityRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.records = append(l.records, rec)
	return nil
}

func (l *ActivityLog) Query(ctx context.Context, since time.Time) ([]domain.ActivityRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []domain.ActivityRecord
	for _, r := range l.records {
		if !r.ObservedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (l *ActivityLog) DeleteMatching(ctx context.Context, since time.Time, keyword string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	kw := strings.ToLower(keyword)
	kept := l.records[:0]
	var n int64
	for _, r := range l.records {
		text := strings.ToLower(r.WindowTitle + " " + r.URL)
		if !r.ObservedAt.Before(since) && kw != "" && strings.Contains(text, kw) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return n, nil
}

func (l *ActivityLog) Expire(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	kept := l.records[:0]
	var n int64
	for _, r := range l.records {
		if r.ObservedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
	return n, nil
}

// Len returns the number of stored records.
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// ErrLogDown is a canned failure for log-unavailable tests.
var ErrLogDown = errors.New("activity log down")

// Stream builds evenly spaced application records ending at a given time.
type Stream struct {
	End      time.Time
	Interval time.Duration
	records  []domain.ActivityRecord
}

// NewStream starts a stream whose records will be laid out backwards from end.
func NewStream(end time.Time, interval time.Duration) *Stream {
	return &Stream{End: end, Interval: interval}
}

// Dwell appends n consecutive samples of the same foreground window.
// Segments are laid out in call order, oldest first.
func (s *Stream) Dwell(app, title string, n int) *Stream {
	for i := 0; i < n; i++ {
		s.records = append(s.records, domain.NewActivityRecord(domain.SourceApplication, app, title, "", "", time.Time{}))
	}
	return s
}

// Browse appends n samples of a browser page.
func (s *Stream) Browse(app, title, url string, n int) *Stream {
	for i := 0; i < n; i++ {
		s.records = append(s.records, domain.NewActivityRecord(domain.SourceApplication, app, title, url, title, time.Time{}))
	}
	return s
}

// Records stamps the samples so the last one is observed one interval before End.
func (s *Stream) Records() []domain.ActivityRecord {
	out := make([]domain.ActivityRecord, len(s.records))
	start := s.End.Add(-time.Duration(len(s.records)) * s.Interval)
	for i, r := range s.records {
		r.ObservedAt = start.Add(time.Duration(i) * s.Interval)
		out[i] = r
	}
	return out
}

// SessionLog is an in-memory domain.SessionLog.
type SessionLog struct {
	mu     sync.Mutex
	blocks []domain.SessionBlock
	// Err, when set, is returned by every call.
	Err error
}

// NewSessionLog creates a session log holding blocks.
func NewSessionLog(blocks ...domain.SessionBlock) *SessionLog {
	return &SessionLog{blocks: append([]domain.SessionBlock(nil), blocks...)}
}

func (l *SessionLog) AppendBlock(ctx context.Context, b domain.SessionBlock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	l.blocks = append(l.blocks, b)
	return nil
}

func (l *SessionLog) Blocks(ctx context.Context, since time.Time) ([]domain.SessionBlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	var out []domain.SessionBlock
	for _, b := range l.blocks {
		if !b.End.Before(since) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (l *SessionLog) ExpireBlocks(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	kept := l.blocks[:0]
	var n int64
	for _, b := range l.blocks {
		if b.End.Before(before) {
			n++
			continue
		}
		kept = append(kept, b)
	}
	l.blocks = kept
	return n, nil
}

// Len returns the number of stored blocks.
func (l *SessionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}
