package fixtures

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Window is a fake OS window. Tabs are the titles the window cycles through
// as the close keystroke is sent.
type Window struct {
	ID    string
	Title string
	Tabs  []string
}

// Enforcement is an in-memory domain.Enforcement over a list of windows.
type Enforcement struct {
	mu      sync.Mutex
	windows []*Window
	active  string

	// StickyClose makes CloseWindow a no-op, simulating a window that refuses to close.
	StickyClose bool
	// StealFocus makes FocusWindow leave focus where it was.
	StealFocus bool

	Calls []string
}

var _ domain.Enforcement = (*Enforcement)(nil)

// NewEnforcement creates a fake with the given windows; the first is focused.
func NewEnforcement(windows ...*Window) *Enforcement {
	e := &Enforcement{windows: windows}
	if len(windows) > 0 {
		e.active = windows[0].ID
	}
	return e
}

func (e *Enforcement) find(id string) *Window {
	for _, w := range e.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (e *Enforcement) call(format string, args ...any) {
	e.Calls = append(e.Calls, fmt.Sprintf(format, args...))
}

func (e *Enforcement) ActiveWindow(ctx context.Context) (domain.WindowRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.find(e.active); w != nil {
		return domain.WindowRef{ID: w.ID, Title: w.Title}, nil
	}
	return domain.WindowRef{}, domain.ErrNotFound
}

func (e *Enforcement) FindWindow(ctx context.Context, keyword string) (domain.WindowRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("find %s", keyword)
	for _, w := range e.windows {
		if strings.Contains(strings.ToLower(w.Title), strings.ToLower(keyword)) {
			return domain.WindowRef{ID: w.ID, Title: w.Title}, nil
		}
	}
	return domain.WindowRef{}, domain.ErrNotFound
}

func (e *Enforcement) FocusWindow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("focus %s", id)
	if e.find(id) == nil {
		return domain.ErrNotFound
	}
	if !e.StealFocus {
		e.active = id
	}
	return nil
}

func (e *Enforcement) VerifyTitle(ctx context.Context, id, keyword string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.find(id)
	if w == nil {
		return false, nil
	}
	return strings.Contains(strings.ToLower(w.Title), strings.ToLower(keyword)), nil
}

// SendCloseKeystroke closes the focused window's current tab, revealing the next one.
func (e *Enforcement) SendCloseKeystroke(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("ctrl+w")
	w := e.find(e.active)
	if w == nil {
		return domain.ErrNotFound
	}
	if len(w.Tabs) > 0 {
		w.Title, w.Tabs = w.Tabs[0], w.Tabs[1:]
	} else {
		e.removeLocked(w.ID)
	}
	return nil
}

func (e *Enforcement) CloseWindow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("close %s", id)
	if e.find(id) == nil {
		return domain.ErrNotFound
	}
	if !e.StickyClose {
		e.removeLocked(id)
	}
	return nil
}

func (e *Enforcement) MinimizeWindow(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.call("minimize %s", id)
	if e.find(id) == nil {
		return domain.ErrNotFound
	}
	if e.active == id {
		e.active = ""
		for _, w := range e.windows {
			if w.ID != id {
				e.active = w.ID
				break
			}
		}
	}
	return nil
}

func (e *Enforcement) WindowExists(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.find(id) != nil, nil
}

func (e *Enforcement) removeLocked(id string) {
	for i, w := range e.windows {
		if w.ID == id {
			e.windows = append(e.windows[:i], e.windows[i+1:]...)
			break
		}
	}
	if e.active == id {
		e.active = ""
	}
}

// CallLog returns a copy of the calls made so far.
func (e *Enforcement) CallLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Calls...)
}

// Focused returns the focused window id.
func (e *Enforcement) Focused() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// AuditLog records audit rows in memory.
type AuditLog struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

var _ domain.AuditLog = (*AuditLog)(nil)

func (a *AuditLog) Record(ctx context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// Records returns a copy of every recorded row.
func (a *AuditLog) Records() []domain.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}
