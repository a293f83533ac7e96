package usecase

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Clock abstracts time for timers that must be driven by tests.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f after d and returns a function that cancels it.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type pendingItem struct {
	p    domain.PendingEnforcement
	done atomic.Bool // single-use token shared by expiry and cancellation
	stop func() bool
}

// PendingSet holds timed enforcements. Each entry either expires or is
// cancelled, never both, and its expiry handler runs at most once.
type PendingSet struct {
	clock    Clock
	onExpire func(domain.PendingEnforcement)
	logger   *zap.Logger

	mu    sync.Mutex
	items map[string]*pendingItem
}

// NewPendingSet creates a pending set. onExpire is called from the timer
// goroutine and must not block.
func NewPendingSet(clock Clock, onExpire func(domain.PendingEnforcement), logger *zap.Logger) *PendingSet {
	if clock == nil {
		clock = SystemClock()
	}
	return &PendingSet{
		clock:    clock,
		onExpire: onExpire,
		logger:   logger,
		items:    make(map[string]*pendingItem),
	}
}

// SetExpiryHandler replaces the expiry callback.
func (s *PendingSet) SetExpiryHandler(f func(domain.PendingEnforcement)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = f
}

// Schedule registers a pending enforcement expiring after d.
func (s *PendingSet) Schedule(kind domain.PendingKind, d time.Duration, payload map[string]any) domain.PendingEnforcement {
	p := domain.PendingEnforcement{
		ID:        uuid.NewString(),
		Kind:      kind,
		ExpiresAt: s.clock.Now().Add(d),
		Payload:   payload,
	}
	item := &pendingItem{p: p}

	s.mu.Lock()
	s.items[p.ID] = item
	s.mu.Unlock()

	stop := s.clock.AfterFunc(d, func() { s.fire(item) })
	s.mu.Lock()
	item.stop = stop
	s.mu.Unlock()

	s.logger.Debug("pending enforcement scheduled",
		zap.String("id", p.ID),
		zap.String("kind", string(kind)),
		zap.Time("expires_at", p.ExpiresAt))
	return p
}

// Cancel removes a pending enforcement before it fires. Returns false when
// it already fired or was cancelled.
func (s *PendingSet) Cancel(id string) bool {
	s.mu.Lock()
	item, ok := s.items[id]
	var stop func() bool
	if ok {
		stop = item.stop
	}
	s.mu.Unlock()
	if !ok || !item.done.CompareAndSwap(false, true) {
		return false
	}
	if stop != nil {
		stop()
	}
	s.remove(id)
	s.logger.Debug("pending enforcement cancelled", zap.String("id", id))
	return true
}

// CancelKind cancels every pending enforcement of kind and returns how many
// were cancelled.
func (s *PendingSet) CancelKind(kind domain.PendingKind) int {
	n := 0
	for _, p := range s.Active(kind) {
		if s.Cancel(p.ID) {
			n++
		}
	}
	return n
}

// CancelAll cancels everything.
func (s *PendingSet) CancelAll() int {
	n := 0
	for _, p := range s.Active("") {
		if s.Cancel(p.ID) {
			n++
		}
	}
	return n
}

// ExpireDue fires every entry whose expiry has passed. Entries already
// handled by their timer are skipped.
func (s *PendingSet) ExpireDue() int {
	now := s.clock.Now()
	s.mu.Lock()
	due := make([]*pendingItem, 0)
	for _, item := range s.items {
		if !item.p.ExpiresAt.After(now) {
			due = append(due, item)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, item := range due {
		if s.fire(item) {
			n++
		}
	}
	return n
}

// Active returns live entries of kind (all kinds when kind is empty),
// soonest expiry first.
func (s *PendingSet) Active(kind domain.PendingKind) []domain.PendingEnforcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PendingEnforcement, 0, len(s.items))
	for _, item := range s.items {
		if kind == "" || item.p.Kind == kind {
			out = append(out, item.p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

func (s *PendingSet) fire(item *pendingItem) bool {
	if !item.done.CompareAndSwap(false, true) {
		return false
	}
	s.remove(item.p.ID)

	s.mu.Lock()
	handler := s.onExpire
	s.mu.Unlock()

	s.logger.Info("pending enforcement expired",
		zap.String("id", item.p.ID),
		zap.String("kind", string(item.p.Kind)))
	if handler != nil {
		handler(item.p)
	}
	return true
}

func (s *PendingSet) remove(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}
