package usecase

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ExpiringSet is an in-memory set of case-insensitive names with per-entry
// expiry. It backs the temporary whitelist and the recently-closed keywords;
// neither survives a restart.
type ExpiringSet struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewExpiringSet creates an empty set.
func NewExpiringSet(clock Clock) *ExpiringSet {
	if clock == nil {
		clock = SystemClock()
	}
	return &ExpiringSet{clock: clock, entries: make(map[string]time.Time)}
}

// Add inserts name until the given time, extending an existing entry.
func (s *ExpiringSet) Add(name string, until time.Time) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; !ok || until.After(cur) {
		s.entries[key] = until
	}
}

// Remove deletes name.
func (s *ExpiringSet) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.ToLower(strings.TrimSpace(name)))
}

// Expire deletes name if its entry ends at or before at. It reports false
// when the entry was extended past at and is kept.
func (s *ExpiringSet) Expire(name string, at time.Time) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.entries[key]
	if !ok {
		return true
	}
	if until.After(at) {
		return false
	}
	delete(s.entries, key)
	return true
}

// Contains reports whether name is present and unexpired.
func (s *ExpiringSet) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.entries[strings.ToLower(strings.TrimSpace(name))]
	return ok && s.clock.Now().Before(until)
}

// Active returns unexpired names, sorted, pruning expired ones.
func (s *ExpiringSet) Active() []string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k, until := range s.entries {
		if !now.Before(until) {
			delete(s.entries, k)
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clear empties the set.
func (s *ExpiringSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]time.Time)
}
