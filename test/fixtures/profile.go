package fixtures

import (
	"context"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// ProfileStore is an in-memory domain.ProfileStore. Trust is kept as the
// raw sum of deltas and exposed clamped, like the persistent store.
type ProfileStore struct {
	mu       sync.Mutex
	rawTrust int
	balance  int
	version  int64
	updated  time.Time
	deltas   []domain.ProfileDelta

	// Err, when set, is returned by every call.
	Err error
}

var _ domain.ProfileStore = (*ProfileStore)(nil)

// NewProfileStore creates a store with the given starting values.
func NewProfileStore(trust, balance int) *ProfileStore {
	return &ProfileStore{rawTrust: trust, balance: balance}
}

func (s *ProfileStore) snapshot() domain.TrustProfile {
	return domain.TrustProfile{
		TrustScore: domain.ClampTrust(s.rawTrust),
		Balance:    s.balance,
		UpdatedAt:  s.updated,
		Version:    s.version,
	}
}

func (s *ProfileStore) Read(ctx context.Context) (domain.TrustProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.TrustProfile{}, s.Err
	}
	return s.snapshot(), nil
}

func (s *ProfileStore) ApplyDelta(ctx context.Context, delta domain.ProfileDelta) (domain.TrustProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.TrustProfile{}, s.Err
	}
	next := s.balance + delta.Balance
	if delta.Balance < 0 && delta.Floor != nil && next < *delta.Floor {
		return s.snapshot(), domain.ErrInsufficientFunds
	}
	s.rawTrust += delta.Trust
	s.balance = next
	s.version++
	s.updated = time.Now()
	s.deltas = append(s.deltas, delta)
	return s.snapshot(), nil
}

func (s *ProfileStore) Reset(ctx context.Context) (domain.TrustProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawTrust = domain.InitialTrust
	s.balance = 0
	s.version++
	s.deltas = nil
	return s.snapshot(), nil
}

// Deltas returns every applied delta in order.
func (s *ProfileStore) Deltas() []domain.ProfileDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProfileDelta, len(s.deltas))
	copy(out, s.deltas)
	return out
}
