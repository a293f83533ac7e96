package fixtures

import (
	"context"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Presenter is a scripted domain.Presentation. Present publishes each
// judgment on Shown and blocks until a choice is sent on Choices or ctx ends.
type Presenter struct {
	Shown   chan domain.Judgment
	Choices chan domain.Choice

	// Panic makes Present panic after publishing the judgment.
	Panic bool

	mu        sync.Mutex
	notices   []domain.Notice
	cancelled int
}

var _ domain.Presentation = (*Presenter)(nil)

// NewPresenter creates a presenter with buffered channels.
func NewPresenter() *Presenter {
	return &Presenter{
		Shown:   make(chan domain.Judgment, 16),
		Choices: make(chan domain.Choice, 16),
	}
}

func (p *Presenter) Present(ctx context.Context, j domain.Judgment) (domain.Choice, error) {
	p.Shown <- j
	if p.Panic {
		panic("presenter exploded")
	}
	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.cancelled++
		p.mu.Unlock()
		return domain.Choice{Kind: domain.ChoiceCancelled}, ctx.Err()
	case c := <-p.Choices:
		return c, nil
	}
}

func (p *Presenter) Notify(ctx context.Context, n domain.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

// Select answers the outstanding presentation with action.
func (p *Presenter) Select(action domain.ActionType) {
	p.Choices <- domain.Choice{Kind: domain.ChoiceSelected, ActionType: action}
}

// Notices returns every notice shown so far.
func (p *Presenter) Notices() []domain.Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Notice(nil), p.notices...)
}

// Cancelled returns how many presentations ended by cancellation.
func (p *Presenter) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// GoalStore is an in-memory domain.GoalStore.
type GoalStore struct {
	mu     sync.Mutex
	goals  []domain.Goal
	active int // index into goals, -1 when none
	Err    error
}

var _ domain.GoalStore = (*GoalStore)(nil)

// NewGoalStore creates a store; a non-empty text starts an active goal.
func NewGoalStore(text string) *GoalStore {
	s := &GoalStore{active: -1}
	if text != "" {
		_, _ = s.SetGoal(context.Background(), text)
	}
	return s
}

func (s *GoalStore) Active(ctx context.Context) (domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return domain.Goal{}, s.Err
	}
	if s.active < 0 {
		return domain.Goal{}, domain.ErrNoActiveGoal
	}
	return s.goals[s.active], nil
}

func (s *GoalStore) SetGoal(ctx context.Context, text string) (domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= 0 {
		s.goals[s.active].Status = domain.GoalAbandoned
	}
	g := domain.Goal{
		ID:        int64(len(s.goals) + 1),
		Text:      text,
		StartedAt: time.Now(),
		Status:    domain.GoalActive,
	}
	s.goals = append(s.goals, g)
	s.active = len(s.goals) - 1
	return g, nil
}

func (s *GoalStore) FinishGoal(ctx context.Context, status domain.GoalStatus) (domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < 0 {
		return domain.Goal{}, domain.ErrNoActiveGoal
	}
	s.goals[s.active].Status = status
	g := s.goals[s.active]
	s.active = -1
	return g, nil
}
