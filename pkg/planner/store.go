package planner

import (
	"sync"
	"time"

	"github.com/gridshift/gridshift/pkg/types"
)

// Store holds the current strategic plan. Plans are replaced wholesale, so
// readers either see the previous plan or the new one, never a partial
// update. Re-querying before the refresh interval elapses returns the same
// plan object.
type Store struct {
	refresh time.Duration

	mu   sync.RWMutex
	plan *types.StrategicPlan
}

// NewStore creates a Store that considers plans stale after refresh.
func NewStore(refresh time.Duration) *Store {
	return &Store{refresh: refresh}
}

// SetRefresh updates the staleness interval. The engine calls this each cycle
// so settings changes take effect without a restart.
func (s *Store) SetRefresh(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = d
}

// Current returns the held plan, nil if none has been stored yet or the
// last one was invalidated.
func (s *Store) Current() *types.StrategicPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// Replace swaps in a new plan.
func (s *Store) Replace(p *types.StrategicPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

// Invalidate drops the held plan so the next cycle replans immediately.
// Used after overrides and settings changes.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = nil
}

// NeedsRefresh reports whether a replan is due: no plan, plan past its
// validity horizon, or refresh interval elapsed since it was created.
func (s *Store) NeedsRefresh(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.plan == nil || !s.plan.Valid(now) {
		return true
	}
	return now.Sub(s.plan.CreatedAt) >= s.refresh
}
