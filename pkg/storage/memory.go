package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridshift/gridshift/pkg/types"
)

// MemoryProvider implements the Database interface with mutex-guarded maps.
// It is the development provider and the backing for tests; nothing survives
// a restart. Records key on second-truncated timestamps to match the
// RFC3339 document IDs the Firestore provider uses.
type MemoryProvider struct {
	mu        sync.Mutex
	settings  *types.Settings
	version   int
	decisions map[int64]types.DecisionRecord
	prices    map[int64]types.PricePoint
}

var _ Database = (*MemoryProvider)(nil)

// NewMemory returns an empty MemoryProvider.
func NewMemory() *MemoryProvider {
	return &MemoryProvider{
		decisions: make(map[int64]types.DecisionRecord),
		prices:    make(map[int64]types.PricePoint),
	}
}

// GetSettings implements Database.
func (m *MemoryProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return types.Settings{}, 0, nil
	}
	return *m.settings, m.version, nil
}

// SetSettings implements Database.
func (m *MemoryProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &settings
	m.version = version
	return nil
}

// InsertDecision implements Database.
func (m *MemoryProvider) InsertDecision(ctx context.Context, rec types.DecisionRecord) error {
	if rec.Decision.TS.IsZero() {
		return fmt.Errorf("decision record missing timestamp")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[rec.Decision.TS.Unix()] = rec
	return nil
}

// GetDecisionHistory implements Database.
func (m *MemoryProvider) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.DecisionRecord, error) {
	from, to := start.Unix(), end.Unix()

	m.mu.Lock()
	var recs []types.DecisionRecord
	for sec, rec := range m.decisions {
		if sec >= from && sec < to {
			recs = append(recs, rec)
		}
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Decision.TS.Before(recs[j].Decision.TS) })
	return recs, nil
}

// GetLatestDecision implements Database.
func (m *MemoryProvider) GetLatestDecision(ctx context.Context) (*types.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest int64
	found := false
	for sec := range m.decisions {
		if !found || sec > latest {
			latest = sec
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	rec := m.decisions[latest]
	return &rec, nil
}

// UpsertPrice implements Database.
func (m *MemoryProvider) UpsertPrice(ctx context.Context, price types.PricePoint) error {
	if price.TS.IsZero() {
		return fmt.Errorf("price point missing timestamp")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[price.TS.Unix()] = price
	return nil
}

// GetPriceHistory implements Database.
func (m *MemoryProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	from, to := start.Unix(), end.Unix()

	m.mu.Lock()
	var prices []types.PricePoint
	for sec, p := range m.prices {
		if sec >= from && sec < to {
			prices = append(prices, p)
		}
	}
	m.mu.Unlock()

	sort.Slice(prices, func(i, j int) bool { return prices[i].TS.Before(prices[j].TS) })
	return prices, nil
}

// GetLatestPriceTime implements Database.
func (m *MemoryProvider) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest int64
	found := false
	for sec := range m.prices {
		if !found || sec > latest {
			latest = sec
			found = true
		}
	}
	if !found {
		return time.Time{}, nil
	}
	return m.prices[latest].TS, nil
}

// Close implements Database.
func (m *MemoryProvider) Close() error {
	return nil
}
