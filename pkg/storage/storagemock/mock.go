package storagemock

import (
	"context"
	"time"

	"github.com/gridshift/gridshift/pkg/storage"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertDecision(ctx context.Context, rec types.DecisionRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.DecisionRecord, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.DecisionRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestDecision(ctx context.Context) (*types.DecisionRecord, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.DecisionRecord), args.Error(1)
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, price types.PricePoint) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PricePoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
