package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridshift/gridshift/pkg/types"
)

// Mock is an in-memory Provider for engine tests and
// -datasource-provider=mock development runs. Zero-value fields report
// unavailable, matching how a real feed behaves before first data.
type Mock struct {
	mu          sync.Mutex
	prices      []types.PricePoint
	pv          *types.PVForecast
	consumption *float64
	battery     *types.BatteryState
	settings    types.Settings
	creds       types.Credentials
	err         error
	updates     chan struct{}
}

var _ Provider = (*Mock)(nil)

// NewMock returns an empty mock provider.
func NewMock() *Mock {
	return &Mock{updates: make(chan struct{}, 1)}
}

// SetPrices sets the forecast returned by PriceForecast.
func (m *Mock) SetPrices(pts []types.PricePoint) {
	m.mu.Lock()
	m.prices = pts
	m.mu.Unlock()
	m.Notify()
}

// SetPV sets the forecast returned by PVForecast.
func (m *Mock) SetPV(pv types.PVForecast) {
	m.mu.Lock()
	m.pv = &pv
	m.mu.Unlock()
	m.Notify()
}

// SetConsumption sets the estimate returned by ConsumptionEstimate.
func (m *Mock) SetConsumption(dailyWH float64) {
	m.mu.Lock()
	m.consumption = &dailyWH
	m.mu.Unlock()
}

// SetBattery sets the telemetry returned by BatteryState.
func (m *Mock) SetBattery(b types.BatteryState) {
	m.mu.Lock()
	m.battery = &b
	m.mu.Unlock()
	m.Notify()
}

// SetError makes every read fail with err until cleared.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Settings returns the last applied settings.
func (m *Mock) Settings() types.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Credentials returns the last applied credentials.
func (m *Mock) Credentials() types.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Notify signals an update without blocking.
func (m *Mock) Notify() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}

// PriceForecast implements Provider.
func (m *Mock) PriceForecast(ctx context.Context) ([]types.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(m.prices) == 0 {
		return nil, fmt.Errorf("%w: price forecast", types.ErrDataUnavailable)
	}
	out := make([]types.PricePoint, len(m.prices))
	copy(out, m.prices)
	return out, nil
}

// PVForecast implements Provider.
func (m *Mock) PVForecast(ctx context.Context) (types.PVForecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.PVForecast{}, m.err
	}
	if m.pv == nil {
		return types.PVForecast{}, fmt.Errorf("%w: pv forecast", types.ErrDataUnavailable)
	}
	return *m.pv, nil
}

// ConsumptionEstimate implements Provider.
func (m *Mock) ConsumptionEstimate(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.consumption == nil {
		return 0, fmt.Errorf("%w: consumption estimate", types.ErrDataUnavailable)
	}
	return *m.consumption, nil
}

// BatteryState implements Provider.
func (m *Mock) BatteryState(ctx context.Context) (types.BatteryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.BatteryState{}, m.err
	}
	if m.battery == nil {
		return types.BatteryState{}, fmt.Errorf("%w: battery telemetry", types.ErrDataUnavailable)
	}
	return *m.battery, nil
}

// ApplySettings implements Provider.
func (m *Mock) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.creds = creds
	return nil
}

// Updates implements Provider.
func (m *Mock) Updates() <-chan struct{} {
	return m.updates
}

// Close implements Provider.
func (m *Mock) Close() {}
