package datasource

import (
	"context"
	"errors"
	"sync"

	"github.com/gridshift/gridshift/pkg/types"
)

// Composite routes each concern to the component that serves it: prices,
// battery telemetry and the consumption estimate come from the MQTT feed,
// the PV forecast from the solar poller. When no consumption feed is
// configured the settings estimate stands in.
type Composite struct {
	feed  Provider
	solar Provider

	mu       sync.Mutex
	settings types.Settings
}

var _ Provider = (*Composite)(nil)

// NewComposite combines a telemetry feed with a PV forecast source.
func NewComposite(feed, solar Provider) *Composite {
	return &Composite{feed: feed, solar: solar}
}

// PriceForecast implements Provider.
func (c *Composite) PriceForecast(ctx context.Context) ([]types.PricePoint, error) {
	return c.feed.PriceForecast(ctx)
}

// PVForecast implements Provider.
func (c *Composite) PVForecast(ctx context.Context) (types.PVForecast, error) {
	return c.solar.PVForecast(ctx)
}

// ConsumptionEstimate prefers the live feed and falls back to the settings
// estimate, since a modeled default beats refusing to plan.
func (c *Composite) ConsumptionEstimate(ctx context.Context) (float64, error) {
	est, err := c.feed.ConsumptionEstimate(ctx)
	if err == nil {
		return est, nil
	}
	if !errors.Is(err, types.ErrDataUnavailable) {
		return 0, err
	}

	c.mu.Lock()
	daily := c.settings.DailyConsumptionWH
	c.mu.Unlock()
	if daily <= 0 {
		return 0, err
	}
	return daily, nil
}

// BatteryState implements Provider.
func (c *Composite) BatteryState(ctx context.Context) (types.BatteryState, error) {
	return c.feed.BatteryState(ctx)
}

// ApplySettings pushes settings and credentials to both components.
func (c *Composite) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()

	if err := c.feed.ApplySettings(ctx, settings, creds); err != nil {
		return err
	}
	return c.solar.ApplySettings(ctx, settings, creds)
}

// Updates implements Provider.
func (c *Composite) Updates() <-chan struct{} {
	return c.feed.Updates()
}

// Close implements Provider.
func (c *Composite) Close() {
	c.feed.Close()
	c.solar.Close()
}
