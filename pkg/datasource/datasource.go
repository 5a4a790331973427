// Package datasource feeds the engine with external telemetry: the buy and
// sell price forecasts, battery state, the rooftop PV forecast and the
// daily consumption estimate. Providers never fabricate values; anything
// missing or stale surfaces as types.ErrDataUnavailable so the engine can
// decide to hold.
package datasource

import (
	"context"
	"fmt"

	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Provider defines the interface for fetching external telemetry.
type Provider interface {
	// PriceForecast returns the buy/sell price forecast ordered by TS.
	PriceForecast(ctx context.Context) ([]types.PricePoint, error)

	// PVForecast returns whole-day solar generation totals for today and
	// tomorrow.
	PVForecast(ctx context.Context) (types.PVForecast, error)

	// ConsumptionEstimate returns the expected daily consumption in Wh.
	ConsumptionEstimate(ctx context.Context) (float64, error)

	// BatteryState returns the latest battery telemetry.
	BatteryState(ctx context.Context) (types.BatteryState, error)

	// ApplySettings pushes the current settings and decrypted credentials
	// to the provider.
	ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error

	// Updates signals fresh telemetry so the engine can wake a cycle
	// early. Implementations must not block sending on it.
	Updates() <-chan struct{}

	// Close releases broker connections.
	Close()
}

// Configured sets up the data source provider based on flags.
func Configured() Provider {
	provider := lflag.String("datasource-provider", "mqtt", "Data source provider to use (available: mqtt, mock)")

	var p struct{ Provider }

	feed := configuredMQTTFeed()
	solar := configuredSolarPoller()

	lflag.Do(func() {
		switch *provider {
		case "mqtt":
			if err := feed.Validate(); err != nil {
				panic(fmt.Sprintf("mqtt feed validation failed: %v", err))
			}
			if err := solar.Validate(); err != nil {
				panic(fmt.Sprintf("solar poller validation failed: %v", err))
			}
			if err := feed.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("mqtt feed init failed: %v", err))
			}
			p.Provider = NewComposite(feed, solar)
		case "mock":
			p.Provider = NewMock()
		default:
			panic(fmt.Sprintf("unknown datasource provider: %s", *provider))
		}
	})

	return &p
}
