// Package actuator delivers decisions to the inverter that executes them.
// The controller is the only component that changes physical battery state;
// everything upstream treats battery telemetry as a read-only snapshot.
package actuator

import (
	"context"
	"fmt"

	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Controller defines the interface for executing decisions.
type Controller interface {
	// Apply delivers the decision and waits for its acknowledgment.
	// Rejections and acknowledgment timeouts surface as
	// types.ErrActuatorRejected; callers log and retry next cycle.
	Apply(ctx context.Context, d types.Decision) error

	// ApplySettings pushes the current settings and decrypted
	// credentials to the controller.
	ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error

	// Close releases broker connections.
	Close()
}

// Configured sets up the actuator controller based on flags.
func Configured() Controller {
	provider := lflag.String("actuator-provider", "mqtt", "Actuator provider to use (available: mqtt, mock)")

	var c struct{ Controller }

	ctrl := configuredMQTTController()

	lflag.Do(func() {
		switch *provider {
		case "mqtt":
			if err := ctrl.Validate(); err != nil {
				panic(fmt.Sprintf("mqtt controller validation failed: %v", err))
			}
			if err := ctrl.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("mqtt controller init failed: %v", err))
			}
			c.Controller = ctrl
		case "mock":
			c.Controller = NewMock()
		default:
			panic(fmt.Sprintf("unknown actuator provider: %s", *provider))
		}
	})

	return &c
}
