package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// command is the JSON payload published to the inverter command topic.
type command struct {
	Action             string    `json:"action"`
	TargetPowerW       float64   `json:"target_power_w"`
	TargetLevelPercent float64   `json:"target_level_percent"`
	Reason             string    `json:"reason"`
	IssuedAt           time.Time `json:"issued_at"`
	RequestID          string    `json:"request_id"`
}

// ack is the result payload on the acknowledgment topic.
type ack struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Detail    string `json:"detail"`
}

// MQTTController publishes decisions to the inverter command topic and waits
// for the matching result on the acknowledgment topic. It runs its own
// client ID so the command stream and the telemetry feed never share a
// broker session.
type MQTTController struct {
	broker   string
	clientID string
	username string
	password string

	commandTopic string
	ackTopic     string
	ackTimeout   time.Duration

	client mqtt.Client
	clock  func() time.Time

	mu      sync.Mutex
	dryRun  bool
	pending map[string]chan ack
	acked   *command
}

// configuredMQTTController sets up flags for the MQTT controller and returns
// the instance.
func configuredMQTTController() *MQTTController {
	c := &MQTTController{
		clock:   time.Now,
		pending: make(map[string]chan ack),
	}
	broker := lflag.String("actuator-broker", "tcp://localhost:1883", "URL of the MQTT broker for inverter commands")
	clientID := lflag.String("actuator-client-id", "gridshift-actuator", "Client ID for the actuator connection")
	username := lflag.String("actuator-username", "", "Username for the MQTT broker")
	password := lflag.String("actuator-password", "", "Password for the MQTT broker")
	commandTopic := lflag.String("actuator-command-topic", "gridshift/inverter/command", "Topic inverter commands are published to")
	ackTopic := lflag.String("actuator-ack-topic", "gridshift/inverter/ack", "Topic carrying inverter command results")
	ackTimeout := lflag.Duration("actuator-ack-timeout", 10*time.Second, "How long to wait for a command acknowledgment")

	lflag.Do(func() {
		c.broker = *broker
		c.clientID = *clientID
		c.username = *username
		c.password = *password
		c.commandTopic = *commandTopic
		c.ackTopic = *ackTopic
		c.ackTimeout = *ackTimeout
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *MQTTController) Validate() error {
	if c.broker == "" {
		return fmt.Errorf("actuator-broker is required")
	}
	if _, err := url.Parse(c.broker); err != nil {
		return fmt.Errorf("failed to parse actuator broker url (%s): %w", c.broker, err)
	}
	if c.commandTopic == "" || c.ackTopic == "" {
		return fmt.Errorf("actuator command and ack topics are required")
	}
	if c.ackTimeout <= 0 {
		return fmt.Errorf("actuator-ack-timeout must be positive")
	}
	return nil
}

// Init connects to the broker. The acknowledgment subscription is
// established by the connect handler so it survives reconnects.
func (c *MQTTController) Init(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(c.clientID)
	opts.SetUsername(c.username)
	opts.SetPassword(c.password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "actuator connected", slog.String("broker", c.broker))
		if token := cl.Subscribe(c.ackTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
			c.handleAck(ctx, m.Payload())
		}); token.Wait() && token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "actuator subscribe failed",
				slog.String("topic", c.ackTopic),
				slog.Any("error", token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "actuator connection lost", slog.Any("error", err))
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

func (c *MQTTController) handleAck(ctx context.Context, payload []byte) {
	var res ack
	if err := json.Unmarshal(payload, &res); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping malformed acknowledgment", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[res.RequestID]
	c.mu.Unlock()
	if !ok {
		// late or foreign result, nothing is waiting on it
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// Apply publishes the decision and waits for its acknowledgment. A command
// matching the last acknowledged one is elided so steady-state cycles do not
// thrash the inverter.
func (c *MQTTController) Apply(ctx context.Context, d types.Decision) error {
	cmd := command{
		Action:             string(d.Action),
		TargetPowerW:       d.TargetPowerW,
		TargetLevelPercent: d.TargetLevelPercent,
		Reason:             string(d.Reason),
		IssuedAt:           c.clock(),
		RequestID:          uuid.New().String(),
	}

	c.mu.Lock()
	dryRun := c.dryRun
	elide := c.acked != nil &&
		c.acked.Action == cmd.Action &&
		c.acked.TargetPowerW == cmd.TargetPowerW &&
		c.acked.TargetLevelPercent == cmd.TargetLevelPercent
	// holds repeat with a drifting target level as the battery discharges,
	// so the level is not part of the comparison for them
	if c.acked != nil && cmd.Action == string(types.DecisionHold) && c.acked.Action == cmd.Action {
		elide = true
	}
	c.mu.Unlock()

	if elide {
		log.Ctx(ctx).DebugContext(ctx, "eliding repeated inverter command", slog.String("action", cmd.Action))
		return nil
	}
	if dryRun {
		log.Ctx(ctx).InfoContext(ctx, "dry run, not publishing inverter command",
			slog.String("action", cmd.Action),
			slog.Float64("targetPowerW", cmd.TargetPowerW),
			slog.Float64("targetLevelPercent", cmd.TargetLevelPercent))
		return nil
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal inverter command: %w", err)
	}

	result := make(chan ack, 1)
	c.mu.Lock()
	c.pending[cmd.RequestID] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
	}()

	if token := c.client.Publish(c.commandTopic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: publish failed: %v", types.ErrActuatorRejected, token.Error())
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case res := <-result:
		if !res.Accepted {
			detail := res.Detail
			if detail == "" {
				detail = "inverter rejected the command"
			}
			return fmt.Errorf("%w: %s", types.ErrActuatorRejected, detail)
		}
		c.mu.Lock()
		c.acked = &cmd
		c.mu.Unlock()
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgment within %s", types.ErrActuatorRejected, c.ackTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplySettings implements Controller. Only the dry run posture matters to
// the command path.
func (c *MQTTController) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	c.mu.Lock()
	c.dryRun = settings.DryRun
	c.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (c *MQTTController) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}
