package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// feedPrice is one period of a forecast published on the buy or sell topic.
type feedPrice struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// feedBattery is the telemetry payload on the battery topic.
type feedBattery struct {
	LevelPercent float64 `json:"level_percent"`
	CapacityWH   float64 `json:"capacity_wh"`
	MaxPowerW    float64 `json:"max_power_w"`
	TodayCycles  float64 `json:"today_cycles"`
}

// feedConsumption is the payload on the consumption topic.
type feedConsumption struct {
	DailyWH float64 `json:"daily_wh"`
}

type priceSeries struct {
	points   []feedPrice
	received time.Time
}

// MQTTFeed subscribes to the price forecast and battery telemetry topics
// and serves the latest retained payloads. Each series carries its receipt
// time; reads older than the staleness tolerance are unavailable rather
// than silently old.
type MQTTFeed struct {
	broker   string
	clientID string
	username string
	password string

	buyTopic         string
	sellTopic        string
	batteryTopic     string
	consumptionTopic string
	staleAfter       time.Duration

	client  mqtt.Client
	updates chan struct{}
	clock   func() time.Time

	mu            sync.Mutex
	buy           priceSeries
	sell          priceSeries
	battery       feedBattery
	batteryAt     time.Time
	consumption   float64
	consumptionAt time.Time
}

// configuredMQTTFeed sets up flags for the MQTT feed and returns the
// instance.
func configuredMQTTFeed() *MQTTFeed {
	f := &MQTTFeed{
		updates: make(chan struct{}, 1),
		clock:   time.Now,
	}
	broker := lflag.String("mqtt-broker", "tcp://localhost:1883", "URL of the MQTT broker")
	clientID := lflag.String("mqtt-client-id", "gridshift", "Client ID for the MQTT connection")
	username := lflag.String("mqtt-username", "", "Username for the MQTT broker")
	password := lflag.String("mqtt-password", "", "Password for the MQTT broker")
	buyTopic := lflag.String("mqtt-buy-topic", "gridshift/prices/buy", "Topic carrying the buy price forecast")
	sellTopic := lflag.String("mqtt-sell-topic", "gridshift/prices/sell", "Topic carrying the sell price forecast")
	batteryTopic := lflag.String("mqtt-battery-topic", "gridshift/battery/state", "Topic carrying battery telemetry")
	consumptionTopic := lflag.String("mqtt-consumption-topic", "", "Optional topic carrying the daily consumption estimate")
	staleAfter := lflag.Duration("mqtt-stale-after", 30*time.Minute, "How old feed data may get before it is treated as unavailable")

	lflag.Do(func() {
		f.broker = *broker
		f.clientID = *clientID
		f.username = *username
		f.password = *password
		f.buyTopic = *buyTopic
		f.sellTopic = *sellTopic
		f.batteryTopic = *batteryTopic
		f.consumptionTopic = *consumptionTopic
		f.staleAfter = *staleAfter
	})

	return f
}

// Validate ensures the configuration is valid.
func (f *MQTTFeed) Validate() error {
	if f.broker == "" {
		return fmt.Errorf("mqtt-broker is required")
	}
	if _, err := url.Parse(f.broker); err != nil {
		return fmt.Errorf("failed to parse mqtt broker url (%s): %w", f.broker, err)
	}
	if f.buyTopic == "" || f.sellTopic == "" || f.batteryTopic == "" {
		return fmt.Errorf("mqtt price and battery topics are required")
	}
	if f.staleAfter <= 0 {
		return fmt.Errorf("mqtt-stale-after must be positive")
	}
	return nil
}

// Init connects to the broker. Subscriptions are established by the connect
// handler so they survive reconnects.
func (f *MQTTFeed) Init(ctx context.Context) error {
	ctx = log.WithComponent(ctx, "mqtt-feed")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker)
	opts.SetClientID(f.clientID)
	opts.SetUsername(f.username)
	opts.SetPassword(f.password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "mqtt connected", slog.String("broker", f.broker))
		f.subscribe(ctx, c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})

	f.client = mqtt.NewClient(opts)
	if token := f.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

func (f *MQTTFeed) subscribe(ctx context.Context, c mqtt.Client) {
	handlers := map[string]mqtt.MessageHandler{
		f.buyTopic: func(_ mqtt.Client, m mqtt.Message) {
			f.handlePrices(ctx, types.WindowKindBuy, m.Payload())
		},
		f.sellTopic: func(_ mqtt.Client, m mqtt.Message) {
			f.handlePrices(ctx, types.WindowKindSell, m.Payload())
		},
		f.batteryTopic: func(_ mqtt.Client, m mqtt.Message) {
			f.handleBattery(ctx, m.Payload())
		},
	}
	if f.consumptionTopic != "" {
		handlers[f.consumptionTopic] = func(_ mqtt.Client, m mqtt.Message) {
			f.handleConsumption(ctx, m.Payload())
		}
	}
	for topic, h := range handlers {
		if token := c.Subscribe(topic, 1, h); token.Wait() && token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "mqtt subscribe failed",
				slog.String("topic", topic),
				slog.Any("error", token.Error()))
		}
	}
}

func (f *MQTTFeed) handlePrices(ctx context.Context, kind types.WindowKind, payload []byte) {
	var pts []feedPrice
	if err := json.Unmarshal(payload, &pts); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping malformed price payload",
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].TS.Before(pts[j].TS) })

	f.mu.Lock()
	series := priceSeries{points: pts, received: f.clock()}
	if kind == types.WindowKindSell {
		f.sell = series
	} else {
		f.buy = series
	}
	f.mu.Unlock()
	f.notify()
}

func (f *MQTTFeed) handleBattery(ctx context.Context, payload []byte) {
	var b feedBattery
	if err := json.Unmarshal(payload, &b); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping malformed battery payload", slog.Any("error", err))
		return
	}
	if b.LevelPercent < 0 || b.LevelPercent > 100 {
		log.Ctx(ctx).WarnContext(ctx, "dropping battery payload with impossible level",
			slog.Float64("levelPercent", b.LevelPercent))
		return
	}

	f.mu.Lock()
	f.battery = b
	f.batteryAt = f.clock()
	f.mu.Unlock()
	f.notify()
}

func (f *MQTTFeed) handleConsumption(ctx context.Context, payload []byte) {
	var c feedConsumption
	if err := json.Unmarshal(payload, &c); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping malformed consumption payload", slog.Any("error", err))
		return
	}

	f.mu.Lock()
	f.consumption = c.DailyWH
	f.consumptionAt = f.clock()
	f.mu.Unlock()
	f.notify()
}

// notify wakes the engine without ever blocking the paho callback.
func (f *MQTTFeed) notify() {
	select {
	case f.updates <- struct{}{}:
	default:
	}
}

// PriceForecast merges the buy and sell series on their shared timestamps.
func (f *MQTTFeed) PriceForecast(ctx context.Context) ([]types.PricePoint, error) {
	f.mu.Lock()
	buy, sell := f.buy, f.sell
	f.mu.Unlock()

	now := f.clock()
	if len(buy.points) == 0 || now.Sub(buy.received) > f.staleAfter {
		return nil, fmt.Errorf("%w: buy price forecast", types.ErrDataUnavailable)
	}
	if len(sell.points) == 0 || now.Sub(sell.received) > f.staleAfter {
		return nil, fmt.Errorf("%w: sell price forecast", types.ErrDataUnavailable)
	}

	sellAt := make(map[int64]float64, len(sell.points))
	for _, p := range sell.points {
		sellAt[p.TS.Unix()] = p.Value
	}
	merged := make([]types.PricePoint, 0, len(buy.points))
	for _, p := range buy.points {
		sv, ok := sellAt[p.TS.Unix()]
		if !ok {
			continue
		}
		merged = append(merged, types.PricePoint{
			TS:                p.TS,
			BuyDollarsPerKWH:  p.Value,
			SellDollarsPerKWH: sv,
		})
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: buy and sell forecasts share no periods", types.ErrDataUnavailable)
	}
	return merged, nil
}

// PVForecast is served by the solar poller, not the feed.
func (f *MQTTFeed) PVForecast(ctx context.Context) (types.PVForecast, error) {
	return types.PVForecast{}, fmt.Errorf("%w: pv forecast", types.ErrDataUnavailable)
}

// ConsumptionEstimate returns the published daily consumption estimate.
func (f *MQTTFeed) ConsumptionEstimate(ctx context.Context) (float64, error) {
	if f.consumptionTopic == "" {
		return 0, fmt.Errorf("%w: consumption estimate", types.ErrDataUnavailable)
	}

	f.mu.Lock()
	value, at := f.consumption, f.consumptionAt
	f.mu.Unlock()

	if at.IsZero() || f.clock().Sub(at) > f.staleAfter {
		return 0, fmt.Errorf("%w: consumption estimate", types.ErrDataUnavailable)
	}
	return value, nil
}

// BatteryState returns the latest battery telemetry.
func (f *MQTTFeed) BatteryState(ctx context.Context) (types.BatteryState, error) {
	f.mu.Lock()
	b, at := f.battery, f.batteryAt
	f.mu.Unlock()

	if at.IsZero() || f.clock().Sub(at) > f.staleAfter {
		return types.BatteryState{}, fmt.Errorf("%w: battery telemetry", types.ErrDataUnavailable)
	}
	return types.BatteryState{
		LevelPercent:    b.LevelPercent,
		CapacityWH:      b.CapacityWH,
		MaxPowerW:       b.MaxPowerW,
		TodayCycleCount: b.TodayCycles,
		Updated:         at,
	}, nil
}

// ApplySettings implements Provider. The feed is configured by flags alone.
func (f *MQTTFeed) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	return nil
}

// Updates implements Provider.
func (f *MQTTFeed) Updates() <-chan struct{} {
	return f.updates
}

// Close disconnects from the broker.
func (f *MQTTFeed) Close() {
	if f.client != nil {
		f.client.Disconnect(250)
	}
}
