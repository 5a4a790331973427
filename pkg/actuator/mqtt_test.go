package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient stubs the one method Apply uses; everything else panics if
// reached.
type fakeClient struct {
	mqtt.Client
	publish func(topic string, payload []byte) mqtt.Token
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return f.publish(topic, payload.([]byte))
}

func testController() *MQTTController {
	return &MQTTController{
		broker:       "tcp://localhost:1883",
		commandTopic: "inv/cmd",
		ackTopic:     "inv/ack",
		ackTimeout:   50 * time.Millisecond,
		clock:        time.Now,
		pending:      make(map[string]chan ack),
	}
}

func TestMQTTControllerApply(t *testing.T) {
	ctx := context.Background()
	d := types.Decision{
		Action:             types.DecisionCharge,
		TargetPowerW:       3000,
		TargetLevelPercent: 80,
		Reason:             types.ReasonPredictiveCharge,
	}

	t.Run("accepted command round trips and repeats are elided", func(t *testing.T) {
		var published []command
		var topics []string
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			var cmd command
			require.NoError(t, json.Unmarshal(payload, &cmd))
			published = append(published, cmd)
			topics = append(topics, topic)
			res, _ := json.Marshal(ack{RequestID: cmd.RequestID, Accepted: true})
			c.handleAck(ctx, res)
			return &fakeToken{}
		}}

		require.NoError(t, c.Apply(ctx, d))
		require.Len(t, published, 1)
		assert.Equal(t, "inv/cmd", topics[0])
		assert.Equal(t, "charge_arbitrage", published[0].Action)
		assert.InDelta(t, 3000, published[0].TargetPowerW, 1e-9)
		assert.InDelta(t, 80, published[0].TargetLevelPercent, 1e-9)
		assert.NotEmpty(t, published[0].RequestID)

		// the identical command is elided after acknowledgment
		require.NoError(t, c.Apply(ctx, d))
		assert.Len(t, published, 1)

		// a changed command publishes again
		d2 := d
		d2.TargetPowerW = 2000
		require.NoError(t, c.Apply(ctx, d2))
		assert.Len(t, published, 2)
	})

	t.Run("holds elide even as the level drifts", func(t *testing.T) {
		var published []command
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			var cmd command
			require.NoError(t, json.Unmarshal(payload, &cmd))
			published = append(published, cmd)
			res, _ := json.Marshal(ack{RequestID: cmd.RequestID, Accepted: true})
			c.handleAck(ctx, res)
			return &fakeToken{}
		}}

		hold := types.Decision{Action: types.DecisionHold, TargetLevelPercent: 55, Reason: types.ReasonNoOpportunity}
		require.NoError(t, c.Apply(ctx, hold))
		require.Len(t, published, 1)

		// the battery discharged a little; still the same hold
		hold.TargetLevelPercent = 54.2
		require.NoError(t, c.Apply(ctx, hold))
		assert.Len(t, published, 1)

		// an actual trade publishes
		require.NoError(t, c.Apply(ctx, d))
		assert.Len(t, published, 2)
	})

	t.Run("nack is a rejection and is retried", func(t *testing.T) {
		var published int
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			var cmd command
			require.NoError(t, json.Unmarshal(payload, &cmd))
			published++
			res, _ := json.Marshal(ack{RequestID: cmd.RequestID, Accepted: false, Detail: "inverter busy"})
			c.handleAck(ctx, res)
			return &fakeToken{}
		}}

		err := c.Apply(ctx, d)
		require.ErrorIs(t, err, types.ErrActuatorRejected)
		assert.Contains(t, err.Error(), "inverter busy")

		// rejected commands are not remembered, so the next cycle publishes
		err = c.Apply(ctx, d)
		require.ErrorIs(t, err, types.ErrActuatorRejected)
		assert.Equal(t, 2, published)
	})

	t.Run("missing acknowledgment times out", func(t *testing.T) {
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			return &fakeToken{}
		}}

		err := c.Apply(ctx, d)
		require.ErrorIs(t, err, types.ErrActuatorRejected)
		assert.Contains(t, err.Error(), "no acknowledgment")
	})

	t.Run("mismatched request ids are ignored", func(t *testing.T) {
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			res, _ := json.Marshal(ack{RequestID: "someone-else", Accepted: true})
			c.handleAck(ctx, res)
			return &fakeToken{}
		}}

		err := c.Apply(ctx, d)
		require.ErrorIs(t, err, types.ErrActuatorRejected)
	})

	t.Run("publish failure is a rejection", func(t *testing.T) {
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			return &fakeToken{err: errors.New("broker gone")}
		}}

		err := c.Apply(ctx, d)
		require.ErrorIs(t, err, types.ErrActuatorRejected)
		assert.Contains(t, err.Error(), "publish failed")
	})

	t.Run("dry run never publishes", func(t *testing.T) {
		var published int
		c := testController()
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			published++
			return &fakeToken{}
		}}

		s := types.DefaultSettings()
		s.DryRun = true
		require.NoError(t, c.ApplySettings(ctx, s, types.Credentials{}))

		require.NoError(t, c.Apply(ctx, d))
		assert.Equal(t, 0, published)
	})

	t.Run("cancellation stops the wait", func(t *testing.T) {
		c := testController()
		c.ackTimeout = time.Minute
		c.client = &fakeClient{publish: func(topic string, payload []byte) mqtt.Token {
			return &fakeToken{}
		}}

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		err := c.Apply(canceled, d)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMQTTControllerValidate(t *testing.T) {
	c := testController()
	require.NoError(t, c.Validate())

	c.ackTopic = ""
	require.Error(t, c.Validate())

	c.ackTopic = "inv/ack"
	c.ackTimeout = 0
	require.Error(t, c.Validate())

	c.ackTimeout = time.Second
	c.broker = ""
	require.Error(t, c.Validate())
}
