package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gridshift/gridshift/pkg/actuator"
	"github.com/gridshift/gridshift/pkg/crypt"
	"github.com/gridshift/gridshift/pkg/datasource"
	"github.com/gridshift/gridshift/pkg/planner"
	"github.com/gridshift/gridshift/pkg/storage"
	"github.com/gridshift/gridshift/pkg/storage/storagemock"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func hourlyPrices(start time.Time, buys, sells []float64) []types.PricePoint {
	pts := make([]types.PricePoint, len(buys))
	for i := range buys {
		pts[i] = types.PricePoint{
			TS:                start.Add(time.Duration(i) * time.Hour),
			BuyDollarsPerKWH:  buys[i],
			SellDollarsPerKWH: sells[i],
		}
	}
	return pts
}

// freshHoldPlan pins the store to a just-created hold so cycles under test
// do not kick background replans.
func freshHoldPlan(now time.Time) *types.StrategicPlan {
	return &types.StrategicPlan{
		Scenario: types.ScenarioOpportunisticStable,
		Operations: []types.PlannedOperation{{
			ID:         "hold-test",
			Start:      now,
			End:        now.Add(24 * time.Hour),
			Action:     types.OperationHold,
			Confidence: 1,
			Reason:     "Monitoring mode.",
		}},
		Confidence: 1,
		CreatedAt:  now,
		ValidUntil: now.Add(48 * time.Hour),
	}
}

// newTestEngine wires an engine to mocks and an in-memory database, with a
// pinned clock the test can advance through the returned pointer.
func newTestEngine(t *testing.T, settings types.Settings, now time.Time) (*Engine, *datasource.Mock, *actuator.Mock, *storage.MemoryProvider, *time.Time) {
	t.Helper()
	db := storage.NewMemory()
	require.NoError(t, db.SetSettings(context.Background(), settings, types.CurrentSettingsVersion))

	src := datasource.NewMock()
	act := actuator.NewMock()
	e := New(src, act, db, crypt.New(""), planner.NewStore(30*time.Minute))
	cur := now
	e.clock = func() time.Time { return cur }
	return e, src, act, db, &cur
}

func TestEngineCycleRecordsDecision(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, src, act, db, clock := newTestEngine(t, types.DefaultSettings(), now)

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, TodayCycleCount: 0.4, Updated: now})
	src.SetPV(types.PVForecast{TodayWH: 4000, TomorrowWH: 6000, Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)

	recs, err := db.GetDecisionHistory(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, types.DecisionHold, rec.Decision.Action)
	assert.Equal(t, types.ReasonNoOpportunity, rec.Decision.Reason)
	assert.Equal(t, types.TierTraditional, rec.Decision.Tier)
	assert.InDelta(t, 0.30, rec.BuyDollarsPerKWH, 1e-9)
	assert.InDelta(t, 0.10, rec.SellDollarsPerKWH, 1e-9)
	assert.InDelta(t, 50, rec.Battery.LevelPercent, 1e-9)
	assert.Equal(t, types.ScenarioOpportunisticStable, rec.Scenario)
	assert.False(t, rec.DryRun)
	assert.Empty(t, rec.ApplyError)

	// the hold was commanded and a snapshot published
	require.Len(t, act.Applied(), 1)
	snap, ok := e.Snapshot()
	require.True(t, ok)
	assert.Equal(t, rec.Decision, snap.Decision)
	assert.False(t, snap.DataStale)
	assert.InDelta(t, 16000, snap.ConsumptionWH, 1e-9)

	// the observed price was persisted for the baseline
	pts, err := db.GetPriceHistory(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.InDelta(t, 0.30, pts[0].BuyDollarsPerKWH, 1e-9)

	// settings were pushed to both sides of the engine
	assert.InDelta(t, 10000, src.Settings().BatteryCapacityWH, 1e-9)
	assert.InDelta(t, 10000, act.Settings().BatteryCapacityWH, 1e-9)

	*clock = now.Add(time.Minute)
	e.runCycle(ctx)
	recs, err = db.GetDecisionHistory(ctx, now.Add(-time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEngineActuatorFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, src, act, db, _ := newTestEngine(t, types.DefaultSettings(), now)

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))
	act.SetError(fmt.Errorf("%w: inverter busy", types.ErrActuatorRejected))

	e.runCycle(ctx)

	// the failure is recorded, not fatal
	recs, err := db.GetDecisionHistory(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].ApplyError, "inverter busy")
	assert.Equal(t, types.DecisionHold, recs[0].Decision.Action)
}

func TestEngineStaleDataHolds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, src, _, _, clock := newTestEngine(t, types.DefaultSettings(), now)

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)
	snap, ok := e.Snapshot()
	require.True(t, ok)
	require.False(t, snap.DataStale)

	// within the tolerance the last known data stands in
	src.SetError(errors.New("link down"))
	*clock = now.Add(5 * time.Minute)
	e.runCycle(ctx)
	snap, _ = e.Snapshot()
	assert.False(t, snap.DataStale)
	assert.NotEqual(t, types.ReasonDataUnavailable, snap.Decision.Reason)

	// past the tolerance the engine refuses to trade on guesses
	*clock = now.Add(11 * time.Minute)
	e.runCycle(ctx)
	snap, _ = e.Snapshot()
	assert.True(t, snap.DataStale)
	assert.Equal(t, types.DecisionHold, snap.Decision.Action)
	assert.Equal(t, types.ReasonDataUnavailable, snap.Decision.Reason)

	// a successful fetch recovers immediately
	src.SetError(nil)
	*clock = now.Add(12 * time.Minute)
	e.runCycle(ctx)
	snap, _ = e.Snapshot()
	assert.False(t, snap.DataStale)
}

func TestEnginePausedObservesOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	settings := types.DefaultSettings()
	settings.Pause = true
	e, src, act, db, _ := newTestEngine(t, settings, now)

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)

	// paused cycles record the hold but never command the inverter
	recs, err := db.GetDecisionHistory(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ReasonPaused, recs[0].Decision.Reason)
	assert.Empty(t, act.Applied())
}

func TestEngineSettingsMigration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	db := storage.NewMemory()

	// a v1-era install has every v1 field but none of the later ones
	v1 := types.DefaultSettings()
	v1.BatteryCapacityWH = 8000
	v1.WindowPressureHighMinutes = 0
	v1.WindowPressureMediumHours = 0
	v1.MinTradeEnergyWH = 0
	v1.BatteryRatedCycles = 0
	require.NoError(t, db.SetSettings(ctx, v1, 1))

	src := datasource.NewMock()
	act := actuator.NewMock()
	e := New(src, act, db, crypt.New(""), planner.NewStore(30*time.Minute))
	e.clock = func() time.Time { return now }

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)

	// the migrated settings were written back at the current version
	settings, version, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CurrentSettingsVersion, version)
	assert.InDelta(t, 8000, settings.BatteryCapacityWH, 1e-9)
	assert.InDelta(t, 1000, settings.MinTradeEnergyWH, 1e-9)
	assert.InDelta(t, 6000, settings.BatteryRatedCycles, 1e-9)

	// and pushed downstream already migrated
	assert.InDelta(t, 1000, src.Settings().MinTradeEnergyWH, 1e-9)
}

func TestEngineSettingsFallbackOnStorageError(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	db := &storagemock.MockDatabase{}
	db.On("GetSettings", mock.Anything).Return(types.Settings{}, 0, errors.New("backend down"))
	db.On("UpsertPrice", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertDecision", mock.Anything, mock.Anything).Return(nil)

	src := datasource.NewMock()
	act := actuator.NewMock()
	e := New(src, act, db, crypt.New(""), planner.NewStore(30*time.Minute))
	e.clock = func() time.Time { return now }

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)

	// defaults stand in when settings cannot be read
	assert.InDelta(t, types.DefaultSettings().BatteryCapacityWH, src.Settings().BatteryCapacityWH, 1e-9)
	db.AssertExpectations(t)
}

func TestEnginePeakOverride(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, src, act, db, _ := newTestEngine(t, types.DefaultSettings(), now)

	// a day of persisted history, calm prices alternating around $0.50
	for i := 0; i < 24; i++ {
		sell := 0.40
		if i%2 == 1 {
			sell = 0.60
		}
		require.NoError(t, db.UpsertPrice(ctx, types.PricePoint{
			TS:                now.Add(time.Duration(i-24) * time.Hour),
			BuyDollarsPerKWH:  0.30,
			SellDollarsPerKWH: sell,
		}))
	}
	e.hydrateBaseline(ctx)
	require.Len(t, e.baseline, 24)

	src.SetPrices(hourlyPrices(now,
		[]float64{0.45, 0.40, 0.38, 0.35},
		[]float64{1.85, 0.52, 0.48, 0.45}))
	src.SetBattery(types.BatteryState{LevelPercent: 80, CapacityWH: 10000, MaxPowerW: 5000, TodayCycleCount: 0.5, Updated: now})
	src.SetPV(types.PVForecast{TodayWH: 12000, TomorrowWH: 14000, Updated: now})
	src.SetConsumption(18000)
	e.store.Replace(freshHoldPlan(now))

	e.runCycle(ctx)

	last, ok := act.Last()
	require.True(t, ok)
	assert.Equal(t, types.DecisionSell, last.Action)
	assert.Equal(t, types.TierPeakOverride, last.Tier)
	assert.Equal(t, types.ReasonPeakOverride, last.Reason)
	assert.InDelta(t, 4500, last.TargetPowerW, 1e-9)
	assert.InDelta(t, 25, last.TargetLevelPercent, 1e-9)

	// the spike bypassed the plan, so the plan is dropped
	assert.Nil(t, e.store.Current())

	snap, ok := e.Snapshot()
	require.True(t, ok)
	assert.True(t, snap.Peak.IsOutlier)
	assert.True(t, snap.Peak.IsExtreme)

	recs, err := db.GetDecisionHistory(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.TierPeakOverride, recs[0].Decision.Tier)
}

func TestEngineStrategicPlanExecution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	e, src, act, db, clock := newTestEngine(t, types.DefaultSettings(), now)

	// cheap hour right now, no sun either day, battery low: the planner
	// should classify a critical deficit and schedule an immediate charge
	src.SetPrices(hourlyPrices(now,
		[]float64{0.10, 0.30, 0.32, 0.45},
		[]float64{0.05, 0.05, 0.05, 0.05}))
	src.SetBattery(types.BatteryState{LevelPercent: 30, CapacityWH: 10000, MaxPowerW: 5000, TodayCycleCount: 0.3, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(18000)

	e.runCycle(ctx)

	// the first cycle kicks a background replan
	require.Eventually(t, func() bool { return e.store.Current() != nil },
		time.Second, 5*time.Millisecond)
	plan := e.store.Current()
	require.Equal(t, types.ScenarioCriticalDeficit, plan.Scenario)
	require.NotEmpty(t, plan.Operations)
	assert.Equal(t, types.OperationCharge, plan.Operations[0].Action)

	// the next cycle executes the active planned charge
	*clock = now.Add(time.Minute)
	e.runCycle(ctx)

	last, ok := act.Last()
	require.True(t, ok)
	assert.Equal(t, types.DecisionCharge, last.Action)
	assert.Equal(t, types.TierStrategic, last.Tier)
	assert.Equal(t, types.ReasonStrategicPlan, last.Reason)
	assert.InDelta(t, 5000, last.TargetPowerW, 1e-9)
	assert.InDelta(t, 80, last.TargetLevelPercent, 1e-9)

	recs, err := db.GetDecisionHistory(ctx, now, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.ScenarioCriticalDeficit, recs[1].Scenario)
	assert.InDelta(t, 0.85, recs[1].PlanConfidence, 0.001)
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	e, _, _, db, _ := newTestEngine(t, types.DefaultSettings(), now)

	insert := func(rec types.DecisionRecord) {
		require.NoError(t, db.InsertDecision(ctx, rec))
	}
	insert(types.DecisionRecord{
		Decision:         types.Decision{Action: types.DecisionCharge, TargetPowerW: 5000, Reason: types.ReasonStrategicPlan, Tier: types.TierStrategic, TS: now},
		BuyDollarsPerKWH: 0.10,
	})
	insert(types.DecisionRecord{
		Decision:         types.Decision{Action: types.DecisionCharge, TargetPowerW: 5000, Reason: types.ReasonStrategicPlan, Tier: types.TierStrategic, TS: now.Add(time.Minute)},
		BuyDollarsPerKWH: 0.20,
		ApplyError:       "inverter busy",
	})
	insert(types.DecisionRecord{
		Decision:          types.Decision{Action: types.DecisionSell, TargetPowerW: 6000, Reason: types.ReasonPeakOverride, Tier: types.TierPeakOverride, TS: now.Add(2 * time.Minute)},
		BuyDollarsPerKWH:  0.30,
		SellDollarsPerKWH: 0.50,
	})
	insert(types.DecisionRecord{
		Decision: types.Decision{Action: types.DecisionHold, Reason: types.ReasonNoOpportunity, Tier: types.TierTraditional, TS: now.Add(3 * time.Minute)},
	})
	insert(types.DecisionRecord{
		Decision:          types.Decision{Action: types.DecisionSell, TargetPowerW: 6000, Reason: types.ReasonTraditionalSell, Tier: types.TierTraditional, TS: now.Add(4 * time.Minute)},
		SellDollarsPerKWH: 0.60,
		DryRun:            true,
	})

	stats, err := e.Stats(ctx, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Decisions)
	assert.Equal(t, 2, stats.Charges)
	assert.Equal(t, 2, stats.Sells)
	assert.Equal(t, 1, stats.Holds)
	assert.Equal(t, 1, stats.ActuatorFailures)
	assert.Equal(t, [6]int{1, 2, 0, 0, 0, 2}, stats.TierCounts)

	// only executed trades move energy: the failed charge and the dry-run
	// sell count as decisions but not as throughput
	assert.InDelta(t, 5000.0/60, stats.EnergyBoughtWH, 0.01)
	assert.InDelta(t, 100, stats.EnergySoldWH, 0.01)

	// 100 Wh sold at $0.50 bought at $0.10: $0.04 gross less $0.001
	// round-trip losses
	assert.InDelta(t, 0.039, stats.EstProfitDollars, 0.0005)
	assert.InDelta(t, (5000.0/60+100)/2/10000, stats.CyclesUsed, 1e-6)
}

func TestEngineRunLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e, src, act, _, _ := newTestEngine(t, types.DefaultSettings(), now)
	e.interval = time.Hour

	src.SetPrices(hourlyPrices(now,
		[]float64{0.30, 0.30, 0.30, 0.30},
		[]float64{0.10, 0.10, 0.10, 0.10}))
	src.SetBattery(types.BatteryState{LevelPercent: 50, CapacityWH: 10000, MaxPowerW: 5000, Updated: now})
	src.SetPV(types.PVForecast{Updated: now})
	src.SetConsumption(16000)
	e.store.Replace(freshHoldPlan(now))

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// the loop runs once immediately
	require.Eventually(t, func() bool { return len(act.Applied()) == 1 },
		2*time.Second, 5*time.Millisecond)

	// a manual trigger wakes it
	e.TriggerCycle()
	require.Eventually(t, func() bool { return len(act.Applied()) == 2 },
		2*time.Second, 5*time.Millisecond)

	// so does a data source update
	src.Notify()
	require.Eventually(t, func() bool { return len(act.Applied()) == 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
