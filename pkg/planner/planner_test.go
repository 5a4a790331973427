package planner

import (
	"context"
	"testing"
	"time"

	"github.com/gridshift/gridshift/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePlan(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := New(types.DefaultSettings())

	battery := func(levelPercent float64) types.BatteryState {
		return types.BatteryState{
			LevelPercent: levelPercent,
			CapacityWH:   10000,
			MaxPowerW:    5000,
			Updated:      now,
		}
	}
	window := func(start time.Time, hours int, kind types.WindowKind, price float64) types.PriceWindow {
		return types.PriceWindow{
			Start:         start,
			End:           start.Add(time.Duration(hours) * time.Hour),
			Kind:          kind,
			DollarsPerKWH: price,
			Pressure:      types.PressureLow,
			Periods:       hours,
		}
	}
	balance := func(netWH float64) types.EnergyBalance {
		return types.EnergyBalance{NetWH: netWH}
	}
	hold := types.StrategyRecommendation{Strategy: types.StrategyHold, Urgency: types.UrgencyLow, Confidence: 0.7}

	t.Run("critical deficit takes pressured window before cheaper one", func(t *testing.T) {
		pressured := window(now.Add(8*time.Hour), 1, types.WindowKindBuy, 0.12)
		pressured.Pressure = types.PressureHigh
		buys := []types.PriceWindow{
			window(now.Add(2*time.Hour), 1, types.WindowKindBuy, 0.10),
			window(now.Add(5*time.Hour), 2, types.WindowKindBuy, 0.08),
			pressured,
			window(now.Add(20*time.Hour), 3, types.WindowKindBuy, 0.05),
		}
		aggressive := types.StrategyRecommendation{
			Strategy:           types.StrategyChargeAggressive,
			Urgency:            types.UrgencyHigh,
			TargetLevelPercent: 95,
			Confidence:         0.7,
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(20),
			Today:          balance(-4000),
			Tomorrow:       balance(-6000),
			Recommendation: aggressive,
			BuyWindows:     buys,
		})
		require.NotNil(t, plan)
		assert.Equal(t, types.ScenarioCriticalDeficit, plan.Scenario)
		require.Len(t, plan.Operations, 2)

		// The pressured window fills first even though the late window is
		// cheaper, then the remainder of the 7500 Wh gap goes to the
		// cheapest window.
		first := plan.Operations[0]
		assert.Equal(t, types.OperationCharge, first.Action)
		assert.Equal(t, now.Add(8*time.Hour), first.Start)
		assert.InDelta(t, 0.12, first.ExpectedDollarsPerKWH, 1e-9)
		assert.InDelta(t, 5000, first.ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 5000, first.TargetPowerW, 1e-9)
		assert.Equal(t, 1, first.Priority)
		assert.InDelta(t, 0.85, first.Confidence, 1e-9)

		second := plan.Operations[1]
		assert.Equal(t, now.Add(20*time.Hour), second.Start)
		assert.InDelta(t, 2500, second.ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 2500.0/3, second.TargetPowerW, 1e-9)

		assert.InDelta(t, 0.85, plan.Confidence, 1e-9)
		assert.InDelta(t, -(5*0.12 + 2.5*0.05), plan.ExpectedProfitDollars, 1e-9)
		assert.Equal(t, now.Add(48*time.Hour), plan.ValidUntil)

		require.NotNil(t, plan.Fallback)
		require.Len(t, plan.Fallback.Operations, 2)
		charge := plan.Fallback.Operations[0]
		assert.Equal(t, types.OperationCharge, charge.Action)
		assert.InDelta(t, 500, charge.TargetPowerW, 1e-9)
		assert.InDelta(t, 2000, charge.ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 0.8, plan.Fallback.Confidence, 1e-9)
	})

	t.Run("surplus both days sells in the best two windows", func(t *testing.T) {
		sells := []types.PriceWindow{
			window(now.Add(3*time.Hour), 2, types.WindowKindSell, 0.40),
			window(now.Add(6*time.Hour), 1, types.WindowKindSell, 0.55),
			window(now.Add(10*time.Hour), 1, types.WindowKindSell, 0.30),
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(90),
			Today:          balance(3000),
			Tomorrow:       balance(2000),
			Recommendation: hold,
			SellWindows:    sells,
		})
		assert.Equal(t, types.ScenarioSurplusBothDays, plan.Scenario)
		require.Len(t, plan.Operations, 2)

		// 4000 Wh sits above the 50% keep floor: 60% goes to the priciest
		// window, 60% of the rest to the runner-up, emitted in time order.
		assert.Equal(t, now.Add(3*time.Hour), plan.Operations[0].Start)
		assert.InDelta(t, 960, plan.Operations[0].ExpectedEnergyWH, 1e-9)
		assert.Equal(t, now.Add(6*time.Hour), plan.Operations[1].Start)
		assert.InDelta(t, 2400, plan.Operations[1].ExpectedEnergyWH, 1e-9)
		for _, op := range plan.Operations {
			assert.Equal(t, types.OperationSell, op.Action)
			assert.Equal(t, 3, op.Priority)
			assert.InDelta(t, 0.85*0.9, op.Confidence, 1e-9)
		}

		assert.InDelta(t, 0.85*0.9, plan.Confidence, 1e-9)
		assert.InDelta(t, (0.96*0.40+2.4*0.55)*0.9, plan.ExpectedProfitDollars, 1e-9)

		require.NotNil(t, plan.Fallback)
		require.Len(t, plan.Fallback.Operations, 1)
		assert.Equal(t, types.OperationHold, plan.Fallback.Operations[0].Action)
		assert.InDelta(t, 0.9, plan.Fallback.Confidence, 1e-9)
	})

	t.Run("surplus below the gate degrades to monitoring", func(t *testing.T) {
		sells := []types.PriceWindow{window(now.Add(6*time.Hour), 1, types.WindowKindSell, 0.55)}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(52),
			Today:          balance(3000),
			Tomorrow:       balance(2000),
			Recommendation: hold,
			SellWindows:    sells,
		})
		assert.Equal(t, types.ScenarioSurplusBothDays, plan.Scenario)
		require.Len(t, plan.Operations, 1)
		assert.Equal(t, types.OperationHold, plan.Operations[0].Action)
		assert.Equal(t, now.Add(24*time.Hour), plan.Operations[0].End)
		assert.Equal(t, 1.0, plan.Confidence)
		assert.Zero(t, plan.ExpectedProfitDollars)
	})

	t.Run("deficit both days tops up from the cheapest windows", func(t *testing.T) {
		buys := []types.PriceWindow{
			window(now.Add(2*time.Hour), 2, types.WindowKindBuy, 0.15),
			window(now.Add(6*time.Hour), 1, types.WindowKindBuy, 0.10),
			window(now.Add(9*time.Hour), 1, types.WindowKindBuy, 0.20),
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(20),
			Today:          balance(-2000),
			Tomorrow:       balance(-1500),
			Recommendation: hold,
			BuyWindows:     buys,
		})
		assert.Equal(t, types.ScenarioDeficitBothDays, plan.Scenario)
		require.Len(t, plan.Operations, 2)

		// 6000 Wh to the 80% target: the cheapest window takes a full
		// power-hour, the remainder lands in the next cheapest.
		assert.InDelta(t, 1000, plan.Operations[0].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 500, plan.Operations[0].TargetPowerW, 1e-9)
		assert.InDelta(t, 0.15, plan.Operations[0].ExpectedDollarsPerKWH, 1e-9)
		assert.InDelta(t, 5000, plan.Operations[1].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 0.10, plan.Operations[1].ExpectedDollarsPerKWH, 1e-9)
	})

	t.Run("surplus to deficit splits windows at midnight", func(t *testing.T) {
		tomorrow := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
		sells := []types.PriceWindow{
			window(now.Add(2*time.Hour), 1, types.WindowKindSell, 0.50),
			window(tomorrow.Add(18*time.Hour), 1, types.WindowKindSell, 0.60),
		}
		buys := []types.PriceWindow{
			window(now.Add(4*time.Hour), 1, types.WindowKindBuy, 0.10),
			window(tomorrow.Add(2*time.Hour), 2, types.WindowKindBuy, 0.12),
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(60),
			Today:          balance(4000),
			Tomorrow:       balance(-3000),
			Recommendation: hold,
			BuyWindows:     buys,
			SellWindows:    sells,
		})
		assert.Equal(t, types.ScenarioSurplusToDeficit, plan.Scenario)
		require.Len(t, plan.Operations, 2)

		// Sells only from today's windows even though tomorrow's price is
		// better, charges only from tomorrow's even though today's is cheaper.
		sell := plan.Operations[0]
		assert.Equal(t, types.OperationSell, sell.Action)
		assert.Equal(t, now.Add(2*time.Hour), sell.Start)
		assert.InDelta(t, 600, sell.ExpectedEnergyWH, 1e-9)

		charge := plan.Operations[1]
		assert.Equal(t, types.OperationCharge, charge.Action)
		assert.Equal(t, tomorrow.Add(2*time.Hour), charge.Start)
		assert.InDelta(t, 0.12, charge.ExpectedDollarsPerKWH, 1e-9)
		assert.InDelta(t, 2000, charge.ExpectedEnergyWH, 1e-9)
	})

	t.Run("balanced outlook trades opportunistically", func(t *testing.T) {
		buys := []types.PriceWindow{
			window(now.Add(1*time.Hour), 1, types.WindowKindBuy, 0.10),
			window(now.Add(4*time.Hour), 1, types.WindowKindBuy, 0.12),
			window(now.Add(7*time.Hour), 1, types.WindowKindBuy, 0.30),
		}
		sells := []types.PriceWindow{
			window(now.Add(10*time.Hour), 1, types.WindowKindSell, 0.50),
			window(now.Add(13*time.Hour), 1, types.WindowKindSell, 0.45),
			window(now.Add(16*time.Hour), 1, types.WindowKindSell, 0.40),
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(55),
			Recommendation: hold,
			BuyWindows:     buys,
			SellWindows:    sells,
		})
		assert.Equal(t, types.ScenarioOpportunisticStable, plan.Scenario)
		require.Len(t, plan.Operations, 4)

		assert.InDelta(t, 2000, plan.Operations[0].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 2000, plan.Operations[1].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 1750, plan.Operations[2].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 875, plan.Operations[3].ExpectedEnergyWH, 1e-9)
		for _, op := range plan.Operations {
			assert.Equal(t, 4, op.Priority)
			assert.InDelta(t, 0.85*0.8, op.Confidence, 1e-9)
		}
		assert.InDelta(t,
			-2*0.10-2*0.12+(1.75*0.50+0.875*0.45)*0.9,
			plan.ExpectedProfitDollars, 1e-9)
	})

	t.Run("sequence clamps charges to the level cap", func(t *testing.T) {
		buys := []types.PriceWindow{
			window(now.Add(1*time.Hour), 1, types.WindowKindBuy, 0.10),
			window(now.Add(3*time.Hour), 1, types.WindowKindBuy, 0.12),
		}

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(89),
			Recommendation: hold,
			BuyWindows:     buys,
		})
		// 600 Wh of headroom below the 95% cap: the first charge shrinks to
		// fit and the second is dropped outright.
		require.Len(t, plan.Operations, 1)
		assert.Equal(t, types.OperationCharge, plan.Operations[0].Action)
		assert.InDelta(t, 600, plan.Operations[0].ExpectedEnergyWH, 1e-9)
		assert.InDelta(t, 600, plan.Operations[0].TargetPowerW, 1e-9)
	})

	t.Run("overlapping buy and sell resolve to one operation", func(t *testing.T) {
		span := now.Add(2 * time.Hour)

		plan := p.CreatePlan(ctx, Inputs{
			Now:            now,
			Battery:        battery(55),
			Recommendation: hold,
			BuyWindows:     []types.PriceWindow{window(span, 1, types.WindowKindBuy, 0.20)},
			SellWindows:    []types.PriceWindow{window(span, 1, types.WindowKindSell, 0.20)},
		})
		require.Len(t, plan.Operations, 1)
		assert.Equal(t, types.OperationCharge, plan.Operations[0].Action)
	})

	t.Run("unusable battery dimensions degrade to hold only", func(t *testing.T) {
		settings := types.DefaultSettings()
		settings.BatteryCapacityWH = 0
		degraded := New(settings)

		plan := degraded.CreatePlan(ctx, Inputs{Now: now, Battery: types.BatteryState{LevelPercent: 50}})
		require.NotNil(t, plan)
		assert.Equal(t, types.ScenarioFallbackHold, plan.Scenario)
		assert.Zero(t, plan.Confidence)
		require.Len(t, plan.Operations, 1)
		assert.Equal(t, types.OperationHold, plan.Operations[0].Action)
		assert.Nil(t, plan.Fallback)
	})
}
