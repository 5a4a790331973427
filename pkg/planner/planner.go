package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

// Sizing rules for operation synthesis. Windows carry this base confidence;
// second-choice strategies scale it down.
const (
	windowConfidence         = 0.85
	optimalFactor            = 0.9
	opportunisticFactor      = 0.8
	maxCriticalWindows       = 3
	maxSellWindows           = 2
	maxBuyWindows            = 2
	minOperationWH           = 200
	stopRemainderWH          = 100
	feasibilityFloorWH       = 100
	surplusGateWH            = 500
	surplusKeepFloorPercent  = 50
	surplusSellFraction      = 0.6
	deficitTargetPercent     = 80
	opportunisticCapWH       = 2000
	opportunisticBuyBelow    = 90
	opportunisticSellAbove   = 30
	opportunisticKeepPercent = 20
	opportunisticFraction    = 0.5
	monitoringHours          = 24
	fallbackChargeBelow      = 40
	fallbackChargeWH         = 2000
	fallbackChargePowerW     = 500
)

// Inputs is everything a planning pass reads. It is assembled once per
// refresh from the data source and the analysis stages; the planner never
// reaches outside it.
type Inputs struct {
	Now            time.Time
	Battery        types.BatteryState
	Today          types.EnergyBalance
	Tomorrow       types.EnergyBalance
	Recommendation types.StrategyRecommendation
	BuyWindows     []types.PriceWindow
	SellWindows    []types.PriceWindow
}

// Planner synthesizes multi-hour operation schedules from price windows and
// the energy outlook. It always returns a plan; when inputs are unusable it
// degrades to a hold-only plan with confidence 0 instead of erroring.
type Planner struct {
	capacityWH      float64
	maxPowerW       float64
	reservePercent  float64
	maxLevelPercent float64
	depthPercent    float64
	efficiency      float64
	horizon         time.Duration
}

// New creates a Planner from settings.
func New(settings types.Settings) *Planner {
	return &Planner{
		capacityWH:      settings.BatteryCapacityWH,
		maxPowerW:       settings.MaxBatteryPowerW,
		reservePercent:  settings.MinBatteryReservePercent,
		maxLevelPercent: settings.MaxBatteryLevelPercent,
		depthPercent:    settings.MinArbitrageDepthPercent,
		efficiency:      settings.BatteryEfficiencyPercent / 100,
		horizon:         time.Duration(settings.PlanningHorizonHours) * time.Hour,
	}
}

// CreatePlan classifies the energy scenario, synthesizes operations for it,
// and returns the resulting plan. Operations come out time-ordered and
// non-overlapping, with energy and power clamped to what the battery can
// actually absorb or deliver in sequence.
func (p *Planner) CreatePlan(ctx context.Context, in Inputs) *types.StrategicPlan {
	capacity := in.Battery.CapacityWH
	if capacity <= 0 {
		capacity = p.capacityWH
	}
	if capacity <= 0 || p.maxPowerW <= 0 {
		log.Ctx(ctx).WarnContext(ctx, "cannot plan without battery dimensions, degrading to hold",
			slog.Float64("capacityWH", capacity),
			slog.Float64("maxPowerW", p.maxPowerW))
		return p.holdOnlyPlan(in.Now)
	}

	scenario := p.classify(in)
	level := in.Battery.LevelPercent

	var ops []types.PlannedOperation
	switch scenario {
	case types.ScenarioCriticalDeficit:
		ops = p.criticalCharging(in, capacity)
	case types.ScenarioSurplusBothDays:
		ops = p.surplusSelling(in.SellWindows, level, capacity)
	case types.ScenarioDeficitBothDays:
		ops = p.deficitCharging(in.BuyWindows, level, capacity)
	case types.ScenarioSurplusToDeficit:
		cut := startOfTomorrow(in.Now)
		today, _ := splitAt(in.SellWindows, cut)
		_, later := splitAt(in.BuyWindows, cut)
		ops = append(p.surplusSelling(today, level, capacity), p.deficitCharging(later, level, capacity)...)
	case types.ScenarioDeficitToSurplus:
		cut := startOfTomorrow(in.Now)
		today, _ := splitAt(in.BuyWindows, cut)
		_, later := splitAt(in.SellWindows, cut)
		ops = append(p.deficitCharging(today, level, capacity), p.surplusSelling(later, level, capacity)...)
	default:
		ops = p.opportunistic(in, capacity)
	}

	ops = resolveOverlaps(ops)
	ops = p.applySequenceConstraints(ctx, ops, level/100*capacity, capacity)

	if len(ops) == 0 {
		ops = []types.PlannedOperation{holdOperation(in.Now, monitoringHours*time.Hour, 1.0, "Monitoring mode. No qualifying windows.")}
	}

	plan := &types.StrategicPlan{
		Scenario:              scenario,
		Operations:            ops,
		Confidence:            minConfidence(ops),
		ExpectedProfitDollars: p.expectedProfit(ops),
		CreatedAt:             in.Now,
		ValidUntil:            in.Now.Add(p.horizon),
		Fallback:              p.conservativeFallback(in.Now, level),
	}

	log.Ctx(ctx).InfoContext(ctx, "created strategic plan",
		slog.String("scenario", string(plan.Scenario)),
		slog.Int("operations", len(plan.Operations)),
		slog.Float64("confidence", plan.Confidence),
		slog.Float64("expectedProfit", plan.ExpectedProfitDollars))
	return plan
}

// classify picks the scenario the synthesis strategy keys off. An urgent
// charge recommendation outranks the balance signs; exact-zero balances are
// neither surplus nor deficit and land in the opportunistic default.
func (p *Planner) classify(in Inputs) types.Scenario {
	rec := in.Recommendation
	urgentCharge := rec.Urgency == types.UrgencyHigh &&
		(rec.Strategy == types.StrategyChargeAggressive || rec.Strategy == types.StrategyChargeModerate)
	switch {
	case urgentCharge:
		return types.ScenarioCriticalDeficit
	case in.Today.HasSurplus() && in.Tomorrow.HasSurplus():
		return types.ScenarioSurplusBothDays
	case in.Today.HasDeficit() && in.Tomorrow.HasDeficit():
		return types.ScenarioDeficitBothDays
	case in.Today.HasSurplus() && in.Tomorrow.HasDeficit():
		return types.ScenarioSurplusToDeficit
	case in.Today.HasDeficit() && in.Tomorrow.HasSurplus():
		return types.ScenarioDeficitToSurplus
	default:
		return types.ScenarioOpportunisticStable
	}
}

// criticalCharging fills the gap to the recommended level from the cheapest
// buy windows, taking high-pressure windows before marginally cheaper later
// ones. It stops once the remaining gap is negligible.
func (p *Planner) criticalCharging(in Inputs, capacity float64) []types.PlannedOperation {
	remaining := in.Recommendation.TargetLevelPercent/100*capacity - in.Battery.LevelPercent/100*capacity
	if remaining <= stopRemainderWH {
		return nil
	}

	windows := sortedWindows(in.BuyWindows, func(a, b types.PriceWindow) bool {
		ra, rb := pressureRank(a), pressureRank(b)
		if ra != rb {
			return ra < rb
		}
		return a.DollarsPerKWH < b.DollarsPerKWH
	})
	if len(windows) > maxCriticalWindows {
		windows = windows[:maxCriticalWindows]
	}

	priority := 2
	if in.Recommendation.Urgency == types.UrgencyHigh {
		priority = 1
	}

	var ops []types.PlannedOperation
	for _, w := range windows {
		if remaining <= stopRemainderWH {
			break
		}
		hours := w.Duration().Hours()
		if hours <= 0 {
			continue
		}
		energy := math.Min(remaining, p.maxPowerW*hours)
		ops = append(ops, p.windowOperation(w, types.OperationCharge, energy, windowConfidence, priority,
			fmt.Sprintf("Critical charge %.1f kWh at $%.3f/kWh", energy/1000, w.DollarsPerKWH)))
		remaining -= energy
	}
	return ops
}

// surplusSelling sells forecast surplus in the most expensive windows while
// keeping the battery above a floor well clear of the reserve.
func (p *Planner) surplusSelling(windows []types.PriceWindow, levelPercent, capacity float64) []types.PlannedOperation {
	keep := math.Max(surplusKeepFloorPercent, p.depthPercent)
	available := (levelPercent - keep) / 100 * capacity
	if available <= surplusGateWH {
		return nil
	}

	best := sortedWindows(windows, func(a, b types.PriceWindow) bool {
		return a.DollarsPerKWH > b.DollarsPerKWH
	})
	if len(best) > maxSellWindows {
		best = best[:maxSellWindows]
	}

	var ops []types.PlannedOperation
	for _, w := range best {
		hours := w.Duration().Hours()
		if hours <= 0 {
			continue
		}
		energy := math.Min(available*surplusSellFraction, p.maxPowerW*hours)
		if energy <= minOperationWH {
			continue
		}
		ops = append(ops, p.windowOperation(w, types.OperationSell, energy, windowConfidence*optimalFactor, 3,
			fmt.Sprintf("Surplus sell %.1f kWh at $%.3f/kWh", energy/1000, w.DollarsPerKWH)))
		available -= energy
	}
	return ops
}

// deficitCharging tops the battery up toward a comfortable level ahead of a
// lean stretch, using the cheapest windows.
func (p *Planner) deficitCharging(windows []types.PriceWindow, levelPercent, capacity float64) []types.PlannedOperation {
	needed := (deficitTargetPercent - levelPercent) / 100 * capacity
	if needed <= surplusGateWH {
		return nil
	}

	cheapest := sortedWindows(windows, func(a, b types.PriceWindow) bool {
		return a.DollarsPerKWH < b.DollarsPerKWH
	})
	if len(cheapest) > maxBuyWindows {
		cheapest = cheapest[:maxBuyWindows]
	}

	var ops []types.PlannedOperation
	for _, w := range cheapest {
		hours := w.Duration().Hours()
		if hours <= 0 {
			continue
		}
		energy := math.Min(needed, p.maxPowerW*hours)
		if energy <= minOperationWH {
			continue
		}
		ops = append(ops, p.windowOperation(w, types.OperationCharge, energy, windowConfidence*optimalFactor, 3,
			fmt.Sprintf("Deficit charge %.1f kWh at $%.3f/kWh", energy/1000, w.DollarsPerKWH)))
		needed -= energy
	}
	return ops
}

// opportunistic trades small bounded amounts against the cycle budget when
// the outlook is balanced: modest buys while there is headroom, modest sells
// from energy above a generous keep level.
func (p *Planner) opportunistic(in Inputs, capacity float64) []types.PlannedOperation {
	var ops []types.PlannedOperation
	level := in.Battery.LevelPercent

	if level < opportunisticBuyBelow {
		cheapest := sortedWindows(in.BuyWindows, func(a, b types.PriceWindow) bool {
			return a.DollarsPerKWH < b.DollarsPerKWH
		})
		if len(cheapest) > maxBuyWindows {
			cheapest = cheapest[:maxBuyWindows]
		}
		for _, w := range cheapest {
			hours := w.Duration().Hours()
			if hours <= 0 {
				continue
			}
			energy := math.Min(opportunisticCapWH, p.maxPowerW*hours)
			if energy <= minOperationWH {
				continue
			}
			ops = append(ops, p.windowOperation(w, types.OperationCharge, energy, windowConfidence*opportunisticFactor, 4,
				fmt.Sprintf("Opportunistic charge %.1f kWh at $%.3f/kWh", energy/1000, w.DollarsPerKWH)))
		}
	}

	if level > opportunisticSellAbove {
		available := (level - opportunisticKeepPercent) / 100 * capacity
		best := sortedWindows(in.SellWindows, func(a, b types.PriceWindow) bool {
			return a.DollarsPerKWH > b.DollarsPerKWH
		})
		if len(best) > maxSellWindows {
			best = best[:maxSellWindows]
		}
		for _, w := range best {
			hours := w.Duration().Hours()
			if hours <= 0 {
				continue
			}
			energy := math.Min(available*opportunisticFraction, p.maxPowerW*hours)
			if energy <= minOperationWH {
				continue
			}
			ops = append(ops, p.windowOperation(w, types.OperationSell, energy, windowConfidence*opportunisticFactor, 4,
				fmt.Sprintf("Opportunistic sell %.1f kWh at $%.3f/kWh", energy/1000, w.DollarsPerKWH)))
			available -= energy
		}
	}
	return ops
}

// windowOperation builds an operation spanning a window. Power is the rate
// that spreads the energy across the whole span, never above the battery
// limit because callers cap energy at limit times duration.
func (p *Planner) windowOperation(w types.PriceWindow, action types.OperationAction, energyWH, confidence float64, priority int, reason string) types.PlannedOperation {
	power := p.maxPowerW
	if hours := w.Duration().Hours(); hours > 0 {
		power = math.Min(p.maxPowerW, energyWH/hours)
	}
	return types.PlannedOperation{
		ID:                    fmt.Sprintf("%s-%s", action, w.Start.UTC().Format("20060102T1504")),
		Start:                 w.Start,
		End:                   w.End,
		Action:                action,
		TargetPowerW:          power,
		ExpectedDollarsPerKWH: w.DollarsPerKWH,
		ExpectedEnergyWH:      energyWH,
		Priority:              priority,
		Confidence:            confidence,
		Reason:                reason,
	}
}

// resolveOverlaps drops lower-priority operations that collide in time with
// higher-priority ones, then restores chronological order.
func resolveOverlaps(ops []types.PlannedOperation) []types.PlannedOperation {
	if len(ops) <= 1 {
		return ops
	}
	ranked := make([]types.PlannedOperation, len(ops))
	copy(ranked, ops)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].Start.Before(ranked[j].Start)
	})

	var kept []types.PlannedOperation
	for _, op := range ranked {
		conflict := false
		for _, k := range kept {
			if op.Start.Before(k.End) && k.Start.Before(op.End) {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, op)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start.Before(kept[j].Start) })
	return kept
}

// applySequenceConstraints walks the schedule chronologically, tracking the
// battery's energy, and clamps or drops operations the battery cannot honor
// by the time they start. Charge operations respect the level cap, sells
// respect the reserve.
func (p *Planner) applySequenceConstraints(ctx context.Context, ops []types.PlannedOperation, startWH, capacity float64) []types.PlannedOperation {
	capWH := p.maxLevelPercent / 100 * capacity
	reserveWH := p.reservePercent / 100 * capacity
	energyWH := startWH

	var out []types.PlannedOperation
	for _, op := range ops {
		hours := op.Duration().Hours()
		switch op.Action {
		case types.OperationCharge:
			actual := math.Min(op.ExpectedEnergyWH, capWH-energyWH)
			if actual <= feasibilityFloorWH {
				log.Ctx(ctx).DebugContext(ctx, "dropping infeasible charge operation",
					slog.String("id", op.ID), slog.Float64("headroomWH", capWH-energyWH))
				continue
			}
			op.ExpectedEnergyWH = actual
			if hours > 0 {
				op.TargetPowerW = math.Min(op.TargetPowerW, actual/hours)
			}
			energyWH += actual
		case types.OperationSell:
			actual := math.Min(op.ExpectedEnergyWH, energyWH-reserveWH)
			if actual <= feasibilityFloorWH {
				log.Ctx(ctx).DebugContext(ctx, "dropping infeasible sell operation",
					slog.String("id", op.ID), slog.Float64("sellableWH", energyWH-reserveWH))
				continue
			}
			op.ExpectedEnergyWH = actual
			if hours > 0 {
				op.TargetPowerW = math.Min(op.TargetPowerW, actual/hours)
			}
			energyWH -= actual
		}
		out = append(out, op)
	}
	return out
}

// expectedProfit prices the schedule: sells earn their price less round-trip
// losses, charges cost theirs.
func (p *Planner) expectedProfit(ops []types.PlannedOperation) float64 {
	var profit float64
	for _, op := range ops {
		kwh := op.ExpectedEnergyWH / 1000
		switch op.Action {
		case types.OperationSell:
			profit += kwh * op.ExpectedDollarsPerKWH * p.efficiency
		case types.OperationCharge:
			profit -= kwh * op.ExpectedDollarsPerKWH
		}
	}
	return profit
}

// conservativeFallback is the plan the optimizer can fall back on if the
// main plan proves unusable mid-horizon: restore a safe level when low,
// otherwise just preserve charge.
func (p *Planner) conservativeFallback(now time.Time, levelPercent float64) *types.StrategicPlan {
	var ops []types.PlannedOperation
	holdStart := now
	if levelPercent < fallbackChargeBelow {
		end := now.Add(time.Duration(float64(time.Hour) * fallbackChargeWH / fallbackChargePowerW))
		ops = append(ops, types.PlannedOperation{
			ID:               "fallback-charge",
			Start:            now,
			End:              end,
			Action:           types.OperationCharge,
			TargetPowerW:     fallbackChargePowerW,
			ExpectedEnergyWH: fallbackChargeWH,
			Priority:         2,
			Confidence:       0.8,
			Reason:           fmt.Sprintf("Conservative charge, battery at %.1f%%", levelPercent),
		})
		holdStart = end
	}
	hold := holdOperation(holdStart, p.horizon, 0.9, "Preserve charge for essential load")
	ops = append(ops, hold)

	return &types.StrategicPlan{
		Scenario:   types.ScenarioFallbackHold,
		Operations: ops,
		Confidence: minConfidence(ops),
		CreatedAt:  now,
		ValidUntil: now.Add(p.horizon),
	}
}

// holdOnlyPlan is the degraded result for unusable inputs. Confidence 0
// keeps it from ever driving a strategic decision.
func (p *Planner) holdOnlyPlan(now time.Time) *types.StrategicPlan {
	horizon := p.horizon
	if horizon <= 0 {
		horizon = monitoringHours * time.Hour
	}
	return &types.StrategicPlan{
		Scenario:   types.ScenarioFallbackHold,
		Operations: []types.PlannedOperation{holdOperation(now, horizon, 0, "Planning inputs unusable. Holding.")},
		Confidence: 0,
		CreatedAt:  now,
		ValidUntil: now.Add(horizon),
	}
}

func holdOperation(start time.Time, d time.Duration, confidence float64, reason string) types.PlannedOperation {
	return types.PlannedOperation{
		ID:         fmt.Sprintf("hold-%s", start.UTC().Format("20060102T1504")),
		Start:      start,
		End:        start.Add(d),
		Action:     types.OperationHold,
		Priority:   5,
		Confidence: confidence,
		Reason:     reason,
	}
}

func minConfidence(ops []types.PlannedOperation) float64 {
	conf := 1.0
	for _, op := range ops {
		if op.Confidence < conf {
			conf = op.Confidence
		}
	}
	return conf
}

func pressureRank(w types.PriceWindow) int {
	if w.Pressure == types.PressureHigh {
		return 0
	}
	return 1
}

func sortedWindows(ws []types.PriceWindow, less func(a, b types.PriceWindow) bool) []types.PriceWindow {
	out := make([]types.PriceWindow, len(ws))
	copy(out, ws)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func splitAt(ws []types.PriceWindow, cut time.Time) (before, after []types.PriceWindow) {
	for _, w := range ws {
		if w.Start.Before(cut) {
			before = append(before, w)
		} else {
			after = append(after, w)
		}
	}
	return before, after
}

func startOfTomorrow(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
