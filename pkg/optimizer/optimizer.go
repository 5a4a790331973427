// Package optimizer turns a per-cycle snapshot of battery, price and plan
// state into exactly one Decision. Tiers are evaluated highest priority
// first; two safety gates run before any tier and two more run on the
// winning candidate.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

const (
	// Plans below this confidence never execute directly.
	strategicMinConfidence = 0.8
	// How far ahead a planned operation arms the tier 3 wait.
	plannedOperationLead = time.Hour
	// Two prices within this distance count as equal.
	priceTolerance = 0.001

	// Peak override trades at a fraction of max power and never digs
	// into the last stretch above the reserve.
	peakPowerFactor          = 0.9
	peakReserveBufferPercent = 10
	peakTargetDropPercent    = 15
	extremeFloorBumpPercent  = 5

	// Target level adjustments for window-driven trades.
	windowChargeBumpPercent    = 20
	windowDischargeDropPercent = 15

	// Strategy-mapped trade shapes.
	aggressiveMarginFactor      = 0.7
	chargeAggressiveBumpPercent = 15
	chargeModerateBumpPercent   = 10
	sellAggressiveDropPercent   = 20
	sellPartialDropPercent      = 10
	sellPartialPowerFactor      = 0.6
)

// Inputs is the snapshot a single decision pass runs against. The engine
// assembles it once per cycle; Decide never mutates it, so identical
// snapshots produce identical decisions.
type Inputs struct {
	Now      time.Time
	Settings types.Settings
	Battery  types.BatteryState

	BuyDollarsPerKWH  float64
	SellDollarsPerKWH float64
	Prices            []types.PricePoint
	BuyWindows        []types.PriceWindow
	SellWindows       []types.PriceWindow

	Peak           types.PeakSignal
	Plan           *types.StrategicPlan
	Recommendation types.StrategyRecommendation

	// DataStale forces a hold; set by the engine when battery or price
	// telemetry is older than allowed.
	DataStale bool
}

// Optimizer evaluates the decision tiers. The only state carried between
// cycles is the pair of trade timestamps backing the cooldown gate.
type Optimizer struct {
	mu         sync.Mutex
	lastCharge time.Time
	lastSell   time.Time
}

// New returns an Optimizer with no trade history, so the first decision is
// never cooldown-blocked.
func New() *Optimizer {
	return &Optimizer{}
}

// Decide runs the safety gates and the tier chain against the snapshot and
// returns the cycle's single decision.
func (o *Optimizer) Decide(ctx context.Context, in Inputs) types.Decision {
	d, blocked := preGate(in)
	if !blocked {
		d = o.postGate(in, evaluate(in))
	}
	log.Ctx(ctx).DebugContext(ctx, "decision",
		slog.String("action", string(d.Action)),
		slog.Int("tier", d.Tier),
		slog.String("reason", string(d.Reason)),
		slog.Float64("targetPowerW", d.TargetPowerW))
	return d
}

// preGate blocks the whole tier chain: paused, stale data, or the daily
// cycle budget spent. These outrank every tier including the peak override.
func preGate(in Inputs) (types.Decision, bool) {
	s := in.Settings
	switch {
	case s.Pause:
		return hold(in, types.ReasonPaused, types.TierTraditional,
			"Decision cycles are paused."), true
	case in.DataStale:
		return hold(in, types.ReasonDataUnavailable, types.TierTraditional,
			"Battery or price data is stale."), true
	case s.MaxDailyCycles > 0 && in.Battery.TodayCycleCount >= s.MaxDailyCycles:
		detail := fmt.Sprintf("Daily cycle limit reached (%.2f of %.1f).",
			in.Battery.TodayCycleCount, s.MaxDailyCycles)
		return hold(in, types.ReasonCycleLimit, types.TierTraditional, detail), true
	}
	return types.Decision{}, false
}

func evaluate(in Inputs) types.Decision {
	if d, ok := peakOverride(in); ok {
		return d
	}
	if d, ok := strategicExecution(in); ok {
		return d
	}
	if d, ok := timeCritical(in); ok {
		return d
	}
	if d, ok := plannedPredictive(in); ok {
		return d
	}
	if d, ok := recommendationDecision(in); ok {
		return d
	}
	return traditional(in)
}

// Tier 0. An exceptional sell price sells immediately, bypassing the plan.
// A statistical outlier triggers on its own; a sub-threshold price still
// triggers when it clears the next planned sell price by the override
// multiplier.
func peakOverride(in Inputs) (types.Decision, bool) {
	s := in.Settings
	planned := in.Plan.NextPlannedSellPrice(in.Now)
	overPlan := planned > 0 && in.SellDollarsPerKWH >= planned*s.StrategicOverrideMultiplier
	if !in.Peak.IsOutlier && !overPlan {
		return types.Decision{}, false
	}
	level := in.Battery.LevelPercent
	if level <= s.MinBatteryReservePercent+peakReserveBufferPercent {
		return types.Decision{}, false
	}
	available := in.Battery.AvailableWH(s.MinBatteryReservePercent)
	if available < s.MinTradeEnergyWH {
		return types.Decision{}, false
	}
	target := math.Max(s.MinBatteryReservePercent, level-peakTargetDropPercent)
	if in.Peak.IsExtreme {
		// Extreme spikes are rare enough to empty almost everything.
		target = s.MinBatteryReservePercent + extremeFloorBumpPercent
	}
	detail := fmt.Sprintf("Sell price $%.3f/kWh is %.1f standard deviations above the %dh baseline.",
		in.SellDollarsPerKWH, in.Peak.ZScore, s.HistoricalLookbackHours)
	if !in.Peak.IsOutlier {
		detail = fmt.Sprintf("Sell price $%.3f/kWh beats the next planned sell ($%.3f/kWh) past the override threshold.",
			in.SellDollarsPerKWH, planned)
	}
	return types.Decision{
		Action:             types.DecisionSell,
		TargetPowerW:       math.Min(peakPowerFactor*maxPowerW(in), available),
		TargetLevelPercent: target,
		Reason:             types.ReasonPeakOverride,
		Detail:             detail,
		Tier:               types.TierPeakOverride,
		TS:                 in.Now,
	}, true
}

// Tier 1. A confident plan with a charge or sell operation active right now
// executes as planned. Hold filler operations fall through so the lower
// tiers still get a look.
func strategicExecution(in Inputs) (types.Decision, bool) {
	if !in.Plan.Valid(in.Now) || in.Plan.Confidence < strategicMinConfidence {
		return types.Decision{}, false
	}
	op := in.Plan.ActiveOperation(in.Now)
	if op == nil || op.Action == types.OperationHold {
		return types.Decision{}, false
	}
	s := in.Settings
	level := in.Battery.LevelPercent
	var deltaPercent float64
	if capacity := capacityWH(in); capacity > 0 {
		deltaPercent = op.ExpectedEnergyWH / capacity * 100
	}
	d := types.Decision{
		TargetPowerW: math.Min(op.TargetPowerW, maxPowerW(in)),
		Reason:       types.ReasonStrategicPlan,
		Detail:       op.Reason,
		Tier:         types.TierStrategic,
		TS:           in.Now,
	}
	if op.Action == types.OperationCharge {
		d.Action = types.DecisionCharge
		d.TargetLevelPercent = math.Min(s.MaxBatteryLevelPercent, level+deltaPercent)
	} else {
		d.Action = types.DecisionSell
		d.TargetLevelPercent = math.Max(s.MinBatteryReservePercent, level-deltaPercent)
	}
	return d, true
}

// Tier 2. An active high-pressure price window trades before the window
// closes, paced so the energy fits the time left. Sell windows are checked
// before buy windows.
func timeCritical(in Inputs) (types.Decision, bool) {
	s := in.Settings
	for _, w := range in.SellWindows {
		if w.Pressure != types.PressureHigh || !w.ActiveAt(in.Now) {
			continue
		}
		available := in.Battery.AvailableWH(s.MinBatteryReservePercent)
		if available < s.MinTradeEnergyWH {
			continue
		}
		remaining := w.Remaining(in.Now)
		detail := fmt.Sprintf("Sell window closes in %d min at $%.3f/kWh.",
			int(remaining.Minutes()), w.DollarsPerKWH)
		return types.Decision{
			Action:             types.DecisionSell,
			TargetPowerW:       pacedPower(maxPowerW(in), available, remaining),
			TargetLevelPercent: math.Max(s.MinBatteryReservePercent, in.Battery.LevelPercent-windowDischargeDropPercent),
			Reason:             types.ReasonTimeCriticalSell,
			Detail:             detail,
			Tier:               types.TierTimeCritical,
			TS:                 in.Now,
		}, true
	}
	for _, w := range in.BuyWindows {
		if w.Pressure != types.PressureHigh || !w.ActiveAt(in.Now) {
			continue
		}
		headroom := in.Battery.HeadroomWH(s.MaxBatteryLevelPercent)
		if headroom < s.MinTradeEnergyWH {
			continue
		}
		remaining := w.Remaining(in.Now)
		detail := fmt.Sprintf("Buy window closes in %d min at $%.3f/kWh.",
			int(remaining.Minutes()), w.DollarsPerKWH)
		return types.Decision{
			Action:             types.DecisionCharge,
			TargetPowerW:       pacedPower(maxPowerW(in), headroom, remaining),
			TargetLevelPercent: math.Min(s.MaxBatteryLevelPercent, in.Battery.LevelPercent+windowChargeBumpPercent),
			Reason:             types.ReasonTimeCriticalBuy,
			Detail:             detail,
			Tier:               types.TierTimeCritical,
			TS:                 in.Now,
		}, true
	}
	return types.Decision{}, false
}

// Tier 3. A planned operation starting within the lead window pins the
// cycle to the plan: an aligned predictor recommendation executes early,
// anything else waits so the imminent operation is not sabotaged.
func plannedPredictive(in Inputs) (types.Decision, bool) {
	if !in.Plan.Valid(in.Now) {
		return types.Decision{}, false
	}
	op := in.Plan.UpcomingOperation(in.Now, plannedOperationLead)
	if op == nil {
		return types.Decision{}, false
	}
	if d, ok := recommendationDecision(in); ok && !d.Action.Contradicts(decisionActionFor(op.Action)) {
		d.Reason = types.ReasonPlannedPredictive
		d.Tier = types.TierPlannedPredictive
		return d, true
	}
	detail := fmt.Sprintf("Waiting for planned %s at %s ($%.3f/kWh expected).",
		op.Action, op.Start.UTC().Format("15:04"), op.ExpectedDollarsPerKWH)
	return hold(in, types.ReasonStrategicWait, types.TierPlannedPredictive, detail), true
}

// Tier 4. The predictor's strategy maps directly onto a trade, price-gated
// so an aggressive posture still only buys at the horizon low and sells at
// the horizon high.
func recommendationDecision(in Inputs) (types.Decision, bool) {
	s := in.Settings
	minBuy, maxSell, ok := priceExtremes(in.Prices)
	if !ok {
		return types.Decision{}, false
	}
	level := in.Battery.LevelPercent
	switch in.Recommendation.Strategy {
	case types.StrategyChargeAggressive, types.StrategyChargeModerate:
		if in.Battery.HeadroomWH(s.MaxBatteryLevelPercent) < s.MinTradeEnergyWH {
			return types.Decision{}, false
		}
		if in.BuyDollarsPerKWH > minBuy+priceTolerance {
			return types.Decision{}, false
		}
		margin := s.MinArbitrageMarginPercent
		target := math.Min(s.MaxBatteryLevelPercent, level+chargeModerateBumpPercent)
		if in.Recommendation.Strategy == types.StrategyChargeAggressive {
			margin *= aggressiveMarginFactor
			target = math.Min(s.MaxBatteryLevelPercent, level+chargeAggressiveBumpPercent)
		}
		if ROIPercent(in.BuyDollarsPerKWH, maxSell, s.BatteryEfficiencyPercent) < margin {
			return types.Decision{}, false
		}
		return types.Decision{
			Action:             types.DecisionCharge,
			TargetPowerW:       maxPowerW(in),
			TargetLevelPercent: target,
			Reason:             types.ReasonPredictiveCharge,
			Detail:             in.Recommendation.Reason,
			Tier:               types.TierPredictive,
			TS:                 in.Now,
		}, true
	case types.StrategySellAggressive, types.StrategySellPartial:
		available := in.Battery.AvailableWH(s.MinBatteryReservePercent)
		if available < s.MinTradeEnergyWH {
			return types.Decision{}, false
		}
		if in.SellDollarsPerKWH < maxSell-priceTolerance {
			return types.Decision{}, false
		}
		power := math.Min(maxPowerW(in), available/2)
		target := math.Max(s.MinBatteryReservePercent, level-sellAggressiveDropPercent)
		if in.Recommendation.Strategy == types.StrategySellPartial {
			power = math.Min(sellPartialPowerFactor*maxPowerW(in), available/3)
			target = math.Max(s.MinBatteryReservePercent, level-sellPartialDropPercent)
		}
		return types.Decision{
			Action:             types.DecisionSell,
			TargetPowerW:       power,
			TargetLevelPercent: target,
			Reason:             types.ReasonPredictiveSell,
			Detail:             in.Recommendation.Reason,
			Tier:               types.TierPredictive,
			TS:                 in.Now,
		}, true
	}
	return types.Decision{}, false
}

// Tier 5. No plan pressure and no strategy signal. Trade only when the
// current price is the best of the whole horizon and the round trip still
// clears the margin, otherwise hold.
func traditional(in Inputs) types.Decision {
	s := in.Settings
	if minBuy, maxSell, ok := priceExtremes(in.Prices); ok {
		available := in.Battery.AvailableWH(s.MinBatteryReservePercent)
		roi := ROIPercent(minBuy, in.SellDollarsPerKWH, s.BatteryEfficiencyPercent)
		if in.SellDollarsPerKWH >= maxSell-priceTolerance &&
			available >= s.MinTradeEnergyWH &&
			roi >= s.MinArbitrageMarginPercent {
			detail := fmt.Sprintf("Sell price $%.3f/kWh is the horizon high (ROI %.0f%%).",
				in.SellDollarsPerKWH, roi)
			return types.Decision{
				Action:             types.DecisionSell,
				TargetPowerW:       math.Min(maxPowerW(in), available),
				TargetLevelPercent: math.Max(s.MinBatteryReservePercent, in.Battery.LevelPercent-windowDischargeDropPercent),
				Reason:             types.ReasonTraditionalSell,
				Detail:             detail,
				Tier:               types.TierTraditional,
				TS:                 in.Now,
			}
		}
		headroom := in.Battery.HeadroomWH(s.MaxBatteryLevelPercent)
		roi = ROIPercent(in.BuyDollarsPerKWH, maxSell, s.BatteryEfficiencyPercent)
		if in.BuyDollarsPerKWH <= minBuy+priceTolerance &&
			headroom >= s.MinTradeEnergyWH &&
			roi >= s.MinArbitrageMarginPercent {
			detail := fmt.Sprintf("Buy price $%.3f/kWh is the horizon low (ROI %.0f%%).",
				in.BuyDollarsPerKWH, roi)
			return types.Decision{
				Action:             types.DecisionCharge,
				TargetPowerW:       math.Min(maxPowerW(in), headroom),
				TargetLevelPercent: math.Min(s.MaxBatteryLevelPercent, in.Battery.LevelPercent+windowChargeBumpPercent),
				Reason:             types.ReasonTraditionalBuy,
				Detail:             detail,
				Tier:               types.TierTraditional,
				TS:                 in.Now,
			}
		}
	}
	detail := "No profitable opportunity at current prices."
	if in.Recommendation.Strategy == types.StrategyHold && in.Recommendation.Reason != "" {
		detail = in.Recommendation.Reason
	}
	return hold(in, types.ReasonNoOpportunity, types.TierTraditional, detail)
}

// postGate applies the depth and cooldown rules to the winning candidate
// and records the trade timestamp when an action is actually emitted. A
// gated hold keeps the candidate's tier so the log shows what was blocked.
func (o *Optimizer) postGate(in Inputs, d types.Decision) types.Decision {
	s := in.Settings
	if d.Action == types.DecisionSell && in.Battery.LevelPercent < s.MinArbitrageDepthPercent {
		detail := fmt.Sprintf("Battery at %.1f%% is below the %.0f%% arbitrage depth.",
			in.Battery.LevelPercent, s.MinArbitrageDepthPercent)
		return hold(in, types.ReasonDepthGate, d.Tier, detail)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	cooldown := time.Duration(s.CooldownMinutes * float64(time.Minute))
	switch d.Action {
	case types.DecisionCharge:
		if cooldown > 0 && !o.lastSell.IsZero() && in.Now.Sub(o.lastSell) < cooldown {
			detail := fmt.Sprintf("Charge blocked %.1f min after a sell.",
				in.Now.Sub(o.lastSell).Minutes())
			return hold(in, types.ReasonCooldown, d.Tier, detail)
		}
		o.lastCharge = in.Now
	case types.DecisionSell:
		if cooldown > 0 && !o.lastCharge.IsZero() && in.Now.Sub(o.lastCharge) < cooldown {
			detail := fmt.Sprintf("Sell blocked %.1f min after a charge.",
				in.Now.Sub(o.lastCharge).Minutes())
			return hold(in, types.ReasonCooldown, d.Tier, detail)
		}
		o.lastSell = in.Now
	}
	return d
}

func hold(in Inputs, reason types.DecisionReason, tier int, detail string) types.Decision {
	return types.Decision{
		Action:             types.DecisionHold,
		TargetLevelPercent: in.Battery.LevelPercent,
		Reason:             reason,
		Detail:             detail,
		Tier:               tier,
		TS:                 in.Now,
	}
}

func decisionActionFor(a types.OperationAction) types.DecisionAction {
	switch a {
	case types.OperationCharge:
		return types.DecisionCharge
	case types.OperationSell:
		return types.DecisionSell
	}
	return types.DecisionHold
}

func maxPowerW(in Inputs) float64 {
	if in.Battery.MaxPowerW > 0 {
		return in.Battery.MaxPowerW
	}
	return in.Settings.MaxBatteryPowerW
}

func capacityWH(in Inputs) float64 {
	if in.Battery.CapacityWH > 0 {
		return in.Battery.CapacityWH
	}
	return in.Settings.BatteryCapacityWH
}

// pacedPower spreads energyWH over the remaining duration, capped at the
// battery's power limit.
func pacedPower(maxW, energyWH float64, remaining time.Duration) float64 {
	hours := remaining.Hours()
	if hours <= 0 {
		return maxW
	}
	return math.Min(maxW, energyWH/hours)
}

// priceExtremes returns the cheapest buy and richest sell price across the
// forecast horizon.
func priceExtremes(prices []types.PricePoint) (minBuy, maxSell float64, ok bool) {
	if len(prices) == 0 {
		return 0, 0, false
	}
	minBuy, maxSell = prices[0].BuyDollarsPerKWH, prices[0].SellDollarsPerKWH
	for _, p := range prices[1:] {
		minBuy = math.Min(minBuy, p.BuyDollarsPerKWH)
		maxSell = math.Max(maxSell, p.SellDollarsPerKWH)
	}
	return minBuy, maxSell, true
}
