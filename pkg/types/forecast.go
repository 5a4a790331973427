package types

import "time"

// PVForecast is the externally produced solar generation forecast as whole
// day totals. The core consumes it as-is and never derives its own from
// sensor history.
type PVForecast struct {
	TodayWH    float64   `json:"todayWH"`
	TomorrowWH float64   `json:"tomorrowWH"`
	Updated    time.Time `json:"updated"`
}

// EnergyForecastPoint is one period of the derived net-balance trajectory.
type EnergyForecastPoint struct {
	TS            time.Time `json:"ts"`
	PVWH          float64   `json:"pvWH"`
	ConsumptionWH float64   `json:"consumptionWH"`
	NetWH         float64   `json:"netWH"` // pv - consumption
}

// BalancePeriod names the span an EnergyBalance covers.
type BalancePeriod string

const (
	BalanceToday    BalancePeriod = "today_remaining"
	BalanceTomorrow BalancePeriod = "tomorrow"
	BalanceNext48H  BalancePeriod = "next_48h"
)

// EnergyBalance summarizes expected generation against expected consumption
// for one period.
type EnergyBalance struct {
	Period          BalancePeriod `json:"period"`
	PVWH            float64       `json:"pvWH"`
	ConsumptionWH   float64       `json:"consumptionWH"`
	NetWH           float64       `json:"netWH"`             // + surplus, - deficit
	BatteryNeededWH float64       `json:"batteryNeededWH"`   // energy required to cover the deficit
	Confidence      float64       `json:"confidence"`        // 0-1
}

// HasSurplus returns true if the period expects more generation than use.
func (b EnergyBalance) HasSurplus() bool {
	return b.NetWH > 0
}

// HasDeficit returns true if the period expects more use than generation.
func (b EnergyBalance) HasDeficit() bool {
	return b.NetWH < 0
}

// SurplusPercent returns the surplus as a percentage of consumption.
func (b EnergyBalance) SurplusPercent() float64 {
	if b.ConsumptionWH <= 0 {
		return 0
	}
	return max(0, b.NetWH/b.ConsumptionWH*100)
}

// DeficitPercent returns the deficit as a percentage of consumption.
func (b EnergyBalance) DeficitPercent() float64 {
	if b.ConsumptionWH <= 0 {
		return 0
	}
	return max(0, -b.NetWH/b.ConsumptionWH*100)
}

// Strategy is the coarse recommendation derived from the energy balances.
// It is an input feature to the strategic planner and to the predictive
// optimizer tiers, never a final decision by itself.
type Strategy string

const (
	StrategyChargeAggressive Strategy = "charge_aggressive"
	StrategyChargeModerate   Strategy = "charge_moderate"
	StrategySellAggressive   Strategy = "sell_aggressive"
	StrategySellPartial      Strategy = "sell_partial"
	StrategyHold             Strategy = "hold"
)

// Urgency classifies how soon a recommendation should be acted on.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// StrategyRecommendation is the classified battery strategy for the horizon.
type StrategyRecommendation struct {
	Strategy           Strategy `json:"strategy"`
	Reason             string   `json:"reason"`
	TargetLevelPercent float64  `json:"targetLevelPercent"`
	Urgency            Urgency  `json:"urgency"`
	Confidence         float64  `json:"confidence"`
}
