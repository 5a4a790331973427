package types

import "time"

// DecisionAction is the direction the optimizer commands for the cycle.
type DecisionAction string

const (
	DecisionCharge DecisionAction = "charge_arbitrage"
	DecisionSell   DecisionAction = "sell_arbitrage"
	DecisionHold   DecisionAction = "hold"
)

// Contradicts returns true if the two actions pull the battery in opposite
// directions. Hold contradicts nothing.
func (a DecisionAction) Contradicts(b DecisionAction) bool {
	if a == DecisionHold || b == DecisionHold {
		return false
	}
	return a != b
}

// DecisionReason tags why a decision was emitted so observability can tell
// "no opportunity" apart from "input failure".
type DecisionReason string

const (
	ReasonPeakOverride      DecisionReason = "peakOverride"
	ReasonStrategicPlan     DecisionReason = "strategicPlan"
	ReasonStrategicWait     DecisionReason = "strategicWait"
	ReasonTimeCriticalBuy   DecisionReason = "timeCriticalBuy"
	ReasonTimeCriticalSell  DecisionReason = "timeCriticalSell"
	ReasonPlannedPredictive DecisionReason = "plannedPredictive"
	ReasonPredictiveCharge  DecisionReason = "predictiveCharge"
	ReasonPredictiveSell    DecisionReason = "predictiveSell"
	ReasonTraditionalBuy    DecisionReason = "traditionalBuy"
	ReasonTraditionalSell   DecisionReason = "traditionalSell"
	ReasonNoOpportunity     DecisionReason = "noOpportunity"
	ReasonCycleLimit        DecisionReason = "cycleLimit"
	ReasonDepthGate         DecisionReason = "depthGate"
	ReasonCooldown          DecisionReason = "cooldownActive"
	ReasonDataUnavailable   DecisionReason = "dataUnavailable"
	ReasonPaused            DecisionReason = "paused"
)

// Decision tiers, highest priority first. The optimizer records which tier
// produced each decision so precedence is observable.
const (
	TierPeakOverride      = 0
	TierStrategic         = 1
	TierTimeCritical      = 2
	TierPlannedPredictive = 3
	TierPredictive        = 4
	TierTraditional       = 5
)

// Decision is the sole output of the optimizer each cycle. It is consumed
// immediately by the actuator and appended to the decision log; it is never
// shared mutable state.
type Decision struct {
	Action             DecisionAction `json:"action"`
	TargetPowerW       float64        `json:"targetPowerW"`
	TargetLevelPercent float64        `json:"targetLevelPercent"`
	Reason             DecisionReason `json:"reason"`
	Detail             string         `json:"detail,omitempty"`
	Tier               int            `json:"tier"`
	TS                 time.Time      `json:"ts"`
}

// DecisionRecord is the observability envelope appended to storage after
// every cycle.
type DecisionRecord struct {
	Decision          Decision     `json:"decision"`
	Battery           BatteryState `json:"battery"`
	BuyDollarsPerKWH  float64      `json:"buyDollarsPerKWH"`
	SellDollarsPerKWH float64      `json:"sellDollarsPerKWH"`
	Scenario          Scenario     `json:"scenario,omitempty"`
	PlanConfidence    float64      `json:"planConfidence"`
	DryRun            bool         `json:"dryRun,omitempty"`
	ApplyError        string       `json:"applyError,omitempty"`
}

// ArbitrageStats aggregates the decision log over a window for the API.
type ArbitrageStats struct {
	WindowStart      time.Time `json:"windowStart"`
	WindowEnd        time.Time `json:"windowEnd"`
	Decisions        int       `json:"decisions"`
	Charges          int       `json:"charges"`
	Sells            int       `json:"sells"`
	Holds            int       `json:"holds"`
	TierCounts       [6]int    `json:"tierCounts"`
	EnergyBoughtWH   float64   `json:"energyBoughtWH"`
	EnergySoldWH     float64   `json:"energySoldWH"`
	EstProfitDollars float64   `json:"estProfitDollars"`
	CyclesUsed       float64   `json:"cyclesUsed"`
	ActuatorFailures int       `json:"actuatorFailures"`
}
