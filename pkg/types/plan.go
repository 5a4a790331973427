package types

import "time"

// OperationAction is the planned direction of a strategic operation.
type OperationAction string

const (
	OperationCharge OperationAction = "charge"
	OperationSell   OperationAction = "sell"
	OperationHold   OperationAction = "hold"
)

// PlannedOperation is one step of a strategic plan. Operations within a plan
// are time-ordered and never overlap.
type PlannedOperation struct {
	ID                    string          `json:"id"`
	Start                 time.Time       `json:"start"`
	End                   time.Time       `json:"end"`
	Action                OperationAction `json:"action"`
	TargetPowerW          float64         `json:"targetPowerW"`
	ExpectedDollarsPerKWH float64         `json:"expectedDollarsPerKWH"`
	ExpectedEnergyWH      float64         `json:"expectedEnergyWH"`
	Priority              int             `json:"priority"` // 1 = highest
	Confidence            float64         `json:"confidence"`
	Reason                string          `json:"reason"`
}

// ActiveAt returns true if t falls inside the operation's span.
func (o PlannedOperation) ActiveAt(t time.Time) bool {
	return !t.Before(o.Start) && t.Before(o.End)
}

// StartsWithin returns true if the operation starts after t but within lead.
func (o PlannedOperation) StartsWithin(t time.Time, lead time.Duration) bool {
	return o.Start.After(t) && !o.Start.After(t.Add(lead))
}

// Duration returns the length of the operation.
func (o PlannedOperation) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// Scenario tags the energy situation a strategic plan was synthesized for.
type Scenario string

const (
	ScenarioCriticalDeficit     Scenario = "energy_critical_deficit"
	ScenarioSurplusBothDays     Scenario = "surplus_both_days"
	ScenarioDeficitBothDays     Scenario = "energy_deficit_both_days"
	ScenarioSurplusToDeficit    Scenario = "transition_surplus_to_deficit"
	ScenarioDeficitToSurplus    Scenario = "transition_deficit_to_surplus"
	ScenarioOpportunisticStable Scenario = "opportunistic_stable"
	ScenarioFallbackHold        Scenario = "fallback_hold"
)

// StrategicPlan is a multi-step operation schedule over the planning
// horizon. Plans are immutable: a refresh produces a new plan that replaces
// the old one atomically. The optimizer only ever reads plans.
type StrategicPlan struct {
	Scenario              Scenario           `json:"scenario"`
	Operations            []PlannedOperation `json:"operations"`
	Confidence            float64            `json:"confidence"`
	ExpectedProfitDollars float64            `json:"expectedProfitDollars"`
	CreatedAt             time.Time          `json:"createdAt"`
	ValidUntil            time.Time          `json:"validUntil"`
	Fallback              *StrategicPlan     `json:"fallback,omitempty"`
}

// Valid returns true if the plan exists and has not passed its refresh
// deadline.
func (p *StrategicPlan) Valid(t time.Time) bool {
	return p != nil && t.Before(p.ValidUntil)
}

// ActiveOperation returns the first operation whose span covers t, or nil.
func (p *StrategicPlan) ActiveOperation(t time.Time) *PlannedOperation {
	if p == nil {
		return nil
	}
	for i := range p.Operations {
		if p.Operations[i].ActiveAt(t) {
			return &p.Operations[i]
		}
	}
	return nil
}

// UpcomingOperation returns the first non-hold operation starting after t
// but within lead, or nil.
func (p *StrategicPlan) UpcomingOperation(t time.Time, lead time.Duration) *PlannedOperation {
	if p == nil {
		return nil
	}
	for i := range p.Operations {
		op := &p.Operations[i]
		if op.Action == OperationHold {
			continue
		}
		if op.StartsWithin(t, lead) {
			return op
		}
	}
	return nil
}

// NextPlannedSellPrice returns the expected price of the earliest sell
// operation still ahead of t, or 0 if the plan holds no future sell.
func (p *StrategicPlan) NextPlannedSellPrice(t time.Time) float64 {
	if p == nil {
		return 0
	}
	for _, op := range p.Operations {
		if op.Action == OperationSell && op.End.After(t) {
			return op.ExpectedDollarsPerKWH
		}
	}
	return 0
}
