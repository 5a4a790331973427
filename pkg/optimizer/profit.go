package optimizer

import (
	"math"

	"github.com/gridshift/gridshift/pkg/types"
)

// ROIPercent returns the round-trip return for buying at buy and later
// selling at sell, as a percentage of the buy cost. Efficiency losses are
// taken off the spread. Non-positive buy prices return 0.
func ROIPercent(buy, sell, efficiencyPercent float64) float64 {
	if buy <= 0 {
		return 0
	}
	net := (sell - buy) * efficiencyPercent / 100
	return net / buy * 100
}

// ProfitDetail breaks one round trip into its cost components for the
// stats API.
type ProfitDetail struct {
	GrossDollars           float64 `json:"grossDollars"`
	EfficiencyCostDollars  float64 `json:"efficiencyCostDollars"`
	DegradationCostDollars float64 `json:"degradationCostDollars"`
	NetDollars             float64 `json:"netDollars"`
	ROIPercent             float64 `json:"roiPercent"`
	EquivalentCycles       float64 `json:"equivalentCycles"`
}

// ArbitrageProfit prices a round trip of energyWH bought at buy and sold at
// sell. Round-trip losses are charged at the buy price since that is the
// energy that was paid for. Degradation is straight-line battery cost per
// rated cycle scaled by depth of discharge; a zero battery cost disables
// the term.
func ArbitrageProfit(buy, sell, energyWH float64, s types.Settings) ProfitDetail {
	kwh := energyWH / 1000
	d := ProfitDetail{
		GrossDollars:          (sell - buy) * kwh,
		EfficiencyCostDollars: kwh * (1 - s.BatteryEfficiencyPercent/100) * buy,
	}
	if s.BatteryCostDollars > 0 && s.BatteryRatedCycles > 0 && s.BatteryCapacityWH > 0 {
		d.EquivalentCycles = math.Min(energyWH/s.BatteryCapacityWH, 1)
		d.DegradationCostDollars = d.EquivalentCycles * s.BatteryCostDollars / s.BatteryRatedCycles
	}
	d.NetDollars = d.GrossDollars - d.EfficiencyCostDollars - d.DegradationCostDollars
	if buy > 0 && kwh > 0 {
		d.ROIPercent = d.NetDollars / (buy * kwh) * 100
	}
	return d
}
