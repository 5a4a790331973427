package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

// hourlyPattern scales the average hourly draw across the day. Mornings and
// evenings run hot, overnight runs light.
var hourlyPattern = [24]float64{
	0.6, 0.5, 0.5, 0.5, 0.5, 0.6,
	0.8, 1.2, 1.0, 0.8, 0.7, 0.8,
	0.9, 0.8, 0.7, 0.8, 1.0, 1.3,
	1.5, 1.4, 1.2, 1.0, 0.9, 0.7,
}

// PV is assumed to land between these hours; today's remaining generation is
// the day total scaled by the daylight hours left.
const (
	sunriseHour   = 6
	sunsetHour    = 20
	daylightHours = 14
)

// Outlook is the derived energy prediction for one cycle.
type Outlook struct {
	Points         []types.EnergyForecastPoint  `json:"points"`
	Today          types.EnergyBalance          `json:"today"`
	Tomorrow       types.EnergyBalance          `json:"tomorrow"`
	Next48H        types.EnergyBalance          `json:"next48h"`
	Recommendation types.StrategyRecommendation `json:"recommendation"`
}

// Predictor turns externally supplied PV forecasts and the consumption
// model into balance trajectories and a coarse battery strategy. It
// classifies; it never decides.
type Predictor struct {
	dailyConsumptionWH float64
	capacityWH         float64
}

// NewPredictor creates a Predictor from settings.
func NewPredictor(settings types.Settings) *Predictor {
	return &Predictor{
		dailyConsumptionWH: settings.DailyConsumptionWH,
		capacityWH:         settings.BatteryCapacityWH,
	}
}

// Predict builds the hourly trajectory over the next 48 hours, the three
// period balances, and the strategy recommendation for the battery state.
func (p *Predictor) Predict(ctx context.Context, now time.Time, pv types.PVForecast, battery types.BatteryState) Outlook {
	today := p.balanceToday(now, pv)
	tomorrow := p.balanceTomorrow(pv)
	combined := types.EnergyBalance{
		Period:          types.BalanceNext48H,
		PVWH:            today.PVWH + tomorrow.PVWH,
		ConsumptionWH:   today.ConsumptionWH + tomorrow.ConsumptionWH,
		NetWH:           today.NetWH + tomorrow.NetWH,
		BatteryNeededWH: max(0, -(today.NetWH + tomorrow.NetWH)),
		Confidence:      0.6,
	}

	out := Outlook{
		Points:         p.trajectory(now, pv),
		Today:          today,
		Tomorrow:       tomorrow,
		Next48H:        combined,
		Recommendation: p.recommend(today, tomorrow, battery),
	}

	log.Ctx(ctx).DebugContext(ctx, "energy outlook computed",
		slog.Float64("todayNetWH", today.NetWH),
		slog.Float64("tomorrowNetWH", tomorrow.NetWH),
		slog.String("strategy", string(out.Recommendation.Strategy)),
		slog.String("urgency", string(out.Recommendation.Urgency)),
	)
	return out
}

func (p *Predictor) hourlyConsumptionWH(hour int) float64 {
	return p.dailyConsumptionWH / 24 * hourlyPattern[hour]
}

// remainingPVToday scales the day total by the daylight left. Before
// sunrise the whole total is still ahead, after sunset nothing is.
func remainingPVToday(totalWH float64, hour int) float64 {
	switch {
	case hour >= sunsetHour:
		return 0
	case hour <= sunriseHour:
		return totalWH
	default:
		return totalWH * float64(sunsetHour-hour) / daylightHours
	}
}

func (p *Predictor) balanceToday(now time.Time, pv types.PVForecast) types.EnergyBalance {
	var consumption float64
	for hour := now.Hour(); hour < 24; hour++ {
		consumption += p.hourlyConsumptionWH(hour)
	}
	remaining := remainingPVToday(pv.TodayWH, now.Hour())
	net := remaining - consumption
	return types.EnergyBalance{
		Period:          types.BalanceToday,
		PVWH:            remaining,
		ConsumptionWH:   consumption,
		NetWH:           net,
		BatteryNeededWH: max(0, -net),
		Confidence:      0.8,
	}
}

func (p *Predictor) balanceTomorrow(pv types.PVForecast) types.EnergyBalance {
	net := pv.TomorrowWH - p.dailyConsumptionWH
	return types.EnergyBalance{
		Period:          types.BalanceTomorrow,
		PVWH:            pv.TomorrowWH,
		ConsumptionWH:   p.dailyConsumptionWH,
		NetWH:           net,
		BatteryNeededWH: max(0, -net),
		Confidence:      0.7,
	}
}

// trajectory spreads tomorrow's PV evenly across daylight hours; today's
// remainder is likewise flattened over what daylight is left. A coarse
// shape is enough since the balances carry the decisions.
func (p *Predictor) trajectory(now time.Time, pv types.PVForecast) []types.EnergyForecastPoint {
	start := now.Truncate(time.Hour)
	points := make([]types.EnergyForecastPoint, 0, 48)

	todayLeft := remainingPVToday(pv.TodayWH, now.Hour())
	todayDaylight := float64(0)
	for h := now.Hour(); h < 24; h++ {
		if h >= sunriseHour && h < sunsetHour {
			todayDaylight++
		}
	}

	for i := 0; i < 48; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		hour := ts.Hour()

		var pvWH float64
		if hour >= sunriseHour && hour < sunsetHour {
			if ts.YearDay() == now.YearDay() && ts.Year() == now.Year() {
				if todayDaylight > 0 {
					pvWH = todayLeft / todayDaylight
				}
			} else {
				pvWH = pv.TomorrowWH / daylightHours
			}
		}

		consumption := p.hourlyConsumptionWH(hour)
		points = append(points, types.EnergyForecastPoint{
			TS:            ts,
			PVWH:          pvWH,
			ConsumptionWH: consumption,
			NetWH:         pvWH - consumption,
		})
	}
	return points
}

// recommend classifies the battery strategy from the sign of the two daily
// balances. Confidence is the lesser of the inputs' confidences.
func (p *Predictor) recommend(today, tomorrow types.EnergyBalance, battery types.BatteryState) types.StrategyRecommendation {
	rec := types.StrategyRecommendation{
		Strategy:           types.StrategyHold,
		Reason:             "Balanced energy outlook.",
		TargetLevelPercent: battery.LevelPercent,
		Urgency:            types.UrgencyLow,
		Confidence:         min(today.Confidence, tomorrow.Confidence),
	}

	capacity := battery.CapacityWH
	if capacity <= 0 {
		capacity = p.capacityWH
	}
	currentWH := battery.LevelPercent / 100 * capacity

	switch {
	case today.HasDeficit() && tomorrow.HasDeficit():
		// discount tomorrow's need, the forecast is less certain
		needed := today.BatteryNeededWH + tomorrow.BatteryNeededWH*0.5
		if currentWH < needed {
			rec.Strategy = types.StrategyChargeAggressive
			rec.Reason = fmt.Sprintf("Both days short on energy. Deficit today %.0f%%, tomorrow %.0f%%.",
				today.DeficitPercent(), tomorrow.DeficitPercent())
			rec.TargetLevelPercent = min(95, needed/capacity*100+20)
			rec.Urgency = types.UrgencyHigh
		}
	case today.HasDeficit() && tomorrow.HasSurplus():
		if currentWH < today.BatteryNeededWH {
			rec.Strategy = types.StrategyChargeModerate
			rec.Reason = fmt.Sprintf("Today short %.0f%%, tomorrow surplus %.0f%%.",
				today.DeficitPercent(), tomorrow.SurplusPercent())
			rec.TargetLevelPercent = min(70, today.BatteryNeededWH/capacity*100+15)
			rec.Urgency = types.UrgencyMedium
		}
	case today.HasSurplus() && tomorrow.HasDeficit():
		if battery.LevelPercent > 80 {
			rec.Strategy = types.StrategySellPartial
			rec.Reason = fmt.Sprintf("Today surplus %.0f%%, tomorrow short %.0f%%. Keeping reserve for tomorrow.",
				today.SurplusPercent(), tomorrow.DeficitPercent())
			rec.TargetLevelPercent = max(60, tomorrow.BatteryNeededWH/capacity*100+20)
			rec.Urgency = types.UrgencyLow
		}
	case today.HasSurplus() && tomorrow.HasSurplus():
		if battery.LevelPercent > 60 {
			rec.Strategy = types.StrategySellAggressive
			rec.Reason = fmt.Sprintf("Surplus both days. Today %.0f%%, tomorrow %.0f%%.",
				today.SurplusPercent(), tomorrow.SurplusPercent())
			rec.TargetLevelPercent = 40
			rec.Urgency = types.UrgencyLow
		}
	}
	return rec
}
