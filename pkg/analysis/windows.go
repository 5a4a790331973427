package analysis

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

// WindowAnalyzer finds contiguous runs of cheap or expensive forecast
// periods worth trading against.
type WindowAnalyzer struct {
	divisor        int
	pressureHigh   time.Duration
	pressureMedium time.Duration
}

// NewWindowAnalyzer creates a WindowAnalyzer from settings.
func NewWindowAnalyzer(settings types.Settings) *WindowAnalyzer {
	return &WindowAnalyzer{
		divisor:        settings.QuartileDivisor,
		pressureHigh:   time.Duration(settings.WindowPressureHighMinutes) * time.Minute,
		pressureMedium: time.Duration(settings.WindowPressureMediumHours) * time.Hour,
	}
}

// FindWindows returns the maximal contiguous runs of periods whose price
// crosses the kind's quartile threshold, ordered by start time. Buy windows
// sit in the cheapest quartile, sell windows in the most expensive one; the
// two directions share this routine with only the comparison mirrored. A
// single qualifying period is a valid window on its own.
func (a *WindowAnalyzer) FindWindows(ctx context.Context, prices []types.PricePoint, now time.Time, horizonHours int, kind types.WindowKind) []types.PriceWindow {
	if len(prices) == 0 {
		return nil
	}

	ordered := prices
	for i := 1; i < len(prices); i++ {
		if !prices[i].TS.After(prices[i-1].TS) {
			ordered = prices[:i]
			log.Ctx(ctx).WarnContext(ctx, "price series not monotonic, dropping tail",
				slog.Int("dropped", len(prices)-i),
				slog.Time("lastGood", prices[i-1].TS),
			)
			break
		}
	}

	period := inferPeriod(ordered)
	horizon := now.Add(time.Duration(horizonHours) * time.Hour)

	// keep periods that are current or upcoming within the horizon
	inHorizon := make([]types.PricePoint, 0, len(ordered))
	for _, p := range ordered {
		if !p.TS.Add(period).After(now) || p.TS.After(horizon) {
			continue
		}
		inHorizon = append(inHorizon, p)
	}
	n := len(inHorizon)
	if n == 0 {
		return nil
	}

	k := max(1, n/a.divisor)
	sorted := make([]float64, n)
	for i, p := range inHorizon {
		sorted[i] = p.PriceForKind(kind)
	}
	sort.Float64s(sorted)

	var threshold float64
	var qualifies func(v float64) bool
	switch kind {
	case types.WindowKindBuy:
		// k-th cheapest period or cheaper
		threshold = sorted[k-1]
		qualifies = func(v float64) bool { return v <= threshold }
	case types.WindowKindSell:
		// k-th most expensive period or more expensive
		threshold = sorted[n-k]
		qualifies = func(v float64) bool { return v >= threshold }
	default:
		return nil
	}

	var windows []types.PriceWindow
	for i := 0; i < n; {
		if !qualifies(inHorizon[i].PriceForKind(kind)) {
			i++
			continue
		}
		j := i + 1
		sum := inHorizon[i].PriceForKind(kind)
		for j < n && qualifies(inHorizon[j].PriceForKind(kind)) &&
			inHorizon[j].TS.Sub(inHorizon[j-1].TS) <= period {
			sum += inHorizon[j].PriceForKind(kind)
			j++
		}
		w := types.PriceWindow{
			Start:         inHorizon[i].TS,
			End:           inHorizon[j-1].TS.Add(period),
			Kind:          kind,
			DollarsPerKWH: sum / float64(j-i),
			Periods:       j - i,
		}
		w.Pressure = a.pressure(w, now)
		windows = append(windows, w)
		i = j
	}

	log.Ctx(ctx).DebugContext(ctx, "price windows found",
		slog.String("kind", string(kind)),
		slog.Int("periods", n),
		slog.Float64("threshold", threshold),
		slog.Int("windows", len(windows)),
	)
	return windows
}

// pressure is high when the window closes soon, medium when it is active or
// imminent, low otherwise.
func (a *WindowAnalyzer) pressure(w types.PriceWindow, now time.Time) types.TimePressure {
	if w.End.Sub(now) <= a.pressureHigh {
		return types.PressureHigh
	}
	if w.ActiveAt(now) || w.Start.Sub(now) <= a.pressureMedium {
		return types.PressureMedium
	}
	return types.PressureLow
}

// inferPeriod guesses the forecast granularity from point spacing.
func inferPeriod(prices []types.PricePoint) time.Duration {
	for i := 1; i < len(prices); i++ {
		if d := prices[i].TS.Sub(prices[i-1].TS); d > 0 {
			return d
		}
	}
	return time.Hour
}
