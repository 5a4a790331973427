package analysis

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

// PeakDetector flags statistically exceptional sell prices against a
// trailing baseline. It exists to catch single-occurrence spikes that never
// form a contiguous run and so never become a PriceWindow.
type PeakDetector struct {
	zThreshold        float64
	extremeMultiplier float64
}

// NewPeakDetector creates a PeakDetector from settings.
func NewPeakDetector(settings types.Settings) *PeakDetector {
	return &PeakDetector{
		zThreshold:        settings.ZScoreThreshold,
		extremeMultiplier: settings.ExtremePeakMultiplier,
	}
}

// Evaluate scores the current sell price against the baseline observations.
// Fewer than 3 observations produce a neutral signal, and a flat baseline
// (zero stddev) scores z=0 rather than dividing by zero.
func (d *PeakDetector) Evaluate(ctx context.Context, now time.Time, currentSell float64, baseline []float64) types.PeakSignal {
	sig := types.PeakSignal{
		TS:            now,
		DollarsPerKWH: currentSell,
		BaselineSize:  len(baseline),
	}
	if len(baseline) < 3 {
		log.Ctx(ctx).DebugContext(ctx, "baseline too small for peak analysis", slog.Int("size", len(baseline)))
		sig.BaselineMean = currentSell
		sig.BaselineP95 = currentSell
		return sig
	}

	mean, stddev := meanStddev(baseline)
	sig.BaselineMean = mean
	sig.BaselineStddev = stddev
	sig.BaselineP95 = percentile95(baseline)

	if stddev > 0 {
		sig.ZScore = (currentSell - mean) / stddev
	}
	sig.IsOutlier = sig.ZScore > d.zThreshold
	sig.IsExtreme = currentSell > sig.BaselineP95*d.extremeMultiplier

	if sig.IsOutlier || sig.IsExtreme {
		log.Ctx(ctx).InfoContext(ctx, "exceptional sell price detected",
			slog.Float64("price", currentSell),
			slog.Float64("zScore", sig.ZScore),
			slog.Float64("baselineMean", mean),
			slog.Float64("baselineP95", sig.BaselineP95),
			slog.Bool("outlier", sig.IsOutlier),
			slog.Bool("extreme", sig.IsExtreme),
		)
	}
	return sig
}

// meanStddev returns the mean and sample standard deviation.
func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

// percentile95 uses the upper value for small samples since interpolation
// over a handful of points is meaningless.
func percentile95(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if len(sorted) < 5 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(0.95*float64(len(sorted)))]
}
