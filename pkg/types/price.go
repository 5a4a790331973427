package types

import "time"

// PricePoint is one period of the buy/sell price forecast.
// Forecasts are ordered by TS with no duplicate timestamps; the period is
// typically one hour but never longer.
type PricePoint struct {
	TS                time.Time `json:"ts"`
	BuyDollarsPerKWH  float64   `json:"buyDollarsPerKWH"`
	SellDollarsPerKWH float64   `json:"sellDollarsPerKWH"`
}

// PriceForKind returns the buy or sell price of the point.
func (p PricePoint) PriceForKind(kind WindowKind) float64 {
	if kind == WindowKindSell {
		return p.SellDollarsPerKWH
	}
	return p.BuyDollarsPerKWH
}

// WindowKind distinguishes low-price buy windows from high-price sell windows.
type WindowKind string

const (
	WindowKindBuy  WindowKind = "buy"
	WindowKindSell WindowKind = "sell"
)

// TimePressure classifies how urgently a price window must be acted on.
type TimePressure string

const (
	PressureHigh   TimePressure = "high"
	PressureMedium TimePressure = "medium"
	PressureLow    TimePressure = "low"
)

// PriceWindow is a maximal contiguous run of forecast periods whose price
// crosses the quartile threshold for its kind. Windows are immutable once
// created; recomputation produces new windows rather than mutating old ones.
type PriceWindow struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Kind          WindowKind   `json:"kind"`
	DollarsPerKWH float64      `json:"dollarsPerKWH"` // mean price across the run
	Pressure      TimePressure `json:"pressure"`
	Periods       int          `json:"periods"`
}

// Duration returns the length of the window.
func (w PriceWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// ActiveAt returns true if t falls inside the window.
func (w PriceWindow) ActiveAt(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Remaining returns the time left until the window closes, zero if it
// already has.
func (w PriceWindow) Remaining(t time.Time) time.Duration {
	if !t.Before(w.End) {
		return 0
	}
	return w.End.Sub(t)
}
