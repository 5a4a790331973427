package types

import "time"

// PeakSignal is the per-cycle statistical judgement of the current sell
// price against the trailing baseline window. It is recomputed every cycle
// and never persisted.
type PeakSignal struct {
	TS             time.Time `json:"ts"`
	DollarsPerKWH  float64   `json:"dollarsPerKWH"`
	ZScore         float64   `json:"zScore"`
	BaselineMean   float64   `json:"baselineMean"`
	BaselineStddev float64   `json:"baselineStddev"`
	BaselineP95    float64   `json:"baselineP95"`
	BaselineSize   int       `json:"baselineSize"`
	IsOutlier      bool      `json:"isOutlier"`
	IsExtreme      bool      `json:"isExtreme"`
}
