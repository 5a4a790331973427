package types

import "time"

// BatteryState is the telemetry snapshot supplied by the data source each
// cycle. It is read-only to the core; physical state only changes through
// the actuator acting on real hardware.
type BatteryState struct {
	LevelPercent    float64   `json:"levelPercent"`    // 0-100
	CapacityWH      float64   `json:"capacityWH"`      // usable capacity
	MaxPowerW       float64   `json:"maxPowerW"`       // charge/discharge limit
	TodayCycleCount float64   `json:"todayCycleCount"` // equivalent full cycles since midnight
	Updated         time.Time `json:"updated"`
}

// EnergyWH returns the stored energy implied by the level.
func (b BatteryState) EnergyWH() float64 {
	return b.CapacityWH * b.LevelPercent / 100
}

// AvailableWH returns how much energy can be discharged before hitting the
// reserve level.
func (b BatteryState) AvailableWH(reservePercent float64) float64 {
	return max(0, (b.LevelPercent-reservePercent)/100*b.CapacityWH)
}

// HeadroomWH returns how much energy can be charged before hitting the
// maximum level.
func (b BatteryState) HeadroomWH(maxPercent float64) float64 {
	return max(0, (maxPercent-b.LevelPercent)/100*b.CapacityWH)
}
