package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause decision cycles; the engine still gathers data and records holds
	Pause bool `json:"pause"`

	// Battery
	BatteryCapacityWH        float64 `json:"batteryCapacityWH"`
	MaxBatteryPowerW         float64 `json:"maxBatteryPowerW"`
	BatteryEfficiencyPercent float64 `json:"batteryEfficiencyPercent"` // round-trip
	MinBatteryReservePercent float64 `json:"minBatteryReservePercent"`
	MaxBatteryLevelPercent   float64 `json:"maxBatteryLevelPercent"`

	// Arbitrage limits
	MinArbitrageMarginPercent float64 `json:"minArbitrageMarginPercent"`
	MaxDailyCycles            float64 `json:"maxDailyCycles"`
	// Discharge below this level is never allowed for arbitrage
	MinArbitrageDepthPercent float64 `json:"minArbitrageDepthPercent"`
	CooldownMinutes          float64 `json:"cooldownMinutes"`
	// Sells moving less than this much energy are not worth a command
	MinTradeEnergyWH float64 `json:"minTradeEnergyWH"`

	// Planning
	PlanningHorizonHours      int `json:"planningHorizonHours"`
	PlanRefreshMinutes        int `json:"planRefreshMinutes"`
	QuartileDivisor           int `json:"quartileDivisor"`
	WindowPressureHighMinutes int `json:"windowPressureHighMinutes"`
	WindowPressureMediumHours int `json:"windowPressureMediumHours"`

	// Peak detection
	ZScoreThreshold             float64 `json:"zScoreThreshold"`
	StrategicOverrideMultiplier float64 `json:"strategicOverrideMultiplier"`
	ExtremePeakMultiplier       float64 `json:"extremePeakMultiplier"`
	HistoricalLookbackHours     int     `json:"historicalLookbackHours"`

	// Consumption model
	DailyConsumptionWH float64 `json:"dailyConsumptionWH"`

	// Degradation accounting for the stats endpoint. A zero battery cost
	// disables the degradation term.
	BatteryCostDollars float64 `json:"batteryCostDollars"`
	BatteryRatedCycles float64 `json:"batteryRatedCycles"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems
type Credentials struct {
	Solar *SolarCredentials `json:"solar,omitempty"`
}

// SolarCredentials authenticate the rooftop PV forecast API.
type SolarCredentials struct {
	APIKey string `json:"apiKey"`
	SiteID string `json:"siteID"`
}

// Has reports which credential sets are present, without exposing their
// contents. The settings API returns this instead of the credentials.
func (c Credentials) Has() map[string]bool {
	return map[string]bool{
		"solar": c.Solar != nil && c.Solar.APIKey != "",
	}
}

// DefaultSettings returns settings with every field at its default.
func DefaultSettings() Settings {
	s, _, err := MigrateSettings(Settings{}, 0)
	if err != nil {
		// migrating from zero can only fail on a version table bug
		panic(fmt.Sprintf("default settings migration failed: %v", err))
	}
	return s
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.BatteryCapacityWH == 0 {
				s.BatteryCapacityWH = 10000
				migrated = true
			}
			if s.MaxBatteryPowerW == 0 {
				s.MaxBatteryPowerW = 5000
				migrated = true
			}
			if s.BatteryEfficiencyPercent == 0 {
				s.BatteryEfficiencyPercent = 90
				migrated = true
			}
			if s.MinBatteryReservePercent == 0 {
				s.MinBatteryReservePercent = 20
				migrated = true
			}
			if s.MaxBatteryLevelPercent == 0 {
				s.MaxBatteryLevelPercent = 95
				migrated = true
			}
			if s.MinArbitrageMarginPercent == 0 {
				s.MinArbitrageMarginPercent = 15
				migrated = true
			}
			if s.MaxDailyCycles == 0 {
				s.MaxDailyCycles = 2.0
				migrated = true
			}
			if s.MinArbitrageDepthPercent == 0 {
				s.MinArbitrageDepthPercent = 40
				migrated = true
			}
			if s.CooldownMinutes == 0 {
				s.CooldownMinutes = 5
				migrated = true
			}
			if s.PlanningHorizonHours == 0 {
				s.PlanningHorizonHours = 48
				migrated = true
			}
			if s.PlanRefreshMinutes == 0 {
				s.PlanRefreshMinutes = 30
				migrated = true
			}
			if s.QuartileDivisor == 0 {
				s.QuartileDivisor = 4
				migrated = true
			}
			if s.ZScoreThreshold == 0 {
				s.ZScoreThreshold = 1.5
				migrated = true
			}
			if s.StrategicOverrideMultiplier == 0 {
				s.StrategicOverrideMultiplier = 1.10
				migrated = true
			}
			if s.ExtremePeakMultiplier == 0 {
				s.ExtremePeakMultiplier = 1.20
				migrated = true
			}
			if s.HistoricalLookbackHours == 0 {
				s.HistoricalLookbackHours = 24
				migrated = true
			}
			if s.DailyConsumptionWH == 0 {
				s.DailyConsumptionWH = 18000
				migrated = true
			}
		case 2:
			// version 2: window pressure bands and minimum trade energy
			if s.WindowPressureHighMinutes == 0 {
				s.WindowPressureHighMinutes = 30
				migrated = true
			}
			if s.WindowPressureMediumHours == 0 {
				s.WindowPressureMediumHours = 2
				migrated = true
			}
			if s.MinTradeEnergyWH == 0 {
				s.MinTradeEnergyWH = 1000
				migrated = true
			}
		case 3:
			// version 3: degradation accounting for stats
			if s.BatteryRatedCycles == 0 {
				s.BatteryRatedCycles = 6000
				migrated = true
			}
			// BatteryCostDollars stays 0 unless the operator sets it
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// Validate rejects out-of-range parameters. All violations wrap
// ErrConfigInvalid so callers surface them at configuration time.
func (s Settings) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
	}
	if s.BatteryCapacityWH <= 0 {
		return fail("batteryCapacityWH must be positive, got %v", s.BatteryCapacityWH)
	}
	if s.MaxBatteryPowerW <= 0 {
		return fail("maxBatteryPowerW must be positive, got %v", s.MaxBatteryPowerW)
	}
	if s.BatteryEfficiencyPercent <= 0 || s.BatteryEfficiencyPercent > 100 {
		return fail("batteryEfficiencyPercent must be in (0,100], got %v", s.BatteryEfficiencyPercent)
	}
	if s.MinBatteryReservePercent < 0 || s.MinBatteryReservePercent > 95 {
		return fail("minBatteryReservePercent must be in [0,95], got %v", s.MinBatteryReservePercent)
	}
	if s.MaxBatteryLevelPercent <= s.MinBatteryReservePercent || s.MaxBatteryLevelPercent > 100 {
		return fail("maxBatteryLevelPercent must be in (reserve,100], got %v", s.MaxBatteryLevelPercent)
	}
	if s.MinArbitrageMarginPercent < 0 {
		return fail("minArbitrageMarginPercent must not be negative, got %v", s.MinArbitrageMarginPercent)
	}
	if s.MaxDailyCycles <= 0 {
		return fail("maxDailyCycles must be positive, got %v", s.MaxDailyCycles)
	}
	if s.MinArbitrageDepthPercent < 0 || s.MinArbitrageDepthPercent > 95 {
		return fail("minArbitrageDepthPercent must be in [0,95], got %v", s.MinArbitrageDepthPercent)
	}
	if s.CooldownMinutes < 0 {
		return fail("cooldownMinutes must not be negative, got %v", s.CooldownMinutes)
	}
	if s.MinTradeEnergyWH < 0 {
		return fail("minTradeEnergyWH must not be negative, got %v", s.MinTradeEnergyWH)
	}
	if s.PlanningHorizonHours < 1 || s.PlanningHorizonHours > 168 {
		return fail("planningHorizonHours must be in [1,168], got %v", s.PlanningHorizonHours)
	}
	if s.PlanRefreshMinutes < 1 {
		return fail("planRefreshMinutes must be at least 1, got %v", s.PlanRefreshMinutes)
	}
	if s.QuartileDivisor < 2 {
		return fail("quartileDivisor must be at least 2, got %v", s.QuartileDivisor)
	}
	if s.WindowPressureHighMinutes < 1 {
		return fail("windowPressureHighMinutes must be at least 1, got %v", s.WindowPressureHighMinutes)
	}
	if s.WindowPressureMediumHours < 1 {
		return fail("windowPressureMediumHours must be at least 1, got %v", s.WindowPressureMediumHours)
	}
	if s.ZScoreThreshold <= 0 {
		return fail("zScoreThreshold must be positive, got %v", s.ZScoreThreshold)
	}
	if s.StrategicOverrideMultiplier < 1 {
		return fail("strategicOverrideMultiplier must be at least 1, got %v", s.StrategicOverrideMultiplier)
	}
	if s.ExtremePeakMultiplier < 1 {
		return fail("extremePeakMultiplier must be at least 1, got %v", s.ExtremePeakMultiplier)
	}
	if s.HistoricalLookbackHours < 1 {
		return fail("historicalLookbackHours must be at least 1, got %v", s.HistoricalLookbackHours)
	}
	if s.DailyConsumptionWH < 0 {
		return fail("dailyConsumptionWH must not be negative, got %v", s.DailyConsumptionWH)
	}
	if s.BatteryCostDollars < 0 {
		return fail("batteryCostDollars must not be negative, got %v", s.BatteryCostDollars)
	}
	if s.BatteryCostDollars > 0 && s.BatteryRatedCycles <= 0 {
		return fail("batteryRatedCycles must be positive when batteryCostDollars is set, got %v", s.BatteryRatedCycles)
	}
	return nil
}
