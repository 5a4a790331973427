// Package engine runs the decision loop. Each cycle assembles a snapshot of
// telemetry and forecasts, runs the analysis pipeline and the optimizer,
// commands the actuator, and appends the outcome to storage. The loop is a
// single goroutine, so a cycle always runs to completion before the next
// one starts; only replanning happens off the loop.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridshift/gridshift/pkg/actuator"
	"github.com/gridshift/gridshift/pkg/analysis"
	"github.com/gridshift/gridshift/pkg/crypt"
	"github.com/gridshift/gridshift/pkg/datasource"
	"github.com/gridshift/gridshift/pkg/forecast"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/optimizer"
	"github.com/gridshift/gridshift/pkg/planner"
	"github.com/gridshift/gridshift/pkg/storage"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Snapshot is the engine's view of the most recent completed cycle. The API
// serves it directly, so everything here is safe to expose.
type Snapshot struct {
	TS                time.Time           `json:"ts"`
	Battery           types.BatteryState  `json:"battery"`
	BuyDollarsPerKWH  float64             `json:"buyDollarsPerKWH"`
	SellDollarsPerKWH float64             `json:"sellDollarsPerKWH"`
	Prices            []types.PricePoint  `json:"prices"`
	PV                types.PVForecast    `json:"pv"`
	ConsumptionWH     float64             `json:"consumptionWH"`
	BuyWindows        []types.PriceWindow `json:"buyWindows"`
	SellWindows       []types.PriceWindow `json:"sellWindows"`
	Peak              types.PeakSignal    `json:"peak"`
	Outlook           forecast.Outlook    `json:"outlook"`
	Decision          types.Decision      `json:"decision"`
	DataStale         bool                `json:"dataStale"`
}

// telemetry is the last-known external state, reused within the staleness
// tolerance when a fetch fails.
type telemetry struct {
	prices        []types.PricePoint
	pricesAt      time.Time
	battery       types.BatteryState
	batteryAt     time.Time
	pv            types.PVForecast
	pvOK          bool
	consumptionWH float64
	consumptionOK bool
}

// Engine owns the decision loop and the state that survives between cycles:
// the last-known telemetry, the trailing sell-price baseline for peak
// detection, and the optimizer's cooldown clock.
type Engine struct {
	source  datasource.Provider
	control actuator.Controller
	db      storage.Database
	codec   *crypt.Codec
	store   *planner.Store
	opt     *optimizer.Optimizer

	interval  time.Duration
	tolerance time.Duration
	clock     func() time.Time
	trigger   chan struct{}

	// owned by the loop goroutine
	settings    types.Settings
	hasSettings bool
	last        telemetry
	baseline    []types.PricePoint

	mu         sync.Mutex
	snapshot   *Snapshot
	replanning bool
}

// New returns an engine with default intervals. Main should use Configured
// so the intervals come from flags.
func New(src datasource.Provider, ctrl actuator.Controller, db storage.Database, codec *crypt.Codec, store *planner.Store) *Engine {
	return &Engine{
		source:    src,
		control:   ctrl,
		db:        db,
		codec:     codec,
		store:     store,
		opt:       optimizer.New(),
		interval:  time.Minute,
		tolerance: 10 * time.Minute,
		clock:     time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// Configured sets up the engine and its flags. The configured storage, data
// source, actuator and plan store are injected by main.
func Configured(src datasource.Provider, ctrl actuator.Controller, db storage.Database, codec *crypt.Codec, store *planner.Store) *Engine {
	interval := lflag.Duration("engine-interval", time.Minute, "How often a decision cycle runs")
	tolerance := lflag.Duration("engine-data-tolerance", 10*time.Minute, "How long last-known telemetry may stand in for a failed fetch")

	e := New(src, ctrl, db, codec, store)
	lflag.Do(func() {
		e.interval = *interval
		e.tolerance = *tolerance
	})
	return e
}

// Run drives the loop until ctx is canceled. Cycles never overlap: the
// timer, data source updates and TriggerCycle all funnel into one
// sequential loop.
func (e *Engine) Run(ctx context.Context) error {
	ctx = log.WithComponent(ctx, "engine")
	e.hydrateBaseline(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.source.Updates():
		case <-e.trigger:
		}
		e.runCycle(ctx)
	}
}

// TriggerCycle schedules an immediate cycle without blocking. Triggers that
// arrive before the loop wakes coalesce into a single cycle.
func (e *Engine) TriggerCycle() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the view of the most recent completed cycle. The second
// return is false until the first cycle finishes.
func (e *Engine) Snapshot() (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshot == nil {
		return Snapshot{}, false
	}
	return *e.snapshot, true
}

// hydrateBaseline seeds the peak baseline from persisted price history so a
// restart does not blind the detector for a full lookback window.
func (e *Engine) hydrateBaseline(ctx context.Context) {
	settings := e.loadSettings(ctx)
	lookback := time.Duration(settings.HistoricalLookbackHours) * time.Hour
	now := e.clock()
	points, err := e.db.GetPriceHistory(ctx, now.Add(-lookback), now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to hydrate peak baseline", slog.Any("error", err))
		return
	}
	e.baseline = points
	log.Ctx(ctx).InfoContext(ctx, "peak baseline hydrated", slog.Int("points", len(points)))
}

func (e *Engine) runCycle(ctx context.Context) {
	now := e.clock()
	start := time.Now()

	// 1. Settings and credentials
	settings := e.loadSettings(ctx)
	creds, err := e.codec.Open(ctx, settings.EncryptedCredentials)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to open stored credentials", slog.Any("error", err))
	}
	if err := e.source.ApplySettings(ctx, settings, creds); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to apply settings to data source", slog.Any("error", err))
	}
	if err := e.control.ApplySettings(ctx, settings, creds); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to apply settings to actuator", slog.Any("error", err))
	}
	e.store.SetRefresh(time.Duration(settings.PlanRefreshMinutes) * time.Minute)

	// 2. Telemetry
	tel, stale := e.gather(ctx, now, settings)
	cur, haveCur := currentPrice(tel.prices, now)
	if !haveCur && !stale {
		// a forecast of only future periods has no price to act on
		log.Ctx(ctx).ErrorContext(ctx, "no price covers the current period")
		stale = true
	}

	// 3. Record the observed price
	if haveCur {
		if err := e.db.UpsertPrice(ctx, cur); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to upsert price point", slog.Any("error", err))
		}
	}

	// 4. Analysis: peak signal against the trailing baseline, then windows
	lookback := time.Duration(settings.HistoricalLookbackHours) * time.Hour
	peak := analysis.NewPeakDetector(settings).Evaluate(ctx, now, cur.SellDollarsPerKWH, e.baselineSellValues(cur.TS))
	if haveCur {
		e.observeBaseline(cur, now, lookback)
	}

	analyzer := analysis.NewWindowAnalyzer(settings)
	buyWindows := analyzer.FindWindows(ctx, tel.prices, now, settings.PlanningHorizonHours, types.WindowKindBuy)
	sellWindows := analyzer.FindWindows(ctx, tel.prices, now, settings.PlanningHorizonHours, types.WindowKindSell)

	// 5. Energy outlook, preferring the live consumption estimate
	psettings := settings
	psettings.DailyConsumptionWH = tel.consumptionWH
	outlook := forecast.NewPredictor(psettings).Predict(ctx, now, tel.pv, tel.battery)

	// 6. Replan when due. The decision below reads whatever plan is
	// current without waiting on the new one.
	e.maybeReplan(ctx, settings, planner.Inputs{
		Now:            now,
		Battery:        tel.battery,
		Today:          outlook.Today,
		Tomorrow:       outlook.Tomorrow,
		Recommendation: outlook.Recommendation,
		BuyWindows:     buyWindows,
		SellWindows:    sellWindows,
	})
	plan := e.store.Current()

	// 7. Decide
	decision := e.opt.Decide(ctx, optimizer.Inputs{
		Now:               now,
		Settings:          settings,
		Battery:           tel.battery,
		BuyDollarsPerKWH:  cur.BuyDollarsPerKWH,
		SellDollarsPerKWH: cur.SellDollarsPerKWH,
		Prices:            tel.prices,
		BuyWindows:        buyWindows,
		SellWindows:       sellWindows,
		Peak:              peak,
		Plan:              plan,
		Recommendation:    outlook.Recommendation,
		DataStale:         stale,
	})
	if decision.Tier == types.TierPeakOverride {
		// the plan the override bypassed is no longer worth following
		e.store.Invalidate()
	}

	rec := types.DecisionRecord{
		Decision:          decision,
		Battery:           tel.battery,
		BuyDollarsPerKWH:  cur.BuyDollarsPerKWH,
		SellDollarsPerKWH: cur.SellDollarsPerKWH,
		DryRun:            settings.DryRun,
	}
	if plan != nil {
		rec.Scenario = plan.Scenario
		rec.PlanConfidence = plan.Confidence
	}

	// 8. Command the actuator. While paused the engine observes and
	// records but never commands.
	if decision.Reason != types.ReasonPaused {
		if err := e.control.Apply(ctx, decision); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "actuator rejected decision",
				slog.String("action", string(decision.Action)),
				slog.Any("error", err))
			rec.ApplyError = err.Error()
		}
	}

	// 9. Log the outcome
	if err := e.db.InsertDecision(ctx, rec); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to insert decision record", slog.Any("error", err))
	}

	snap := Snapshot{
		TS:                now,
		Battery:           tel.battery,
		BuyDollarsPerKWH:  cur.BuyDollarsPerKWH,
		SellDollarsPerKWH: cur.SellDollarsPerKWH,
		Prices:            tel.prices,
		PV:                tel.pv,
		ConsumptionWH:     tel.consumptionWH,
		BuyWindows:        buyWindows,
		SellWindows:       sellWindows,
		Peak:              peak,
		Outlook:           outlook,
		Decision:          decision,
		DataStale:         stale,
	}
	e.mu.Lock()
	e.snapshot = &snap
	e.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "cycle complete",
		slog.String("action", string(decision.Action)),
		slog.Int("tier", decision.Tier),
		slog.String("reason", string(decision.Reason)),
		slog.Duration("took", time.Since(start)))
}

// loadSettings reads the stored settings and migrates them forward, saving
// the migrated version best-effort. A storage failure falls back to the
// last good settings so one flaky read cannot change the engine's limits.
func (e *Engine) loadSettings(ctx context.Context) types.Settings {
	settings, version, err := e.db.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		if e.hasSettings {
			return e.settings
		}
		return types.DefaultSettings()
	}
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings",
			slog.Int("oldVersion", version),
			slog.Int("newVersion", types.CurrentSettingsVersion))
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings",
				slog.Int("currentVersion", version),
				slog.Any("error", err))
		} else if changed {
			settings = migrated
			if err := e.db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			}
		}
	}
	e.settings = settings
	e.hasSettings = true
	return settings
}

// migratedSettings reads settings and migrates them in memory only. The
// cycle path persists migrations; read-only callers use this.
func (e *Engine) migratedSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := e.db.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	if version < types.CurrentSettingsVersion {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err == nil && changed {
			settings = migrated
		}
	}
	return settings, nil
}

// gather fetches the cycle's inputs, substituting last-known values within
// the tolerance when a fetch fails. Prices and battery are required: past
// the tolerance the cycle is stale and the optimizer holds. PV and
// consumption degrade softly since the predictor already discounts them.
func (e *Engine) gather(ctx context.Context, now time.Time, settings types.Settings) (telemetry, bool) {
	stale := false

	prices, err := e.source.PriceForecast(ctx)
	if err == nil {
		e.last.prices = prices
		e.last.pricesAt = now
	} else if len(e.last.prices) > 0 && now.Sub(e.last.pricesAt) <= e.tolerance {
		log.Ctx(ctx).WarnContext(ctx, "reusing last known price forecast", slog.Any("error", err))
	} else {
		log.Ctx(ctx).ErrorContext(ctx, "price forecast unavailable", slog.Any("error", err))
		e.last.prices = nil
		stale = true
	}

	battery, err := e.source.BatteryState(ctx)
	if err == nil {
		e.last.battery = battery
		e.last.batteryAt = now
	} else if !e.last.batteryAt.IsZero() && now.Sub(e.last.batteryAt) <= e.tolerance {
		log.Ctx(ctx).WarnContext(ctx, "reusing last known battery state", slog.Any("error", err))
	} else {
		log.Ctx(ctx).ErrorContext(ctx, "battery telemetry unavailable", slog.Any("error", err))
		e.last.battery = types.BatteryState{}
		e.last.batteryAt = time.Time{}
		stale = true
	}

	pv, err := e.source.PVForecast(ctx)
	if err == nil {
		e.last.pv = pv
		e.last.pvOK = true
	} else if !e.last.pvOK {
		log.Ctx(ctx).WarnContext(ctx, "pv forecast unavailable, assuming no generation", slog.Any("error", err))
	}

	consumption, err := e.source.ConsumptionEstimate(ctx)
	if err == nil {
		e.last.consumptionWH = consumption
		e.last.consumptionOK = true
	} else if !e.last.consumptionOK {
		e.last.consumptionWH = settings.DailyConsumptionWH
	}

	return e.last, stale
}

// currentPrice picks the forecast point whose period covers now: the latest
// point not after now. A forecast of only future periods has none.
func currentPrice(prices []types.PricePoint, now time.Time) (types.PricePoint, bool) {
	var cur types.PricePoint
	var ok bool
	for _, p := range prices {
		if p.TS.After(now) {
			break
		}
		cur = p
		ok = true
	}
	return cur, ok
}

// observeBaseline appends the current period's price once per period and
// trims observations older than the lookback.
func (e *Engine) observeBaseline(p types.PricePoint, now time.Time, lookback time.Duration) {
	if n := len(e.baseline); n == 0 || p.TS.After(e.baseline[n-1].TS) {
		e.baseline = append(e.baseline, p)
	} else if e.baseline[n-1].TS.Equal(p.TS) {
		e.baseline[n-1] = p
	}
	cutoff := now.Add(-lookback)
	i := 0
	for i < len(e.baseline) && e.baseline[i].TS.Before(cutoff) {
		i++
	}
	e.baseline = e.baseline[i:]
}

// baselineSellValues returns the baseline's sell prices, excluding the
// current period so a spike does not mask itself.
func (e *Engine) baselineSellValues(excludeTS time.Time) []float64 {
	vals := make([]float64, 0, len(e.baseline))
	for _, p := range e.baseline {
		if p.TS.Equal(excludeTS) {
			continue
		}
		vals = append(vals, p.SellDollarsPerKWH)
	}
	return vals
}

// maybeReplan kicks a single replan goroutine when the stored plan is stale
// or missing. The cycle never blocks on it; a finished replan triggers the
// next cycle so the fresh plan is acted on promptly.
func (e *Engine) maybeReplan(ctx context.Context, settings types.Settings, in planner.Inputs) {
	if !e.store.NeedsRefresh(in.Now) {
		return
	}
	e.mu.Lock()
	if e.replanning {
		e.mu.Unlock()
		return
	}
	e.replanning = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.replanning = false
			e.mu.Unlock()
		}()
		e.store.Replace(planner.New(settings).CreatePlan(ctx, in))
		e.TriggerCycle()
	}()
}

// Stats aggregates the decision log over [start, end). Energy moved is
// estimated as commanded power held for one cycle interval; dry-run and
// rejected commands move nothing. Profit runs the window's average prices
// through the arbitrage profit model.
func (e *Engine) Stats(ctx context.Context, start, end time.Time) (types.ArbitrageStats, error) {
	recs, err := e.db.GetDecisionHistory(ctx, start, end)
	if err != nil {
		return types.ArbitrageStats{}, err
	}
	settings, err := e.migratedSettings(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "stats falling back to default settings", slog.Any("error", err))
		settings = types.DefaultSettings()
	}

	stats := types.ArbitrageStats{
		WindowStart: start,
		WindowEnd:   end,
		Decisions:   len(recs),
	}
	hours := e.interval.Hours()

	var buySum, sellSum, allBuySum float64
	var buyCount, sellCount int
	for _, r := range recs {
		if r.Decision.Tier >= 0 && r.Decision.Tier < len(stats.TierCounts) {
			stats.TierCounts[r.Decision.Tier]++
		}
		if r.ApplyError != "" {
			stats.ActuatorFailures++
		}
		allBuySum += r.BuyDollarsPerKWH
		executed := r.ApplyError == "" && !r.DryRun
		switch r.Decision.Action {
		case types.DecisionCharge:
			stats.Charges++
			if executed {
				stats.EnergyBoughtWH += r.Decision.TargetPowerW * hours
				buySum += r.BuyDollarsPerKWH
				buyCount++
			}
		case types.DecisionSell:
			stats.Sells++
			if executed {
				stats.EnergySoldWH += r.Decision.TargetPowerW * hours
				sellSum += r.SellDollarsPerKWH
				sellCount++
			}
		default:
			stats.Holds++
		}
	}

	if stats.EnergySoldWH > 0 && sellCount > 0 {
		avgSell := sellSum / float64(sellCount)
		avgBuy := 0.0
		if buyCount > 0 {
			avgBuy = buySum / float64(buyCount)
		} else if len(recs) > 0 {
			// no charge in the window means the cost basis predates it;
			// use the window's average buy price instead
			avgBuy = allBuySum / float64(len(recs))
		}
		stats.EstProfitDollars = optimizer.ArbitrageProfit(avgBuy, avgSell, stats.EnergySoldWH, settings).NetDollars
	}
	if settings.BatteryCapacityWH > 0 {
		stats.CyclesUsed = (stats.EnergyBoughtWH + stats.EnergySoldWH) / 2 / settings.BatteryCapacityWH
	}
	return stats, nil
}
