package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gridshift/gridshift/pkg/forecast"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
)

// StatusRes is the response for GET /api/status.
type StatusRes struct {
	TS                time.Time          `json:"ts"`
	Battery           types.BatteryState `json:"battery"`
	BuyDollarsPerKWH  float64            `json:"buyDollarsPerKWH"`
	SellDollarsPerKWH float64            `json:"sellDollarsPerKWH"`
	Peak              types.PeakSignal   `json:"peak"`
	Decision          types.Decision     `json:"decision"`
	DataStale         bool               `json:"dataStale"`
	Pause             bool               `json:"pause"`
	DryRun            bool               `json:"dryRun"`
	Plan              *PlanSummary       `json:"plan,omitempty"`
}

// PlanSummary condenses the strategic plan for the status endpoint.
type PlanSummary struct {
	Scenario   types.Scenario          `json:"scenario"`
	Confidence float64                 `json:"confidence"`
	Operations int                     `json:"operations"`
	Active     *types.PlannedOperation `json:"active,omitempty"`
	Next       *types.PlannedOperation `json:"next,omitempty"`
	ValidUntil time.Time               `json:"validUntil"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, ok := s.engine.Snapshot()
	if !ok {
		writeJSONError(w, "no cycle has completed yet", http.StatusServiceUnavailable)
		return
	}

	settings, _, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	res := StatusRes{
		TS:                snap.TS,
		Battery:           snap.Battery,
		BuyDollarsPerKWH:  snap.BuyDollarsPerKWH,
		SellDollarsPerKWH: snap.SellDollarsPerKWH,
		Peak:              snap.Peak,
		Decision:          snap.Decision,
		DataStale:         snap.DataStale,
		Pause:             settings.Pause,
		DryRun:            settings.DryRun,
	}
	if plan := s.store.Current(); plan != nil {
		now := time.Now()
		res.Plan = &PlanSummary{
			Scenario:   plan.Scenario,
			Confidence: plan.Confidence,
			Operations: len(plan.Operations),
			Active:     plan.ActiveOperation(now),
			Next:       plan.UpcomingOperation(now, time.Hour),
			ValidUntil: plan.ValidUntil,
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, res)
}

// PlanRes is the response for GET /api/plan. Plan is null until the first
// replan completes.
type PlanRes struct {
	Plan *types.StrategicPlan `json:"plan"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, PlanRes{Plan: s.store.Current()})
}

// ForecastRes is the response for GET /api/forecast. It reflects what the
// most recent cycle saw, not a fresh computation.
type ForecastRes struct {
	TS          time.Time           `json:"ts"`
	Prices      []types.PricePoint  `json:"prices"`
	PV          types.PVForecast    `json:"pv"`
	BuyWindows  []types.PriceWindow `json:"buyWindows"`
	SellWindows []types.PriceWindow `json:"sellWindows"`
	Outlook     forecast.Outlook    `json:"outlook"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Snapshot()
	if !ok {
		writeJSONError(w, "no cycle has completed yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, ForecastRes{
		TS:          snap.TS,
		Prices:      snap.Prices,
		PV:          snap.PV,
		BuyWindows:  snap.BuyWindows,
		SellWindows: snap.SellWindows,
		Outlook:     snap.Outlook,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hours := 24
	if hoursStr := r.URL.Query().Get("hours"); hoursStr != "" {
		var err error
		hours, err = strconv.Atoi(hoursStr)
		if err != nil || hours < 1 || hours > 720 {
			writeJSONError(w, "hours must be between 1 and 720", http.StatusBadRequest)
			return
		}
	}

	end := time.Now()
	stats, err := s.engine.Stats(ctx, end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute stats", slog.Any("error", err))
		writeJSONError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, stats)
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.engine.TriggerCycle()
	log.Ctx(r.Context()).InfoContext(r.Context(), "cycle triggered")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePlanRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	// invalidating alone would leave the stale plan in place until the next
	// tick, so kick a cycle too
	s.store.Invalidate()
	s.engine.TriggerCycle()
	log.Ctx(r.Context()).InfoContext(r.Context(), "plan refresh requested")
	w.WriteHeader(http.StatusAccepted)
}
