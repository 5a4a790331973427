package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridshift/gridshift/pkg/common"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// A forecast older than this is worse than admitting we have none.
const maxForecastAge = 6 * time.Hour

// SolarPoller fetches a rooftop PV forecast from a Solcast-style API and
// reduces the half-hour power estimates to whole-day Wh totals. Periods
// accumulate across polls so today's total keeps covering the morning even
// though later responses only carry future periods.
type SolarPoller struct {
	apiURL    string
	siteID    string
	apiKey    string
	pollEvery time.Duration

	client *http.Client
	clock  func() time.Time

	mu         sync.Mutex
	creds      types.SolarCredentials
	periods    map[int64]float64 // period end unix -> Wh
	fetchedAt  time.Time
	retryUntil time.Time
}

// configuredSolarPoller sets up flags for the solar poller and returns the
// instance.
func configuredSolarPoller() *SolarPoller {
	p := &SolarPoller{
		client:  common.HTTPClient(time.Minute),
		clock:   time.Now,
		periods: make(map[int64]float64),
	}
	apiURL := lflag.String("solar-api-url", "https://api.solcast.com.au", "Base URL of the rooftop PV forecast API")
	siteID := lflag.String("solar-site-id", "", "Rooftop site ID for the PV forecast API")
	apiKey := lflag.String("solar-api-key", "", "API key for the PV forecast API (credentials in settings take precedence)")
	pollEvery := lflag.Duration("solar-poll-interval", 30*time.Minute, "How often to refresh the PV forecast")

	lflag.Do(func() {
		p.apiURL = *apiURL
		p.siteID = *siteID
		p.apiKey = *apiKey
		p.pollEvery = *pollEvery
	})

	return p
}

// Validate ensures the configuration is valid.
func (p *SolarPoller) Validate() error {
	if p.apiURL != "" {
		if _, err := url.Parse(p.apiURL); err != nil {
			return fmt.Errorf("failed to parse solar api url (%s): %w", p.apiURL, err)
		}
	}
	if p.pollEvery <= 0 {
		return fmt.Errorf("solar-poll-interval must be positive")
	}
	return nil
}

// ApplySettings picks up solar credentials. Credentials from settings win
// over the flag-configured key so the API can be rotated without a restart.
func (p *SolarPoller) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds.Solar != nil {
		p.creds = *creds.Solar
	}
	return nil
}

type solcastPeriod struct {
	PVEstimateKW float64   `json:"pv_estimate"`
	PeriodEnd    time.Time `json:"period_end"`
}

type solcastResponse struct {
	Forecasts []solcastPeriod `json:"forecasts"`
}

// PVForecast returns the cached totals, refreshing from the API when the
// poll interval has elapsed. Fetch failures serve the previous forecast
// until it ages out.
func (p *SolarPoller) PVForecast(ctx context.Context) (types.PVForecast, error) {
	p.mu.Lock()
	site, key := p.siteID, p.apiKey
	if p.creds.SiteID != "" {
		site = p.creds.SiteID
	}
	if p.creds.APIKey != "" {
		key = p.creds.APIKey
	}
	fetchedAt, retryUntil := p.fetchedAt, p.retryUntil
	p.mu.Unlock()

	if p.apiURL == "" || site == "" {
		return types.PVForecast{}, fmt.Errorf("%w: solar forecast not configured", types.ErrDataUnavailable)
	}

	now := p.clock()
	fresh := !fetchedAt.IsZero() && now.Sub(fetchedAt) < p.pollEvery
	if !fresh && now.After(retryUntil) {
		if err := p.fetch(ctx, site, key, now); err != nil {
			if fetchedAt.IsZero() || now.Sub(fetchedAt) > maxForecastAge {
				return types.PVForecast{}, err
			}
			log.Ctx(ctx).WarnContext(ctx, "serving cached pv forecast", slog.Any("error", err))
		}
	}
	return p.totals(now)
}

func (p *SolarPoller) fetch(ctx context.Context, site, key string, now time.Time) error {
	u := fmt.Sprintf("%s/rooftop_sites/%s/forecasts?format=json",
		strings.TrimSuffix(p.apiURL, "/"), url.PathEscape(site))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build solar request: %w", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: solar api unreachable: %v", types.ErrDataUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := 5 * time.Minute
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		p.mu.Lock()
		p.retryUntil = now.Add(wait)
		p.mu.Unlock()
		return fmt.Errorf("%w: solar api rate limited", types.ErrDataUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: solar api returned %d: %s",
			types.ErrDataUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed solcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode solar response: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fc := range parsed.Forecasts {
		// half-hour periods, kW average to Wh
		p.periods[fc.PeriodEnd.Unix()] = fc.PVEstimateKW * 500
	}
	for end := range p.periods {
		if time.Unix(end, 0).Before(now.Add(-36 * time.Hour)) {
			delete(p.periods, end)
		}
	}
	p.fetchedAt = now
	return nil
}

// totals folds the cached periods into per-day sums for today and tomorrow
// in now's location.
func (p *SolarPoller) totals(now time.Time) (types.PVForecast, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fetchedAt.IsZero() {
		return types.PVForecast{}, fmt.Errorf("%w: pv forecast", types.ErrDataUnavailable)
	}

	y, m, d := now.Date()
	ty, tm, td := now.AddDate(0, 0, 1).Date()
	fc := types.PVForecast{Updated: p.fetchedAt}
	for end, wh := range p.periods {
		ey, em, ed := time.Unix(end, 0).In(now.Location()).Date()
		switch {
		case ey == y && em == m && ed == d:
			fc.TodayWH += wh
		case ey == ty && em == tm && ed == td:
			fc.TomorrowWH += wh
		}
	}
	return fc, nil
}

// PriceForecast is served by the MQTT feed, not the poller.
func (p *SolarPoller) PriceForecast(ctx context.Context) ([]types.PricePoint, error) {
	return nil, fmt.Errorf("%w: price forecast", types.ErrDataUnavailable)
}

// ConsumptionEstimate is served by the MQTT feed, not the poller.
func (p *SolarPoller) ConsumptionEstimate(ctx context.Context) (float64, error) {
	return 0, fmt.Errorf("%w: consumption estimate", types.ErrDataUnavailable)
}

// BatteryState is served by the MQTT feed, not the poller.
func (p *SolarPoller) BatteryState(ctx context.Context) (types.BatteryState, error) {
	return types.BatteryState{}, fmt.Errorf("%w: battery telemetry", types.ErrDataUnavailable)
}

// Updates implements Provider. The poller is pull-based.
func (p *SolarPoller) Updates() <-chan struct{} {
	return nil
}

// Close implements Provider.
func (p *SolarPoller) Close() {}
