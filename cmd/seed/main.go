package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/storage"
	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Seeds the storage backend with settings and two days of synthetic hourly
// prices so the engine has something to chew on in development. Point
// FIRESTORE_EMULATOR_HOST elsewhere or pass -storage-provider memory to
// seed a different backend.
func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding development data")

	// settings first so the engine has battery dimensions; don't clobber
	// an existing document
	if _, version, err := s.GetSettings(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to check settings", "error", err)
		os.Exit(1)
	} else if version == 0 {
		if err := s.SetSettings(ctx, types.DefaultSettings(), types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "seeded default settings", slog.Int("version", types.CurrentSettingsVersion))
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// yesterday through tomorrow: the trailing day feeds the peak baseline,
	// the leading day feeds the planner
	start := time.Now().Truncate(time.Hour).Add(-24 * time.Hour)
	var spikes int
	for i := 0; i < 48; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		hour := ts.Hour()

		// daily shape: cheap overnight, expensive in the evening
		phase := 2 * math.Pi * float64(hour-12) / 24
		sell := 0.12 + 0.08*math.Sin(phase)
		sell += rng.Float64()*0.02 - 0.01

		// occasional scarcity spike in the evening
		if (hour == 18 || hour == 19) && rng.Float64() < 0.5 {
			sell *= 3
			spikes++
		}

		// retail premium over the feed-in rate
		buy := sell + 0.06

		if err := s.UpsertPrice(ctx, types.PricePoint{
			TS:                ts,
			BuyDollarsPerKWH:  buy,
			SellDollarsPerKWH: sell,
		}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed price", "error", err, slog.Time("ts", ts))
			os.Exit(1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded prices", slog.Int("points", 48), slog.Int("spikes", spikes))
}
