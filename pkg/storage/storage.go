// Package storage persists the settings document, the append-only decision
// log, and price history.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gridshift/gridshift/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	// GetSettings returns the zero value with version 0 when nothing is
	// stored yet; callers migrate to current defaults.
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Decision log
	InsertDecision(ctx context.Context, rec types.DecisionRecord) error
	GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.DecisionRecord, error)
	GetLatestDecision(ctx context.Context) (*types.DecisionRecord, error)

	// Price history
	UpsertPrice(ctx context.Context, price types.PricePoint) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error)
	GetLatestPriceTime(ctx context.Context) (time.Time, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, memory)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
