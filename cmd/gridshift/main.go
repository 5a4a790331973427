package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridshift/gridshift/pkg/actuator"
	"github.com/gridshift/gridshift/pkg/crypt"
	"github.com/gridshift/gridshift/pkg/datasource"
	"github.com/gridshift/gridshift/pkg/engine"
	"github.com/gridshift/gridshift/pkg/log"
	"github.com/gridshift/gridshift/pkg/planner"
	"github.com/gridshift/gridshift/pkg/server"
	"github.com/gridshift/gridshift/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	db := storage.Configured()
	src := datasource.Configured()
	ctrl := actuator.Configured()
	codec := crypt.Configured()

	// the engine overrides the refresh interval from settings each cycle
	store := planner.NewStore(30 * time.Minute)

	eng := engine.Configured(src, ctrl, db, codec, store)
	srv := server.Configured(db, codec, store, eng)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		src.Close()
		ctrl.Close()
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// run the decision loop and the API server until either fails or the
	// context is canceled
	errChan := make(chan error, 2)
	go func() {
		if err := eng.Run(ctx); err != nil {
			errChan <- fmt.Errorf("engine: %w", err)
			return
		}
		errChan <- nil
	}()
	go func() {
		if err := srv.Run(ctx); err != nil {
			errChan <- fmt.Errorf("server: %w", err)
			return
		}
		errChan <- nil
	}()

	var failed bool
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			failed = true
			log.Ctx(ctx).ErrorContext(ctx, "component failed", "error", err)
			// stop the sibling so the loop drains
			cancel()
		}
	}
	if failed {
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
