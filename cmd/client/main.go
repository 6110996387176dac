package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"threadsync/internal/client/app"
	"threadsync/internal/client/config"
	"threadsync/internal/logging"
)

// Runs the sync engine headless: local cache and storage stay warm, the
// transaction queue drains, subscriptions invalidate. Embedding
// applications use internal/client/app directly.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cfg := config.LoadConfig()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	env, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer env.Close()

	if err := env.Start(ctx); err != nil {
		log.Fatalf("%v", err)
	}

	<-ctx.Done()
}
