// Package server wires the authoritative side together: config, logging,
// the postgres record store, the subscription hub and the HTTP API, with
// graceful shutdown on the usual signals.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"threadsync/internal/logging"
	"threadsync/internal/server/api"
	"threadsync/internal/server/blob"
	"threadsync/internal/server/config"
	"threadsync/internal/server/database"
	"threadsync/internal/server/pubsub"
	"threadsync/internal/server/users"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config *config.Config
	logger logging.Logger
	db     *database.Database
	api    *api.Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := database.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	hub := pubsub.NewHub(logger)
	accounts := users.NewService(db, cfg)
	signer := blob.NewPresigner(cfg)

	return &App{
		config: cfg,
		logger: logger,
		db:     db,
		api:    api.New(db, accounts, hub, signer, cfg, logger),
	}, nil
}

// Run serves until ctx is cancelled or a termination signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	srv := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: app.api.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info(ctx, "starting server", "addr", app.config.EndpointAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		app.logger.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return app.db.Close()
	})

	return g.Wait()
}
