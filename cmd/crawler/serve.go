// cmd/crawler/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"workflow-crawler/internal/api"
	"workflow-crawler/internal/config"
	"workflow-crawler/internal/database"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve crawl progress and results over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, closeLog := newLogger(cfg)
			defer closeLog()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	config.RegisterServeFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 1. Initialize database connection and run migrations
	db, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(db.Queries(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 2. Start the API server in a separate goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", cfg.ListenAddr, "dialect", db.Dialect().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 3. Wait for shutdown signal
	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping API server")
	// Allow in-flight requests to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
