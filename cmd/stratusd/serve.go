package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/stratus/pkg/lockfile"
	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/manager"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane on this host.

The data directory is locked for the lifetime of the process. Quota intents
left by a previous run are replayed before any work is accepted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Address of the metrics and health endpoint (overrides the configuration file)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("stratusd")

	lock, err := lockfile.Acquire(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release data directory lock")
		}
	}()

	mgr, err := manager.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Bootstrap(ctx); err != nil {
		_ = mgr.Stop()
		return err
	}

	metrics.SetVersion(Version)
	if err := mgr.Start(ctx, Version); err != nil {
		_ = mgr.Stop()
		return fmt.Errorf("failed to start manager: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Control plane running")
	err = g.Wait()

	if stopErr := mgr.Stop(); stopErr != nil {
		logger.Error().Err(stopErr).Msg("Failed to stop manager cleanly")
	}
	if err != nil {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
