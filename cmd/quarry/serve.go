package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/audit"
	"github.com/quarryhq/quarry/internal/metrics"
	"github.com/quarryhq/quarry/internal/reconcile"
	"github.com/quarryhq/quarry/internal/state"
	"github.com/quarryhq/quarry/internal/tracker"
	"github.com/quarryhq/quarry/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and lease sweeper",
	Long: `Start the webhook intake server and the background maintenance loops.

The server verifies event signatures, deduplicates deliveries, and
reconciles local work items and runs against host events. The sweeper
periodically releases leases whose agents died mid-attempt.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	resolver, closeResolver, err := newResolver(cfg)
	if err != nil {
		return err
	}
	if closeResolver != nil {
		defer closeResolver()
	}
	hmacSecret, err := resolver.Resolve(cfg.Webhook.SecretName)
	if err != nil {
		return fmt.Errorf("resolve webhook secret %q: %w", cfg.Webhook.SecretName, err)
	}

	m := metrics.New()
	rec := audit.NewRecorder(db)
	tr := tracker.New(db, rec, m)

	var limiter *webhook.RateLimiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		limiter = webhook.NewRateLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	server, err := webhook.NewServer(webhook.Config{
		Secret:  hmacSecret,
		DB:      db,
		Audit:   rec,
		Metrics: m,
		Handler: reconcile.New(db, tr),
		Limiter: limiter,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go maintenanceLoop(ctx, db, m, cfg.Agent.StaleLeaseAge)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("quarry listening on %s\n", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		fmt.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

// maintenanceLoop sweeps stale leases and keeps the queue depth gauge
// current.
func maintenanceLoop(ctx context.Context, db *state.DB, m *metrics.Metrics, staleAge time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if released, err := db.SweepStaleLeases(staleAge); err == nil && len(released) > 0 {
				fmt.Printf("released %d stale leases\n", len(released))
			}
			if n, err := db.CountPending(); err == nil {
				m.SetQueueDepth(n)
			}
		}
	}
}
