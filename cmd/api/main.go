package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/ledgerhooks/internal/account"
	"github.com/punchamoorthee/ledgerhooks/internal/api"
	"github.com/punchamoorthee/ledgerhooks/internal/config"
	"github.com/punchamoorthee/ledgerhooks/internal/ledger"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"github.com/punchamoorthee/ledgerhooks/internal/webhook"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	accounts := account.NewService(db, collector, log)
	engine := ledger.NewEngine(db, collector, log)
	whRegistry := webhook.NewRegistry(db, log)

	dispatcher := webhook.NewDispatcher(db, collector, log, webhook.Options{
		Client:      &http.Client{Timeout: cfg.WebhookTimeout},
		Backoff:     cfg.RetryBackoff,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Workers:     cfg.DispatchWorkers,
		QueueSize:   cfg.DispatchQueueSize,
	})
	dispatcher.Start()

	scheduler := webhook.NewScheduler(db, dispatcher, log, cfg.RetryInterval)
	if err := scheduler.Start(); err != nil {
		log.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(accounts, engine, whRegistry, dispatcher, collector, log)
	router := api.NewRouter(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-stop.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	// Stop scheduling new sweeps, then drain the outbound queue. Anything
	// still in flight at process exit is recovered by the next sweep via the
	// durable delivery intent rows.
	scheduler.Stop()
	dispatcher.Close()
	log.Info("shutdown complete")
}
