package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/client"
	"github.com/statlake/statlake/pkg/config"
	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/export"
	"github.com/statlake/statlake/pkg/ingest"
	"github.com/statlake/statlake/pkg/lifecycle"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/rollup"
	"github.com/statlake/statlake/pkg/schedule"
	"github.com/statlake/statlake/pkg/storage/badger"
	"github.com/statlake/statlake/pkg/worker"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	gcDiscardRatio     = 0.5
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	log.Println("starting statlake server...")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := badger.New(storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	log.Printf("event store ready at %s", filepath.Join(cfg.DataDir, "events"))

	cat, err := catalog.Open(catalogPath(cfg))
	if err != nil {
		return err
	}
	defer cat.Close()

	defs := rollup.Shipped()
	migrations := append(catalog.BaseMigrations(), rollup.Migrations(defs)...)
	if err := cat.RequireCurrent(context.Background(), migrations); err != nil {
		return err
	}

	lcCfg := lifecycle.Config{
		CompressAfter: cfg.Lifecycle.CompressAfter.Std(),
		RetainFor:     cfg.Lifecycle.RetainFor.Std(),
	}
	if err := lcCfg.Validate(maxLookback(defs)); err != nil {
		return fmt.Errorf("lifecycle config: %w", err)
	}

	metrics := obs.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// Live tail hub.
	hub := ingest.NewEventHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	// Self-telemetry: the server tracks its own request traffic through
	// the same producer/worker path remote services use, flushed
	// straight into the local store.
	producer := client.New(client.Config{
		Service:       cfg.Service,
		Environment:   cfg.Environment,
		QueueCapacity: cfg.Queue.Capacity,
	}, metrics)
	selfWorker := worker.New(producer.Events(), &worker.StoreSink{Store: store}, worker.Config{
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval.Std(),
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryBackoff:  cfg.Queue.RetryBackoff.Std(),
	}, metrics)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := selfWorker.Run(workerCtx); err != nil {
			log.Printf("self-telemetry worker: %v", err)
		}
	}()

	engine := rollup.NewEngine(store, cat, metrics)
	manager := lifecycle.NewManager(store, cat, lcCfg, metrics)

	scheduler := schedule.New()
	if cfg.Rollup.Disabled {
		log.Println("rollup refresh disabled by config")
	} else {
		for _, def := range defs {
			def := def
			scheduler.Add(schedule.Job{
				Name:       "rollup_" + def.Name,
				Interval:   def.Interval,
				RunOnStart: true,
				Fn: func(ctx context.Context) error {
					return engine.Refresh(ctx, def)
				},
			})
		}
	}
	sweepEvery := cfg.Lifecycle.SweepInterval.Std()
	if sweepEvery <= 0 {
		sweepEvery = config.DefaultSweepInterval
	}
	gcEvery := cfg.Store.GCInterval.Std()
	if gcEvery <= 0 {
		gcEvery = config.DefaultGCInterval
	}
	scheduler.Add(schedule.Job{
		Name:     "lifecycle_sweep",
		Interval: sweepEvery,
		Fn:       manager.Sweep,
	})
	scheduler.Add(schedule.Job{
		Name:     "store_gc",
		Interval: gcEvery,
		Fn: func(ctx context.Context) error {
			return store.RunGC(gcDiscardRatio)
		},
	})
	scheduler.Start(ctx)
	log.Printf("scheduler running: %d rollup definitions, lifecycle sweep every %v",
		len(defs), sweepEvery)

	handler := ingest.NewHandler(store, cat, metrics, hub)
	handler.SetRollups(engine, defs)

	router := mux.NewRouter()
	router.Use(trackRequests(producer))
	handler.Routes(router)
	export.NewHandler(store).Routes(router)
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	go func() {
		log.Printf("http server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	// Order matters: stop accepting new events, drain the producer
	// queue through the worker, then stop the periodic jobs and hub.
	producer.Close()
	stopWorker()
	scheduler.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("some background tasks did not stop in time, forcing exit")
	}

	if dropped := producer.Dropped(); dropped > 0 {
		log.Printf("producer dropped %d events over this run", dropped)
	}
	log.Println("statlake server exited")
	return nil
}

func storeConfig(cfg config.Config) badger.Config {
	return badger.Config{
		Path:        filepath.Join(cfg.DataDir, "events"),
		InMemory:    cfg.Store.InMemory,
		MaxMemoryMB: int64(cfg.Store.MaxMemoryMB),
	}
}

func catalogPath(cfg config.Config) string {
	if v := os.Getenv("STATLAKE_CATALOG"); v != "" {
		return v
	}
	return filepath.Join(cfg.DataDir, "catalog.db")
}

func maxLookback(defs []rollup.Definition) time.Duration {
	var max time.Duration
	for _, d := range defs {
		if d.StartOffset > max {
			max = d.StartOffset
		}
	}
	return max
}

// trackRequests records every API call as an api_request event via the
// in-process producer.
func trackRequests(producer *client.Client) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			producer.Track(event.APIRequest("statlake", r.URL.Path, r.Method, rec.status,
				time.Since(start).Milliseconds(), nil))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

var startTime = time.Now()

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": "healthy",
		"uptime": time.Since(startTime).String(),
	}); err != nil {
		log.Printf("failed to encode health response: %v", err)
	}
}
