package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngoyal88/supplierlog/pkg/api"
	"github.com/ngoyal88/supplierlog/pkg/config"
	"github.com/ngoyal88/supplierlog/pkg/ingest"
	"github.com/ngoyal88/supplierlog/pkg/logging"
	"github.com/ngoyal88/supplierlog/pkg/middleware"
	"github.com/ngoyal88/supplierlog/pkg/query"
	"github.com/ngoyal88/supplierlog/pkg/recorder"
	"github.com/ngoyal88/supplierlog/pkg/retention"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config with hot reload
	cfgStore, err := config.LoadAndWatch(os.Getenv("SUPPLIERLOG_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgStore.Get()
	if cfg == nil {
		log.Fatal("Config could not be read")
	}
	logging.Setup(cfg.Logging)

	// 2. Open storage
	store, rdb, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	// 3. Rebuild supplier statistics from what is already stored
	agg := stats.New()
	n, err := agg.Rebuild(ctx, store)
	if err != nil {
		log.Fatalf("Failed to rebuild statistics: %v", err)
	}
	log.Infof("[main] statistics rebuilt from %d call logs", n)
	prometheus.MustRegister(stats.NewCollector(agg))

	// 4. Engine components
	rec := recorder.New(store, agg, recorder.Options{
		Environment:     cfg.Ingest.Environment,
		MaskSensitive:   cfg.Ingest.MaskSensitive,
		SensitiveFields: cfg.Ingest.SensitiveFields,
		MaxPayloadBytes: cfg.Storage.MaxPayloadBytes,
	})
	engine := query.New(store)
	mgr := retention.New(store, agg, cfgStore)

	// 5. Background workers
	if cfg.Retention.Enabled {
		go mgr.Run(ctx)
		log.Infof("[main] retention enabled: %d days, every %s", cfg.Retention.MaxAgeDays, cfg.Retention.Interval)
	}
	if cfg.Kafka.Enabled {
		go ingest.NewConsumer(cfg.Kafka, rec).Run(ctx)
		log.Infof("[main] kafka ingest enabled on topic %s", cfg.Kafka.Topic)
	}

	// 6. HTTP routes
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	logAPI := api.NewLogAPI(api.Deps{
		Store:        store,
		Query:        engine,
		Recorder:     rec,
		Stats:        agg,
		Retention:    mgr,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		IngestGuard:  middleware.NewRateLimiter(rdb, cfgStore),
	})
	logAPI.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      middleware.RequestLogger(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Start server
	go func() {
		log.Infof("[main] listening on %s (backend: %s)", cfg.Server.Port, cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("[main] graceful shutdown failed: %v", err)
	}
}
