package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nodeident/pkg/bus"
	"nodeident/pkg/db"
	gos3 "nodeident/pkg/s3"
	"nodeident/pkg/signing"
	"nodeident/pkg/telemetry"
	"nodeident/services/hostbrowser"
	"nodeident/services/hostbrowser/internal/config"
	"nodeident/services/inventory"
)

func main() {
	if err := run("host-browser"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := hostbrowser.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var (
		publisher hostbrowser.Publisher
		b         *bus.Bus
	)
	if cfg.Bus.URL != "" {
		b, err = bus.New(cfg.Bus.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(bus.StreamInventory, bus.SubjectInventoryReported); err != nil {
			return err
		}
		publisher = b
	}

	var (
		archiver *hostbrowser.Archiver
		s3Client *gos3.Client
	)
	if cfg.Archive.Bucket != "" {
		s3Client, err = gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		signer, err := signing.FromEnv()
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		if signer == nil {
			logger.Printf("WARN %s is not set; archived snapshots will not be signed", signing.SecretKeyEnv)
		}
		archiver, err = hostbrowser.NewArchiver(s3Client, cfg.Archive.Bucket, cfg.Archive.Prefix, signer)
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
	}

	mux := http.NewServeMux()

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = db.Open(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()

		if cfg.Database.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		store, err := inventory.NewStore(pool)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}

		ingestor, err := inventory.NewIngestor(store, b, logger)
		if err != nil {
			return fmt.Errorf("init ingestor: %w", err)
		}
		if err := ingestor.Start(ctx); err != nil {
			return fmt.Errorf("start ingestor: %w", err)
		}
		defer ingestor.Close()

		var presigner inventory.Presigner
		if s3Client != nil {
			presigner = s3Client
		}
		api, err := inventory.NewAPI(store, presigner, inventory.APIConfig{ArchiveBucket: cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("init inventory api: %w", err)
		}
		routes, err := api.Routes()
		if err != nil {
			return fmt.Errorf("inventory routes: %w", err)
		}
		mux.Handle("/v1/", routes)
	}

	var collectorReady atomic.Bool
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !collectorReady.Load() {
			http.Error(w, "collector not ready", http.StatusServiceUnavailable)
			return
		}
		if pool != nil {
			if err := db.Ping(r.Context(), pool); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	errCh := make(chan error, 2)

	pipeline := hostbrowser.NewPipeline(archiver, publisher, logger)
	collector := hostbrowser.NewServer(cfg.Collector, pipeline, metrics, logger)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		if err := collector.Run(ctx, &collectorReady); err != nil {
			errCh <- fmt.Errorf("collector: %w", err)
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// Deferred closes of the bus, pool and archive must not run while a
	// session is still delivering.
	select {
	case err := <-errCh:
		stop()
		<-collectorDone
		return err
	case <-ctx.Done():
		<-collectorDone
		return nil
	}
}
