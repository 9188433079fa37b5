// Command devicesvc runs the device management service: catalog facade,
// connection probing, heartbeat pipeline and metrics forwarding.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/catalog"
	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/devices"
	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
	"github.com/cloudbro-kube-ai/opshub/pkg/probe"
)

const shutdownGrace = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "devicesvc: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadDevice()
	if err != nil {
		return err
	}
	if configFile != "" {
		if err := config.ApplyFile(configFile, cfg); err != nil {
			return err
		}
	}

	log, err := logging.New("device-service", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable at startup, live status degraded", zap.Error(err))
	}
	cancelPing()

	store := catalog.New(cfg.StorageServiceURL, log)
	live := devices.NewLiveStore(rdb, cfg.Redis.KeyPrefix)
	engine := probe.NewEngine(cfg.ProbeConcurrency, log)
	bus := events.NewPublisher(cfg.KafkaBrokers, "device-service", log)
	sink := devices.NewMetricsSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, log)

	registry := devices.NewRegistry(store, live, engine, bus, sink, log)
	handlers := devices.NewHandlers(registry, log)

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httperr.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"service":   "device-service",
		})
	})
	r.Mount("/api/v1/devices", handlers.Routes())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("device service listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("grace", shutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http drain incomplete", zap.Error(err))
	}
	if err := bus.Close(); err != nil {
		log.Warn("event producer close failed", zap.Error(err))
	}
	sink.Close()
	log.Info("device service stopped")
	return nil
}
