// Command llmsvc runs the LLM service: provider registry, dispatch,
// response caching and usage accounting.
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

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/db"
	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/identity"
	"github.com/cloudbro-kube-ai/opshub/pkg/llm"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
)

const shutdownGrace = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "llmsvc: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadLLM()
	if err != nil {
		return err
	}
	if configFile != "" {
		if err := config.ApplyFile(configFile, cfg); err != nil {
			return err
		}
	}

	log, err := logging.New("llm-service", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, dbType, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("provider store ready", zap.String("dialect", string(dbType)))

	cipher, err := llm.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	store := llm.NewStore(database, dbType, cipher)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable at startup, response cache degraded", zap.Error(err))
	}
	cancelPing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := llm.Bootstrap(ctx, store, cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, log); err != nil {
		log.Warn("provider bootstrap failed", zap.Error(err))
	}

	bus := events.NewPublisher(cfg.KafkaBrokers, "llm-service", log)
	cache := llm.NewResponseCache(rdb, cfg.Redis.KeyPrefix, cfg.CacheTTL)
	dispatcher := llm.NewDispatcher(store, cache, bus, rdb, log)
	if cfg.OpenAIAPIKey != "" {
		dispatcher.RegisterEnvProvider(llm.TypeOpenAI, cfg.OpenAIAPIKey, "")
	}
	if cfg.AnthropicAPIKey != "" {
		dispatcher.RegisterEnvProvider(llm.TypeAnthropic, cfg.AnthropicAPIKey, "")
	}
	dispatcher.StartReload(ctx, cfg.ReloadInterval)
	maintenance := llm.StartMaintenance(ctx, store, log)

	handlers := llm.NewHandlers(store, dispatcher, bus, log)

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httperr.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"service":   "llm-service",
		})
	})
	r.Mount("/api/v1/llm", handlers.Routes())
	// The workflow surface is served by the same dispatcher.
	r.Mount("/api/v1/workflows", handlers.Routes())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("llm service listening", zap.String("addr", httpSrv.Addr))
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
	dispatcher.Stop()
	maintenance.Stop()
	if err := bus.Close(); err != nil {
		log.Warn("event producer close failed", zap.Error(err))
	}
	log.Info("llm service stopped")
	return nil
}
