// Command gateway runs the platform edge: authentication, rate limiting,
// reverse proxying and the realtime hub.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/catalog"
	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/events"
	"github.com/cloudbro-kube-ai/opshub/pkg/gateway"
	"github.com/cloudbro-kube-ai/opshub/pkg/health"
	"github.com/cloudbro-kube-ai/opshub/pkg/logging"
	"github.com/cloudbro-kube-ai/opshub/pkg/proxy"
	"github.com/cloudbro-kube-ai/opshub/pkg/ratelimit"
	"github.com/cloudbro-kube-ai/opshub/pkg/realtime"
	"github.com/cloudbro-kube-ai/opshub/pkg/session"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

const shutdownGrace = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	if configFile != "" {
		if err := config.ApplyFile(configFile, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := logging.New("api-gateway", cfg.LogLevel)
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
		// Rate limiting fails open and sessions degrade; startup proceeds.
		log.Warn("redis unreachable at startup", zap.Error(err))
	}
	cancelPing()

	users := catalog.New(cfg.StorageServiceURL, log)
	sessions := session.New(rdb, cfg.Redis.KeyPrefix)

	tokens, err := token.NewService(token.Config{
		AccessSecret:   []byte(cfg.JWT.AccessSecret),
		RefreshSecret:  []byte(cfg.JWT.RefreshSecret),
		AccessExpires:  cfg.JWT.AccessExpires,
		RefreshExpires: cfg.JWT.RefreshExpires,
		Issuer:         cfg.JWT.Issuer,
	}, users, sessions, log)
	if err != nil {
		return err
	}

	px, err := proxy.New(cfg.Upstreams, log)
	if err != nil {
		return err
	}

	checks := health.New()
	checks.Register("Redis", "redis", func(ctx context.Context) (map[string]any, error) {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return map[string]any{"addr": cfg.Redis.Addr()}, nil
	})
	for svc, base := range cfg.Upstreams {
		checks.Register(svc, svc, health.HTTPChecker(nil, base+"/health"))
	}

	hub := realtime.NewHub(log)
	srv := gateway.NewServer(cfg, tokens, ratelimit.New(rdb, cfg.Redis.KeyPrefix, log), px, hub, checks, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := events.NewConsumer(cfg.KafkaBrokers, "gateway-realtime", log)
	consumer.Start(ctx, realtime.FanInTopics, realtime.FanIn(hub, log))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", httpSrv.Addr), zap.String("version", gateway.Version))
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
	hub.Shutdown(shutdownCtx)
	consumer.Stop()
	log.Info("gateway stopped")
	return nil
}
