// Command cfbot-webhook serves the two inbound HTTP endpoints of spec
// section 6: the Cirrus CI webhook receiver and the requeue-patch operator
// escape hatch. It is the one component spec section 5 allows to serve
// concurrent requests, each in its own transaction.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macdice/cfbot/internal/circuit"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/ratelimit"
	"github.com/macdice/cfbot/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/macdice/cfbot/pkg/logging"
)

func main() {
	logger := logging.NewLogger("cfbot-webhook")
	defer func() { _ = logger.Sync() }()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	store, err := dbqueue.Open(cfg.DSN)
	if err != nil {
		logger.Fatalf("dbqueue: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	breakers := circuit.NewManager(circuit.DefaultConfig())
	limiter := ratelimit.New(redisClient, cfg.SlowFetchSleep)

	cirrusClient := cirrus.New(cfg.Timeout, cfg.UserAgent, breakers, limiter)
	poster := commitfest.NewPoster(cfg.CommitfestPostURL, cfg.CommitfestSharedSecret, cfg.Timeout, logger)
	engine := cistate.NewEngine(store, cirrusClient, poster, logger)

	handler := webhook.NewHandler(store, engine, cfg.CommitfestSharedSecret, logger)

	server := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  2 * time.Minute,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("webhook server: %v", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()

	logger.Infof("cfbot-webhook listening on %s (metrics on %s)", cfg.WebhookAddr, cfg.MetricsAddr)

	waitForShutdown(logger)
}

func waitForShutdown(logger *zap.SugaredLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("cfbot-webhook shutting down")
}
