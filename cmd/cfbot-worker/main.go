// Command cfbot-worker is a long-lived queue worker of spec section 2:
// it drains the durable work_queue table, dispatching each claimed row by
// job type (spec section 4.4's dispatch table). Multiple instances may run
// concurrently up to CONCURRENT_QUEUE_WORKERS; each worker is independent
// once it holds a claimed row (SKIP LOCKED).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/circuit"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/highlight"
	"github.com/macdice/cfbot/internal/notify"
	"github.com/macdice/cfbot/internal/pages"
	"github.com/macdice/cfbot/internal/ratelimit"
	"github.com/macdice/cfbot/internal/worker"
	"github.com/macdice/cfbot/pkg/logging"
)

// fallbackPoll bounds how long a worker can go without a LISTEN
// notification before it re-checks the queue anyway, per spec 4.4's
// "falling back to polling".
const fallbackPoll = 30 * time.Second

func main() {
	logger := logging.NewLogger("cfbot-worker")
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

	wakeup, err := dbqueue.NewWakeupListener(cfg.DSN, logger)
	if err != nil {
		logger.Fatalf("wakeup listener: %v", err)
	}
	defer wakeup.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	breakers := circuit.NewManager(circuit.DefaultConfig())
	limiter := ratelimit.New(redisClient, cfg.SlowFetchSleep)
	cache := commitfest.NewCache(redisClient, 30*time.Second)

	cirrusClient := cirrus.New(cfg.Timeout, cfg.UserAgent, breakers, limiter)
	cf := commitfest.New(cfg.CommitfestHost, cfg.Timeout, breakers, limiter, cache, cfg.UserAgent)
	poster := commitfest.NewPoster(cfg.CommitfestPostURL, cfg.CommitfestSharedSecret, cfg.Timeout, logger)
	engine := cistate.NewEngine(store, cirrusClient, poster, logger)
	pageGen := pages.New(cfg.WebRoot, logger)
	alerter := notify.New(cfg.SlackToken, cfg.SlackChannel, logger)

	// The log-highlight pattern library is a pluggable ingestion step
	// out of scope for this repository (spec section 1); NullMatcher
	// lets the ingest jobs run end-to-end with nothing configured.
	dispatcher := worker.New(store, cirrusClient, cf, poster, engine, highlight.NullMatcher{}, pageGen, alerter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdown(logger, cancel)

	logger.Info("cfbot-worker draining work_queue")
	if err := dispatcher.Run(ctx, wakeup, fallbackPoll); err != nil {
		logger.Fatalf("worker exiting on fatal job error: %v", err)
	}
	logger.Info("cfbot-worker shut down cleanly")
}

func waitForShutdown(logger *zap.SugaredLogger, cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("cfbot-worker received shutdown signal")
	cancel()
}
