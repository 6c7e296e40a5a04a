// Command cfbot-gc is the Daily/Hourly Tick process of spec section 2: it
// runs the garbage collection and statistics-refresh maintenance jobs of
// spec section 4.6 on fixed intervals, independent of the minute tick and
// queue workers.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/gc"
	"github.com/macdice/cfbot/pkg/logging"
)

func main() {
	logger := logging.NewLogger("cfbot-gc")
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

	refBranches, err := config.NewReferenceBranches(cfg.ReferenceBranchesFile)
	if err != nil {
		logger.Fatalf("reference branches: %v", err)
	}
	stopRefWatch, err := refBranches.Watch(logger)
	if err != nil {
		logger.Warnf("reference branches watch: %v", err)
	} else {
		defer stopRefWatch()
	}

	maintainer := gc.New(store, cfg.RetentionLargeObjectsDays, cfg.RetentionAllDays, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()

	runHourly(maintainer, refBranches, logger)
	runDaily(maintainer, logger)

	logger.Info("cfbot-gc running, hourly and daily jobs scheduled")
	for {
		select {
		case <-quit:
			logger.Info("cfbot-gc shutting down")
			return
		case <-hourly.C:
			runHourly(maintainer, refBranches, logger)
		case <-daily.C:
			runDaily(maintainer, logger)
		}
	}
}

func runHourly(m *gc.Maintainer, refBranches *config.ReferenceBranches, logger *zap.SugaredLogger) {
	if err := m.Hourly(refBranches.List()); err != nil {
		logger.Errorw("hourly statistics refresh failed", "err", err)
	}
}

func runDaily(m *gc.Maintainer, logger *zap.SugaredLogger) {
	if err := m.Daily(); err != nil {
		logger.Errorw("daily gc run failed", "err", err)
	}
}
