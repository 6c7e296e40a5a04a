// Command cfbot-tick is the minute-tick process of spec section 5: a
// short-lived run mutually excluded by an OS-level file lock, performing
// scheduler selection/materialisation (§4.1) and the CI stale sweepers
// (§4.2.2) before exiting.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/macdice/cfbot/internal/circuit"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/lock"
	"github.com/macdice/cfbot/internal/model"
	"github.com/macdice/cfbot/internal/pages"
	"github.com/macdice/cfbot/internal/ratelimit"
	"github.com/macdice/cfbot/internal/sandbox"
	"github.com/macdice/cfbot/internal/scheduler"
	"github.com/macdice/cfbot/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	var cacheTTL time.Duration
	flag.DurationVar(&cacheTTL, "commitfest-cache-ttl", 30*time.Second, "TTL for cached Commitfest API responses")
	flag.Parse()

	logger := logging.NewLogger("cfbot-tick")
	defer func() { _ = logger.Sync() }()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	tickLock, held, err := lock.Acquire(cfg.LockFile)
	if err != nil {
		logger.Fatalf("lock: %v", err)
	}
	if held {
		logger.Info("another cfbot-tick instance holds the lock, exiting")
		return
	}
	defer tickLock.Release()

	store, err := dbqueue.Open(cfg.DSN)
	if err != nil {
		logger.Fatalf("dbqueue: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	ignore, err := config.NewIgnoreList(cfg.IgnoreListFile)
	if err != nil {
		logger.Fatalf("ignore list: %v", err)
	}
	stopIgnoreWatch, err := ignore.Watch(logger)
	if err != nil {
		logger.Warnf("ignore list watch: %v", err)
	} else {
		defer stopIgnoreWatch()
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	breakers := circuit.NewManager(circuit.DefaultConfig())
	limiter := ratelimit.New(redisClient, cfg.SlowFetchSleep)
	cache := commitfest.NewCache(redisClient, cacheTTL)

	cf := commitfest.New(cfg.CommitfestHost, cfg.Timeout, breakers, limiter, cache, cfg.UserAgent)
	poster := commitfest.NewPoster(cfg.CommitfestPostURL, cfg.CommitfestSharedSecret, cfg.Timeout, logger)
	patchburner := sandbox.New(cfg.PatchburnerCtl)
	sched := scheduler.New(store, cf, poster, patchburner, ignore, cfg, logger)

	cirrusClient := cirrus.New(cfg.Timeout, cfg.UserAgent, breakers, limiter)
	engine := cistate.NewEngine(store, cirrusClient, poster, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()

	if err := sched.Tick(ctx); err != nil {
		logger.Errorw("scheduler tick failed, continuing to sweepers", "err", err)
	}

	if err := engine.CheckStaleBranches(); err != nil {
		logger.Errorw("check_stale_branches failed", "err", err)
	}
	branches := refBranches.List()
	if err := engine.CheckStaleBuilds(branches); err != nil {
		logger.Errorw("check_stale_builds failed", "err", err)
	}
	if err := engine.CheckStaleTasks(branches); err != nil {
		logger.Errorw("check_stale_tasks failed", "err", err)
	}

	pageGen := pages.New(cfg.WebRoot, logger)
	if err := regeneratePages(ctx, store, cf, pageGen, logger); err != nil {
		logger.Errorw("status page regeneration failed", "err", err)
	}

	logger.Info("cfbot-tick complete")
}

// regeneratePages rebuilds the overview, next-commitfest, and per-author
// status pages of spec section 2 ("regenerates status pages"). The minute
// tick tolerates transient network errors on any step, so a failure here
// is logged and swallowed by the caller rather than aborting the tick.
func regeneratePages(ctx context.Context, store *dbqueue.Store, cf *commitfest.Client, pageGen *pages.Generator, logger *zap.SugaredLogger) error {
	commitfestIDs, err := cf.NeedsCICommitfests(ctx)
	if err != nil {
		return err
	}
	if len(commitfestIDs) == 0 {
		return nil
	}

	subs, err := store.ListSubmissions(commitfestIDs)
	if err != nil {
		return err
	}
	latest, err := store.LatestBranchPerSubmission(commitfestIDs)
	if err != nil {
		return err
	}

	if err := pageGen.RenderIndex(subs, latest); err != nil {
		return err
	}

	// The "next" page covers the most recently opened commitfest in the
	// active set, a proxy for the upcoming one (spec leaves the exact
	// notion of "next" to the Commitfest app, out of scope here).
	nextID := commitfestIDs[0]
	for _, id := range commitfestIDs {
		if id > nextID {
			nextID = id
		}
	}
	var nextSubs []model.Submission
	for _, sub := range subs {
		if sub.CommitfestID == nextID {
			nextSubs = append(nextSubs, sub)
		}
	}
	if err := pageGen.RenderNext(nextSubs, latest); err != nil {
		return err
	}

	authors := make(map[string][]model.Submission)
	var order []string
	for _, sub := range subs {
		for _, a := range sub.Authors {
			if _, ok := authors[a]; !ok {
				order = append(order, a)
			}
			authors[a] = append(authors[a], sub)
		}
	}
	for _, author := range order {
		if err := pageGen.RenderAuthor(author, authors[author], latest); err != nil {
			return err
		}
	}
	return nil
}
