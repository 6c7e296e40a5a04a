// Package worker implements the job dispatch table of spec section 4.4:
// the long-lived queue workers that drain work_queue rows by type.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/highlight"
	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
	"github.com/macdice/cfbot/internal/notify"
	"github.com/macdice/cfbot/internal/pages"
)

// Handler processes one claimed work item. A nil return deletes the row; a
// cierr.ErrTransient-classified error rolls back and leaves the row for
// lease expiry; any other error propagates out of Run so the caller can
// exit, per spec 4.4 step 4's "fatal programmer error" handling
// ("crashing the worker is acceptable — supervisor restarts it").
type Handler func(ctx context.Context, key string) error

// Dispatcher routes claimed work_queue rows to their Handler by job type.
type Dispatcher struct {
	store   *dbqueue.Store
	logger  *zap.SugaredLogger
	alerter *notify.Alerter
	table   map[model.JobType]Handler
}

// New builds a Dispatcher wired to every job type named in spec 4.4's
// dispatch table.
func New(store *dbqueue.Store, cirrusClient *cirrus.Client, cf *commitfest.Client, poster *commitfest.Poster, engine *cistate.Engine, matcher highlight.Matcher, pageGen *pages.Generator, alerter *notify.Alerter, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{store: store, logger: logger, alerter: alerter}
	j := &jobs{store: store, cirrus: cirrusClient, commitfest: cf, poster: poster, engine: engine, matcher: matcher, pages: pageGen}

	d.table = map[model.JobType]Handler{
		model.JobFetchTaskCommands:     j.fetchTaskCommands,
		model.JobFetchTaskLogs:         j.fetchTaskLogs,
		model.JobIngestTaskLogs:        j.ingestTaskLogs,
		model.JobFetchTaskArtifacts:    j.fetchTaskArtifacts,
		model.JobIngestTaskArtifacts:   j.ingestTaskArtifacts,
		model.JobRefreshHighlightPages: j.refreshHighlightPages,
		model.JobPollStaleBranch:       j.pollStaleBranch,
		model.JobPollStaleBuild:        j.pollStaleBuild,
		model.JobPostTaskStatus:        j.postTaskStatus,
		model.JobPostBranchStatus:      j.postBranchStatus,
	}
	return d
}

// Run drains claimable work until ctx is cancelled, sleeping on wakeup
// (LISTEN/NOTIFY) or the fallback poll interval between drains. It
// returns nil on clean shutdown and a non-nil error the moment any
// handler reports something other than a transient failure — the caller
// is expected to exit on that error so a process supervisor restarts it,
// per spec 4.4 step 4.
func (d *Dispatcher) Run(ctx context.Context, wakeup *dbqueue.WakeupListener, fallbackPoll time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		drained, err := d.drainOnce(ctx)
		if err != nil {
			return err
		}
		if !drained {
			wakeup.Wait(fallbackPoll)
		}
	}
}

// drainOnce claims and processes every currently-claimable row, returning
// whether anything was processed.
func (d *Dispatcher) drainOnce(ctx context.Context) (bool, error) {
	var processed bool
	for {
		item, err := d.store.ClaimNotifyingFailures(func(failed model.WorkItem) {
			key := ""
			if failed.Key != nil {
				key = *failed.Key
			}
			d.alerter.RetryExhausted(ctx, string(failed.Type), key)
		})
		if errors.Is(err, sql.ErrNoRows) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}
		processed = true
		if err := d.process(ctx, item); err != nil {
			return processed, err
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, item *model.WorkItem) error {
	start := time.Now()
	handler, ok := d.table[item.Type]
	if !ok {
		d.logger.Errorw("worker: no handler registered for job type", "type", item.Type, "id", item.ID)
		return nil
	}

	var key string
	if item.Key != nil {
		key = *item.Key
	}

	d.logger.Infow("worker: dispatching job", "type", item.Type, "key", key, "id", item.ID, "attempt", item.Retries)

	err := handler(ctx, key)
	metrics.QueueJobDuration.WithLabelValues(string(item.Type)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.QueueJobsProcessed.WithLabelValues(string(item.Type), "success").Inc()
		if derr := d.store.Done(item.ID); derr != nil {
			d.logger.Errorw("worker: failed to delete completed job row", "id", item.ID, "err", derr)
		}
		return nil
	case errors.Is(err, cierr.ErrTransient):
		metrics.QueueJobsProcessed.WithLabelValues(string(item.Type), "retry").Inc()
		d.logger.Warnw("worker: transient failure, leaving for lease expiry", "type", item.Type, "key", key, "err", err)
		return nil
	default:
		metrics.QueueJobsProcessed.WithLabelValues(string(item.Type), "fatal").Inc()
		d.logger.Errorw("worker: fatal job error, exiting", "type", item.Type, "key", key, "id", item.ID, "err", err)
		d.alerter.FatalError(ctx, string(item.Type), key, err)
		return err
	}
}
