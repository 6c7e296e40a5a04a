// Package cistate is the CI state machine of spec section 4.2: webhook
// ingestion CAS discipline, Branch Update, the stale sweepers, and Backoff
// Compute.
package cistate

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
)

// Engine applies webhook events and poll results to local build/task/branch
// state under the CAS discipline of spec section 4.2, and drives the
// sweepers of 4.2.2 and the backoff computation of 4.2.3.
type Engine struct {
	store  *dbqueue.Store
	cirrus *cirrus.Client
	poster *commitfest.Poster
	logger *zap.SugaredLogger
}

// NewEngine creates an Engine.
func NewEngine(store *dbqueue.Store, cirrusClient *cirrus.Client, poster *commitfest.Poster, logger *zap.SugaredLogger) *Engine {
	return &Engine{store: store, cirrus: cirrusClient, poster: poster, logger: logger}
}

// BuildEvent is the build half of a webhook payload (spec section 6).
type BuildEvent struct {
	Action   string // "created" or "updated"
	BuildID  string
	Status   model.CIStatus
	OldStatus model.CIStatus
	Branch   string
	CommitID string
}

// TaskEvent is the task half of a webhook payload.
type TaskEvent struct {
	Action          string
	TaskID          string
	BuildID         string
	TaskName        string
	Status          model.CIStatus
	OldStatus       model.CIStatus
	LocalGroupID    int
	StatusTimestamp time.Time
}

// ApplyBuildEvent implements the build webhook ingestion protocol of spec
// 4.2.
func (e *Engine) ApplyBuildEvent(ctx context.Context, ev BuildEvent) error {
	switch ev.Action {
	case "created":
		return e.applyBuildCreated(ctx, ev)
	case "updated":
		return e.applyBuildUpdated(ctx, ev)
	default:
		return cierr.DataViolation(nil)
	}
}

func (e *Engine) applyBuildCreated(ctx context.Context, ev BuildEvent) error {
	inserted, err := e.store.InsertBuildIfAbsent(model.Build{
		BuildID:    ev.BuildID,
		BranchName: ev.Branch,
		CommitID:   ev.CommitID,
		Status:     ev.Status,
	})
	if err != nil {
		return err
	}

	if !inserted {
		e.logger.Infow("build created webhook out of sync, dropping", "build_id", ev.BuildID)
		metrics.CIWebhooksDropped.WithLabelValues("build", "already_exists").Inc()
		return nil
	}

	metrics.CIWebhooksAccepted.WithLabelValues("build").Inc()
	now := time.Now()
	err = e.store.WithTx(func(tx *sqlx.Tx) error {
		return e.store.AppendBuildHistory(tx, ev.BuildID, ev.Status, now, model.SourceWebhook)
	})
	if err != nil {
		return err
	}

	return e.branchUpdate(ctx, ev.Branch, ev.CommitID, ev.BuildID, ev.Status)
}

func (e *Engine) applyBuildUpdated(ctx context.Context, ev BuildEvent) error {
	var applied bool
	err := e.store.WithTx(func(tx *sqlx.Tx) error {
		existing, err := e.store.LockBuild(tx, ev.BuildID)
		if err != nil {
			return err
		}
		if existing == nil {
			// Never observed this build: the webhook arrived before our
			// "created" event, or we lost it. Poll to reconcile.
			return e.enqueuePollStaleBuild(tx, ev.BuildID)
		}

		switch {
		case existing.Status == ev.Status:
			// Idempotent replay.
			return nil
		case existing.Status == ev.OldStatus:
			applied = true
		case ev.Status == model.StatusExecuting && model.PreExecutionStatuses[existing.Status] && model.PreExecutionStatuses[ev.OldStatus]:
			// Dropped intermediate webhooks between two pre-execution
			// statuses and EXECUTING: treat as a legitimate fast-forward.
			applied = true
		default:
			metrics.CIWebhooksDropped.WithLabelValues("build", "out_of_sync").Inc()
			return e.enqueuePollStaleBuild(tx, ev.BuildID)
		}

		if err := e.store.SetBuildStatus(tx, ev.BuildID, ev.Status); err != nil {
			return err
		}
		return e.store.AppendBuildHistory(tx, ev.BuildID, ev.Status, time.Now(), model.SourceWebhook)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}
	metrics.CIWebhooksAccepted.WithLabelValues("build").Inc()
	return e.branchUpdate(ctx, ev.Branch, ev.CommitID, ev.BuildID, ev.Status)
}

// ApplyTaskEvent implements the task webhook ingestion protocol of spec
// 4.2.
func (e *Engine) ApplyTaskEvent(ctx context.Context, ev TaskEvent) error {
	switch ev.Action {
	case "created":
		return e.applyTaskCreated(ctx, ev)
	case "updated":
		return e.applyTaskUpdated(ctx, ev)
	default:
		return cierr.DataViolation(nil)
	}
}

func (e *Engine) applyTaskCreated(ctx context.Context, ev TaskEvent) error {
	var commitID string
	var buildFound bool
	err := e.store.WithTx(func(tx *sqlx.Tx) error {
		build, err := e.store.LockBuild(tx, ev.BuildID)
		if err != nil {
			return err
		}
		if build == nil {
			return e.enqueuePollStaleBuild(tx, ev.BuildID)
		}
		buildFound = true
		commitID = build.CommitID
		return nil
	})
	if err != nil {
		return err
	}
	if !buildFound {
		return nil
	}

	ok, err := e.store.InsertTaskIfAbsent(model.Task{
		TaskID:   ev.TaskID,
		BuildID:  ev.BuildID,
		Position: ev.LocalGroupID + 1,
		TaskName: ev.TaskName,
		CommitID: commitID,
		Status:   ev.Status,
	})
	if err != nil {
		return err
	}
	if !ok {
		metrics.CIWebhooksDropped.WithLabelValues("task", "already_exists").Inc()
		return nil
	}

	metrics.CIWebhooksAccepted.WithLabelValues("task").Inc()
	received := ev.StatusTimestamp
	if received.IsZero() {
		received = time.Now()
	}
	if err := e.store.WithTx(func(tx *sqlx.Tx) error {
		return e.store.AppendTaskHistory(tx, ev.TaskID, ev.Status, received, model.SourceWebhook)
	}); err != nil {
		return err
	}

	return e.onAcceptedTaskStatus(ctx, ev.TaskID, ev.Status)
}

func (e *Engine) applyTaskUpdated(ctx context.Context, ev TaskEvent) error {
	var applied bool
	err := e.store.WithTx(func(tx *sqlx.Tx) error {
		existing, err := e.store.LockTask(tx, ev.TaskID)
		if err != nil {
			return err
		}
		if existing == nil {
			return e.enqueuePollStaleBuild(tx, ev.BuildID)
		}

		switch {
		case existing.Status == ev.Status:
			return nil
		case existing.Status == ev.OldStatus:
			applied = true
		default:
			metrics.CIWebhooksDropped.WithLabelValues("task", "out_of_sync").Inc()
			return e.enqueuePollStaleBuild(tx, ev.BuildID)
		}

		if err := e.store.SetTaskStatus(tx, ev.TaskID, ev.Status); err != nil {
			return err
		}
		received := ev.StatusTimestamp
		if received.IsZero() {
			received = time.Now()
		}
		return e.store.AppendTaskHistory(tx, ev.TaskID, ev.Status, received, model.SourceWebhook)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	metrics.CIWebhooksAccepted.WithLabelValues("task").Inc()
	return e.onAcceptedTaskStatus(ctx, ev.TaskID, ev.Status)
}

// onAcceptedTaskStatus implements the shared tail of both task webhook
// paths: enqueue post-task-status when the new status is one the
// Commitfest app cares about, and fetch-task-commands when the task has
// reached a final status.
func (e *Engine) onAcceptedTaskStatus(ctx context.Context, taskID string, status model.CIStatus) error {
	if model.PostTaskStatuses[status] {
		if err := e.store.EnqueueIfNotExists(model.JobPostTaskStatus, taskID); err != nil {
			return err
		}
	}
	if model.IsFinal(status) {
		if err := e.store.EnqueueIfNotExists(model.JobFetchTaskCommands, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueuePollStaleBuild(tx *sqlx.Tx, buildID string) error {
	_, err := tx.Exec(`
		INSERT INTO work_queue (type, key, status)
		SELECT $1, $2, 'NEW'
		WHERE NOT EXISTS (
			SELECT 1 FROM work_queue WHERE type = $1 AND key = $2 AND status = 'NEW')`,
		model.JobPollStaleBuild, buildID)
	if err != nil {
		return err
	}
	metrics.CIStaleSweepsEnqueued.WithLabelValues("webhook-reconcile").Inc()
	return nil
}
