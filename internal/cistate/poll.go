package cistate

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/model"
)

// PollStaleBuild implements the poll-stale-build job handler of spec
// 4.2.2: query the Cirrus API for the build's current state and apply it
// with the same CAS discipline as webhook ingestion, source=poll. A build
// Cirrus denies knowledge of transitions to synthetic DELETED if its prior
// local status was pre-execution; a build we never observed locally is
// left alone (there is no local row to change).
func (e *Engine) PollStaleBuild(ctx context.Context, buildID string) error {
	build, tasks, err := e.cirrus.PollBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, cierr.ErrNotFound) {
			return e.handleUnknownBuild(ctx, buildID)
		}
		return err
	}

	if err := e.applyPolledBuildStatus(ctx, build); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.applyPolledTaskStatus(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleUnknownBuild(ctx context.Context, buildID string) error {
	existing, err := e.store.GetBuild(buildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // never observed, nothing to remove.
	}
	if err != nil {
		return err
	}

	if model.PreExecutionStatuses[existing.Status] {
		return e.applyPolledBuildStatus(ctx, model.Build{
			BuildID:    buildID,
			BranchName: existing.BranchName,
			CommitID:   existing.CommitID,
			Status:     model.StatusDeleted,
		})
	}
	return nil
}

// applyPolledBuildStatus applies a polled build observation under the same
// CAS rule as the webhook path, tagging history with source=poll.
func (e *Engine) applyPolledBuildStatus(ctx context.Context, build model.Build) error {
	var applied bool
	err := e.store.WithTx(func(tx *sqlx.Tx) error {
		existing, err := e.store.LockBuild(tx, build.BuildID)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := tx.Exec(`
				INSERT INTO build (build_id, branch_name, commit_id, status) VALUES ($1,$2,$3,$4)
				ON CONFLICT (build_id) DO NOTHING`,
				build.BuildID, build.BranchName, build.CommitID, build.Status); err != nil {
				return err
			}
			applied = true
			return e.store.AppendBuildHistory(tx, build.BuildID, build.Status, time.Now(), model.SourcePoll)
		}

		if existing.Status == build.Status {
			return nil
		}
		applied = true
		if err := e.store.SetBuildStatus(tx, build.BuildID, build.Status); err != nil {
			return err
		}
		return e.store.AppendBuildHistory(tx, build.BuildID, build.Status, time.Now(), model.SourcePoll)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return e.branchUpdate(ctx, build.BranchName, build.CommitID, build.BuildID, build.Status)
}

func (e *Engine) applyPolledTaskStatus(ctx context.Context, task model.Task) error {
	var applied bool
	err := e.store.WithTx(func(tx *sqlx.Tx) error {
		existing, err := e.store.LockTask(tx, task.TaskID)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := tx.Exec(`
				INSERT INTO task (task_id, build_id, position, task_name, commit_id, status)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (task_id) DO NOTHING`,
				task.TaskID, task.BuildID, task.Position, task.TaskName, task.CommitID, task.Status); err != nil {
				return err
			}
			applied = true
			return e.store.AppendTaskHistory(tx, task.TaskID, task.Status, time.Now(), model.SourcePoll)
		}

		if existing.Status == task.Status {
			return nil
		}
		applied = true
		if err := e.store.SetTaskStatus(tx, task.TaskID, task.Status); err != nil {
			return err
		}
		return e.store.AppendTaskHistory(tx, task.TaskID, task.Status, time.Now(), model.SourcePoll)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return e.onAcceptedTaskStatus(ctx, task.TaskID, task.Status)
}

// PollStaleBranch implements the poll-stale-branch job handler: force a
// branch past the hard 1-hour wall-clock age into timeout (idempotently,
// only from testing), per spec 4.2.2.
func (e *Engine) PollStaleBranch(ctx context.Context, branchID int64) error {
	changed, err := e.store.TimeoutStaleTestingBranches(branchID, branchTimeoutAge)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return e.store.EnqueueIfNotExists(model.JobPostBranchStatus, strconv.FormatInt(branchID, 10))
}
