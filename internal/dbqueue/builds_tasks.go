package dbqueue

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// InsertBuildIfAbsent implements the "created" half of build webhook
// ingestion (spec 4.2, ON CONFLICT DO NOTHING). Returns whether the insert
// happened so the caller can decide whether to append history or log an
// out-of-sync drop.
func (s *Store) InsertBuildIfAbsent(b model.Build) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO build (build_id, branch_name, commit_id, status)
		VALUES ($1, $2, $3, $4) ON CONFLICT (build_id) DO NOTHING`,
		b.BuildID, b.BranchName, b.CommitID, b.Status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LockBuild locks a build row for update within tx, used by the CAS
// discipline of spec 4.2.
func (s *Store) LockBuild(tx *sqlx.Tx, buildID string) (*model.Build, error) {
	var b model.Build
	err := tx.Get(&b, `SELECT * FROM build WHERE build_id = $1 FOR UPDATE`, buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// SetBuildStatus applies an accepted transition within tx.
func (s *Store) SetBuildStatus(tx *sqlx.Tx, buildID string, status model.CIStatus) error {
	_, err := tx.Exec(`UPDATE build SET status = $2, modified = now() WHERE build_id = $1`, buildID, status)
	return err
}

// InsertTaskIfAbsent mirrors InsertBuildIfAbsent for tasks.
func (s *Store) InsertTaskIfAbsent(t model.Task) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO task (task_id, build_id, position, task_name, commit_id, status)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (task_id) DO NOTHING`,
		t.TaskID, t.BuildID, t.Position, t.TaskName, t.CommitID, t.Status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LockTask locks a task row for update within tx.
func (s *Store) LockTask(tx *sqlx.Tx, taskID string) (*model.Task, error) {
	var t model.Task
	err := tx.Get(&t, `SELECT * FROM task WHERE task_id = $1 FOR UPDATE`, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// SetTaskStatus applies an accepted transition within tx.
func (s *Store) SetTaskStatus(tx *sqlx.Tx, taskID string, status model.CIStatus) error {
	_, err := tx.Exec(`UPDATE task SET status = $2, modified = now() WHERE task_id = $1`, taskID, status)
	return err
}

// GetBuild fetches a build row outside of any transaction (used by stale
// sweepers and page generation, which only read).
func (s *Store) GetBuild(buildID string) (*model.Build, error) {
	var b model.Build
	if err := s.db.Get(&b, `SELECT * FROM build WHERE build_id = $1`, buildID); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetTask fetches a task row outside of any transaction, used by
// post-task-status (spec 4.5) to build the callback payload.
func (s *Store) GetTask(taskID string) (*model.Task, error) {
	var t model.Task
	if err := s.db.Get(&t, `SELECT * FROM task WHERE task_id = $1`, taskID); err != nil {
		return nil, err
	}
	return &t, nil
}

// TasksForBuild lists every task belonging to a build, ordered by position.
func (s *Store) TasksForBuild(buildID string) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.Select(&tasks, `SELECT * FROM task WHERE build_id = $1 ORDER BY position ASC`, buildID)
	return tasks, err
}

// RunningBuilds returns every build in a non-final status, for
// check_stale_builds (spec 4.2.2) to evaluate against its per-reference-
// branch avg+3*stddev threshold.
func (s *Store) RunningBuilds() ([]model.Build, error) {
	var builds []model.Build
	err := s.db.Select(&builds, `
		SELECT * FROM build
		WHERE status IN ('CREATED','TRIGGERED','SCHEDULED','EXECUTING','PAUSED')`)
	return builds, err
}

// RunningTasksWithHistory returns every non-final task, for
// check_stale_tasks (spec 4.2.2). No status_history timestamp is read.
func (s *Store) RunningTasksWithHistory() ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.Select(&tasks, `
		SELECT * FROM task
		WHERE status IN ('CREATED','TRIGGERED','SCHEDULED','EXECUTING','PAUSED')`)
	return tasks, err
}

// TaskElapsed is one row of RunningTasksElapsed: a non-final task, the
// branch its parent build ran on, and the seconds elapsed since its most
// recent history row (spec 4.2.2's "task elapsed between its history
// rows").
type TaskElapsed struct {
	TaskID         string       `db:"task_id"`
	BuildID        string       `db:"build_id"`
	BranchName     string       `db:"branch_name"`
	TaskName       string       `db:"task_name"`
	Status         model.CIStatus `db:"status"`
	ElapsedSeconds float64      `db:"elapsed_seconds"`
}

// RunningTasksElapsed implements check_stale_tasks's data source (spec
// 4.2.2): every non-final task, its parent build's branch, and the time
// since its most recent status_history row (falling back to the task's
// created timestamp if it has no history yet).
func (s *Store) RunningTasksElapsed() ([]TaskElapsed, error) {
	var rows []TaskElapsed
	err := s.db.Select(&rows, `
		SELECT t.task_id, t.build_id, b.branch_name, t.task_name, t.status,
			extract(epoch FROM now() - coalesce(h.last_received, t.created)) AS elapsed_seconds
		FROM task t
		JOIN build b ON b.build_id = t.build_id
		LEFT JOIN LATERAL (
			SELECT max(received) AS last_received FROM task_status_history
			WHERE entity_id = t.task_id
		) h ON true
		WHERE t.status IN ('CREATED','TRIGGERED','SCHEDULED','EXECUTING','PAUSED')`)
	return rows, err
}
