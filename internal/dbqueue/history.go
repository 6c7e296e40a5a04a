package dbqueue

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// AppendBuildHistory appends one build_status_history row within tx,
// matching the CAS discipline's "history append produces a totally
// ordered per-entity log" guarantee of spec section 5.
func (s *Store) AppendBuildHistory(tx *sqlx.Tx, buildID string, status model.CIStatus, received time.Time, source model.EventSource) error {
	_, err := tx.Exec(`
		INSERT INTO build_status_history (entity_id, status, received, source)
		VALUES ($1, $2, $3, $4)`, buildID, status, received, source)
	return err
}

// AppendTaskHistory appends one task_status_history row within tx.
func (s *Store) AppendTaskHistory(tx *sqlx.Tx, taskID string, status model.CIStatus, received time.Time, source model.EventSource) error {
	_, err := tx.Exec(`
		INSERT INTO task_status_history (entity_id, status, received, source)
		VALUES ($1, $2, $3, $4)`, taskID, status, received, source)
	return err
}

// BuildHistory returns a build's history rows ordered by received, for
// invariant checks and statistics.
func (s *Store) BuildHistory(buildID string) ([]model.StatusHistory, error) {
	var rows []model.StatusHistory
	err := s.db.Select(&rows, `
		SELECT entity_id, status, received, source FROM build_status_history
		WHERE entity_id = $1 ORDER BY received ASC`, buildID)
	return rows, err
}

// TaskHistory returns a task's history rows ordered by received.
func (s *Store) TaskHistory(taskID string) ([]model.StatusHistory, error) {
	var rows []model.StatusHistory
	err := s.db.Select(&rows, `
		SELECT entity_id, status, received, source FROM task_status_history
		WHERE entity_id = $1 ORDER BY received ASC`, taskID)
	return rows, err
}
