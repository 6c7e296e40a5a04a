package dbqueue

import (
	"github.com/macdice/cfbot/internal/model"
)

// RefreshBuildStatusStatistics fully recomputes build_status_statistics
// from build_status_history, restricted to reference branches with a
// COMPLETED final status, per spec 4.6's hourly job.
func (s *Store) RefreshBuildStatusStatistics(referenceBranches []string) error {
	_, err := s.db.Exec(`DELETE FROM build_status_statistics`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO build_status_statistics (branch_name, status, avg_elapsed, stddev_elapsed, n)
		SELECT b.branch_name, h.status,
			avg(extract(epoch FROM h.received - b.created)),
			coalesce(stddev_pop(extract(epoch FROM h.received - b.created)), 0),
			count(*)
		FROM build_status_history h
		JOIN build b ON b.build_id = h.entity_id
		WHERE b.branch_name = ANY($1) AND b.status = 'COMPLETED'
		GROUP BY b.branch_name, h.status`, referenceBranches)
	return err
}

// RefreshTaskStatusStatistics fully recomputes task_status_statistics,
// restricted to tasks of reference-branch COMPLETED builds.
func (s *Store) RefreshTaskStatusStatistics(referenceBranches []string) error {
	_, err := s.db.Exec(`DELETE FROM task_status_statistics`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO task_status_statistics (branch_name, task_name, status, avg_elapsed, stddev_elapsed, n)
		SELECT b.branch_name, t.task_name, h.status,
			avg(extract(epoch FROM h.received - t.created)),
			coalesce(stddev_pop(extract(epoch FROM h.received - t.created)), 0),
			count(*)
		FROM task_status_history h
		JOIN task t ON t.task_id = h.entity_id
		JOIN build b ON b.build_id = t.build_id
		WHERE b.branch_name = ANY($1) AND b.status = 'COMPLETED'
		GROUP BY b.branch_name, t.task_name, h.status`, referenceBranches)
	return err
}

// BuildThreshold returns the avg+3*stddev elapsed-time threshold for a
// (referenceBranch, status) pair, falling back to 30 minutes when no
// statistic exists yet (spec 4.2.2).
func (s *Store) BuildThreshold(referenceBranch string, status model.CIStatus) float64 {
	const fallbackSeconds = 30 * 60
	var stat model.StatusStatistic
	err := s.db.Get(&stat, `
		SELECT * FROM build_status_statistics WHERE branch_name = $1 AND status = $2`, referenceBranch, status)
	if err != nil || stat.N < 2 {
		return fallbackSeconds
	}
	return stat.AvgElapsed + 3*stat.StddevElapsed
}

// TaskThreshold is BuildThreshold's task-level equivalent.
func (s *Store) TaskThreshold(referenceBranch, taskName string, status model.CIStatus) float64 {
	const fallbackSeconds = 30 * 60
	var stat model.StatusStatistic
	err := s.db.Get(&stat, `
		SELECT * FROM task_status_statistics WHERE branch_name = $1 AND task_name = $2 AND status = $3`,
		referenceBranch, taskName, status)
	if err != nil || stat.N < 2 {
		return fallbackSeconds
	}
	return stat.AvgElapsed + 3*stat.StddevElapsed
}
