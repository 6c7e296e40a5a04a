package dbqueue

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// NullLargeObjects nulls out artifact.body and task_command.log older than
// retentionLarge days, per spec 4.6's daily job (first step).
func (s *Store) NullLargeObjects(retentionLarge time.Duration) error {
	cutoff := time.Now().Add(-retentionLarge)

	if _, err := s.db.Exec(`
		UPDATE artifact SET body = NULL
		WHERE body IS NOT NULL AND task_id IN (
			SELECT task_id FROM task WHERE created <= $1)`, cutoff); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		UPDATE task_command SET log = NULL
		WHERE log IS NOT NULL AND task_id IN (
			SELECT task_id FROM task WHERE created <= $1)`, cutoff)
	return err
}

// DeleteOldBuilds deletes every descendant row of builds older than
// retentionAll, in the bottom-up order spec 4.6 requires: artifact, test,
// task_command, highlight, task_status_history, task, branch,
// build_status_history, build. branch.build_id is a plain TEXT pointer
// with no foreign key, so a branch referencing an old build is never
// picked up by DeleteOrphanBranches (which only matches build_id IS
// NULL) and must be collected here instead.
func (s *Store) DeleteOldBuilds(retentionAll time.Duration) error {
	cutoff := time.Now().Add(-retentionAll)

	stmts := []string{
		`DELETE FROM artifact WHERE task_id IN (SELECT task_id FROM task t JOIN build b ON b.build_id = t.build_id WHERE b.created <= $1)`,
		`DELETE FROM test WHERE task_id IN (SELECT task_id FROM task t JOIN build b ON b.build_id = t.build_id WHERE b.created <= $1)`,
		`DELETE FROM task_command WHERE task_id IN (SELECT task_id FROM task t JOIN build b ON b.build_id = t.build_id WHERE b.created <= $1)`,
		`DELETE FROM highlight WHERE task_id IN (SELECT task_id FROM task t JOIN build b ON b.build_id = t.build_id WHERE b.created <= $1)`,
		`DELETE FROM task_status_history WHERE entity_id IN (SELECT task_id FROM task t JOIN build b ON b.build_id = t.build_id WHERE b.created <= $1)`,
		`DELETE FROM task WHERE build_id IN (SELECT build_id FROM build WHERE created <= $1)`,
		`DELETE FROM branch WHERE build_id IN (SELECT build_id FROM build WHERE created <= $1)`,
		`DELETE FROM build_status_history WHERE entity_id IN (SELECT build_id FROM build WHERE created <= $1)`,
		`DELETE FROM build WHERE created <= $1`,
	}

	return s.WithTx(func(tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt, cutoff); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteOrphanBranches deletes branches with no build_id older than
// retentionAll, per spec 4.6's third GC step.
func (s *Store) DeleteOrphanBranches(retentionAll time.Duration) error {
	cutoff := time.Now().Add(-retentionAll)
	_, err := s.db.Exec(`DELETE FROM branch WHERE build_id IS NULL AND created <= $1`, cutoff)
	return err
}
