package dbqueue

import (
	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// UpsertTaskCommand records command metadata fetched by
// fetch-task-commands (spec 4.4), leaving log untouched; SetTaskCommandLog
// fills it in once fetch-task-logs downloads the body.
func (s *Store) UpsertTaskCommand(c model.TaskCommand) error {
	_, err := s.db.Exec(`
		INSERT INTO task_command (task_id, name, type, status, duration)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, name) DO UPDATE SET
			type = EXCLUDED.type, status = EXCLUDED.status, duration = EXCLUDED.duration`,
		c.TaskID, c.Name, c.Type, c.Status, c.Duration)
	return err
}

// SetTaskCommandLog implements the fetch-task-logs job's write-back step.
func (s *Store) SetTaskCommandLog(taskID, name string, log []byte) error {
	_, err := s.db.Exec(`UPDATE task_command SET log = $3 WHERE task_id = $1 AND name = $2`, taskID, name, log)
	return err
}

// TaskCommands lists every command recorded for a task.
func (s *Store) TaskCommands(taskID string) ([]model.TaskCommand, error) {
	var cmds []model.TaskCommand
	err := s.db.Select(&cmds, `SELECT * FROM task_command WHERE task_id = $1`, taskID)
	return cmds, err
}

// UpsertArtifact records artifact metadata fetched by fetch-task-commands,
// leaving body untouched; SetArtifactBody fills it in once
// fetch-task-artifacts downloads the file.
func (s *Store) UpsertArtifact(a model.Artifact) error {
	_, err := s.db.Exec(`
		INSERT INTO artifact (task_id, name, path, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, name, path) DO UPDATE SET size = EXCLUDED.size`,
		a.TaskID, a.Name, a.Path, a.Size)
	return err
}

// SetArtifactBody implements the fetch-task-artifacts job's write-back
// step.
func (s *Store) SetArtifactBody(taskID, name, path string, body []byte) error {
	_, err := s.db.Exec(`
		UPDATE artifact SET body = $4 WHERE task_id = $1 AND name = $2 AND path = $3`,
		taskID, name, path, body)
	return err
}

// Artifacts lists every artifact recorded for a task.
func (s *Store) Artifacts(taskID string) ([]model.Artifact, error) {
	var arts []model.Artifact
	err := s.db.Select(&arts, `SELECT * FROM artifact WHERE task_id = $1`, taskID)
	return arts, err
}

// InsertTest records one parsed test outcome (spec 4.4's ingest-task-logs
// job).
func (s *Store) InsertTest(t model.Test) error {
	_, err := s.db.Exec(`
		INSERT INTO test (task_id, command, suite, name, type, result, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id, command, suite, name) DO UPDATE SET
			type = EXCLUDED.type, result = EXCLUDED.result, duration = EXCLUDED.duration`,
		t.TaskID, t.Command, t.Suite, t.Name, t.Type, t.Result, t.Duration)
	return err
}

// Tests lists every parsed test for a task, used by fetch-task-artifacts
// to skip artifacts under OK/SKIP test subpaths (spec 4.4).
func (s *Store) Tests(taskID string) ([]model.Test, error) {
	var tests []model.Test
	err := s.db.Select(&tests, `SELECT * FROM test WHERE task_id = $1`, taskID)
	return tests, err
}

// DeleteHighlightsByType removes prior highlights of the given types for a
// task, the first step of both ingest-task-logs and ingest-task-artifacts
// (spec 4.4: "Delete prior highlights of the affected types").
func (s *Store) DeleteHighlightsByType(taskID string, types []model.HighlightType) error {
	if len(types) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM highlight WHERE task_id = ? AND type IN (?)`, taskID, types)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	_, err = s.db.Exec(query, args...)
	return err
}

// InsertHighlight records one derived excerpt.
func (s *Store) InsertHighlight(h model.Highlight) error {
	_, err := s.db.Exec(`
		INSERT INTO highlight (task_id, type, source, excerpt) VALUES ($1, $2, $3, $4)`,
		h.TaskID, h.Type, h.Source, h.Excerpt)
	return err
}

// HighlightsByType lists every highlight of the given type across all
// tasks, newest first, for the per-type report pages (spec 4.4
// refresh-highlight-pages). typ == "" lists every type (the "all" page).
func (s *Store) HighlightsByType(typ model.HighlightType, limit int) ([]model.Highlight, error) {
	var rows []model.Highlight
	var err error
	if typ == "" {
		err = s.db.Select(&rows, `SELECT * FROM highlight ORDER BY task_id DESC LIMIT $1`, limit)
	} else {
		err = s.db.Select(&rows, `SELECT * FROM highlight WHERE type = $1 ORDER BY task_id DESC LIMIT $2`, typ, limit)
	}
	return rows, err
}
