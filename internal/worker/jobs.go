package worker

import (
	"context"
	"errors"
	"strconv"

	"github.com/macdice/cfbot/internal/cierr"
	"github.com/macdice/cfbot/internal/cirrus"
	"github.com/macdice/cfbot/internal/cistate"
	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/highlight"
	"github.com/macdice/cfbot/internal/model"
)

// jobs implements the ten handler bodies of the dispatch table in spec
// section 4.4. Each method's signature matches Handler so New can wire
// them directly into the dispatch map.
type jobs struct {
	store      *dbqueue.Store
	cirrus     *cirrus.Client
	commitfest *commitfest.Client
	poster     *commitfest.Poster
	engine     *cistate.Engine
	matcher    highlight.Matcher
	pages      pageRefresher
}

// pageRefresher is the subset of *pages.Generator the worker needs,
// expressed as an interface so dispatch tests can stub it out.
type pageRefresher interface {
	RenderHighlights(typ model.HighlightType, highlights []model.Highlight) error
}

// fetchTaskCommands queries the CI API for per-task artifact and command
// metadata and enqueues fetch-task-logs, per spec 4.4's dispatch table.
func (j *jobs) fetchTaskCommands(ctx context.Context, taskID string) error {
	artifacts, commands, err := j.cirrus.TaskDetail(ctx, taskID)
	if err != nil {
		if errors.Is(err, cierr.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, a := range artifacts {
		if err := j.store.UpsertArtifact(model.Artifact{TaskID: taskID, Name: a.Name, Path: a.Path, Size: a.Size}); err != nil {
			return err
		}
	}
	for _, c := range commands {
		if err := j.store.UpsertTaskCommand(model.TaskCommand{
			TaskID: taskID, Name: c.Name, Type: c.Type, Status: c.Status, Duration: c.Duration,
		}); err != nil {
			return err
		}
	}

	return j.store.EnqueueIfNotExists(model.JobFetchTaskLogs, taskID)
}

// nonSkippedTerminalStatuses are the command.status values fetch-task-logs
// downloads logs for: terminal and not skipped.
var nonSkippedTerminalStatuses = map[string]bool{
	"COMPLETED": true,
	"FAILED":    true,
	"ABORTED":   true,
	"ERRORED":   true,
}

// fetchTaskLogs downloads the log body for each command that reached a
// non-skipped terminal status, then enqueues ingest-task-logs.
func (j *jobs) fetchTaskLogs(ctx context.Context, taskID string) error {
	cmds, err := j.store.TaskCommands(taskID)
	if err != nil {
		return err
	}

	for _, c := range cmds {
		if !nonSkippedTerminalStatuses[c.Status] {
			continue
		}
		logURL := cirrusLogURL(taskID, c.Name)
		body, err := j.cirrus.DownloadLog(ctx, logURL)
		if err != nil {
			if errors.Is(err, cierr.ErrNotFound) {
				continue
			}
			return err
		}
		if err := j.store.SetTaskCommandLog(taskID, c.Name, body); err != nil {
			return err
		}
	}

	return j.store.EnqueueIfNotExists(model.JobIngestTaskLogs, taskID)
}

func cirrusLogURL(taskID, command string) string {
	return "https://api.cirrus-ci.com/v1/task/" + taskID + "/logs/" + command + ".log"
}

// ingestTaskLogs parses every command's downloaded log with the
// configured highlight matcher, replacing prior log-derived highlights,
// then enqueues fetch-task-artifacts and a refresh-highlight-pages job
// per touched type plus "all" (spec 4.4).
func (j *jobs) ingestTaskLogs(ctx context.Context, taskID string) error {
	cmds, err := j.store.TaskCommands(taskID)
	if err != nil {
		return err
	}

	touched := map[model.HighlightType]bool{}
	var allTypes []model.HighlightType
	for t := range allHighlightTypes {
		allTypes = append(allTypes, t)
	}
	if err := j.store.DeleteHighlightsByType(taskID, allTypes); err != nil {
		return err
	}

	for _, c := range cmds {
		if c.Log == nil {
			continue
		}
		for _, m := range j.matcher.Match(c.Name, *c.Log) {
			if err := j.store.InsertHighlight(model.Highlight{TaskID: taskID, Type: m.Type, Source: c.Name, Excerpt: m.Excerpt}); err != nil {
				return err
			}
			touched[m.Type] = true
		}
	}

	if err := j.store.EnqueueIfNotExists(model.JobFetchTaskArtifacts, taskID); err != nil {
		return err
	}
	return j.enqueueHighlightRefresh(touched)
}

var allHighlightTypes = map[model.HighlightType]bool{
	model.HighlightCompiler:  true,
	model.HighlightLinker:    true,
	model.HighlightSanitizer: true,
	model.HighlightAssertion: true,
	model.HighlightPanic:     true,
	model.HighlightCore:      true,
	model.HighlightRegress:   true,
	model.HighlightTAP:       true,
	model.HighlightTest:      true,
}

func (j *jobs) enqueueHighlightRefresh(touched map[model.HighlightType]bool) error {
	for t := range touched {
		if err := j.store.EnqueueIfNotExists(model.JobRefreshHighlightPages, string(t)); err != nil {
			return err
		}
	}
	return j.store.EnqueueIfNotExists(model.JobRefreshHighlightPages, "all")
}

// fetchTaskArtifacts downloads artifact bodies, skipping those under a
// test subpath whose test.result is OK or SKIP (spec 4.4), then enqueues
// ingest-task-artifacts.
func (j *jobs) fetchTaskArtifacts(ctx context.Context, taskID string) error {
	artifacts, err := j.store.Artifacts(taskID)
	if err != nil {
		return err
	}
	tests, err := j.store.Tests(taskID)
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(tests))
	for _, t := range tests {
		if t.Result == model.TestOK || t.Result == model.TestSkip {
			skip[t.Suite+"/"+t.Name] = true
		}
	}

	for _, a := range artifacts {
		if a.Body != nil {
			continue
		}
		if artifactUnderSkippedTest(a.Path, skip) {
			continue
		}
		body, err := j.cirrus.DownloadLog(ctx, artifactDownloadURL(taskID, a.Name, a.Path))
		if err != nil {
			if errors.Is(err, cierr.ErrNotFound) {
				continue
			}
			return err
		}
		if err := j.store.SetArtifactBody(taskID, a.Name, a.Path, body); err != nil {
			return err
		}
	}

	return j.store.EnqueueIfNotExists(model.JobIngestTaskArtifacts, taskID)
}

func artifactDownloadURL(taskID, name, path string) string {
	return "https://api.cirrus-ci.com/v1/artifact/task/" + taskID + "/" + name + "/" + path
}

// artifactUnderSkippedTest reports whether path falls under a test
// directory whose outcome was OK or SKIP, by checking whether any key of
// skip is a leading substring of path.
func artifactUnderSkippedTest(path string, skip map[string]bool) bool {
	for key := range skip {
		if len(path) >= len(key) && path[:len(key)] == key {
			return true
		}
	}
	return false
}

// ingestTaskArtifacts parses downloaded artifact bodies with the
// configured matcher, replacing prior artifact-derived highlights, then
// enqueues refresh-highlight-pages (spec 4.4).
func (j *jobs) ingestTaskArtifacts(ctx context.Context, taskID string) error {
	artifacts, err := j.store.Artifacts(taskID)
	if err != nil {
		return err
	}

	var allTypes []model.HighlightType
	for t := range allHighlightTypes {
		allTypes = append(allTypes, t)
	}
	if err := j.store.DeleteHighlightsByType(taskID, allTypes); err != nil {
		return err
	}

	touched := map[model.HighlightType]bool{}
	for _, a := range artifacts {
		if a.Body == nil {
			continue
		}
		for _, m := range j.matcher.Match(a.Name+"/"+a.Path, *a.Body) {
			if err := j.store.InsertHighlight(model.Highlight{TaskID: taskID, Type: m.Type, Source: a.Name + "/" + a.Path, Excerpt: m.Excerpt}); err != nil {
				return err
			}
			touched[m.Type] = true
		}
	}

	return j.enqueueHighlightRefresh(touched)
}

// refreshHighlightPages regenerates the report page for one highlight
// type, or the combined page when key is "all" (spec 4.4).
func (j *jobs) refreshHighlightPages(ctx context.Context, key string) error {
	var typ model.HighlightType
	if key != "all" {
		typ = model.HighlightType(key)
	}
	highlights, err := j.store.HighlightsByType(typ, 200)
	if err != nil {
		return err
	}
	return j.pages.RenderHighlights(typ, highlights)
}

// pollStaleBranch implements the poll-stale-branch job (spec 4.2.2),
// delegating to the engine that already knows the timeout/poll logic.
func (j *jobs) pollStaleBranch(ctx context.Context, key string) error {
	id, err := parseID(key)
	if err != nil {
		return err
	}
	return j.engine.PollStaleBranch(ctx, id)
}

// pollStaleBuild implements the poll-stale-build job (spec 4.2.2).
func (j *jobs) pollStaleBuild(ctx context.Context, buildID string) error {
	return j.engine.PollStaleBuild(ctx, buildID)
}

// postTaskStatus sends the task-update callback of spec 4.5, looking up
// the task's branch status by its commit id. Tasks in CREATED or PAUSED
// are silently skipped by the Poster itself.
func (j *jobs) postTaskStatus(ctx context.Context, taskID string) error {
	task, err := j.store.GetTask(taskID)
	if err != nil {
		return err
	}

	branch, err := j.store.GetBranchByCommit(task.CommitID)
	if err != nil {
		return err
	}
	var branchMsg commitfest.BranchStatusMessage
	if branch != nil {
		branchMsg = j.poster.BranchStatusFromModel(*branch)
	}

	msg := commitfest.TaskStatusMessage{
		TaskStatus: commitfest.TaskStatusPayload{
			TaskID:   task.TaskID,
			CommitID: task.CommitID,
			TaskName: task.TaskName,
			Position: task.Position,
			Status:   string(task.Status),
			Created:  task.Created,
			Modified: task.Modified,
		},
		BranchStatus: branchMsg,
	}
	return j.poster.PostTaskStatus(ctx, msg)
}

// postBranchStatus sends the branch-status callback of spec 4.5.
func (j *jobs) postBranchStatus(ctx context.Context, key string) error {
	id, err := parseID(key)
	if err != nil {
		return err
	}
	branch, err := j.store.GetBranch(id)
	if err != nil {
		return err
	}
	return j.poster.PostBranchStatus(ctx, j.poster.BranchStatusFromModel(*branch))
}

func parseID(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}
