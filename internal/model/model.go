// Package model holds the durable entity types shared by every package that
// reads or writes cfbot's system-of-record.
package model

import (
	"strconv"
	"strings"
	"time"
)

// SubmissionStatus is the Commitfest review status of a submission.
type SubmissionStatus string

const (
	StatusReadyForCommitter SubmissionStatus = "Ready for Committer"
	StatusNeedsReview       SubmissionStatus = "Needs review"
	StatusWaitingOnAuthor   SubmissionStatus = "Waiting on Author"
)

// EligibleStatuses are the submission statuses the scheduler will consider.
var EligibleStatuses = []SubmissionStatus{StatusReadyForCommitter, StatusNeedsReview, StatusWaitingOnAuthor}

// Submission is one patch-set review entry in a commitfest.
type Submission struct {
	CommitfestID        int              `db:"commitfest_id"`
	SubmissionID         int              `db:"submission_id"`
	Name                 string           `db:"name"`
	Status               SubmissionStatus `db:"status"`
	Authors              []string         `db:"-"` // stored as AuthorsRaw, comma joined
	AuthorsRaw           string           `db:"authors"`
	LastEmailTime        *time.Time       `db:"last_email_time"`
	LastEmailTimeChecked *time.Time       `db:"last_email_time_checked"`
	LastMessageID        *string          `db:"last_message_id"`
	LastBranchMessageID  *string          `db:"last_branch_message_id"`
	LastBranchCommitID   *string          `db:"last_branch_commit_id"`
	LastBranchTime       *time.Time       `db:"last_branch_time"`
	BackoffUntil         *time.Time       `db:"backoff_until"`
	LastBackoff          *time.Duration   `db:"-"`
	LastBackoffSeconds   *int64           `db:"last_backoff_seconds"`
}

// BranchStatus is the lifecycle status of a materialised branch.
type BranchStatus string

const (
	BranchFailed  BranchStatus = "failed"
	BranchTesting BranchStatus = "testing"
	BranchFinished BranchStatus = "finished"
	BranchTimeout  BranchStatus = "timeout"
)

// Branch is one materialisation attempt for a submission, pushed as
// cf/<submission_id>.
type Branch struct {
	ID              int64        `db:"id"`
	SubmissionID    int          `db:"submission_id"`
	CommitfestID    int          `db:"commitfest_id"`
	CommitID        *string      `db:"commit_id"`
	BuildID         *string      `db:"build_id"`
	Status          BranchStatus `db:"status"`
	URL             *string      `db:"url"`
	Created         time.Time    `db:"created"`
	Modified        time.Time    `db:"modified"`
	Version         string       `db:"version"`
	PatchCount      int          `db:"patch_count"`
	FirstAdditions  int          `db:"first_additions"`
	FirstDeletions  int          `db:"first_deletions"`
	AllAdditions    int          `db:"all_additions"`
	AllDeletions    int          `db:"all_deletions"`
}

// BranchName returns the Git branch name for a submission.
func BranchName(submissionID int) string {
	return "cf/" + strconv.Itoa(submissionID)
}

// ParseSubmissionID extracts the submission id from a branch name of the
// form cf/<submission_id>, returning ok=false for any other shape (spec
// 4.2.1 only runs Branch Update for matching branches).
func ParseSubmissionID(branchName string) (int, bool) {
	const prefix = "cf/"
	if !strings.HasPrefix(branchName, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(branchName, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// CIStatus is the shared status domain for builds and tasks.
type CIStatus string

const (
	StatusCreated   CIStatus = "CREATED"
	StatusTriggered CIStatus = "TRIGGERED"
	StatusScheduled CIStatus = "SCHEDULED"
	StatusExecuting CIStatus = "EXECUTING"
	StatusPaused    CIStatus = "PAUSED"
	StatusCompleted CIStatus = "COMPLETED"
	StatusFailed    CIStatus = "FAILED"
	StatusAborted   CIStatus = "ABORTED"
	StatusErrored   CIStatus = "ERRORED"
	StatusDeleted   CIStatus = "DELETED"
)

// NonFinalStatuses are build/task statuses that have not yet settled.
var NonFinalStatuses = map[CIStatus]bool{
	StatusCreated:   true,
	StatusTriggered: true,
	StatusScheduled: true,
	StatusExecuting: true,
	StatusPaused:    true,
}

// PreExecutionStatuses are the statuses a build/task passes through before
// it starts running.
var PreExecutionStatuses = map[CIStatus]bool{
	StatusCreated:   true,
	StatusTriggered: true,
	StatusScheduled: true,
}

// IsFinal reports whether status is a terminal CI status.
func IsFinal(s CIStatus) bool {
	return !NonFinalStatuses[s]
}

// PostTaskStatuses is the subset of task statuses the Commitfest app cares
// about (glossary POST_TASK_STATUSES).
var PostTaskStatuses = map[CIStatus]bool{
	StatusCreated:   true,
	StatusPaused:    true,
	StatusScheduled: true,
	StatusTriggered: true,
	StatusExecuting: true,
	StatusFailed:    true,
	StatusAborted:   true,
	StatusErrored:   true,
	StatusCompleted: true,
}

// EventSource distinguishes where a state transition was observed.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourcePoll    EventSource = "poll"
)

// Build is the CI service's top-level execution for a commit on a branch.
type Build struct {
	BuildID    string    `db:"build_id"`
	BranchName string    `db:"branch_name"`
	CommitID   string    `db:"commit_id"`
	Status     CIStatus  `db:"status"`
	Created    time.Time `db:"created"`
	Modified   time.Time `db:"modified"`
}

// Task is a named child of a build.
type Task struct {
	TaskID   string    `db:"task_id"`
	BuildID  string    `db:"build_id"`
	Position int       `db:"position"`
	TaskName string    `db:"task_name"`
	CommitID string    `db:"commit_id"`
	Status   CIStatus  `db:"status"`
	Created  time.Time `db:"created"`
	Modified time.Time `db:"modified"`
}

// StatusHistory is an append-only record of one observed transition.
type StatusHistory struct {
	EntityID string      `db:"entity_id"`
	Status   CIStatus    `db:"status"`
	Received time.Time   `db:"received"`
	Source   EventSource `db:"source"`
}

// Artifact is a downloadable file produced by a task.
type Artifact struct {
	TaskID string  `db:"task_id"`
	Name   string  `db:"name"`
	Path   string  `db:"path"`
	Size   int64   `db:"size"`
	Body   *[]byte `db:"body"`
}

// TaskCommand is one logged command executed as part of a task.
type TaskCommand struct {
	TaskID   string  `db:"task_id"`
	Name     string  `db:"name"`
	Type     string  `db:"type"`
	Status   string  `db:"status"`
	Duration float64 `db:"duration"`
	Log      *[]byte `db:"log"`
}

// TestResult is one parsed test outcome.
type TestResult string

const (
	TestOK   TestResult = "OK"
	TestSkip TestResult = "SKIP"
	TestFail TestResult = "FAIL"
)

// Test is a single test case parsed out of a task's command logs.
type Test struct {
	TaskID   string     `db:"task_id"`
	Command  string     `db:"command"`
	Suite    string     `db:"suite"`
	Name     string     `db:"name"`
	Type     string     `db:"type"`
	Result   TestResult `db:"result"`
	Duration float64    `db:"duration"`
}

// HighlightType classifies a pattern-matched excerpt.
type HighlightType string

const (
	HighlightCompiler  HighlightType = "compiler"
	HighlightLinker    HighlightType = "linker"
	HighlightSanitizer HighlightType = "sanitizer"
	HighlightAssertion HighlightType = "assertion"
	HighlightPanic     HighlightType = "panic"
	HighlightCore      HighlightType = "core"
	HighlightRegress   HighlightType = "regress"
	HighlightTAP       HighlightType = "tap"
	HighlightTest      HighlightType = "test"
)

// Highlight is a typed, source-attributed excerpt extracted from logs or
// artifacts.
type Highlight struct {
	TaskID  string        `db:"task_id"`
	Type    HighlightType `db:"type"`
	Source  string        `db:"source"`
	Excerpt string        `db:"excerpt"`
}

// QueueStatus is the lifecycle status of a work_queue row.
type QueueStatus string

const (
	QueueNew  QueueStatus = "NEW"
	QueueWork QueueStatus = "WORK"
	QueueFail QueueStatus = "FAIL"
)

// JobType enumerates the dispatch table of §4.4.
type JobType string

const (
	JobFetchTaskCommands   JobType = "fetch-task-commands"
	JobFetchTaskLogs       JobType = "fetch-task-logs"
	JobIngestTaskLogs      JobType = "ingest-task-logs"
	JobFetchTaskArtifacts  JobType = "fetch-task-artifacts"
	JobIngestTaskArtifacts JobType = "ingest-task-artifacts"
	JobRefreshHighlightPages JobType = "refresh-highlight-pages"
	JobPollStaleBranch     JobType = "poll-stale-branch"
	JobPollStaleBuild      JobType = "poll-stale-build"
	JobPostTaskStatus      JobType = "post-task-status"
	JobPostBranchStatus    JobType = "post-branch-status"
)

// RetryLimit returns the retry budget for a job type, per §4.4.
func RetryLimit(t JobType) int {
	switch {
	case strings.HasPrefix(string(t), "fetch-"), strings.HasPrefix(string(t), "poll-"), strings.HasPrefix(string(t), "post-"):
		return 3
	default:
		return 0
	}
}

// WorkItem is a single row of the work_queue table.
type WorkItem struct {
	ID      int64       `db:"id"`
	Type    JobType     `db:"type"`
	Key     *string     `db:"key"`
	Status  QueueStatus `db:"status"`
	Retries int         `db:"retries"`
	Lease   *time.Time  `db:"lease"`
}

// StatusStatistic is one row of build_status_statistics/task_status_statistics.
type StatusStatistic struct {
	BranchName   string   `db:"branch_name"`
	TaskName     *string  `db:"task_name"`
	Status       CIStatus `db:"status"`
	AvgElapsed   float64  `db:"avg_elapsed"`
	StddevElapsed float64 `db:"stddev_elapsed"`
	N            int      `db:"n"`
}
