package cistate

import (
	"strconv"
	"time"

	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
)

const (
	// staleBranchAge is check_stale_branches's threshold (spec 4.2.2):
	// a branch stuck in testing with no build_id for over a minute.
	staleBranchAge = 1 * time.Minute

	// branchTimeoutAge is the hard wall-clock age a poll-stale-branch
	// handler uses to force a branch into timeout (spec 4.2.2, 4.2.3,
	// and the boundary test in spec section 8).
	branchTimeoutAge = 1 * time.Hour
)

// CheckStaleBranches implements spec 4.2.2's check_stale_branches: enqueue
// poll-stale-branch for any branch in testing with no build_id older than
// a minute.
func (e *Engine) CheckStaleBranches() error {
	ids, err := e.store.StaleBuildlessTestingBranches(staleBranchAge)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.store.EnqueueIfNotExists(model.JobPollStaleBranch, strconv.FormatInt(id, 10)); err != nil {
			return err
		}
		metrics.CIStaleSweepsEnqueued.WithLabelValues("check_stale_branches").Inc()
	}
	return nil
}

// CheckStaleBuilds implements check_stale_builds: enqueue poll-stale-build
// for any running build whose elapsed time exceeds avg+3*stddev for its
// reference branch (fallback 30 minutes), per spec 4.2.2.
func (e *Engine) CheckStaleBuilds(referenceBranches []string) error {
	if len(referenceBranches) == 0 {
		return nil
	}
	mainline := referenceBranches[0]

	builds, err := e.store.RunningBuilds()
	if err != nil {
		return err
	}

	for _, b := range builds {
		ref := mainline
		if contains(referenceBranches, b.BranchName) {
			ref = b.BranchName
		}

		threshold := e.store.BuildThreshold(ref, b.Status)
		elapsed := time.Since(b.Created).Seconds()
		if elapsed <= threshold {
			continue
		}

		if err := e.store.EnqueueIfNotExists(model.JobPollStaleBuild, b.BuildID); err != nil {
			return err
		}
		metrics.CIStaleSweepsEnqueued.WithLabelValues("check_stale_builds").Inc()
	}
	return nil
}

// CheckStaleTasks implements check_stale_tasks: analogous to
// CheckStaleBuilds, keyed on (reference_branch, task_name, status), and
// enqueues poll-stale-build for the parent build (a task cannot be polled
// independently of its build in the Cirrus API), per spec 4.2.2.
func (e *Engine) CheckStaleTasks(referenceBranches []string) error {
	if len(referenceBranches) == 0 {
		return nil
	}
	mainline := referenceBranches[0]

	tasks, err := e.store.RunningTasksElapsed()
	if err != nil {
		return err
	}

	for _, t := range tasks {
		ref := mainline
		if contains(referenceBranches, t.BranchName) {
			ref = t.BranchName
		}

		threshold := e.store.TaskThreshold(ref, t.TaskName, t.Status)
		if t.ElapsedSeconds <= threshold {
			continue
		}

		if err := e.store.EnqueueIfNotExists(model.JobPollStaleBuild, t.BuildID); err != nil {
			return err
		}
		metrics.CIStaleSweepsEnqueued.WithLabelValues("check_stale_tasks").Inc()
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
