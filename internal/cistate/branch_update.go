package cistate

import (
	"context"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
)

// branchUpdate implements spec 4.2.1: called after any accepted build
// transition whose branch name matches cf/<submission_id>.
func (e *Engine) branchUpdate(ctx context.Context, branchName, commitID, buildID string, buildStatus model.CIStatus) error {
	submissionID, ok := model.ParseSubmissionID(branchName)
	if !ok {
		return nil
	}

	isCurrent, err := e.store.FindCurrentBuildCandidate(branchName, commitID, buildID, buildStatus)
	if err != nil {
		return err
	}
	if !isCurrent {
		return nil
	}

	newStatus := branchStatusFor(buildStatus)

	var branchID int64
	var changed bool
	var finalTransition bool
	err = e.store.WithTx(func(tx *sqlx.Tx) error {
		branch, err := e.store.LockOldestBranchForCommit(tx, submissionID, commitID)
		if err != nil {
			return err
		}
		if branch == nil {
			return nil
		}
		branchID = branch.ID

		updated, err := e.store.UpdateBranchBuild(tx, branch.ID, &buildID, newStatus)
		if err != nil {
			return err
		}
		changed = updated
		finalTransition = updated && model.IsFinal(buildStatus) && branch.Status != model.BranchTimeout
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		metrics.CIBranchTransitions.WithLabelValues(string(newStatus)).Inc()
		if err := e.store.EnqueueIfNotExists(model.JobPostBranchStatus, strconv.FormatInt(branchID, 10)); err != nil {
			return err
		}
	}

	if finalTransition {
		branch, err := e.store.GetBranch(branchID)
		if err != nil {
			return err
		}
		return e.computeBackoff(ctx, branch.CommitfestID, submissionID, buildStatus)
	}
	return nil
}

// branchStatusFor maps a build status to the branch status it implies,
// per spec 4.2.1 step 2. It does not check for timeout itself; a branch
// already in timeout is left untouched by dbqueue.UpdateBranchBuild's
// WHERE clause (spec section 9: "timeout is terminal and sticky").
func branchStatusFor(buildStatus model.CIStatus) model.BranchStatus {
	if !model.IsFinal(buildStatus) {
		return model.BranchTesting
	}
	if buildStatus == model.StatusCompleted {
		return model.BranchFinished
	}
	return model.BranchFailed
}
