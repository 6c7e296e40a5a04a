package cistate

import (
	"context"
	"time"

	"github.com/macdice/cfbot/internal/model"
)

// computeBackoff implements spec 4.2.3: on every final build status of a
// submission's current branch's current build, clear backoff on COMPLETED
// or double it (starting at 1 day) on any other final status.
func (e *Engine) computeBackoff(ctx context.Context, commitfestID, submissionID int, buildStatus model.CIStatus) error {
	if buildStatus == model.StatusCompleted {
		return e.store.ClearBackoff(commitfestID, submissionID)
	}
	return e.store.ApplyBackoff(commitfestID, submissionID, time.Now())
}
