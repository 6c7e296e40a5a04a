// Package scheduler implements the minute-tick patch selection and branch
// materialisation protocol of spec section 4.1: it is the ~20% of the
// module devoted to choosing which submission to test next and driving
// the sandbox through fetch/apply/commit/push.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/commitfest"
	"github.com/macdice/cfbot/internal/config"
	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/metrics"
	"github.com/macdice/cfbot/internal/model"
	"github.com/macdice/cfbot/internal/sandbox"
)

// Scheduler owns one minute tick's worth of selection and materialisation
// logic (spec 4.1). It holds no per-tick state; every call is
// self-contained and safe to invoke repeatedly from cron.
type Scheduler struct {
	store      *dbqueue.Store
	commitfest *commitfest.Client
	poster     *commitfest.Poster
	patchburner *sandbox.Patchburner
	ignore     *config.IgnoreList
	cfg        config.Config
	logger     *zap.SugaredLogger
}

// New creates a Scheduler.
func New(store *dbqueue.Store, cf *commitfest.Client, poster *commitfest.Poster, pb *sandbox.Patchburner, ignore *config.IgnoreList, cfg config.Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{store: store, commitfest: cf, poster: poster, patchburner: pb, ignore: ignore, cfg: cfg, logger: logger}
}

// Tick runs one minute tick of spec 4.1: rate limit check, selection,
// materialisation of at most one submission.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	testing, err := s.store.CountBranchesInStatus(model.BranchTesting)
	if err != nil {
		return err
	}
	if testing >= s.cfg.ConcurrentBuilds {
		s.logger.Debugw("scheduler: at concurrency limit, skipping tick", "testing", testing, "limit", s.cfg.ConcurrentBuilds)
		return nil
	}

	commitfestIDs, err := s.commitfest.NeedsCICommitfests(ctx)
	if err != nil {
		return err
	}
	if len(commitfestIDs) == 0 {
		return nil
	}

	sub, err := s.selectSubmission(ctx, commitfestIDs)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	return s.materialise(ctx, *sub)
}

// selectSubmission implements spec 4.1's two-priority selection, including
// the ignore-list filter and the submission_id tie-break (already applied
// by the SQL ORDER BY in both dbqueue queries).
func (s *Scheduler) selectSubmission(ctx context.Context, commitfestIDs []int) (*model.Submission, error) {
	candidates, err := s.store.EligibleForNewPatch(commitfestIDs)
	if err != nil {
		return nil, err
	}
	if sub := firstNotIgnored(candidates, s.ignore); sub != nil {
		return sub, nil
	}

	eligibleCount, err := s.store.CountEligibleSubmissions(commitfestIDs)
	if err != nil {
		return nil, err
	}
	if s.cfg.CycleTimeHours <= 0 || eligibleCount == 0 {
		return nil, nil
	}
	targetPerHour := float64(eligibleCount) / s.cfg.CycleTimeHours

	recent, err := s.store.CountRecentBranches(commitfestIDs, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if float64(recent) >= targetPerHour {
		return nil, nil
	}

	candidates, err = s.store.EligibleForBitrotSweep(commitfestIDs)
	if err != nil {
		return nil, err
	}
	return firstNotIgnored(candidates, s.ignore), nil
}

func firstNotIgnored(subs []model.Submission, ignore *config.IgnoreList) *model.Submission {
	for i := range subs {
		if !ignore.Contains(subs[i].CommitfestID, subs[i].SubmissionID) {
			return &subs[i]
		}
	}
	return nil
}

// materialise implements the five-step protocol of spec 4.1.
func (s *Scheduler) materialise(ctx context.Context, sub model.Submission) error {
	workspaceID := uuid.NewString()
	if err := s.patchburner.Create(ctx, workspaceID); err != nil {
		return err
	}
	defer func() {
		if err := s.patchburner.Destroy(ctx, workspaceID); err != nil {
			s.logger.Warnw("scheduler: sandbox destroy failed", "workspace", workspaceID, "err", err)
		}
	}()

	templateDir, err := s.patchburner.TemplateRepoPath(ctx, workspaceID)
	if err != nil {
		return err
	}
	repo := sandbox.NewRepo(templateDir, s.cfg.GitRemoteName, s.cfg.GitSSHCommand)
	baseCommit, err := repo.UpdateMainline(ctx, "master")
	if err != nil {
		return err
	}

	messageID, attachmentURLs, err := s.commitfest.LatestPatchMessage(ctx, sub.SubmissionID)
	if err != nil {
		return err
	}
	if messageID == "" {
		// Nothing new to test; still record that we checked.
		return s.store.TouchLastEmailTimeChecked(sub.CommitfestID, sub.SubmissionID, time.Now())
	}

	patchDir, err := s.patchburner.BurnerPatchPath(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := fetchAttachments(ctx, s.cfg, attachmentURLs, patchDir); err != nil {
		return err
	}

	result, err := s.patchburner.Apply(ctx, workspaceID)
	if err != nil {
		return err
	}

	now := time.Now()
	if !result.Success {
		return s.recordFailure(ctx, sub, messageID, result.Log, baseCommit, now)
	}
	return s.recordSuccess(ctx, sub, messageID, repo, baseCommit, now)
}

// recordFailure implements spec 4.1 step 4: the apply failed, so no build
// is created; the log is surfaced via branch.status='failed'.
func (s *Scheduler) recordFailure(ctx context.Context, sub model.Submission, messageID, log, baseCommit string, now time.Time) error {
	logURL, err := writeApplyLog(s.cfg.WebRoot, sub.CommitfestID, sub.SubmissionID, log)
	if err != nil {
		return err
	}

	branchID, err := s.store.InsertBranch(model.Branch{
		SubmissionID: sub.SubmissionID,
		CommitfestID: sub.CommitfestID,
		CommitID:     &baseCommit,
		Status:       model.BranchFailed,
		URL:          &logURL,
		Version:      messageID,
	})
	if err != nil {
		return err
	}
	if err := s.store.EnqueueIfNotExists(model.JobPostBranchStatus, fmt.Sprintf("%d", branchID)); err != nil {
		return err
	}

	// Spec 4.1's "ambiguity trap": last_message_id is always overwritten,
	// even on apply failure, to avoid a poll-loop from archive eventual
	// consistency.
	if err := s.store.RecordMaterialisationAttempt(sub.CommitfestID, sub.SubmissionID, messageID, nil, now); err != nil {
		return err
	}
	return nil
}

// recordSuccess implements spec 4.1 step 5.
func (s *Scheduler) recordSuccess(ctx context.Context, sub model.Submission, messageID string, repo *sandbox.Repo, baseCommit string, now time.Time) error {
	message := sandbox.CommitMessage(sandbox.CommitMeta{
		SubmissionID: sub.SubmissionID,
		Name:         sub.Name,
		CommitfestID: sub.CommitfestID,
		MessageID:    messageID,
		Authors:      sub.Authors,
	})

	headCommit, err := repo.CreateBranchAndCommit(ctx, sub.SubmissionID, message)
	if err != nil {
		return err
	}
	stat, err := repo.ComputeDiffStat(ctx, baseCommit, headCommit)
	if err != nil {
		return err
	}

	branchName := model.BranchName(sub.SubmissionID)
	if err := repo.Push(ctx, branchName); err != nil {
		return err
	}

	branchID, err := s.store.InsertBranch(model.Branch{
		SubmissionID:   sub.SubmissionID,
		CommitfestID:   sub.CommitfestID,
		CommitID:       &headCommit,
		Status:         model.BranchTesting,
		Version:        messageID,
		PatchCount:     stat.PatchCount,
		FirstAdditions: stat.FirstAdditions,
		FirstDeletions: stat.FirstDeletions,
		AllAdditions:   stat.AllAdditions,
		AllDeletions:   stat.AllDeletions,
	})
	if err != nil {
		return err
	}
	if err := s.store.EnqueueIfNotExists(model.JobPostBranchStatus, fmt.Sprintf("%d", branchID)); err != nil {
		return err
	}

	if err := s.store.RecordMaterialisationAttempt(sub.CommitfestID, sub.SubmissionID, messageID, &headCommit, now); err != nil {
		return err
	}

	metrics.SchedulerBranchesMaterialised.WithLabelValues("testing").Inc()
	return nil
}
