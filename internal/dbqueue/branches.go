package dbqueue

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// CountBranchesInStatus implements spec 4.1's rate-limit check: the
// number of branches currently in the given status (normally "testing",
// compared against CONCURRENT_BUILDS).
func (s *Store) CountBranchesInStatus(status model.BranchStatus) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT count(*) FROM branch WHERE status = $1`, status)
	return n, err
}

// InsertBranch creates a new branch row for one materialisation attempt
// (spec 4.1 steps 4/5) and returns its surrogate id.
func (s *Store) InsertBranch(b model.Branch) (int64, error) {
	var id int64
	err := s.db.Get(&id, `
		INSERT INTO branch (submission_id, commitfest_id, commit_id, build_id, status, url,
			version, patch_count, first_additions, first_deletions, all_additions, all_deletions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		b.SubmissionID, b.CommitfestID, b.CommitID, b.BuildID, b.Status, b.URL,
		b.Version, b.PatchCount, b.FirstAdditions, b.FirstDeletions, b.AllAdditions, b.AllDeletions)
	return id, err
}

// LockOldestBranchForCommit locks (FOR UPDATE, within tx) the oldest branch
// row for (submissionID, commitID), as required by Branch Update (spec
// 4.2.1 step 2) and the "at most one writer at a time" ordering guarantee
// of spec section 5.
func (s *Store) LockOldestBranchForCommit(tx *sqlx.Tx, submissionID int, commitID string) (*model.Branch, error) {
	var b model.Branch
	err := tx.Get(&b, `
		SELECT * FROM branch WHERE submission_id = $1 AND commit_id = $2
		ORDER BY created ASC LIMIT 1 FOR UPDATE`, submissionID, commitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// UpdateBranchBuild sets build_id and status within tx, bumping modified.
// It never overwrites an existing timeout status, per spec 4.2.1 step 2
// and the "timeout is terminal and sticky" design note of spec section 9.
func (s *Store) UpdateBranchBuild(tx *sqlx.Tx, branchID int64, buildID *string, status model.BranchStatus) (bool, error) {
	res, err := tx.Exec(`
		UPDATE branch SET build_id = COALESCE($2, build_id), status = $3, modified = now()
		WHERE id = $1 AND status <> 'timeout' AND (status <> $3 OR build_id IS DISTINCT FROM $2)`,
		branchID, buildID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FindCurrentBuildCandidate implements Branch Update step 1: decide
// whether buildID is the "current build" for (branchName, commitID).
func (s *Store) FindCurrentBuildCandidate(branchName, commitID, buildID string, buildStatus model.CIStatus) (bool, error) {
	if !model.IsFinal(buildStatus) {
		return true, nil
	}

	var nonFinalExists bool
	err := s.db.Get(&nonFinalExists, `
		SELECT EXISTS (
			SELECT 1 FROM build
			WHERE branch_name = $1 AND commit_id = $2 AND build_id <> $3
			AND status IN ('CREATED','TRIGGERED','SCHEDULED','EXECUTING','PAUSED'))`,
		branchName, commitID, buildID)
	if err != nil {
		return false, err
	}
	if nonFinalExists {
		return false, nil
	}

	var mostRecentID string
	err = s.db.Get(&mostRecentID, `
		SELECT build_id FROM build WHERE branch_name = $1 AND commit_id = $2
		ORDER BY created DESC LIMIT 1`, branchName, commitID)
	if err != nil {
		return false, err
	}
	return mostRecentID == buildID, nil
}

// TimeoutStaleTestingBranches transitions branch branchID idempotently from
// testing to timeout once it is older than maxAge, per spec 4.2.2's
// "poll-stale-branch ... past the hard 1-hour wall-clock age" rule.
// Returns whether the branch actually transitioned, so the caller can
// enqueue post-branch-status for it.
func (s *Store) TimeoutStaleTestingBranches(branchID int64, maxAge time.Duration) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE branch SET status = 'timeout', modified = now()
		WHERE id = $1 AND status = 'testing' AND created <= now() - $2 * interval '1 second'`,
		branchID, maxAge.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StaleBuildlessTestingBranches returns branches stuck in testing with no
// build_id for longer than age (spec 4.2.2 check_stale_branches).
func (s *Store) StaleBuildlessTestingBranches(age time.Duration) ([]int64, error) {
	var ids []int64
	err := s.db.Select(&ids, `
		SELECT id FROM branch
		WHERE status = 'testing' AND build_id IS NULL AND created <= now() - $1 * interval '1 second'`,
		age.Seconds())
	return ids, err
}

// LatestBranchPerSubmission returns the most recently created branch for
// each submission among commitfestIDs, keyed by submission_id, for status
// page generation (spec section 6's "Latest branch" column).
func (s *Store) LatestBranchPerSubmission(commitfestIDs []int) (map[int]model.Branch, error) {
	out := make(map[int]model.Branch)
	if len(commitfestIDs) == 0 {
		return out, nil
	}
	var branches []model.Branch
	query, args, err := sqlx.In(`
		SELECT DISTINCT ON (submission_id) *
		FROM branch WHERE commitfest_id IN (?)
		ORDER BY submission_id, created DESC`, commitfestIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	if err := s.db.Select(&branches, query, args...); err != nil {
		return nil, err
	}
	for _, b := range branches {
		out[b.SubmissionID] = b
	}
	return out, nil
}

// GetBranch fetches a branch row by id.
func (s *Store) GetBranch(id int64) (*model.Branch, error) {
	var b model.Branch
	if err := s.db.Get(&b, `SELECT * FROM branch WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBranchByCommit looks up the branch for a commit id, used by
// post-task-status (spec 4.5: "branch_status <as above, looked up by
// task's commit_id>"). When more than one branch row shares the commit
// (a re-materialised submission) the most recently created one wins.
func (s *Store) GetBranchByCommit(commitID string) (*model.Branch, error) {
	var b model.Branch
	err := s.db.Get(&b, `SELECT * FROM branch WHERE commit_id = $1 ORDER BY created DESC LIMIT 1`, commitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}
