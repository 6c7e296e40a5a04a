package dbqueue

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// UpsertSubmission inserts or updates the Commitfest-reported fields of a
// submission, leaving the branch-materialisation bookkeeping columns
// (last_branch_*, backoff_*) untouched — those are owned by the scheduler
// and backoff compute, never by the Commitfest poll.
func (s *Store) UpsertSubmission(sub model.Submission) error {
	_, err := s.db.Exec(`
		INSERT INTO submission (commitfest_id, submission_id, name, status, authors, last_email_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (commitfest_id, submission_id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			authors = EXCLUDED.authors,
			last_email_time = EXCLUDED.last_email_time`,
		sub.CommitfestID, sub.SubmissionID, sub.Name, sub.Status, strings.Join(sub.Authors, ","), sub.LastEmailTime)
	return err
}

// TouchLastEmailTimeChecked records that the scheduler considered this
// submission during the current tick, independent of whether it was
// selected — used by the idempotence law that a no-op tick only changes
// this column.
func (s *Store) TouchLastEmailTimeChecked(commitfestID, submissionID int, when time.Time) error {
	_, err := s.db.Exec(`
		UPDATE submission SET last_email_time_checked = $3
		WHERE commitfest_id = $1 AND submission_id = $2`, commitfestID, submissionID, when)
	return err
}

// EligibleForNewPatch returns submissions ordered by last_email_time
// ascending (submission_id tie-break) satisfying spec 4.1 priority 1:
// eligible status, a non-null last_message_id that differs from
// last_branch_message_id, not on the ignore list (filtered by caller).
func (s *Store) EligibleForNewPatch(commitfestIDs []int) ([]model.Submission, error) {
	var subs []model.Submission
	query, args, err := sqlx.In(`
		SELECT * FROM submission
		WHERE commitfest_id IN (?)
		AND status IN (?)
		AND last_message_id IS NOT NULL
		AND (last_branch_message_id IS NULL OR last_message_id <> last_branch_message_id)
		ORDER BY last_email_time ASC, submission_id ASC`,
		commitfestIDs, statusStrings(model.EligibleStatuses))
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	if err := s.db.Select(&subs, query, args...); err != nil {
		return nil, err
	}
	return hydrate(subs), nil
}

// EligibleForBitrotSweep returns submissions ordered by last_branch_time
// ascending (nulls first), submission_id tie-break, satisfying spec 4.1
// priority 2's eligibility (the priority-1 conditions minus the "new
// patch" discriminator, which by construction none of these submissions
// satisfy — priority 1 would otherwise have picked them first) plus
// backoff gating.
func (s *Store) EligibleForBitrotSweep(commitfestIDs []int) ([]model.Submission, error) {
	var subs []model.Submission
	query, args, err := sqlx.In(`
		SELECT * FROM submission
		WHERE commitfest_id IN (?)
		AND status IN (?)
		AND last_message_id IS NOT NULL
		AND (backoff_until IS NULL OR backoff_until <= now())
		ORDER BY last_branch_time ASC NULLS FIRST, submission_id ASC`,
		commitfestIDs, statusStrings(model.EligibleStatuses))
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	if err := s.db.Select(&subs, query, args...); err != nil {
		return nil, err
	}
	return hydrate(subs), nil
}

// CountEligibleSubmissions counts submissions satisfying spec 4.1
// priority 2's eligible_count: the denominator of target_per_hour.
func (s *Store) CountEligibleSubmissions(commitfestIDs []int) (int, error) {
	var n int
	query, args, err := sqlx.In(`
		SELECT count(*) FROM submission
		WHERE commitfest_id IN (?) AND status IN (?)`,
		commitfestIDs, statusStrings(model.EligibleStatuses))
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)
	err = s.db.Get(&n, query, args...)
	return n, err
}

// CountRecentBranches returns how many submissions in commitfestIDs have
// last_branch_time within the last hour, for the bitrot sweep's
// target_per_hour comparison (spec 4.1 priority 2).
func (s *Store) CountRecentBranches(commitfestIDs []int, since time.Time) (int, error) {
	var n int
	query, args, err := sqlx.In(`
		SELECT count(*) FROM submission
		WHERE commitfest_id IN (?) AND last_branch_time >= ?`, commitfestIDs, since)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)
	err = s.db.Get(&n, query, args...)
	return n, err
}

// RecordMaterialisationAttempt applies the bookkeeping update common to
// both a successful and a failed branch materialisation (spec 4.1 steps 4
// and 5): last_message_id is always overwritten with the observed message,
// per the "ambiguity trap" of spec section 9 — this must happen even on
// apply failure.
func (s *Store) RecordMaterialisationAttempt(commitfestID, submissionID int, observedMessageID string, commitID *string, when time.Time) error {
	_, err := s.db.Exec(`
		UPDATE submission SET
			last_message_id = $3,
			last_branch_message_id = $3,
			last_branch_commit_id = $4,
			last_branch_time = $5
		WHERE commitfest_id = $1 AND submission_id = $2`,
		commitfestID, submissionID, observedMessageID, commitID, when)
	return err
}

// ClearBackoff implements the COMPLETED branch of Backoff Compute (spec
// 4.2.3).
func (s *Store) ClearBackoff(commitfestID, submissionID int) error {
	_, err := s.db.Exec(`
		UPDATE submission SET backoff_until = NULL, last_backoff_seconds = NULL
		WHERE commitfest_id = $1 AND submission_id = $2`, commitfestID, submissionID)
	return err
}

// ApplyBackoff implements the non-COMPLETED branch of Backoff Compute:
// last_backoff := COALESCE(last_backoff * 2, 1 day); backoff_until := now()
// + last_backoff.
func (s *Store) ApplyBackoff(commitfestID, submissionID int, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE submission SET
			last_backoff_seconds = COALESCE(last_backoff_seconds * 2, 86400),
			backoff_until = $3 + (COALESCE(last_backoff_seconds * 2, 86400) * interval '1 second')
		WHERE commitfest_id = $1 AND submission_id = $2`, commitfestID, submissionID, now)
	return err
}

// ResetForRequeue clears last_branch_message_id and backoff_until, per the
// /api/requeue-patch handler of spec section 6.
func (s *Store) ResetForRequeue(commitfestID, submissionID int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE submission SET last_branch_message_id = NULL, backoff_until = NULL
		WHERE commitfest_id = $1 AND submission_id = $2 AND last_message_id IS NOT NULL`,
		commitfestID, submissionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetSubmission fetches one submission, returning cierr-compatible
// sql.ErrNoRows when absent.
func (s *Store) GetSubmission(commitfestID, submissionID int) (*model.Submission, error) {
	var sub model.Submission
	err := s.db.Get(&sub, `SELECT * FROM submission WHERE commitfest_id = $1 AND submission_id = $2`, commitfestID, submissionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	h := hydrate([]model.Submission{sub})
	return &h[0], nil
}

// ListSubmissions returns every submission for the given commitfests,
// ordered by name, for status page generation (spec section 6's www/
// overview and per-author pages) — unlike EligibleForNewPatch/
// EligibleForBitrotSweep this is not filtered by scheduler eligibility.
func (s *Store) ListSubmissions(commitfestIDs []int) ([]model.Submission, error) {
	if len(commitfestIDs) == 0 {
		return nil, nil
	}
	var subs []model.Submission
	query, args, err := sqlx.In(`
		SELECT * FROM submission WHERE commitfest_id IN (?) ORDER BY name ASC`, commitfestIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)
	if err := s.db.Select(&subs, query, args...); err != nil {
		return nil, err
	}
	return hydrate(subs), nil
}

func hydrate(subs []model.Submission) []model.Submission {
	for i := range subs {
		if subs[i].AuthorsRaw != "" {
			subs[i].Authors = strings.Split(subs[i].AuthorsRaw, ",")
		}
		if subs[i].LastBackoffSeconds != nil {
			d := time.Duration(*subs[i].LastBackoffSeconds) * time.Second
			subs[i].LastBackoff = &d
		}
	}
	return subs
}

func statusStrings(statuses []model.SubmissionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
