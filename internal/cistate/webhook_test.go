package cistate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/macdice/cfbot/internal/dbqueue"
	"github.com/macdice/cfbot/internal/model"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := dbqueue.NewWithDB(sqlx.NewDb(db, "sqlmock"))
	return NewEngine(store, nil, nil, zap.NewNop().Sugar()), mock
}

// TestApplyBuildEventLostWebhookAccepted covers spec section 8's
// Scenario C: a build in CREATED receives an updated webhook claiming
// old_status=SCHEDULED, status=EXECUTING. Both the existing status and
// the webhook's old_status are pre-execution, so the special case in
// spec 4.2 accepts the transition even though existing != old_status.
func TestApplyBuildEventLostWebhookAccepted(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"build_id", "branch_name", "commit_id", "status", "created", "modified"}).
		AddRow("b1", "some-other-branch", "c1", model.StatusCreated, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM build WHERE build_id = \$1 FOR UPDATE`).
		WithArgs("b1").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE build SET status = \$2, modified = now\(\) WHERE build_id = \$1`).
		WithArgs("b1", model.StatusExecuting).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO build_status_history`).
		WithArgs("b1", model.StatusExecuting, sqlmock.AnyArg(), model.SourceWebhook).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := engine.ApplyBuildEvent(context.Background(), BuildEvent{
		Action:    "updated",
		BuildID:   "b1",
		Branch:    "some-other-branch",
		CommitID:  "c1",
		OldStatus: model.StatusScheduled,
		Status:    model.StatusExecuting,
	})
	if err != nil {
		t.Fatalf("ApplyBuildEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestApplyBuildEventGenuineDivergencePolls covers spec section 8's
// Scenario D: local state is EXECUTING, the webhook claims
// old_status=CREATED, status=COMPLETED. Neither CAS precondition holds,
// so the transition is rejected and poll-stale-build is enqueued instead
// of mutating local state.
func TestApplyBuildEventGenuineDivergencePolls(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"build_id", "branch_name", "commit_id", "status", "created", "modified"}).
		AddRow("b1", "some-other-branch", "c1", model.StatusExecuting, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM build WHERE build_id = \$1 FOR UPDATE`).
		WithArgs("b1").WillReturnRows(rows)
	mock.ExpectExec(`INSERT INTO work_queue`).
		WithArgs(model.JobPollStaleBuild, "b1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := engine.ApplyBuildEvent(context.Background(), BuildEvent{
		Action:    "updated",
		BuildID:   "b1",
		Branch:    "some-other-branch",
		CommitID:  "c1",
		OldStatus: model.StatusCreated,
		Status:    model.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("ApplyBuildEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestApplyBuildEventIdempotentReplayIsNoOp covers the "replaying the same
// webhook event twice yields the same state" round-trip law of spec
// section 8: existing status already equals the new status, so nothing
// is written beyond the lock.
func TestApplyBuildEventIdempotentReplayIsNoOp(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"build_id", "branch_name", "commit_id", "status", "created", "modified"}).
		AddRow("b1", "some-other-branch", "c1", model.StatusCompleted, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM build WHERE build_id = \$1 FOR UPDATE`).
		WithArgs("b1").WillReturnRows(rows)
	mock.ExpectCommit()

	err := engine.ApplyBuildEvent(context.Background(), BuildEvent{
		Action:    "updated",
		BuildID:   "b1",
		Branch:    "some-other-branch",
		CommitID:  "c1",
		OldStatus: model.StatusExecuting,
		Status:    model.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("ApplyBuildEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyBuildEventUnrecognisedActionIsDataViolation(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.ApplyBuildEvent(context.Background(), BuildEvent{Action: "deleted"})
	if err == nil {
		t.Fatal("expected a data violation error for an unrecognised action")
	}
}
