package dbqueue

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// TestUpdateBranchBuildSkipsTimeoutBranches exercises spec section 9's
// "timeout is terminal and sticky" design note: the WHERE clause excludes
// status='timeout' so a later build transition never resurrects a
// timed-out branch, matching invariant 3 of spec section 8.
func TestUpdateBranchBuildSkipsTimeoutBranches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewWithDB(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE branch SET build_id = COALESCE\(\$2, build_id\), status = \$3, modified = now\(\) WHERE id = \$1 AND status <> 'timeout'`).
		WithArgs(int64(5), "b2", model.BranchFinished).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var changed bool
	err = store.WithTx(func(tx *sqlx.Tx) error {
		var txErr error
		changed, txErr = store.UpdateBranchBuild(tx, 5, strPtr("b2"), model.BranchFinished)
		return txErr
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if changed {
		t.Fatal("expected no rows affected for a branch already in timeout")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func strPtr(s string) *string { return &s }
