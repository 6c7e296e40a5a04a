package dbqueue

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/macdice/cfbot/internal/model"
)

// defaultLease is the worker lease duration of spec section 4.4 step 3.
const defaultLease = 15 * time.Minute

// Enqueue inserts a NEW work_queue row and issues a wake-up notification on
// the well-known channel, per spec section 4.4 ("Producer contract").
func (s *Store) Enqueue(jobType model.JobType, key *string) error {
	_, err := s.db.Exec(`INSERT INTO work_queue (type, key, status) VALUES ($1, $2, 'NEW')`, jobType, key)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`SELECT pg_notify($1, '')`, notifyChannel)
	return err
}

// EnqueueIfNotExists provides best-effort deduplication: if a NEW row with
// the same (type, key) already exists and can be locked, it returns without
// inserting. The probe is a SELECT ... FOR UPDATE SKIP LOCKED inside its own
// short transaction, so it never blocks the caller; a matching row that a
// worker holds locked mid-claim is skipped and a fresh row is inserted,
// which is the safe direction to err on.
func (s *Store) EnqueueIfNotExists(jobType model.JobType, key string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		var id int64
		err := tx.Get(&id, `
			SELECT id FROM work_queue
			WHERE type = $1 AND key = $2 AND status = 'NEW'
			FOR UPDATE SKIP LOCKED LIMIT 1`, jobType, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := tx.Exec(`INSERT INTO work_queue (type, key, status) VALUES ($1, $2, 'NEW')`, jobType, key); err != nil {
			return err
		}
		_, err = tx.Exec(`SELECT pg_notify($1, '')`, notifyChannel)
		return err
	})
}

// Claim atomically claims one eligible row (NEW, or WORK with an expired
// lease) per spec section 4.4 steps 1-3: rows whose retries already exceed
// their type's retry_limit are marked FAIL in the same transaction and
// skipped, so every row gets one attempt plus retry_limit retries; the
// claimed row's retries is incremented and its lease extended.
func (s *Store) Claim() (*model.WorkItem, error) {
	return s.ClaimNotifyingFailures(nil)
}

// ClaimNotifyingFailures is Claim, but invokes onFail for every row it
// moves to terminal FAIL status (retries past retry_limit) before
// continuing to look for claimable work, so a caller can raise the
// retry-exhaustion alert of spec section 7. onFail may be nil.
func (s *Store) ClaimNotifyingFailures(onFail func(model.WorkItem)) (*model.WorkItem, error) {
	var item model.WorkItem
	err := s.WithTx(func(tx *sqlx.Tx) error {
		for {
			err := tx.Get(&item, `
				SELECT id, type, key, status, retries, lease FROM work_queue
				WHERE status = 'NEW' OR (status = 'WORK' AND lease < now())
				FOR UPDATE SKIP LOCKED LIMIT 1`)
			if err != nil {
				return err
			}

			if item.Retries > model.RetryLimit(item.Type) {
				if _, err := tx.Exec(`UPDATE work_queue SET status = 'FAIL' WHERE id = $1`, item.ID); err != nil {
					return err
				}
				if onFail != nil {
					onFail(item)
				}
				continue
			}

			lease := time.Now().Add(defaultLease)
			if _, err := tx.Exec(`
				UPDATE work_queue SET status = 'WORK', lease = $2, retries = retries + 1
				WHERE id = $1`, item.ID, lease); err != nil {
				return err
			}
			item.Status = model.QueueWork
			item.Retries++
			item.Lease = &lease
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Done deletes a successfully processed job row.
func (s *Store) Done(id int64) error {
	_, err := s.db.Exec(`DELETE FROM work_queue WHERE id = $1`, id)
	return err
}

// QueueDepth returns the number of rows per status, for metrics.
func (s *Store) QueueDepth() (map[model.QueueStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, count(*) FROM work_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depths := map[model.QueueStatus]int{}
	for rows.Next() {
		var status model.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		depths[status] = n
	}
	return depths, rows.Err()
}

const notifyChannel = "cfbot_work_queue"

// NotifyChannel is the LISTEN/NOTIFY channel name workers subscribe to.
func NotifyChannel() string { return notifyChannel }
