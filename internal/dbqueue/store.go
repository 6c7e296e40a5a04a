// Package dbqueue is the system-of-record layer: the durable entity tables
// of spec section 3 plus the transactional work queue of spec section 4.4.
// It is the one package every other component depends on for persistence.
package dbqueue

import (
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps a Postgres connection pool with the entity and queue
// operations described in spec sections 3 and 4.4.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn using the lib/pq driver and wraps it in sqlx for
// struct-scanning query helpers.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, used by tests that inject a
// sqlmock connection instead of dialing a real Postgres instance.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sqlx.DB connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Every multi-statement CAS sequence in internal/cistate
// goes through this so the row locks described in
// spec section 5 ("Ordering guarantees") hold for the whole decision.
func (s *Store) WithTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
