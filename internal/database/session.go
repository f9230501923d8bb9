// internal/database/session.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Session is the one store handle shared by every crawl worker. All access is
// serialised by its guard and runs inside a single open transaction that is
// committed once per batch.
type Session struct {
	db      *DB
	guard   sync.Locker
	queries *Queries
	tx      *sql.Tx
}

// NewSession returns a session over db. With concurrent=false the guard is a no-op.
func NewSession(db *DB, concurrent bool) *Session {
	var guard sync.Locker = noopLocker{}
	if concurrent {
		guard = &sync.Mutex{}
	}
	return &Session{db: db, guard: guard, queries: db.Queries()}
}

// Do runs fn with exclusive access to the store, beginning a transaction if none is open.
func (s *Session) Do(ctx context.Context, fn func(q Querier) error) error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.tx == nil {
		// The transaction outlives the worker that opened it.
		tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		s.tx = tx
	}
	return fn(s.queries.WithTx(s.tx))
}

// Commit makes the current batch durable. It is a no-op when nothing is open.
func (s *Session) Commit() error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the current batch.
func (s *Session) Rollback() error {
	s.guard.Lock()
	defer s.guard.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// QueryCount returns the number of statements issued through the session.
func (s *Session) QueryCount() int64 {
	return s.queries.QueryCount()
}
