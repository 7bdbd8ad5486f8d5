// Package postgres provides PostgreSQL-backed storage for chat messages,
// reports, notifications and topic counters. Every counter read-modify-write
// runs inside a transaction that holds a row lock on the counted row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agoranews/agora-live/internal/apperror"
)

// Postgres error codes used to classify driver failures.
const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
)

// defaultBulkChunk bounds the number of rows per multi-row INSERT.
const defaultBulkChunk = 500

// Store implements the persistence interfaces of the chat, notify and topic
// packages on a single connection pool.
type Store struct {
	db        *sql.DB
	bulkChunk int
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, bulkChunk: defaultBulkChunk}
}

// Open connects to PostgreSQL and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// internal wraps a driver error as an INTERNAL application error.
func internal(op string, err error) error {
	return apperror.Internal("storage failure", fmt.Errorf("postgres: %s: %w", op, err))
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func pqConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

func isForeignKeyViolation(err error) bool { return pqCode(err) == pqForeignKeyViolation }

func isUniqueViolation(err error) bool { return pqCode(err) == pqUniqueViolation }
