// Package store provides the data access layer for the jobs table.
// All queries go through pgx native connections on a shared pgxpool;
// the claim path relies on FOR UPDATE SKIP LOCKED inside a single
// UPDATE statement, so concurrent workers never select overlapping rows.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for job rows.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests, ad-hoc maintenance queries).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
