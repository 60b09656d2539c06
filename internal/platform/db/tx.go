package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const TxKey contextKey = "db_tx"

// ErrNoPool is returned when a transaction is requested without a database.
var ErrNoPool = errors.New("no database pool configured")

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxBeginner starts transactions. *pgxpool.Pool implements it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// ContextWithTx stores tx so repositories called with the returned context join it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// WithTx runs fn inside a transaction. If ctx already carries one, fn joins it
// and the outer caller owns commit and rollback.
func WithTx(ctx context.Context, beginner TxBeginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if beginner == nil {
		return ErrNoPool
	}
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AdvisoryLocker serializes work on string keys with transaction-scoped
// Postgres advisory locks. Locks are released at commit or rollback.
type AdvisoryLocker struct {
	beginner TxBeginner
}

func NewAdvisoryLocker(beginner TxBeginner) *AdvisoryLocker {
	return &AdvisoryLocker{beginner: beginner}
}

// WithLocks takes every key's lock in sorted order, then runs fn in the same
// transaction.
func (l *AdvisoryLocker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	return WithTx(ctx, l.beginner, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		for _, key := range SortedKeys(keys) {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
				return fmt.Errorf("advisory lock %s: %w", key, err)
			}
		}
		return fn(ctx)
	})
}

// SortedKeys returns keys deduplicated and in ascending order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
