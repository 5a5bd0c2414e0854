package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the stores need. pgx.Tx satisfies it too,
// so store methods work unchanged inside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxDB additionally starts transactions, for the code paths that take the
// target row lock.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgFKViolation      = "23503"
)

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// lockTarget takes an exclusive, non-blocking lock on the target row. The
// target row serializes backups, restores and retention cleanup for one
// target: all three lock it before their critical sections. Contention maps
// to ErrTargetLocked instead of blocking, so callers fail or skip with
// bounded latency.
func lockTarget(ctx context.Context, db DB, targetID string) error {
	var id string
	err := db.QueryRow(ctx, `SELECT id FROM targets WHERE id = $1 FOR UPDATE NOWAIT`, targetID).Scan(&id)
	if err != nil {
		if isPgError(err, pgLockNotAvailable) {
			return ErrTargetLocked
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTargetNotFound
		}
		return err
	}
	return nil
}
