package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// PostgreSQL error codes the repositories react to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

const couponOrderConstraint = "coupon_usages_coupon_order_key"

// inTx runs fn inside a read-committed transaction. The transaction is
// committed when fn returns nil and rolled back otherwise. Retryable
// PostgreSQL failures are reported as coupon.ErrConflict.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
	if err != nil {
		return classify(err)
	}
	return nil
}

// conflictError matches coupon.ErrConflict while keeping the PostgreSQL
// error in the chain.
type conflictError struct {
	err error
}

func (e *conflictError) Error() string { return "transaction conflict: " + e.err.Error() }

func (e *conflictError) Unwrap() error { return e.err }

func (e *conflictError) Is(target error) bool { return target == coupon.ErrConflict }

// classify maps transient lock and serialization failures to
// coupon.ErrConflict.
func classify(err error) error {
	if isRetryable(err) {
		return &conflictError{err: err}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
