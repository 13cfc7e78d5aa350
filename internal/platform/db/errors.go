package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories react to.
const (
	CodeExclusionViolation  = "23P01"
	CodeForeignKeyViolation = "23503"
	CodeUniqueViolation     = "23505"
	CodeCheckViolation      = "23514"
	CodeSerializationFail   = "40001"
	CodeDeadlockDetected    = "40P01"
)

// PgError unwraps err into a *pgconn.PgError, or nil.
func PgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

// HasCode reports whether err carries the given SQLSTATE.
func HasCode(err error, code string) bool {
	pgErr := PgError(err)
	return pgErr != nil && pgErr.Code == code
}

// ConstraintName returns the violated constraint, if any.
func ConstraintName(err error) string {
	if pgErr := PgError(err); pgErr != nil {
		return pgErr.ConstraintName
	}
	return ""
}

// IsNoRows reports whether err means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsRetryable reports transient transaction failures.
func IsRetryable(err error) bool {
	return HasCode(err, CodeSerializationFail) || HasCode(err, CodeDeadlockDetected)
}
