package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts field name from unique violation detail: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps database errors to AppError instances:
//   - pgx.ErrNoRows / sql.ErrNoRows → NotFound
//   - unique violations → Conflict (with the offending field when it can be determined)
//   - lock_not_available → LockTimeout
//   - serialization failures, deadlocks and connection exceptions → Unavailable
//   - check / not-null violations → Validation
//   - context timeouts/cancellations → Timeout/Canceled
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "database operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "database operation canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "value already exists",
			Field:   uniqueViolationField(pgErr),
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.LockNotAvailable:
		return &AppError{Code: ErrCodeLockTimeout, Message: "row lock not acquired", Cause: pgErr}
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected,
		pgerrcode.IsConnectionException(pgErr.Code):
		return &AppError{Code: ErrCodeUnavailable, Message: "transient database error", Cause: pgErr}
	case pgErr.Code == pgerrcode.QueryCanceled:
		return &AppError{Code: ErrCodeTimeout, Message: "statement timed out", Cause: pgErr}
	case pgErr.Code == pgerrcode.CheckViolation, pgErr.Code == pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "invalid value",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "database error", Cause: pgErr}
	}
}

// uniqueViolationField prefers ColumnName, then the constraint detail, then the constraint name.
func uniqueViolationField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return inferFieldFromConstraint(pgErr.ConstraintName, pgErr.TableName)
}

// inferFieldFromConstraint strips the table prefix and the _key/_pkey/_unique suffix.
// e.g. ("requests_message_id_key", "requests") → "message_id".
func inferFieldFromConstraint(constraint, table string) string {
	name := strings.TrimSpace(constraint)
	if name == "" {
		return ""
	}
	for _, suffix := range []string{"_pkey", "_key", "_unique", "_uniq"} {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	if table != "" && strings.HasPrefix(name, table+"_") {
		return strings.TrimPrefix(name, table+"_")
	}
	return ""
}
