package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// PostgreSQL error codes that are safe to retry
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeNumericOutOfRange    = "22003"
)

// remainingQuantityCheck guards medicine_lines.remaining_quantity >= 0
const remainingQuantityCheck = "medicine_lines_remaining_quantity_check"

// mapError classifies driver failures into domain error kinds.
// Domain errors returned from inside a transaction pass through untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
			return fmt.Errorf("%w: %s (%s)", medorder.ErrTransient, pgErr.Message, pgErr.Code)
		case codeCheckViolation:
			if pgErr.ConstraintName == remainingQuantityCheck {
				return fmt.Errorf("%w: %s", medorder.ErrInsufficientQuantity, pgErr.Message)
			}
			return fmt.Errorf("%w: %s", medorder.ErrInvalidInput, pgErr.Message)
		case codeNumericOutOfRange:
			return fmt.Errorf("%w: %s", medorder.ErrInvalidInput, pgErr.Message)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", medorder.ErrNotFound, pgErr.Message)
		}
		return err
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", medorder.ErrTransient, err)
	}
	return err
}
