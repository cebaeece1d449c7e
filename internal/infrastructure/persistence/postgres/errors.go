package postgres

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pulsepoint/pulsepoint-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// Converts driver errors into the shared taxonomy. The Progression Store
// retries ServiceUnavailable and Timeout kinds and nothing else.
// ══════════════════════════════════════════════════════════════════════════════

// SQLSTATE codes the repository reacts to.
const (
	codeUniqueViolation       = "23505"
	codeForeignKeyViolation   = "23503"
	codeInsufficientPrivilege = "42501"
	codeInvalidAuthorization  = "28000"
	codeInvalidPassword       = "28P01"
	codeSerializationFailure  = "40001"
	codeDeadlockDetected      = "40P01"
	codeAdminShutdown         = "57P01"
	codeCannotConnectNow      = "57P03"
	codeTooManyConnections    = "53300"
)

// IsUniqueViolation checks if the error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// IsForeignKeyViolation checks if the error is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return pgCode(err) == codeForeignKeyViolation
}

// IsNoRows checks if the error is a "no rows" error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapError wraps err with the kind the store understands.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := shared.ErrInvalidState
	msg := "durable store error"

	switch code := pgCode(err); {
	case IsNoRows(err), code == codeForeignKeyViolation:
		kind, msg = shared.ErrNotFound, "progress record not found"
	case code == codeUniqueViolation:
		kind, msg = shared.ErrAlreadyExists, "progress record already exists"
	case code == codeInsufficientPrivilege, code == codeInvalidAuthorization, code == codeInvalidPassword:
		kind, msg = shared.ErrPermission, "write rejected for this identity"
	case code == codeSerializationFailure, code == codeDeadlockDetected,
		code == codeAdminShutdown, code == codeCannotConnectNow, code == codeTooManyConnections,
		len(code) == 5 && code[:2] == "08":
		kind, msg = shared.ErrServiceUnavailable, "durable store unavailable"
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		kind, msg = shared.ErrTimeout, "durable store timeout"
	case isConnectionError(err):
		kind, msg = shared.ErrServiceUnavailable, "durable store unreachable"
	}

	return shared.WrapError("durable", op, kind, msg, err)
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	var netErr net.Error
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.As(err, &connErr) ||
		errors.As(err, &netErr) ||
		pgconn.SafeToRetry(err)
}
