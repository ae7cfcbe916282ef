package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Write error classes, used for logging and metrics rather than control
// flow — callers that need to branch on a specific condition (like the
// foreign-key retry in execUpsertObservations, postgres.go) inspect the
// pgconn error directly.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// pgForeignKeyViolation is the Postgres SQLSTATE for a foreign key
// constraint violation (23503). The observation writer uses this to
// detect a missing parent trace row and recover with a placeholder
// insert rather than surfacing a write failure.
const pgForeignKeyViolation = "23503"

// isForeignKeyViolation reports whether err is a Postgres foreign-key
// constraint violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// classifyWriteError maps a store write error to one of the defined
// error classes so operators can alert on failure categories rather than
// opaque driver error strings.
func classifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgForeignKeyViolation, strings.HasPrefix(pgErr.Code, "23"):
			return WriteErrorClassConstraint
		case strings.HasPrefix(pgErr.Code, "40"):
			return WriteErrorClassContention
		case strings.HasPrefix(pgErr.Code, "08"):
			return WriteErrorClassConnection
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "no such host"):
		return WriteErrorClassConnection
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return WriteErrorClassTimeout
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "could not serialize"):
		return WriteErrorClassContention
	case strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "violates check constraint"),
		strings.Contains(msg, "duplicate key"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}
