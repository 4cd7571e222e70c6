package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeTooManyConnections  = "53300"
)

// classify maps pgx errors onto rbac error kinds, keeping the cause.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pgstore: %s: %w", op, rbac.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("pgstore: %s: %w: %s already exists", op, rbac.ErrValidation, pgErr.ConstraintName)
		case pgErr.Code == codeForeignKeyViolation:
			return fmt.Errorf("pgstore: %s: %w", op, rbac.ErrNotFound)
		case unavailableCode(pgErr.Code):
			return fmt.Errorf("pgstore: %s: %w: %w", op, rbac.ErrStorageUnavailable, err)
		}
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
	if unavailable(err) {
		return fmt.Errorf("pgstore: %s: %w: %w", op, rbac.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

// unavailableCode covers connection exceptions (class 08), admin shutdown
// and crash recovery (57P01..57P03) and connection exhaustion.
func unavailableCode(code string) bool {
	return strings.HasPrefix(code, "08") ||
		code == "57P01" || code == "57P02" || code == "57P03" ||
		code == codeTooManyConnections
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
