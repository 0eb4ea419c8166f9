package services

import (
	"context"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/tokens"
	apperrors "github.com/charlesng35/authkit/pkg/errors"
)

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	// sqlite reports "UNIQUE constraint failed: users.email".
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") || strings.Contains(lower, "duplicate")
}

// infraError maps a storage failure onto the client-facing error. Timeouts and cancellations
// are reported as temporary unavailability.
func infraError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	return apperrors.ErrInternalServer.WithInternal(err)
}

// tokenError hides which of not-found, used or expired applied.
func tokenError(err error) error {
	if tokens.IsInvalid(err) {
		return apperrors.ErrTokenInvalid
	}
	return infraError(err)
}
