// Package tokens manages single-use verification and password reset tokens.
//
// A token moves through issued -> used or issued -> expired. The used flag only ever goes
// from false to true, and rows are never deleted. Consumption marks the token used with a
// conditional update inside the caller's transaction, so of two concurrent consumers only
// one can succeed.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/crypto"
	"github.com/charlesng35/authkit/pkg/metrics"
)

const (
	// DefaultVerificationTTL is the lifetime of email verification tokens.
	DefaultVerificationTTL = 24 * time.Hour
	// DefaultResetTTL is the lifetime of password reset tokens.
	DefaultResetTTL = time.Hour

	defaultTokenBytes = 32
)

var (
	ErrTokenNotFound = errors.New("tokens: not found")
	ErrTokenUsed     = errors.New("tokens: already used")
	ErrTokenExpired  = errors.New("tokens: expired")
)

// IsInvalid reports whether err means the presented token cannot be consumed.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenUsed) || errors.Is(err, ErrTokenExpired)
}

// Token is an issued token. Raw is only available at issuance.
type Token struct {
	Raw    string
	Record models.AuthToken
}

// ApplyFunc runs inside the consuming transaction after the token was marked used.
type ApplyFunc func(tx *gorm.DB, user *models.User) error

// Option customises a Store.
type Option func(*Store)

// WithClock injects a custom time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Store issues and consumes tokens.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("token store: db is required")
	}
	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cpy := *s
	cpy.db = tx
	return &cpy
}

// Issue creates a token for userID. Issuing a password reset token first invalidates every
// unused reset token of the user, so at most one is valid at a time.
func (s *Store) Issue(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (*Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("token store: user id is required")
	}
	if !purpose.Valid() {
		return nil, fmt.Errorf("token store: unknown purpose %q", purpose)
	}
	if ttl <= 0 {
		ttl = defaultTTL(purpose)
	}

	raw, err := crypto.GenerateToken(defaultTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("token store: generate token: %w", err)
	}

	record := models.AuthToken{
		UserID:    userID,
		TokenHash: crypto.HashToken(raw),
		Purpose:   purpose,
		ExpiresAt: s.now().Add(ttl),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if purpose == models.TokenPurposePasswordReset {
			if _, err := invalidateUnused(tx, userID, purpose); err != nil {
				return err
			}
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("token store: create token: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.TokenOperations.WithLabelValues(string(purpose), "issue", "error").Inc()
		return nil, err
	}

	metrics.TokenOperations.WithLabelValues(string(purpose), "issue", "success").Inc()
	return &Token{Raw: raw, Record: record}, nil
}

// Consume validates raw, marks it used and runs apply against the token's user, all in one
// transaction. An error from apply rolls the whole unit back, leaving the token unused.
func (s *Store) Consume(ctx context.Context, raw string, purpose models.TokenPurpose, apply ApplyFunc) (*models.User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		s.recordConsume(purpose, ErrTokenNotFound)
		return nil, ErrTokenNotFound
	}

	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var token models.AuthToken
		if err := tx.Where("token_hash = ? AND purpose = ?", crypto.HashToken(raw), purpose).
			First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotFound
			}
			return fmt.Errorf("token store: find token: %w", err)
		}

		if token.Used {
			return ErrTokenUsed
		}
		if !s.now().Before(token.ExpiresAt) {
			return ErrTokenExpired
		}

		result := tx.Model(&models.AuthToken{}).
			Where("id = ? AND used = ?", token.ID, false).
			Update("used", true)
		if result.Error != nil {
			return fmt.Errorf("token store: mark used: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrTokenUsed
		}

		if err := tx.Where("id = ?", token.UserID).First(&user).Error; err != nil {
			return fmt.Errorf("token store: load user: %w", err)
		}

		if apply != nil {
			return apply(tx, &user)
		}
		return nil
	})
	s.recordConsume(purpose, err)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// InvalidateUnused marks every unused token of userID for purpose as used.
func (s *Store) InvalidateUnused(ctx context.Context, userID string, purpose models.TokenPurpose) (int64, error) {
	return invalidateUnused(s.db.WithContext(ctx), userID, purpose)
}

// Valid returns the user's tokens for purpose that can still be consumed.
func (s *Store) Valid(ctx context.Context, userID string, purpose models.TokenPurpose) ([]models.AuthToken, error) {
	var out []models.AuthToken
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND purpose = ? AND used = ? AND expires_at > ?", userID, purpose, false, s.now()).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("token store: list tokens: %w", err)
	}
	return out, nil
}

func (s *Store) recordConsume(purpose models.TokenPurpose, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenNotFound):
		result = "not_found"
	case errors.Is(err, ErrTokenUsed):
		result = "used"
	case errors.Is(err, ErrTokenExpired):
		result = "expired"
	default:
		result = "error"
	}
	metrics.TokenOperations.WithLabelValues(string(purpose), "consume", result).Inc()
}

func invalidateUnused(tx *gorm.DB, userID string, purpose models.TokenPurpose) (int64, error) {
	result := tx.Model(&models.AuthToken{}).
		Where("user_id = ? AND purpose = ? AND used = ?", userID, purpose, false).
		Update("used", true)
	if result.Error != nil {
		return 0, fmt.Errorf("token store: invalidate tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func defaultTTL(purpose models.TokenPurpose) time.Duration {
	if purpose == models.TokenPurposePasswordReset {
		return DefaultResetTTL
	}
	return DefaultVerificationTTL
}
