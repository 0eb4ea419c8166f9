// Package identity persists user accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/crypto"
)

// ErrUserNotFound is returned when no account matches the lookup.
var ErrUserNotFound = errors.New("identity: user not found")

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source used for login timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Store is the GORM-backed user repository.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("identity store: db is required")
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

// Create hashes password and inserts user. Uniqueness violations are returned as-is for the
// caller to classify.
func (s *Store) Create(ctx context.Context, user *models.User, password string) error {
	if user == nil {
		return errors.New("identity store: user is required")
	}
	user.Email = models.NormalizeEmail(user.Email)
	if user.Email == "" {
		return errors.New("identity store: email is required")
	}

	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("identity store: hash password: %w", err)
	}
	user.Password = hashed

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("identity store: create user: %w", err)
	}
	return nil
}

// FindByEmail looks a user up by normalised address.
func (s *Store) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, ErrUserNotFound
	}
	return s.first(ctx, "email = ?", email)
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUserNotFound
	}
	return s.first(ctx, "id = ?", id)
}

func (s *Store) first(ctx context.Context, query string, arg any) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where(query, arg).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("identity store: find user: %w", err)
	}
	return &user, nil
}

// SetPassword replaces the stored hash.
func (s *Store) SetPassword(ctx context.Context, user *models.User, password string) error {
	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("identity store: hash password: %w", err)
	}
	if err := s.update(ctx, user, map[string]any{"password": hashed}); err != nil {
		return err
	}
	user.Password = hashed
	return nil
}

// VerifyPassword reports whether password matches the user's stored hash.
func (s *Store) VerifyPassword(user *models.User, password string) bool {
	if user == nil || user.Password == "" {
		return false
	}
	return crypto.VerifyPassword(user.Password, password)
}

func (s *Store) MarkVerified(ctx context.Context, user *models.User) error {
	if err := s.update(ctx, user, map[string]any{"is_verified": true}); err != nil {
		return err
	}
	user.IsVerified = true
	return nil
}

// TouchLogin records a successful login.
func (s *Store) TouchLogin(ctx context.Context, user *models.User, clientIP string) error {
	now := s.now()
	if err := s.update(ctx, user, map[string]any{
		"last_login_at": now,
		"last_login_ip": strings.TrimSpace(clientIP),
	}); err != nil {
		return err
	}
	user.LastLoginAt = &now
	user.LastLoginIP = strings.TrimSpace(clientIP)
	return nil
}

// Save persists every field of user.
func (s *Store) Save(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return errors.New("identity store: user is required")
	}
	user.Email = models.NormalizeEmail(user.Email)
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("identity store: save user: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, user *models.User, values map[string]any) error {
	if user == nil || user.ID == "" {
		return errors.New("identity store: user is required")
	}
	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("identity store: update user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
