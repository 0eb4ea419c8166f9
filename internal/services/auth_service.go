package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/identity"
	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/internal/notifications"
	"github.com/charlesng35/authkit/internal/tokens"
	"github.com/charlesng35/authkit/pkg/crypto"
	apperrors "github.com/charlesng35/authkit/pkg/errors"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/metrics"
)

// ForgotPasswordMessage is returned for every forgot-password request, whether or not the
// address belongs to an account.
const ForgotPasswordMessage = "If the email exists, a password reset link has been sent."

// ErrInvalidRefreshToken is returned for malformed, expired, revoked or foreign refresh tokens.
var ErrInvalidRefreshToken = apperrors.New("INVALID_TOKEN", "Invalid token", http.StatusUnauthorized)

// AuthConfig carries the knobs of the authentication flows.
type AuthConfig struct {
	AutoVerifyUsers      bool
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
	FrontendURL          string
	PasswordMinEntropy   float64
}

// RegisterInput describes a self-service registration.
type RegisterInput struct {
	Email           string
	Password        string
	PasswordConfirm string
	FirstName       string
	LastName        string
}

// LoginInput carries credentials and the caller's address.
type LoginInput struct {
	Email    string
	Password string
	ClientIP string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	User   *models.User
	Tokens iauth.TokenPair
}

// ResetPasswordInput completes a password reset.
type ResetPasswordInput struct {
	Token              string
	NewPassword        string
	NewPasswordConfirm string
}

// ChangePasswordInput changes the password of an authenticated user.
type ChangePasswordInput struct {
	OldPassword        string
	NewPassword        string
	NewPasswordConfirm string
}

// AuthOption customises the AuthService.
type AuthOption func(*authOptions)

type authOptions struct {
	now func() time.Time
}

// WithAuthClock injects the time source shared by the user and token stores.
func WithAuthClock(clock func() time.Time) AuthOption {
	return func(o *authOptions) {
		if clock != nil {
			o.now = clock
		}
	}
}

// AuthService orchestrates registration, login, password and verification flows. Every
// mutation runs in one transaction; notifications are published only after it commits.
type AuthService struct {
	db          *gorm.DB
	users       *identity.Store
	tokens      *tokens.Store
	jwt         *iauth.JWTService
	revocations *iauth.RevocationList
	publisher   notifications.Publisher
	cfg         AuthConfig
	log         *zap.Logger
}

func NewAuthService(db *gorm.DB, jwt *iauth.JWTService, revocations *iauth.RevocationList, publisher notifications.Publisher, cfg AuthConfig, opts ...AuthOption) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if jwt == nil {
		return nil, errors.New("auth service: jwt service is required")
	}
	if revocations == nil {
		return nil, errors.New("auth service: revocation list is required")
	}
	if publisher == nil {
		publisher = notifications.PublisherFunc(func(notifications.Event) error { return nil })
	}
	if cfg.VerificationTokenTTL <= 0 {
		cfg.VerificationTokenTTL = tokens.DefaultVerificationTTL
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = tokens.DefaultResetTTL
	}

	options := authOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}

	users, err := identity.NewStore(db, identity.WithClock(options.now))
	if err != nil {
		return nil, err
	}
	tokenStore, err := tokens.NewStore(db, tokens.WithClock(options.now))
	if err != nil {
		return nil, err
	}

	return &AuthService{
		db:          db,
		users:       users,
		tokens:      tokenStore,
		jwt:         jwt,
		revocations: revocations,
		publisher:   publisher,
		cfg:         cfg,
		log:         logger.WithModule("auth"),
	}, nil
}

// Register creates an account and a verification token in one transaction.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	email := models.NormalizeEmail(input.Email)
	if email == "" {
		return nil, apperrors.NewFieldError("email", "Email is required")
	}
	if input.Password != input.PasswordConfirm {
		return nil, apperrors.ErrPasswordMismatch.WithField("password")
	}
	if err := s.checkStrength(input.Password, "password"); err != nil {
		return nil, err
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, apperrors.ErrEmailTaken.WithField("email")
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return nil, infraError(err)
	}

	user := &models.User{
		Email:      email,
		FirstName:  strings.TrimSpace(input.FirstName),
		LastName:   strings.TrimSpace(input.LastName),
		IsVerified: s.cfg.AutoVerifyUsers,
		IsActive:   true,
	}

	var token *tokens.Token
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.users.WithTx(tx).Create(ctx, user, input.Password); err != nil {
			return err
		}

		issued, err := s.tokens.WithTx(tx).Issue(ctx, user.ID, models.TokenPurposeEmailVerification, s.cfg.VerificationTokenTTL)
		if err != nil {
			return err
		}
		token = issued

		// Auto-verified accounts keep the token as a record but it can never be redeemed.
		if s.cfg.AutoVerifyUsers {
			if _, err := s.tokens.WithTx(tx).InvalidateUnused(ctx, user.ID, models.TokenPurposeEmailVerification); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrEmailTaken.WithField("email")
		}
		return nil, infraError(err)
	}

	s.log.Info("user registered", zap.String("user_id", user.ID), zap.Bool("auto_verified", user.IsVerified))

	if user.IsVerified {
		s.publish(notifications.Event{Action: notifications.ActionEmailVerified, Recipient: user.Email, User: user})
	} else {
		s.publish(notifications.Event{
			Action:    notifications.ActionUserRegistered,
			Recipient: user.Email,
			User:      user,
			Context:   map[string]any{"verification_url": frontendLink(s.cfg.FrontendURL, "/verify-email", token.Raw)},
		})
	}
	return user, nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnPasswordCheck spends the same bcrypt work as a real check so unknown emails do not
// answer faster than wrong passwords.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = crypto.HashPassword("authkit-timing-equaliser")
	})
	_ = crypto.VerifyPassword(dummyHash, password)
}

// Login verifies credentials and issues a token pair.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	user, err := s.users.FindByEmail(ctx, input.Email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			burnPasswordCheck(input.Password)
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, infraError(err)
	}

	if !s.users.VerifyPassword(user, input.Password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}
	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("disabled").Inc()
		return nil, apperrors.ErrAccountDisabled
	}

	if err := s.users.TouchLogin(ctx, user, input.ClientIP); err != nil {
		return nil, infraError(err)
	}

	pair, err := s.jwt.GenerateTokenPair(user.ID, user.Email)
	if err != nil {
		return nil, infraError(err)
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.log.Info("user logged in", zap.String("user_id", user.ID))
	return &LoginResult{User: user, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new pair and revokes the presented one.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (iauth.TokenPair, error) {
	ctx = ensureContext(ctx)

	claims, err := s.validRefreshClaims(ctx, refreshToken)
	if err != nil {
		return iauth.TokenPair{}, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return iauth.TokenPair{}, ErrInvalidRefreshToken
		}
		return iauth.TokenPair{}, infraError(err)
	}
	if !user.IsActive {
		return iauth.TokenPair{}, apperrors.ErrAccountDisabled
	}

	claimed, err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return iauth.TokenPair{}, apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	if !claimed {
		// A concurrent refresh or logout already spent this token.
		return iauth.TokenPair{}, ErrInvalidRefreshToken
	}

	pair, err := s.jwt.GenerateTokenPair(user.ID, user.Email)
	if err != nil {
		return iauth.TokenPair{}, infraError(err)
	}
	return pair, nil
}

// Logout blacklists the refresh token until it would have expired. The token must belong to userID.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	ctx = ensureContext(ctx)

	claims, err := s.validRefreshClaims(ctx, refreshToken)
	if err != nil {
		return err
	}
	if userID != "" && claims.UserID != userID {
		return ErrInvalidRefreshToken
	}

	claimed, err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	if !claimed {
		return ErrInvalidRefreshToken
	}
	s.log.Info("user logged out", zap.String("user_id", claims.UserID))
	return nil
}

func (s *AuthService) validRefreshClaims(ctx context.Context, refreshToken string) (*iauth.Claims, error) {
	claims, err := s.jwt.ValidateRefreshToken(strings.TrimSpace(refreshToken))
	if err != nil {
		return nil, ErrInvalidRefreshToken.WithInternal(err)
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	if revoked {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

// ForgotPassword issues a reset token when the account exists. The result is the same
// either way; only infrastructure failures surface as errors.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	ctx = ensureContext(ctx)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return ForgotPasswordMessage, nil
		}
		return "", infraError(err)
	}

	token, err := s.tokens.Issue(ctx, user.ID, models.TokenPurposePasswordReset, s.cfg.ResetTokenTTL)
	if err != nil {
		return "", infraError(err)
	}

	s.publish(notifications.Event{
		Action:    notifications.ActionPasswordReset,
		Recipient: user.Email,
		User:      user,
		Context:   map[string]any{"reset_url": frontendLink(s.cfg.FrontendURL, "/reset-password", token.Raw)},
	})
	return ForgotPasswordMessage, nil
}

// ResetPassword consumes a reset token and sets the new password.
func (s *AuthService) ResetPassword(ctx context.Context, input ResetPasswordInput) error {
	ctx = ensureContext(ctx)

	if input.NewPassword != input.NewPasswordConfirm {
		return apperrors.ErrPasswordMismatch.WithField("new_password")
	}
	if err := s.checkStrength(input.NewPassword, "new_password"); err != nil {
		return err
	}

	user, err := s.tokens.Consume(ctx, input.Token, models.TokenPurposePasswordReset, func(tx *gorm.DB, user *models.User) error {
		if err := s.users.WithTx(tx).SetPassword(ctx, user, input.NewPassword); err != nil {
			return err
		}
		// A second outstanding link from a race must not survive the reset.
		_, err := s.tokens.WithTx(tx).InvalidateUnused(ctx, user.ID, models.TokenPurposePasswordReset)
		return err
	})
	if err != nil {
		return tokenError(err)
	}

	s.log.Info("password reset", zap.String("user_id", user.ID))
	s.publish(notifications.Event{Action: notifications.ActionPasswordChanged, Recipient: user.Email, User: user})
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var alreadyVerified bool
	user, err := s.tokens.Consume(ctx, token, models.TokenPurposeEmailVerification, func(tx *gorm.DB, user *models.User) error {
		alreadyVerified = user.IsVerified
		if alreadyVerified {
			return nil
		}
		return s.users.WithTx(tx).MarkVerified(ctx, user)
	})
	if err != nil {
		return nil, tokenError(err)
	}

	if !alreadyVerified {
		s.log.Info("email verified", zap.String("user_id", user.ID))
		s.publish(notifications.Event{Action: notifications.ActionEmailVerified, Recipient: user.Email, User: user})
	}
	return user, nil
}

// ChangePassword replaces the password after checking the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, input ChangePasswordInput) error {
	ctx = ensureContext(ctx)

	if input.NewPassword != input.NewPasswordConfirm {
		return apperrors.ErrPasswordMismatch.WithField("new_password")
	}

	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.users.VerifyPassword(user, input.OldPassword) {
		return apperrors.ErrOldPasswordIncorrect.WithField("old_password")
	}
	if err := s.checkStrength(input.NewPassword, "new_password"); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.users.WithTx(tx).SetPassword(ctx, user, input.NewPassword)
	})
	if err != nil {
		return infraError(err)
	}

	s.log.Info("password changed", zap.String("user_id", user.ID))
	s.publish(notifications.Event{Action: notifications.ActionPasswordChanged, Recipient: user.Email, User: user})
	return nil
}

// ResendVerification issues a fresh verification token for an unverified account.
func (s *AuthService) ResendVerification(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsVerified {
		return apperrors.ErrAlreadyVerified
	}

	token, err := s.tokens.Issue(ctx, user.ID, models.TokenPurposeEmailVerification, s.cfg.VerificationTokenTTL)
	if err != nil {
		return infraError(err)
	}

	s.publish(notifications.Event{
		Action:    notifications.ActionUserRegistered,
		Recipient: user.Email,
		User:      user,
		Context:   map[string]any{"verification_url": frontendLink(s.cfg.FrontendURL, "/verify-email", token.Raw)},
	})
	return nil
}

// CurrentUser loads the account of an authenticated caller.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.FindByID(ensureContext(ctx), userID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, infraError(err)
	}
	return user, nil
}

func (s *AuthService) checkStrength(password, field string) error {
	if err := crypto.CheckPasswordStrength(password, s.cfg.PasswordMinEntropy); err != nil {
		return apperrors.New(apperrors.ErrWeakPassword.Code, err.Error(), apperrors.ErrWeakPassword.StatusCode).WithField(field)
	}
	return nil
}

func (s *AuthService) publish(event notifications.Event) {
	if err := s.publisher.Publish(event); err != nil {
		s.log.Error("publish notification",
			zap.String("action", event.Action),
			zap.Error(fmt.Errorf("auth service: %w", err)),
		)
	}
}
