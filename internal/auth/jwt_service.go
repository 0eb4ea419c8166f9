package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
	DefaultAccessTokenTTL = 15 * time.Minute
	// DefaultRefreshTokenTTL defines the fallback validity period for refresh tokens.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access tokens from refresh tokens so one cannot stand in for the other.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// ErrWrongTokenType is returned when a token of the other type is presented.
var ErrWrongTokenType = errors.New("jwt: wrong token type")

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret          string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// Claims represents the custom claims embedded in issued JWTs. ID (jti) is unique per token.
type Claims struct {
	UserID string    `json:"uid"`
	Email  string    `json:"email,omitempty"`
	Type   TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// JWTService is responsible for issuing and validating JSON Web Tokens.
type JWTService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTService constructs a JWTService instance when provided with the required configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}, nil
}

// GenerateTokenPair issues a fresh access and refresh token for the user.
func (s *JWTService) GenerateTokenPair(userID, email string) (TokenPair, error) {
	access, accessExp, err := s.sign(userID, email, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(userID, email, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// GenerateAccessToken issues a signed access token.
func (s *JWTService) GenerateAccessToken(userID, email string) (string, error) {
	token, _, err := s.sign(userID, email, TokenTypeAccess, s.accessTTL)
	return token, err
}

// ValidateAccessToken parses and validates an access token.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenTypeAccess)
}

// ValidateRefreshToken parses and validates a refresh token.
func (s *JWTService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenTypeRefresh)
}

func (s *JWTService) sign(userID, email string, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("jwt: user id is required")
	}

	now := s.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		UserID: userID,
		Email:  email,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, expiresAt, nil
}

func (s *JWTService) validate(tokenString string, want TokenType) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("jwt: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("jwt: invalid issuer")
	}

	if claims.UserID == "" {
		return nil, errors.New("jwt: missing user id claim")
	}

	if claims.Type != want {
		return nil, ErrWrongTokenType
	}

	return &claims, nil
}
