package app

import (
	"strings"

	"github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/services"
	"github.com/charlesng35/authkit/internal/tokens"
)

const defaultIssuer = "authkit"

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	refreshTTL := c.JWT.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = auth.DefaultRefreshTokenTTL
	}

	issuer := strings.TrimSpace(c.JWT.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}

	return auth.JWTConfig{
		Secret:          c.JWT.Secret,
		Issuer:          issuer,
		AccessTokenTTL:  ttl,
		RefreshTokenTTL: refreshTTL,
	}
}

// ServiceConfig converts AuthConfig into AuthService parameters.
func (c AuthConfig) ServiceConfig() services.AuthConfig {
	verificationTTL := c.VerificationTokenTTL
	if verificationTTL <= 0 {
		verificationTTL = tokens.DefaultVerificationTTL
	}

	resetTTL := c.ResetTokenTTL
	if resetTTL <= 0 {
		resetTTL = tokens.DefaultResetTTL
	}

	return services.AuthConfig{
		AutoVerifyUsers:      c.AutoVerifyUsers,
		VerificationTokenTTL: verificationTTL,
		ResetTokenTTL:        resetTTL,
		FrontendURL:          strings.TrimRight(strings.TrimSpace(c.FrontendURL), "/"),
		PasswordMinEntropy:   c.PasswordMinEntropy,
	}
}
