package models

import "time"

// TokenPurpose scopes a token to a single flow.
type TokenPurpose string

const (
	TokenPurposeEmailVerification TokenPurpose = "email_verification"
	TokenPurposePasswordReset     TokenPurpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p TokenPurpose) Valid() bool {
	return p == TokenPurposeEmailVerification || p == TokenPurposePasswordReset
}

// AuthToken is a single-use credential for email verification or password reset.
// Only the SHA-256 digest of the raw value is stored. Used moves from false to true once
// and rows are kept as an audit trail.
type AuthToken struct {
	BaseModel

	UserID    string       `gorm:"type:uuid;not null;index:idx_auth_tokens_user_purpose" json:"user_id"`
	User      *User        `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TokenHash string       `gorm:"uniqueIndex;not null;size:64" json:"-"`
	Purpose   TokenPurpose `gorm:"not null;size:32;index:idx_auth_tokens_user_purpose" json:"purpose"`
	ExpiresAt time.Time    `gorm:"index" json:"expires_at"`
	Used      bool         `gorm:"not null;default:false" json:"used"`
}

// IsValid reports whether the token can still be consumed at now.
func (t *AuthToken) IsValid(now time.Time) bool {
	return t != nil && !t.Used && now.Before(t.ExpiresAt)
}
