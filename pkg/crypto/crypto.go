package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

// DefaultMinPasswordEntropy is the minimum entropy accepted for new passwords.
const DefaultMinPasswordEntropy = 50

// HashPassword returns a bcrypt hash of the supplied password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the hashed password with the plaintext candidate.
func VerifyPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// CheckPasswordStrength rejects passwords whose estimated entropy is below minEntropy.
// A non-positive minEntropy falls back to DefaultMinPasswordEntropy.
func CheckPasswordStrength(password string, minEntropy float64) error {
	if minEntropy <= 0 {
		minEntropy = DefaultMinPasswordEntropy
	}
	return passwordvalidator.Validate(password, minEntropy)
}

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// HashToken returns the hex encoded SHA-256 digest used to persist opaque tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
