package crypto

import (
	"encoding/base64"
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if !VerifyPassword(hash, "secret") {
		t.Fatal("expected password verification to succeed")
	}

	if VerifyPassword(hash, "incorrect") {
		t.Fatal("expected password verification to fail")
	}
}

func TestCheckPasswordStrength(t *testing.T) {
	if err := CheckPasswordStrength("password", 0); err == nil {
		t.Fatal("expected weak password to be rejected")
	}
	if err := CheckPasswordStrength("Correct-Horse-Battery-Staple-42", 0); err != nil {
		t.Fatalf("expected strong password to pass: %v", err)
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("expected url-safe token: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 random bytes, got %d", len(raw))
	}

	other, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if token == other {
		t.Fatal("expected distinct tokens")
	}
}

func TestHashToken(t *testing.T) {
	first := HashToken("abc")
	if first != HashToken("abc") {
		t.Fatal("expected deterministic hash")
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(first))
	}
	if first == HashToken("abd") {
		t.Fatal("expected different inputs to hash differently")
	}
}
