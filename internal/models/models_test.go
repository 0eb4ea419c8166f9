package models

import (
	"testing"
	"time"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	if err := base.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if base.ID == "" {
		t.Fatal("expected base model ID to be generated")
	}
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *BaseModel
	}{
		{"auth_token", func() *BaseModel {
			m := &AuthToken{}
			return &m.BaseModel
		}},
		{"email_log", func() *BaseModel {
			m := &EmailLog{}
			return &m.BaseModel
		}},
		{"email_template", func() *BaseModel {
			m := &EmailTemplate{}
			return &m.BaseModel
		}},
	}

	for _, tc := range cases {
		base := tc.model()
		if err := base.BeforeCreate(nil); err != nil {
			t.Fatalf("%s: before create: %v", tc.name, err)
		}
		if base.ID == "" {
			t.Fatalf("%s: expected ID to be generated", tc.name)
		}
	}
}

func TestUserBeforeCreateNormalisesEmail(t *testing.T) {
	u := &User{Email: "  Alice@Example.COM "}
	if err := u.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if u.ID == "" {
		t.Fatal("expected user ID to be generated")
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("expected normalised email, got %q", u.Email)
	}
}

func TestUserFullName(t *testing.T) {
	if got := (&User{FirstName: "Ada", LastName: "Lovelace"}).FullName(); got != "Ada Lovelace" {
		t.Fatalf("unexpected full name %q", got)
	}
	if got := (&User{Email: "ada@example.com"}).FullName(); got != "ada@example.com" {
		t.Fatalf("expected email fallback, got %q", got)
	}
}

func TestAuthTokenIsValid(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	token := &AuthToken{ExpiresAt: now.Add(time.Minute)}

	if !token.IsValid(now) {
		t.Fatal("expected fresh token to be valid")
	}
	if token.IsValid(now.Add(time.Minute)) {
		t.Fatal("expected token to be invalid at expiry")
	}
	token.Used = true
	if token.IsValid(now) {
		t.Fatal("expected used token to be invalid")
	}
}

func TestTokenPurposeValid(t *testing.T) {
	if !TokenPurposePasswordReset.Valid() || !TokenPurposeEmailVerification.Valid() {
		t.Fatal("expected known purposes to be valid")
	}
	if TokenPurpose("invite").Valid() {
		t.Fatal("expected unknown purpose to be invalid")
	}
}
