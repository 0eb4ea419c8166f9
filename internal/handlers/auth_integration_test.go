package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authkit/internal/handlers/testutil"
	"github.com/charlesng35/authkit/internal/notifications"
	"github.com/charlesng35/authkit/internal/services"
)

func requireErrorCode(t *testing.T, env *testutil.Env, status int, code string, method, path string, body any, token string) testutil.APIResponse {
	t.Helper()
	w := env.Request(method, path, body, token)
	require.Equal(t, status, w.Code, w.Body.String())
	resp := testutil.DecodeResponse(t, w)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code, w.Body.String())
	return resp
}

func TestAuthHandler_RegisterAndVerifyEmail(t *testing.T) {
	env := testutil.NewEnv(t)

	user := env.Register("New.User@Example.com", testutil.StrongPassword)
	require.Equal(t, "new.user@example.com", user.Email)
	require.False(t, user.IsVerified)

	event := env.Events.Last(t, notifications.ActionUserRegistered)
	require.Equal(t, "new.user@example.com", event.Recipient)
	token := testutil.TokenFromEvent(t, event, "verification_url")

	w := env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{"token": token}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, env.Events.Count(notifications.ActionEmailVerified))

	requireErrorCode(t, env, http.StatusBadRequest, "TOKEN_INVALID",
		http.MethodPost, "/api/auth/verify-email", map[string]string{"token": token}, "")

	login := env.Login("new.user@example.com", testutil.StrongPassword)
	require.True(t, login.User.IsVerified)
}

func TestAuthHandler_RegisterValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := requireErrorCode(t, env, http.StatusBadRequest, "PASSWORD_MISMATCH",
		http.MethodPost, "/api/auth/register", map[string]string{
			"email":            "mismatch@example.com",
			"password":         testutil.StrongPassword,
			"password_confirm": testutil.StrongPassword + "x",
		}, "")
	require.Equal(t, "password", resp.Error.Field)

	resp = requireErrorCode(t, env, http.StatusBadRequest, "BAD_REQUEST",
		http.MethodPost, "/api/auth/register", map[string]string{
			"email":            "not-an-email",
			"password":         testutil.StrongPassword,
			"password_confirm": testutil.StrongPassword,
		}, "")
	require.Contains(t, resp.Error.Message, "email must be a valid email address")

	resp = requireErrorCode(t, env, http.StatusBadRequest, "WEAK_PASSWORD",
		http.MethodPost, "/api/auth/register", map[string]string{
			"email":            "weak@example.com",
			"password":         "password",
			"password_confirm": "password",
		}, "")
	require.Equal(t, "password", resp.Error.Field)

	env.Register("taken@example.com", testutil.StrongPassword)
	requireErrorCode(t, env, http.StatusConflict, "EMAIL_TAKEN",
		http.MethodPost, "/api/auth/register", map[string]string{
			"email":            "TAKEN@example.com",
			"password":         testutil.StrongPassword,
			"password_confirm": testutil.StrongPassword,
		}, "")

	w := env.Request(http.MethodPost, "/api/auth/register", nil, "")
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestAuthHandler_LoginRefreshLogout(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("flow@example.com", testutil.StrongPassword)

	requireErrorCode(t, env, http.StatusUnauthorized, "INVALID_CREDENTIALS",
		http.MethodPost, "/api/auth/login", map[string]string{"email": "flow@example.com", "password": "wrong-password"}, "")
	requireErrorCode(t, env, http.StatusUnauthorized, "INVALID_CREDENTIALS",
		http.MethodPost, "/api/auth/login", map[string]string{"email": "nobody@example.com", "password": "wrong-password"}, "")

	login := env.Login("flow@example.com", testutil.StrongPassword)
	require.Equal(t, "Login successful", login.Message)

	me := env.Request(http.MethodGet, "/api/auth/me", nil, login.Tokens.Access)
	require.Equal(t, http.StatusOK, me.Code, me.Body.String())
	var user testutil.UserPayload
	testutil.DecodeInto(t, testutil.DecodeResponse(t, me).Data, &user)
	require.Equal(t, "flow@example.com", user.Email)
	require.NotContains(t, me.Body.String(), "password")

	// A refresh token is not an access token.
	requireErrorCode(t, env, http.StatusUnauthorized, "UNAUTHORIZED",
		http.MethodGet, "/api/auth/me", nil, login.Tokens.Refresh)

	refreshed := env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{"refresh": login.Tokens.Refresh}, "")
	require.Equal(t, http.StatusOK, refreshed.Code, refreshed.Body.String())
	var pair testutil.TokenPair
	testutil.DecodeInto(t, testutil.DecodeResponse(t, refreshed).Data, &pair)
	require.NotEmpty(t, pair.Access)
	require.NotEqual(t, login.Tokens.Refresh, pair.Refresh)

	// Rotation revokes the presented token.
	requireErrorCode(t, env, http.StatusUnauthorized, services.ErrInvalidRefreshToken.Code,
		http.MethodPost, "/api/auth/refresh", map[string]string{"refresh": login.Tokens.Refresh}, "")

	requireErrorCode(t, env, http.StatusUnauthorized, "UNAUTHORIZED",
		http.MethodPost, "/api/auth/logout", map[string]string{"refresh": pair.Refresh}, "")

	logout := env.Request(http.MethodPost, "/api/auth/logout", map[string]string{"refresh": pair.Refresh}, pair.Access)
	require.Equal(t, http.StatusOK, logout.Code, logout.Body.String())

	requireErrorCode(t, env, http.StatusUnauthorized, services.ErrInvalidRefreshToken.Code,
		http.MethodPost, "/api/auth/refresh", map[string]string{"refresh": pair.Refresh}, "")
}

func TestAuthHandler_LogoutRejectsForeignRefreshToken(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("alice@example.com", testutil.StrongPassword)
	env.Register("bob@example.com", testutil.StrongPassword)

	alice := env.Login("alice@example.com", testutil.StrongPassword)
	bob := env.Login("bob@example.com", testutil.StrongPassword)

	requireErrorCode(t, env, http.StatusUnauthorized, services.ErrInvalidRefreshToken.Code,
		http.MethodPost, "/api/auth/logout", map[string]string{"refresh": bob.Tokens.Refresh}, alice.Tokens.Access)

	w := env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{"refresh": bob.Tokens.Refresh}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAuthHandler_ForgotAndResetPassword(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("reset@example.com", testutil.StrongPassword)

	known := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "reset@example.com"}, "")
	unknown := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "ghost@example.com"}, "")
	require.Equal(t, http.StatusOK, known.Code, known.Body.String())
	require.Equal(t, http.StatusOK, unknown.Code, unknown.Body.String())
	require.JSONEq(t, known.Body.String(), unknown.Body.String())
	require.Contains(t, known.Body.String(), services.ForgotPasswordMessage)
	require.Equal(t, 1, env.Events.Count(notifications.ActionPasswordReset))

	token := testutil.TokenFromEvent(t, env.Events.Last(t, notifications.ActionPasswordReset), "reset_url")
	newPassword := "An0ther-Very-Long-Passphrase!"

	resp := requireErrorCode(t, env, http.StatusBadRequest, "PASSWORD_MISMATCH",
		http.MethodPost, "/api/auth/reset-password", map[string]string{
			"token":                token,
			"new_password":         newPassword,
			"new_password_confirm": "different",
		}, "")
	require.Equal(t, "new_password", resp.Error.Field)

	w := env.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token":                token,
		"new_password":         newPassword,
		"new_password_confirm": newPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, env.Events.Count(notifications.ActionPasswordChanged))

	requireErrorCode(t, env, http.StatusBadRequest, "TOKEN_INVALID",
		http.MethodPost, "/api/auth/reset-password", map[string]string{
			"token":                token,
			"new_password":         newPassword,
			"new_password_confirm": newPassword,
		}, "")

	requireErrorCode(t, env, http.StatusUnauthorized, "INVALID_CREDENTIALS",
		http.MethodPost, "/api/auth/login", map[string]string{"email": "reset@example.com", "password": testutil.StrongPassword}, "")
	env.Login("reset@example.com", newPassword)
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("change@example.com", testutil.StrongPassword)
	login := env.Login("change@example.com", testutil.StrongPassword)
	newPassword := "Brand-New-Passphrase-2024!"

	resp := requireErrorCode(t, env, http.StatusBadRequest, "OLD_PASSWORD_INCORRECT",
		http.MethodPost, "/api/auth/change-password", map[string]string{
			"old_password":         "not-my-password",
			"new_password":         newPassword,
			"new_password_confirm": newPassword,
		}, login.Tokens.Access)
	require.Equal(t, "old_password", resp.Error.Field)

	w := env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"old_password":         testutil.StrongPassword,
		"new_password":         newPassword,
		"new_password_confirm": newPassword,
	}, login.Tokens.Access)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.Login("change@example.com", newPassword)
}

func TestAuthHandler_ResendVerification(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Register("pending@example.com", testutil.StrongPassword)
	login := env.Login("pending@example.com", testutil.StrongPassword)

	requireErrorCode(t, env, http.StatusUnauthorized, "UNAUTHORIZED",
		http.MethodPost, "/api/auth/resend-verification", nil, "")

	w := env.Request(http.MethodPost, "/api/auth/resend-verification", nil, login.Tokens.Access)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 2, env.Events.Count(notifications.ActionUserRegistered))

	// The resent link verifies the account.
	token := testutil.TokenFromEvent(t, env.Events.Last(t, notifications.ActionUserRegistered), "verification_url")
	w = env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{"token": token}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	requireErrorCode(t, env, http.StatusConflict, "ALREADY_VERIFIED",
		http.MethodPost, "/api/auth/resend-verification", nil, login.Tokens.Access)
}

func TestAuthHandler_AutoVerifiedRegistration(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithAutoVerify())

	user := env.Register("auto@example.com", testutil.StrongPassword)
	require.True(t, user.IsVerified)
	require.Zero(t, env.Events.Count(notifications.ActionUserRegistered))
	require.Equal(t, 1, env.Events.Count(notifications.ActionEmailVerified))
}

func TestAuthHandler_RateLimitedRegistration(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithRateLimit())

	for _, email := range []string{"one@example.com", "two@example.com", "three@example.com"} {
		env.Register(email, testutil.StrongPassword)
	}

	w := env.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":            "four@example.com",
		"password":         testutil.StrongPassword,
		"password_confirm": testutil.StrongPassword,
	}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Rate limit exceeded. Please try again later.", body["error"])
	require.Greater(t, body["retry_after"], float64(0))
}

func TestAuthHandler_RateLimitedForgotPasswordIsPerEmail(t *testing.T) {
	env := testutil.NewEnv(t, testutil.WithRateLimit())

	forgot := func(email string) int {
		return env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": email}, "").Code
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, forgot("target@example.com"))
	}
	require.Equal(t, http.StatusTooManyRequests, forgot("target@example.com"))
	require.Equal(t, http.StatusOK, forgot("other@example.com"))
}
