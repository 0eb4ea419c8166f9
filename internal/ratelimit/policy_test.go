package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authkit/internal/cache"
)

type spyStore struct {
	cache.Store
	calls int
	keys  []string
}

func (s *spyStore) IncrementIfBelow(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	s.calls++
	s.keys = append(s.keys, key)
	return s.Store.IncrementIfBelow(ctx, key, limit, window)
}

func newSpyPolicy() (*Policy, *spyStore) {
	spy := &spyStore{Store: cache.NewMemoryStore()}
	return NewPolicy(NewCounter(spy)), spy
}

func TestPolicySkipsOtherMethodsWithoutCounting(t *testing.T) {
	policy, spy := newSpyPolicy()
	rule := AuthRules().Login

	decision, err := policy.Evaluate(context.Background(), rule, Request{Method: "GET", ClientAddress: "198.51.100.1"})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, decision.Skipped)
	require.Zero(t, spy.calls)
}

func TestPolicyBuildsActionFromRuleAndMethod(t *testing.T) {
	policy, spy := newSpyPolicy()

	_, err := policy.Evaluate(context.Background(), AuthRules().Login, Request{Method: "post", ClientAddress: "198.51.100.1"})
	require.NoError(t, err)
	require.Equal(t, []string{DeriveKey("198.51.100.1", "login:POST")}, spy.keys)
}

func TestPolicyLimitsLoginPerAddress(t *testing.T) {
	policy, _ := newSpyPolicy()
	rule := AuthRules().Login
	req := Request{Method: "POST", ClientAddress: "198.51.100.1"}

	for i := 0; i < rule.Limit; i++ {
		d, err := policy.Evaluate(context.Background(), rule, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := policy.Evaluate(context.Background(), rule, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterSeconds(), 0)

	other, err := policy.Evaluate(context.Background(), rule, Request{Method: "POST", ClientAddress: "198.51.100.2"})
	require.NoError(t, err)
	require.True(t, other.Allowed)
}

func TestPolicyNamedRulesCountSeparately(t *testing.T) {
	policy, _ := newSpyPolicy()
	write := AuthRules().APIWrite
	changePassword := write.Named("change_password")
	logout := write.Named("logout")
	req := Request{Method: "POST", UserID: "42"}

	require.Equal(t, "api_write", write.Name)
	require.Equal(t, write.Limit, logout.Limit)
	require.Equal(t, write.Window, logout.Window)

	for i := 0; i < changePassword.Limit; i++ {
		d, err := policy.Evaluate(context.Background(), changePassword, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := policy.Evaluate(context.Background(), changePassword, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = policy.Evaluate(context.Background(), logout, req)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestPolicyIdentifierFallbacks(t *testing.T) {
	rules := AuthRules()

	cases := []struct {
		name string
		rule Rule
		req  Request
		want string
	}{
		{
			name: "anonymous user falls back to address",
			rule: rules.ResendVerification,
			req:  Request{Method: "POST", ClientAddress: "10.0.0.1"},
			want: "10.0.0.1",
		},
		{
			name: "authenticated user",
			rule: rules.ResendVerification,
			req:  Request{Method: "POST", ClientAddress: "10.0.0.1", UserID: "user-1"},
			want: "user-1",
		},
		{
			name: "email field normalised",
			rule: rules.ForgotPassword,
			req: Request{Method: "POST", ClientAddress: "10.0.0.1", Field: func(name string) string {
				if name == "email" {
					return " Alice@Example.com "
				}
				return ""
			}},
			want: "alice@example.com",
		},
		{
			name: "missing email falls back to address",
			rule: rules.ForgotPassword,
			req:  Request{Method: "POST", ClientAddress: "10.0.0.1"},
			want: "10.0.0.1",
		},
		{
			name: "custom",
			rule: Rule{Name: "custom", Method: MethodAll, Limit: 1, Window: time.Minute, Identifier: Custom(func(r Request) string { return "tenant-" + r.UserID })},
			req:  Request{Method: "DELETE", UserID: "7"},
			want: "tenant-7",
		},
		{
			name: "nothing known",
			rule: rules.Login,
			req:  Request{Method: "POST"},
			want: "unknown",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy, spy := newSpyPolicy()
			_, err := policy.Evaluate(context.Background(), tc.rule, tc.req)
			require.NoError(t, err)
			require.Len(t, spy.keys, 1)
			require.Equal(t, DeriveKey(tc.want, tc.rule.Name+":"+strings.ToUpper(tc.req.Method)), spy.keys[0])
		})
	}
}

func TestAuthRulesTable(t *testing.T) {
	rules := AuthRules()

	cases := []struct {
		rule       Rule
		name       string
		limit      int
		window     time.Duration
		method     string
		identifier string
	}{
		{rules.Login, "login", 5, time.Minute, "POST", "ip"},
		{rules.Register, "register", 3, time.Hour, "POST", "ip"},
		{rules.ForgotPassword, "forgot_password", 3, time.Hour, "POST", "field:email"},
		{rules.ResetPassword, "reset_password", 5, time.Hour, "POST", "ip"},
		{rules.VerifyEmail, "verify_email", 10, time.Hour, "POST", "ip"},
		{rules.ResendVerification, "resend_verification", 3, time.Hour, "POST", "user"},
		{rules.TokenRefresh, "token_refresh", 20, time.Minute, "POST", "ip"},
		{rules.APIRead, "api_read", 100, time.Minute, "GET", "user"},
		{rules.APIWrite, "api_write", 50, time.Minute, "POST", "user"},
	}

	for _, tc := range cases {
		require.Equal(t, tc.name, tc.rule.Name)
		require.Equal(t, tc.limit, tc.rule.Limit, tc.name)
		require.Equal(t, tc.window, tc.rule.Window, tc.name)
		require.Equal(t, tc.method, tc.rule.Method, tc.name)
		require.Equal(t, tc.identifier, tc.rule.Identifier.String(), tc.name)
	}
}

func TestParseRate(t *testing.T) {
	limit, window, err := ParseRate("100/minute")
	require.NoError(t, err)
	require.Equal(t, 100, limit)
	require.Equal(t, time.Minute, window)

	limit, window, err = ParseRate("1000/day")
	require.NoError(t, err)
	require.Equal(t, 1000, limit)
	require.Equal(t, 24*time.Hour, window)

	for _, bad := range []string{"", "5", "x/m", "0/m", "5/fortnight"} {
		_, _, err := ParseRate(bad)
		require.ErrorIs(t, err, ErrInvalidRule, bad)
	}

	require.Panics(t, func() { MustRule("bad", "POST", "nope", ClientAddress()) })
}
