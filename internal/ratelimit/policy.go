package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/metrics"
)

// MethodAll matches every HTTP method.
const MethodAll = "ALL"

// Request carries the parts of an inbound request that identifier sources may read.
type Request struct {
	Method        string
	ClientAddress string
	UserID        string
	// Field looks up a named request field (JSON body, form or query). May be nil.
	Field func(name string) string
}

func (r Request) field(name string) string {
	if r.Field == nil {
		return ""
	}
	return r.Field(name)
}

// IdentifierSource picks the value a counter is keyed on. An empty result falls back to
// the client address.
type IdentifierSource interface {
	Identify(req Request) string
	String() string
}

type clientAddress struct{}

func (clientAddress) Identify(req Request) string { return req.ClientAddress }
func (clientAddress) String() string              { return "ip" }

type authenticatedUser struct{}

func (authenticatedUser) Identify(req Request) string { return req.UserID }
func (authenticatedUser) String() string              { return "user" }

type requestField struct{ name string }

func (s requestField) Identify(req Request) string {
	return strings.ToLower(strings.TrimSpace(req.field(s.name)))
}
func (s requestField) String() string { return "field:" + s.name }

type customSource struct{ fn func(Request) string }

func (s customSource) Identify(req Request) string {
	if s.fn == nil {
		return ""
	}
	return s.fn(req)
}
func (customSource) String() string { return "custom" }

// ClientAddress keys counters on the caller's network address.
func ClientAddress() IdentifierSource { return clientAddress{} }

// AuthenticatedUser keys counters on the user id, or the client address for anonymous callers.
func AuthenticatedUser() IdentifierSource { return authenticatedUser{} }

// RequestField keys counters on a request field such as "email". Values are trimmed and
// lower-cased so trivial variations share a budget.
func RequestField(name string) IdentifierSource { return requestField{name: name} }

// Custom keys counters on an arbitrary function of the request.
func Custom(fn func(Request) string) IdentifierSource { return customSource{fn: fn} }

// Rule limits one handler.
type Rule struct {
	Name       string
	Method     string
	Limit      int
	Window     time.Duration
	Identifier IdentifierSource
	// FlagOnly records the decision on the request instead of rejecting it.
	FlagOnly bool
}

func (r Rule) appliesTo(method string) bool {
	m := strings.TrimSpace(r.Method)
	return m == "" || strings.EqualFold(m, MethodAll) || strings.EqualFold(m, method)
}

// ParseRate parses shorthand such as "5/m", "3/h" or "100/minute" into a limit and window.
func ParseRate(rate string) (int, time.Duration, error) {
	countPart, periodPart, ok := strings.Cut(strings.TrimSpace(rate), "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: rate %q must look like 5/m", ErrInvalidRule, rate)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(countPart))
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("%w: rate %q has invalid count", ErrInvalidRule, rate)
	}

	var window time.Duration
	switch p := strings.ToLower(strings.TrimSpace(periodPart)); {
	case p == "s" || strings.HasPrefix(p, "sec"):
		window = time.Second
	case p == "m" || strings.HasPrefix(p, "min"):
		window = time.Minute
	case p == "h" || strings.HasPrefix(p, "hour"):
		window = time.Hour
	case p == "d" || strings.HasPrefix(p, "day"):
		window = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("%w: rate %q has unknown period", ErrInvalidRule, rate)
	}
	return limit, window, nil
}

// MustRule builds a rule from a rate string and panics on malformed input. Intended for static tables.
func MustRule(name, method, rate string, identifier IdentifierSource) Rule {
	limit, window, err := ParseRate(rate)
	if err != nil {
		panic(err)
	}
	return Rule{Name: name, Method: method, Limit: limit, Window: window, Identifier: identifier}
}

// Named returns a copy of r counted under its own action name.
func (r Rule) Named(name string) Rule {
	r.Name = name
	return r
}

// RuleSet is the limiter table for the authentication endpoints.
type RuleSet struct {
	Login              Rule
	Register           Rule
	ForgotPassword     Rule
	ResetPassword      Rule
	VerifyEmail        Rule
	ResendVerification Rule
	TokenRefresh       Rule
	APIRead            Rule
	APIWrite           Rule
}

// AuthRules returns the limits applied to the authentication endpoints. The values are part
// of the public contract of the API.
func AuthRules() RuleSet {
	return RuleSet{
		Login:              MustRule("login", "POST", "5/m", ClientAddress()),
		Register:           MustRule("register", "POST", "3/h", ClientAddress()),
		ForgotPassword:     MustRule("forgot_password", "POST", "3/h", RequestField("email")),
		ResetPassword:      MustRule("reset_password", "POST", "5/h", ClientAddress()),
		VerifyEmail:        MustRule("verify_email", "POST", "10/h", ClientAddress()),
		ResendVerification: MustRule("resend_verification", "POST", "3/h", AuthenticatedUser()),
		TokenRefresh:       MustRule("token_refresh", "POST", "20/m", ClientAddress()),
		APIRead:            MustRule("api_read", "GET", "100/m", AuthenticatedUser()),
		APIWrite:           MustRule("api_write", "POST", "50/m", AuthenticatedUser()),
	}
}

// Policy evaluates rules against requests. It is the only place limiter decisions are made.
type Policy struct {
	counter *Counter
	log     *zap.Logger
}

func NewPolicy(counter *Counter) *Policy {
	return &Policy{counter: counter, log: logger.WithModule("ratelimit")}
}

// Evaluate applies rule to req. Requests whose method the rule does not cover are skipped
// without consulting the counter.
func (p *Policy) Evaluate(ctx context.Context, rule Rule, req Request) (Decision, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !rule.appliesTo(method) {
		metrics.RateLimitDecisions.WithLabelValues(rule.Name, "skipped").Inc()
		return Decision{Allowed: true, Skipped: true, Limit: rule.Limit}, nil
	}

	identifier := resolveIdentifier(rule.Identifier, req)
	action := rule.Name + ":" + method
	key := DeriveKey(identifier, action)

	decision, err := p.counter.CheckAndIncrement(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues(rule.Name, "error").Inc()
		return Decision{}, err
	}

	if decision.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(rule.Name, "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(rule.Name, "limited").Inc()
		p.log.Info("rate limit exceeded",
			zap.String("action", action),
			zap.String("key", key),
			zap.Int("limit", rule.Limit),
			zap.Duration("retry_after", decision.RetryAfter),
		)
	}
	return decision, nil
}

func resolveIdentifier(source IdentifierSource, req Request) string {
	if source == nil {
		source = ClientAddress()
	}
	if id := strings.TrimSpace(source.Identify(req)); id != "" {
		return id
	}
	if addr := strings.TrimSpace(req.ClientAddress); addr != "" {
		return addr
	}
	return "unknown"
}
