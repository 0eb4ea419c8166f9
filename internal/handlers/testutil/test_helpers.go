package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/api"
	"github.com/charlesng35/authkit/internal/app"
	iauth "github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/cache"
	sharedtestutil "github.com/charlesng35/authkit/internal/database/testutil"
	"github.com/charlesng35/authkit/internal/notifications"
	"github.com/charlesng35/authkit/internal/ratelimit"
	"github.com/charlesng35/authkit/internal/services"
	"github.com/charlesng35/authkit/pkg/response"
)

// StrongPassword passes the default entropy check.
const StrongPassword = "Corr3ct-Horse-Battery-Staple!"

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
	Auth   *services.AuthService
	Cache  *cache.MemoryStore
	Events *EventRecorder
	Config *app.Config
}

// EnvOption adjusts the configuration before the router is built.
type EnvOption func(*app.Config)

// WithRateLimit enables the endpoint limiter, which is off by default so flow tests are not throttled.
func WithRateLimit() EnvOption {
	return func(cfg *app.Config) {
		cfg.RateLimit.Enabled = true
	}
}

// WithAutoVerify registers accounts as already verified.
func WithAutoVerify() EnvOption {
	return func(cfg *app.Config) {
		cfg.Auth.AutoVerifyUsers = true
	}
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	cfg := &app.Config{
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: "test-suite-super-secret-key-32-bytes!!",
				Issuer: "test-suite",
				TTL:    time.Hour,
			},
			FrontendURL: "https://app.example.com",
			SiteName:    "Authkit",
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	store := cache.NewMemoryStore()
	events := &EventRecorder{}

	authSvc, err := services.NewAuthService(db, jwtSvc, iauth.NewRevocationList(store), events, cfg.Auth.ServiceConfig())
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		DB:      db,
		JWT:     jwtSvc,
		Auth:    authSvc,
		Limiter: ratelimit.NewPolicy(ratelimit.NewCounter(store)),
		Config:  cfg,
	})
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		JWT:    jwtSvc,
		Auth:   authSvc,
		Cache:  store,
		Events: events,
		Config: cfg,
	}
}

// EventRecorder captures published notification events instead of delivering them.
type EventRecorder struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (r *EventRecorder) Publish(event notifications.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Last returns the most recent event with the given action.
func (r *EventRecorder) Last(t *testing.T, action string) notifications.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Action == action {
			return r.events[i]
		}
	}
	t.Fatalf("no %s event published", action)
	return notifications.Event{}
}

// Count returns how many events with the given action were published.
func (r *EventRecorder) Count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Action == action {
			n++
		}
	}
	return n
}

// TokenFromEvent extracts the raw token from the link stored under key in the event context.
func TokenFromEvent(t *testing.T, event notifications.Event, key string) string {
	t.Helper()
	link, ok := event.Context[key].(string)
	require.True(t, ok, "event context has no %s", key)
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

// TokenPair mirrors the JWT pair returned by login and refresh.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// UserPayload captures the user fields returned from auth endpoints.
type UserPayload struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	IsVerified bool   `json:"is_verified"`
	IsActive   bool   `json:"is_active"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	Message string      `json:"message"`
	User    UserPayload `json:"user"`
	Tokens  TokenPair   `json:"tokens"`
}

// Register creates an account through the API and returns it.
func (e *Env) Register(email, password string) UserPayload {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/register", map[string]string{
		"email":            email,
		"password":         password,
		"password_confirm": password,
		"first_name":       "Test",
		"last_name":        "User",
	}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var payload struct {
		User UserPayload `json:"user"`
	}
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	require.NotEmpty(e.T, payload.User.ID)
	return payload.User
}

// Login authenticates with email and password and returns the issued token pair.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.Access)
	require.NotEmpty(e.T, result.Tokens.Refresh)
	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	buf := bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
