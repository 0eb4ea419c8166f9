package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/authkit/internal/app"
	"github.com/charlesng35/authkit/internal/cache"
	"github.com/charlesng35/authkit/internal/database"
)

func testConfig(t *testing.T, dbPath string) (*app.Config, bool) {
	t.Helper()

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Database.Path = dbPath

	generated, err := app.ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	return cfg, generated[app.JWTSecretKey]
}

func TestBootstrapRuntimeServesHealth(t *testing.T) {
	cfg, persist := testConfig(t, filepath.Join(t.TempDir(), "authkit.sqlite"))
	require.True(t, persist)

	stack, err := bootstrapRuntime(context.Background(), cfg, persist, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	require.Nil(t, stack.Redis)
	_, isDB := stack.Cache.(*cache.DatabaseStore)
	require.True(t, isDB)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	stack.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := database.GetSystemSetting(context.Background(), stack.DB, database.JWTSecretSetting)
	require.NoError(t, err)
	require.Equal(t, cfg.Auth.JWT.Secret, stored)
}

func TestBootstrapRuntimeReusesPersistedSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authkit.sqlite")

	first, persist := testConfig(t, path)
	stack, err := bootstrapRuntime(context.Background(), first, persist, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, stack.Shutdown(context.Background()))

	second, persist := testConfig(t, path)
	require.NotEqual(t, first.Auth.JWT.Secret, second.Auth.JWT.Secret)

	stack, err = bootstrapRuntime(context.Background(), second, persist, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	require.Equal(t, first.Auth.JWT.Secret, second.Auth.JWT.Secret)
}

func TestBootstrapRuntimeFallsBackWhenRedisUnavailable(t *testing.T) {
	cfg, persist := testConfig(t, filepath.Join(t.TempDir(), "authkit.sqlite"))
	cfg.Cache.Redis.Enabled = true
	cfg.Cache.Redis.Address = "127.0.0.1:1"

	stack, err := bootstrapRuntime(context.Background(), cfg, persist, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })

	require.Nil(t, stack.Redis)
	_, isDB := stack.Cache.(*cache.DatabaseStore)
	require.True(t, isDB)
}

func TestBootstrapRuntimeRejectsUnknownProvider(t *testing.T) {
	cfg, persist := testConfig(t, filepath.Join(t.TempDir(), "authkit.sqlite"))
	cfg.Email.Provider = "carrier-pigeon"

	_, err := bootstrapRuntime(context.Background(), cfg, persist, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "email transport")
}

func TestShutdownNilStack(t *testing.T) {
	var stack *runtimeStack
	require.NoError(t, stack.Shutdown(context.Background()))
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{
		Database: app.DatabaseConfig{
			Driver: " PostgreSQL ",
			Postgres: app.DBAuthConfig{
				Host:     "db.internal",
				Port:     5432,
				Database: "authkit",
				Username: "authkit",
				Password: "secret",
			},
		},
	}

	out := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", out.Driver)
	require.Equal(t, "db.internal", out.Host)
	require.Equal(t, 5432, out.Port)
	require.Equal(t, "authkit", out.Name)
	require.Equal(t, "secret", out.Password)

	cfg.Database = app.DatabaseConfig{Path: " ./data/x.sqlite "}
	out = convertDatabaseConfig(cfg)
	require.Equal(t, "sqlite", out.Driver)
	require.Equal(t, "./data/x.sqlite", out.Path)
}

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}
