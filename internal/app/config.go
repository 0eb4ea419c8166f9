package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the authkit server.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Auth          AuthConfig         `mapstructure:"auth"`
	RateLimit     RateLimitConfig    `mapstructure:"ratelimit"`
	Email         EmailConfig        `mapstructure:"email"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Maintenance   MaintenanceConfig  `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int        `mapstructure:"port"`
	LogLevel  string     `mapstructure:"log_level"`
	LogFormat string     `mapstructure:"log_format"`
	CORS      CORSConfig `mapstructure:"cors"`
}

// CORSConfig lists the browser origins allowed to call the API. Without an explicit list only
// auth.frontend_url is allowed.
type CORSConfig struct {
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends. Without Redis the SQL database holds counters and revocations.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT                  JWTSettings   `mapstructure:"jwt"`
	AutoVerifyUsers      bool          `mapstructure:"auto_verify_users"`
	VerificationTokenTTL time.Duration `mapstructure:"verification_token_ttl"`
	ResetTokenTTL        time.Duration `mapstructure:"reset_token_ttl"`
	FrontendURL          string        `mapstructure:"frontend_url"`
	SiteName             string        `mapstructure:"site_name"`
	PasswordMinEntropy   float64       `mapstructure:"password_min_entropy"`
}

// JWTSettings configures access and refresh tokens.
type JWTSettings struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	TTL        time.Duration `mapstructure:"access_token_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// RateLimitConfig toggles the endpoint limiter and its behaviour when the counter store fails.
type RateLimitConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	FailOpen bool `mapstructure:"fail_open"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Provider       string         `mapstructure:"provider"`
	APIKey         string         `mapstructure:"api_key"`
	From           string         `mapstructure:"from"`
	FromName       string         `mapstructure:"from_name"`
	TemplateSource string         `mapstructure:"template_source"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
	SendGrid       EndpointConfig `mapstructure:"sendgrid"`
	Resend         EndpointConfig `mapstructure:"resend"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EndpointConfig overrides the API base URL of an HTTP email provider.
type EndpointConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// NotificationConfig sizes the notification worker pool and its retry schedule.
type NotificationConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// MaintenanceConfig schedules the background cleanup jobs.
type MaintenanceConfig struct {
	EmailLogRetentionDays int    `mapstructure:"email_log_retention_days"`
	EmailLogSchedule      string `mapstructure:"email_log_schedule"`
	CacheSchedule         string `mapstructure:"cache_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("AUTHKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.cors.allow_credentials", true)
	v.SetDefault("server.cors.max_age", "12h")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/authkit.sqlite")
	v.SetDefault("database.dsn", "")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "authkit")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.jwt.refresh_token_ttl", "168h")
	v.SetDefault("auth.auto_verify_users", false)
	v.SetDefault("auth.verification_token_ttl", "24h")
	v.SetDefault("auth.reset_token_ttl", "1h")
	v.SetDefault("auth.frontend_url", "http://localhost:3000")
	v.SetDefault("auth.site_name", "Authkit")
	v.SetDefault("auth.password_min_entropy", 50)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.fail_open", false)

	v.SetDefault("email.enabled", true)
	v.SetDefault("email.provider", "console")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from", "no-reply@localhost")
	v.SetDefault("email.from_name", "")
	v.SetDefault("email.template_source", "db")
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")
	v.SetDefault("email.sendgrid.endpoint", "")
	v.SetDefault("email.resend.endpoint", "")

	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.initial_backoff", "60s")
	v.SetDefault("notifications.max_backoff", "10m")

	v.SetDefault("maintenance.email_log_retention_days", 90)
	v.SetDefault("maintenance.email_log_schedule", "@daily")
	v.SetDefault("maintenance.cache_schedule", "@every 15m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
