package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/api"
	"github.com/charlesng35/authkit/internal/app"
	"github.com/charlesng35/authkit/internal/app/maintenance"
	iauth "github.com/charlesng35/authkit/internal/auth"
	"github.com/charlesng35/authkit/internal/cache"
	"github.com/charlesng35/authkit/internal/database"
	"github.com/charlesng35/authkit/internal/monitoring"
	"github.com/charlesng35/authkit/internal/notifications"
	"github.com/charlesng35/authkit/internal/ratelimit"
	"github.com/charlesng35/authkit/internal/services"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Cache      cache.Store
	Redis      *cache.RedisStore
	Dispatcher *notifications.Dispatcher
	Cleaner    *maintenance.Cleaner
	Router     *gin.Engine

	stopWorkers context.CancelFunc
}

// bootstrapRuntime initialises the database, the shared cache, the notification pipeline,
// the auth service and the HTTP router. persistSecret stores a generated JWT secret so
// issued tokens survive restarts.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, persistSecret bool, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background())
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if persistSecret {
		cfg.Auth.JWT.Secret, err = database.ResolveJWTSecret(ctx, stack.DB, cfg.Auth.JWT.Secret)
		if err != nil {
			return nil, fmt.Errorf("resolve jwt secret: %w", err)
		}
		log.Info("using generated jwt secret persisted in system settings")
	}

	dbStore := cache.NewDatabaseStore(stack.DB)
	stack.Cache = dbStore
	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisStore(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(err))
		} else {
			stack.Cache = stack.Redis
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	dispatcher, err := initialiseNotifications(stack.DB, cfg)
	if err != nil {
		return nil, err
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	stack.stopWorkers = cancel
	dispatcher.Start(workerCtx)
	stack.Dispatcher = dispatcher

	authSvc, err := services.NewAuthService(stack.DB, jwtSvc, iauth.NewRevocationList(stack.Cache), dispatcher, cfg.Auth.ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise auth service: %w", err)
	}

	// Redis expires keys itself; only the SQL cache needs sweeping.
	var purger cache.Purger
	if stack.Redis == nil {
		purger = dbStore
	}
	stack.Cleaner = maintenance.NewCleaner(stack.DB, purger,
		maintenance.WithEmailLogRetentionDays(cfg.Maintenance.EmailLogRetentionDays),
		maintenance.WithEmailLogSchedule(cfg.Maintenance.EmailLogSchedule),
		maintenance.WithCacheSchedule(cfg.Maintenance.CacheSchedule),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		DB:      stack.DB,
		JWT:     jwtSvc,
		Auth:    authSvc,
		Limiter: ratelimit.NewPolicy(ratelimit.NewCounter(stack.Cache)),
		Config:  cfg,
		Health:  stack.healthManager(),
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

func (s *runtimeStack) healthManager() *monitoring.HealthManager {
	manager := monitoring.NewHealthManager()
	manager.RegisterReadiness(monitoring.Database(s.DB, 0))
	if s.Redis != nil {
		manager.RegisterReadiness(monitoring.Cache("redis", s.Redis, 0))
	} else {
		manager.RegisterReadiness(monitoring.Cache("database", nil, 0))
	}
	return manager
}

func initialiseNotifications(db *gorm.DB, cfg *app.Config) (*notifications.Dispatcher, error) {
	transport, err := mail.NewTransport(cfg.Email.TransportSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise email transport: %w", err)
	}

	renderer, err := notifications.NewRenderer(db, cfg.Email.Source())
	if err != nil {
		return nil, fmt.Errorf("initialise template renderer: %w", err)
	}

	emailSvc, err := notifications.NewEmailService(db, transport, renderer,
		notifications.WithSender(cfg.Email.From, cfg.Email.FromName),
		notifications.WithRetryPolicy(cfg.Notifications.RetryPolicy()),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise email service: %w", err)
	}

	dispatcher, err := notifications.NewDispatcher(cfg.DispatcherConfig(), notifications.DefaultRegistry(), emailSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise notification dispatcher: %w", err)
	}

	logger.WithModule("bootstrap").Info("notifications ready",
		zap.String("provider", transport.Name()),
		zap.Bool("enabled", cfg.Email.Enabled),
	)
	return dispatcher, nil
}

// Shutdown drains queued notifications, stops background jobs and releases resources.
// Every step runs; failures are combined.
func (s *runtimeStack) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs error

	if s.Dispatcher != nil {
		if err := s.Dispatcher.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("drain notifications: %w", err))
		}
	}
	if s.stopWorkers != nil {
		s.stopWorkers()
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errs
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}
