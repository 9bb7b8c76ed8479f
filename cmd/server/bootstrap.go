package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/api"
	"github.com/charlesng35/netgate/internal/app"
	"github.com/charlesng35/netgate/internal/app/maintenance"
	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/cache"
	"github.com/charlesng35/netgate/internal/database"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/firewall"
	"github.com/charlesng35/netgate/internal/middleware"
	"github.com/charlesng35/netgate/internal/services"
)

// runtimeStack bundles the long-lived pieces of the gateway.
type runtimeStack struct {
	DB          *gorm.DB
	Redis       cache.Store
	Coordinator *access.Coordinator
	Cleaner     *maintenance.Cleaner
	Router      *gin.Engine
}

// bootstrapRuntime initialises the database, caches, the firewall driver,
// the access coordinator, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if password, created, err := database.EnsureAdminUser(stack.DB); err != nil {
		return nil, fmt.Errorf("ensure admin user: %w", err)
	} else if created {
		// Printed once on first run; only the hash is persisted.
		log.Info("created bootstrap admin account",
			zap.String("username", database.BootstrapAdminUsername),
			zap.String("password", password))
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed operations", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	switch {
	case stack.Redis != nil:
		sessionCfg.Cache = iauth.NewSessionStoreCache(stack.Redis)
	default:
		sessionCfg.Cache = iauth.NewSessionStoreCache(dbStore)
	}

	sessionSvc, err := iauth.NewSessionService(stack.DB, jwtSvc, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	verifier, err := iauth.NewVerifier(jwtSvc, stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise token verifier: %w", err)
	}

	provider, err := iauth.NewLocalProvider(stack.DB, cfg.Auth.LocalProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise auth provider: %w", err)
	}

	registry, err := devices.NewRegistry(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise device registry: %w", err)
	}

	connectionSvc, err := services.NewConnectionService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise connection service: %w", err)
	}

	auditSvc, err := services.NewAuditService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise audit service: %w", err)
	}

	userSvc, err := services.NewUserService(stack.DB, auditSvc)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	driver := firewall.NewIPTablesDriver(cfg.Firewall.DriverConfig(cfg.Server.Port))
	if err := driver.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialise firewall chain: %w", err)
	}

	stack.Coordinator, err = access.NewCoordinator(access.Deps{
		Provider:    provider,
		Sessions:    sessionSvc,
		Registry:    registry,
		Driver:      driver,
		Connections: connectionSvc,
		Audit:       auditSvc,
	}, cfg.Firewall.CoordinatorConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise access coordinator: %w", err)
	}

	if cfg.Firewall.ResyncOnStart {
		restored, resyncErr := stack.Coordinator.Resync(ctx)
		if resyncErr != nil {
			log.Warn("firewall resync incomplete", zap.Int("restored", restored), zap.Error(resyncErr))
		} else if restored > 0 {
			log.Info("firewall grants restored", zap.Int("restored", restored))
		}
	}

	stack.Cleaner = maintenance.NewCleaner(sessionSvc, auditSvc,
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithCachePurge(dbStore),
		maintenance.WithIdleSweep(stack.Coordinator, cfg.Devices.IdleTimeout),
		maintenance.WithSessionSchedule(cfg.Maintenance.SessionSchedule),
		maintenance.WithAuditSchedule(cfg.Maintenance.AuditSchedule),
		maintenance.WithSweepSchedule(cfg.Maintenance.SweepSchedule),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	var rateStore middleware.RateStore
	switch {
	case stack.Redis != nil:
		rateStore = middleware.NewSharedRateStore(stack.Redis)
	default:
		rateStore = middleware.NewSharedRateStore(dbStore)
	}

	stack.Router, err = api.NewRouter(api.Deps{
		DB:          stack.DB,
		Config:      cfg,
		Verifier:    verifier,
		Sessions:    sessionSvc,
		Coordinator: stack.Coordinator,
		Registry:    registry,
		Users:       userSvc,
		Connections: connectionSvc,
		Audit:       auditSvc,
		RateStore:   rateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown stops background jobs and closes external handles. Installed
// firewall grants stay in place so active devices survive a restart; the
// startup resync reconciles the chain with the registry.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		_ = rc.Close()
	}

	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database.DatabaseOpenConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}
