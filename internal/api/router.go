package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/netgate/internal/access"
	"github.com/charlesng35/netgate/internal/app"
	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/devices"
	"github.com/charlesng35/netgate/internal/handlers"
	"github.com/charlesng35/netgate/internal/middleware"
	"github.com/charlesng35/netgate/internal/services"
)

// Deps collects everything the router mounts. All fields are required
// except RateStore, which falls back to the in-process store.
type Deps struct {
	DB          *gorm.DB
	Config      *app.Config
	Verifier    *iauth.Verifier
	Sessions    *iauth.SessionService
	Coordinator *access.Coordinator
	Registry    *devices.Registry
	Users       *services.UserService
	Connections *services.ConnectionService
	Audit       *services.AuditService
	RateStore   middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware, and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("router: database handle must be provided")
	case deps.Config == nil:
		return nil, fmt.Errorf("router: config must be provided")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("router: token verifier must be provided")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("router: session service must be provided")
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("router: access coordinator must be provided")
	case deps.Registry == nil:
		return nil, fmt.Errorf("router: device registry must be provided")
	case deps.Users == nil:
		return nil, fmt.Errorf("router: user service must be provided")
	case deps.Connections == nil:
		return nil, fmt.Errorf("router: connection service must be provided")
	case deps.Audit == nil:
		return nil, fmt.Errorf("router: audit service must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.NoRoute(middleware.NotFoundHandler)

	cfg := deps.Config

	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health())
		r.GET("/ready", handlers.Ready(deps.DB))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(deps.Coordinator)
	deviceHandler := handlers.NewDeviceHandler(deps.Registry, deps.Coordinator, deps.Connections)
	userHandler := handlers.NewUserHandler(deps.Users, deps.Coordinator, deps.Sessions)
	adminHandler := handlers.NewAdminHandler(deps.DB, deps.Coordinator, deps.Registry, deps.Connections, deps.Audit)

	// Public auth routes. The credential endpoints are the brute-force
	// surface, so the rate limiter mounts here rather than globally.
	auth := r.Group("/api/auth")
	if cfg.Server.RateLimit.Enabled {
		store := deps.RateStore
		if store == nil {
			store = middleware.NewMemoryRateStore()
		}
		auth.Use(middleware.RateLimit(store, cfg.Server.RateLimit.MaxRequests, cfg.Server.RateLimit.Window))
	}
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.Verifier))

	api.GET("/me", userHandler.Me)
	api.PUT("/me/password", userHandler.ChangePassword)

	userDevices := api.Group("/devices")
	{
		userDevices.GET("", deviceHandler.List)
		userDevices.PATCH("/:id", deviceHandler.Rename)
		userDevices.DELETE("/:id", deviceHandler.Delete)
		userDevices.POST("/:id/disconnect", deviceHandler.Disconnect)
		userDevices.GET("/:id/usage", deviceHandler.Usage)
		userDevices.GET("/:id/connections", deviceHandler.Connections)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin(deps.DB))
	{
		admin.GET("/users", userHandler.List)
		admin.POST("/users", userHandler.Create)
		admin.GET("/users/:id", userHandler.Get)
		admin.PATCH("/users/:id", userHandler.Update)
		admin.PUT("/users/:id/active", userHandler.SetActive)
		admin.DELETE("/users/:id", userHandler.Delete)
		admin.GET("/users/:id/devices", adminHandler.UserDevices)
		admin.GET("/users/:id/connections", adminHandler.UserConnections)
		admin.POST("/users/:id/disconnect", adminHandler.DisconnectUser)

		admin.POST("/devices/:id/disconnect", adminHandler.DisconnectDevice)
		admin.POST("/disconnect-all", adminHandler.DisconnectAll)
		admin.POST("/resync", adminHandler.Resync)

		admin.GET("/audit", adminHandler.AuditLogs)
		admin.GET("/settings", adminHandler.Settings)
		admin.PUT("/settings", adminHandler.UpdateSettings)
	}

	return r, nil
}
