package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/matokham-ai/hospital-sub013/internal/config"
	"github.com/matokham-ai/hospital-sub013/internal/domain/admin"
	"github.com/matokham-ai/hospital-sub013/internal/domain/billing"
	"github.com/matokham-ai/hospital-sub013/internal/domain/dashboard"
	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/domain/imports"
	"github.com/matokham-ai/hospital-sub013/internal/domain/patient"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
	"github.com/matokham-ai/hospital-sub013/internal/domain/reports"
	"github.com/matokham-ai/hospital-sub013/internal/domain/scheduling"
	"github.com/matokham-ai/hospital-sub013/internal/platform/auth"
	"github.com/matokham-ai/hospital-sub013/internal/platform/broadcast"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/middleware"
	"github.com/matokham-ai/hospital-sub013/internal/platform/telemetry"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// socketIdentity reads the identity the auth middleware put on the request.
func socketIdentity(c echo.Context) broadcast.Identity {
	ctx := c.Request().Context()
	return broadcast.Identity{
		UserID: auth.UserIDFromContext(ctx),
		Roles:  auth.RolesFromContext(ctx),
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		ServiceName:    "hms-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()
	logger.Info().Bool("redis", a.redis != nil).Msg("connected to database")

	e := newEcho(a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.queue.Start(gctx, a.dispatcher.HandleJob)
	})
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := shutdownTracing(sctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "12M"))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	// Appointment board socket
	broadcast.NewHandler(a.hub, cfg.CORSOrigins, socketIdentity, scheduling.CanSubscribe).RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	admin.NewHandler(a.admin).RegisterRoutes(apiV1)
	patient.NewHandler(a.patients).RegisterRoutes(apiV1)
	encounter.NewHandler(a.encounters).RegisterRoutes(apiV1)
	billing.NewHandler(a.billing).RegisterRoutes(apiV1)
	diagnostics.NewHandler(a.diagnostics).RegisterRoutes(apiV1)
	pharmacy.NewHandler(a.pharmacy).RegisterRoutes(apiV1)
	scheduling.NewHandler(a.scheduling).RegisterRoutes(apiV1)
	dashboard.NewHandler(a.dashboard).RegisterRoutes(apiV1)
	reports.NewHandler(a.reports).RegisterRoutes(apiV1)
	imports.NewHandler(a.importer).RegisterRoutes(apiV1)

	return e
}
