package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/simulation"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/cache"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/internal/platform/middleware"
	"github.com/ehr/patientflow/internal/platform/openapi"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/internal/platform/webhook"
	"github.com/ehr/patientflow/internal/platform/websocket"
)

const (
	version        = "0.1.0"
	tokenIssuer    = "patientflow"
	requestTimeout = 5 * time.Minute
	bodyLimit      = "1M"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the simulation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Results cache
	var results cache.Cache = cache.NewMemory(cfg.CacheTTL)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer rc.Close()
		results = rc
		logger.Info().Msg("using redis results cache")
	}

	// Run events
	hub := websocket.NewHub(logger)
	var pub events.Publisher = hub
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(events.NATSConfig{URL: cfg.NATSURL, Name: "patientflow-" + version}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to nats")
			return err
		}
		defer nc.Close()
		if _, err := nc.Bridge(hub); err != nil {
			return err
		}
		pub = nc
		logger.Info().Msg("publishing run events through nats")
	}
	if len(cfg.WebhookURLs) > 0 {
		wh, err := webhook.New(webhook.Config{
			URLs:   cfg.WebhookURLs,
			Secret: cfg.WebhookSecret,
			Events: cfg.WebhookEvents,
		}, logger)
		if err != nil {
			return err
		}
		defer wh.Close()
		pub = events.Fanout{pub, wh}
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering run events to webhooks")
	}

	metrics := telemetry.New()
	svc := simulation.NewService(simulation.NewRepo(pool), results, pub, logger, simulation.Defaults{
		HorizonHours: cfg.HorizonHours,
		Seed:         cfg.Seed,
		MaxBatch:     cfg.MaxBatch,
		Workers:      cfg.BatchWorkers,
	})
	svc.SetRecorder(metrics)

	e := newServer(cfg, logger, svc, hub, metrics)
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown once ctx is cancelled by SIGINT or SIGTERM
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware, the run API and the
// websocket stream. Routes that need the database pool are added by the
// caller.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *simulation.Service, hub *websocket.Hub, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     tokenIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    publicPath,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"version":           version,
			"websocket_clients": hub.ClientCount(),
		})
	})

	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	runs := simulation.NewHandler(svc)
	runs.RegisterRoutes(apiV1, middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	docs := openapi.NewGenerator("Patient Flow Simulation API", version)
	docs.Add(runs.Operations("/api/v1")...)
	docs.RegisterRoutes(e)

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)
	return e
}

// publicPath lets liveness checks, metric scrapes and the API document
// through without a token.
func publicPath(c echo.Context) bool {
	switch c.Request().URL.Path {
	case "/metrics", "/openapi.json":
		return true
	}
	return auth.HealthSkipper(c)
}
