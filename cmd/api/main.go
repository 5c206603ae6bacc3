package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invoicesync-backend/api/controllers"
	"github.com/angelmondragon/invoicesync-backend/api/routes"
	"github.com/angelmondragon/invoicesync-backend/internal/retry"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/internal/verification"
	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/instance"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/migrate"
	"github.com/angelmondragon/invoicesync-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Instance:    instance.GetID(),
	})
	if err := cfg.RequireAdminToken(); err != nil {
		logg.Error(context.Background(), "invalid admin config", err)
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	env, err := authority.ParseEnvironment(cfg.Authority.Environment, cfg.Authority.BaseURL)
	if err != nil {
		logg.Error(context.Background(), "invalid authority environment", err)
		os.Exit(1)
	}
	authorityClient, err := authority.NewClient(env, cfg.Authority.Token, authority.WithTimeout(cfg.Authority.Timeout))
	if err != nil {
		logg.Error(context.Background(), "failed to create authority client", err)
		os.Exit(1)
	}

	// The API never runs cycles; the service backs the operator overrides only.
	artifacts := verification.NewRepository(dbClient.DB())
	operator, err := retry.NewService(retry.ServiceParams{
		Logger:             logg,
		DB:                 dbClient,
		Records:            submissions.NewRepository(dbClient.DB()),
		Artifacts:          artifacts,
		Builder:            verification.NewBuilder(cfg.Authority.VerifyURL),
		Authority:          authorityClient,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
		WorkerID:           "api-" + instance.GetID(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retry service", err)
		os.Exit(1)
	}

	telemetrySvc, err := telemetry.NewService(telemetry.ServiceParams{
		DB:                 dbClient.DB(),
		Window:             cfg.Telemetry.Window,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create telemetry service", err)
		os.Exit(1)
	}
	cached := telemetry.NewCached(telemetrySvc, redisClient, redisClient.TelemetrySnapshotKey(), telemetrySvc.DefaultWindow(), cfg.Telemetry.CacheTTL, logg)
	prometheus.MustRegister(telemetry.NewCollector(cached, telemetrySvc.DefaultWindow(), logg))

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":              cfg.App.Env,
		"addr":             addr,
		"instance":         instance.GetID(),
		"authority_env":    env.Name,
		"admin_auth_token": cfg.Admin.Token != "",
	})
	if cfg.Admin.Token == "" {
		logg.Warn(ctx, "admin token not configured; operator endpoints are unauthenticated")
	}
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: routes.NewRouter(cfg, logg, routes.Dependencies{
			Readiness: map[string]controllers.Pinger{"db": dbClient, "redis": redisClient},
			Limiter:   redisClient,
			Operator:  operator,
			Artifacts: artifacts,
			Telemetry: cached,
			Gatherer:  prometheus.DefaultGatherer,
		}),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shutting down gracefully")
}
