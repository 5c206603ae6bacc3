package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"

	"github.com/angelmondragon/invoicesync-backend/internal/retry"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/internal/verification"
	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/backoff"
	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/instance"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/metrics"
	"github.com/angelmondragon/invoicesync-backend/pkg/migrate"
)

const (
	readyMaxTries    = 8
	readyMaxInterval = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "retry-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "retry-worker"

	logg = logger.New(logger.Options{
		ServiceName: "retry-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Instance:    instance.GetID(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()
	if err := retry.WaitReady(ctx, logg, "database", dbClient, readyMaxTries, readyMaxInterval); err != nil {
		logg.Error(ctx, "database never became ready", err)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	env, err := authority.ParseEnvironment(cfg.Authority.Environment, cfg.Authority.BaseURL)
	if err != nil {
		logg.Error(ctx, "invalid authority environment", err)
		os.Exit(1)
	}
	authorityClient, err := authority.NewClient(env, cfg.Authority.Token,
		authority.WithTimeout(cfg.Authority.Timeout),
		authority.WithRateLimit(cfg.Authority.RatePerSec, cfg.Authority.RateBurst),
	)
	if err != nil {
		logg.Error(ctx, "failed to create authority client", err)
		os.Exit(1)
	}

	retryMetrics := metrics.NewRetryMetrics(prometheus.DefaultRegisterer)
	service, err := retry.NewService(retry.ServiceParams{
		Logger:    logg,
		DB:        dbClient,
		Records:   submissions.NewRepository(dbClient.DB()),
		Artifacts: verification.NewRepository(dbClient.DB()),
		Builder:   verification.NewBuilder(cfg.Authority.VerifyURL),
		Authority: authorityClient,
		Metrics:   retryMetrics,
		Policy: backoff.Policy{
			Base:       cfg.Retry.BaseDelay,
			Ceiling:    cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		BatchSize:          cfg.Retry.BatchSize,
		Workers:            cfg.Retry.Workers,
		PollInterval:       cfg.Retry.PollInterval,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
		WorkerID:           instance.GetID(),
	})
	if err != nil {
		logg.Error(ctx, "failed to create retry service", err)
		os.Exit(1)
	}

	telemetrySvc, err := telemetry.NewService(telemetry.ServiceParams{
		DB:                 dbClient.DB(),
		Window:             cfg.Telemetry.Window,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
	})
	if err != nil {
		logg.Error(ctx, "failed to create telemetry service", err)
		os.Exit(1)
	}
	prometheus.MustRegister(telemetry.NewCollector(telemetrySvc, telemetrySvc.DefaultWindow(), logg))

	ctx = logg.WithFields(ctx, map[string]any{
		"env":           cfg.App.Env,
		"serviceKind":   cfg.Service.Kind,
		"authority_env": env.Name,
		"batch_size":    cfg.Retry.BatchSize,
		"poll_interval": cfg.Retry.PollInterval.String(),
	})
	logg.Info(ctx, "starting retry worker")

	// The first failing task cancels the others.
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(service.Run)
	p.Go(func(ctx context.Context) error {
		return metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, prometheus.DefaultGatherer)
	})
	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "retry worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "retry worker shutting down gracefully")
}
