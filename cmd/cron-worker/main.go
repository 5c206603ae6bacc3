package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/angelmondragon/invoicesync-backend/internal/cron"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/instance"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/metrics"
	"github.com/angelmondragon/invoicesync-backend/pkg/migrate"
	"github.com/angelmondragon/invoicesync-backend/pkg/redis"
)

func main() {
	once := flag.Bool("once", false, "run every schedule a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Instance:    instance.GetID(),
	})

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

	records := submissions.NewRepository(dbClient.DB())
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

	retention, err := cron.NewAttemptRetentionJob(cron.AttemptRetentionJobParams{
		Logger:     logg,
		Repository: records,
		Retention:  cfg.Cron.AttemptRetentionDays,
	})
	mustJob(logg, err)
	staleLocks, err := cron.NewStaleLockJob(logg, staleLockSweeper{records: records, threshold: cfg.Retry.StaleLockThreshold})
	mustJob(logg, err)
	snapshot, err := cron.NewTelemetrySnapshotJob(logg, cached)
	mustJob(logg, err)

	jobMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	daily := newSchedule(logg, redisClient, jobMetrics, "daily", cfg.Cron.Interval, cfg.App.Env, retention, staleLocks)
	frequent := newSchedule(logg, redisClient, jobMetrics, "telemetry", cfg.Cron.TelemetrySnapshotEvery, cfg.App.Env, snapshot)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	if *once {
		if err := multierr.Combine(daily.RunOnce(ctx), frequent.RunOnce(ctx)); err != nil {
			logg.Error(ctx, "housekeeping run failed", err)
			os.Exit(1)
		}
		logg.Info(ctx, "housekeeping run complete")
		return
	}

	logg.Info(ctx, "starting cron worker")

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(daily.Run)
	p.Go(frequent.Run)
	p.Go(func(ctx context.Context) error {
		return metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, prometheus.DefaultGatherer)
	})
	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// staleLockSweeper releases abandoned submission locks without needing an authority client.
type staleLockSweeper struct {
	records   submissions.Repository
	threshold time.Duration
}

func (s staleLockSweeper) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	return s.records.ReleaseStaleLocks(ctx, now.Add(-s.threshold), now)
}

func newSchedule(logg *logger.Logger, redisClient *redis.Client, jobMetrics *metrics.CronJobMetrics, name string, interval time.Duration, env string, jobs ...cron.Job) *cron.Service {
	// The lock lives slightly shorter than the interval so the next tick is never blocked by the previous holder.
	lock, err := cron.NewRedisLock(redisClient, lockKey(redisClient, env, name), interval-interval/10)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Name:     name,
		Logger:   logg,
		Registry: cron.NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  jobMetrics,
		Interval: interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}
	return service
}

func mustJob(logg *logger.Logger, err error) {
	if err != nil {
		logg.Error(context.Background(), "failed to create cron job", err)
		os.Exit(1)
	}
}

func lockKey(client *redis.Client, env, schedule string) string {
	if env == "" {
		env = "local"
	}
	return client.LockKey(fmt.Sprintf("cron-worker:%s:%s", env, schedule))
}
