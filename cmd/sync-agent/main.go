package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"

	"github.com/angelmondragon/invoicesync-backend/internal/cron"
	"github.com/angelmondragon/invoicesync-backend/internal/syncqueue"
	"github.com/angelmondragon/invoicesync-backend/pkg/backoff"
	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
	"github.com/angelmondragon/invoicesync-backend/pkg/metrics"
	"github.com/angelmondragon/invoicesync-backend/pkg/remote"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "sync-agent"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "sync-agent",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	store, err := db.OpenLocal(context.Background(), cfg.LocalStore.Path, logg, &models.SyncQueueItem{}, &models.LocalEntity{})
	if err != nil {
		logg.Error(context.Background(), "failed to open local store", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logg.Error(context.Background(), "error closing local store", err)
		}
	}()

	sender, err := remote.NewClient(cfg.SyncQueue.RemoteBaseURL,
		remote.WithToken(cfg.SyncQueue.RemoteToken),
		remote.WithTimeout(cfg.SyncQueue.RequestTimeout),
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create remote client", err)
		os.Exit(1)
	}

	monitor := syncqueue.NewMonitor(logg, cfg.SyncQueue.ProbeURL, cfg.SyncQueue.ProbeInterval, true)
	queue, err := syncqueue.NewQueue(syncqueue.QueueParams{
		Logger:       logg,
		DB:           store.DB(),
		Sender:       sender,
		Notifier:     syncqueue.NewLogNotifier(logg),
		Connectivity: monitor,
		Metrics:      metrics.NewSyncMetrics(prometheus.DefaultRegisterer),
		Policy: backoff.Policy{
			Base:       cfg.SyncQueue.BaseDelay,
			Ceiling:    cfg.SyncQueue.MaxDelay,
			Multiplier: backoff.ClientPolicy.Multiplier,
		},
		JitterFraction: cfg.SyncQueue.JitterFraction,
		RetryCeiling:   cfg.SyncQueue.RetryCeiling,
		MaxAge:         cfg.SyncQueue.MaxAge,
		DrainInterval:  cfg.SyncQueue.DrainInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sync queue", err)
		os.Exit(1)
	}
	monitor.Subscribe(queue)

	gcJob, err := cron.NewSyncGCJob(logg, queue)
	if err != nil {
		logg.Error(context.Background(), "failed to create gc job", err)
		os.Exit(1)
	}
	housekeeping, err := cron.NewService(cron.ServiceParams{
		Name:     "sync-gc",
		Logger:   logg,
		Registry: cron.NewRegistry(gcJob),
		Lock:     &cron.LocalLock{},
		Interval: cfg.SyncQueue.MaxAge / 24,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create housekeeping schedule", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"remote":     cfg.SyncQueue.RemoteBaseURL,
		"local_path": cfg.LocalStore.Path,
	})

	// No platform scheduler is available to a headless agent.
	queue.RegisterBackgroundReplay(ctx, nil)
	queue.TriggerDrain(syncqueue.TriggerManual)
	logg.Info(ctx, "starting sync agent")

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(queue.Run)
	p.Go(monitor.Run)
	p.Go(housekeeping.Run)
	p.Go(func(ctx context.Context) error {
		return metrics.Serve(ctx, cfg.Telemetry.MetricsAddr, prometheus.DefaultGatherer)
	})
	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "sync agent stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "sync agent shutting down gracefully")
}
