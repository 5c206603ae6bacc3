package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/invoicesync-backend/internal/cli"
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
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(openBackend)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openBackend wires the real services. Logs go to stderr so --format=json output stays clean.
func openBackend(ctx context.Context) (*cli.Backend, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = "retryctl"

	logg := logger.New(logger.Options{
		ServiceName: "retryctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Output:      os.Stderr,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	release := func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}

	records := submissions.NewRepository(dbClient.DB())
	backend := &cli.Backend{Importer: records, MaxRetries: cfg.Retry.MaxRetries}

	env, err := authority.ParseEnvironment(cfg.Authority.Environment, cfg.Authority.BaseURL)
	if err != nil {
		release()
		return nil, nil, err
	}
	authorityClient, err := authority.NewClient(env, cfg.Authority.Token,
		authority.WithTimeout(cfg.Authority.Timeout),
		authority.WithRateLimit(cfg.Authority.RatePerSec, cfg.Authority.RateBurst),
	)
	if err != nil {
		release()
		return nil, nil, err
	}

	operator, err := retry.NewService(retry.ServiceParams{
		Logger:    logg,
		DB:        dbClient,
		Records:   records,
		Artifacts: verification.NewRepository(dbClient.DB()),
		Builder:   verification.NewBuilder(cfg.Authority.VerifyURL),
		Authority: authorityClient,
		Policy: backoff.Policy{
			Base:       cfg.Retry.BaseDelay,
			Ceiling:    cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		BatchSize:          cfg.Retry.BatchSize,
		Workers:            cfg.Retry.Workers,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
		WorkerID:           "retryctl-" + instance.GetID(),
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	backend.Operator = operator

	telemetrySvc, err := telemetry.NewService(telemetry.ServiceParams{
		DB:                 dbClient.DB(),
		Window:             cfg.Telemetry.Window,
		StaleLockThreshold: cfg.Retry.StaleLockThreshold,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	backend.Telemetry = telemetrySvc

	return backend, release, nil
}
