package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

// Pinger is anything with a readiness probe, typically the database client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitReady pings until the dependency answers, backing off exponentially between tries.
func WaitReady(ctx context.Context, logg *logger.Logger, name string, p Pinger, maxTries int, maxInterval time.Duration) error {
	if maxTries <= 0 {
		maxTries = 5
	}
	cfg := backoff.NewExponentialBackOff()
	if maxInterval > 0 {
		cfg.MaxInterval = maxInterval
		if cfg.InitialInterval > maxInterval {
			cfg.InitialInterval = maxInterval
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		if lastErr = p.Ping(ctx); lastErr == nil {
			return nil
		}
		if logg != nil {
			logg.Warn(logg.WithFields(ctx, map[string]any{"dependency": name, "attempt": attempt, "error": lastErr.Error()}), "dependency not ready")
		}
		if attempt == maxTries {
			break
		}
		sleep := cfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("%s not ready after %d attempts: %w", name, maxTries, lastErr)
}
