package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

type snapshotRefresher interface {
	Refresh(ctx context.Context) (telemetry.Snapshot, error)
}

// NewTelemetrySnapshotJob keeps the cached telemetry snapshot warm for the admin API.
func NewTelemetrySnapshotJob(logg *logger.Logger, refresher snapshotRefresher) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("snapshot refresher required")
	}
	return &telemetrySnapshotJob{logg: logg, refresher: refresher}, nil
}

type telemetrySnapshotJob struct {
	logg      *logger.Logger
	refresher snapshotRefresher
}

func (j *telemetrySnapshotJob) Name() string { return "telemetry-snapshot" }

func (j *telemetrySnapshotJob) Run(ctx context.Context) error {
	snap, err := j.refresher.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh telemetry snapshot: %w", err)
	}
	ctx = j.logg.WithFields(ctx, map[string]any{
		"queue_depth":  snap.QueueDepth,
		"exhausted":    snap.Exhausted,
		"stale_locks":  snap.StaleLocks,
		"success_rate": snap.SuccessRate,
	})
	if snap.StaleLocks > 0 {
		j.logg.Warn(ctx, "processing locks held past the stale threshold")
		return nil
	}
	j.logg.Debug(ctx, "telemetry snapshot refreshed")
	return nil
}
