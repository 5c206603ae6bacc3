package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const attemptRetentionDays = 90

type AttemptRetentionJobParams struct {
	Logger     *logger.Logger
	Repository attemptPruner
	Retention  int
}

type attemptPruner interface {
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// NewAttemptRetentionJob trims the submission attempt log to the retention window.
func NewAttemptRetentionJob(params AttemptRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("submission repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = attemptRetentionDays
	}
	return &attemptRetentionJob{
		logg:      params.Logger,
		repo:      params.Repository,
		retention: retention,
		now:       time.Now,
	}, nil
}

type attemptRetentionJob struct {
	logg      *logger.Logger
	repo      attemptPruner
	retention int
	now       func() time.Time
}

func (j *attemptRetentionJob) Name() string { return "attempt-retention" }

func (j *attemptRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.repo.PruneAttempts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("attempt retention: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	}), "attempt log retention complete")
	return nil
}
