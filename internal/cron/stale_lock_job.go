package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

type staleLockReleaser interface {
	ReleaseStaleLocks(ctx context.Context) (int64, error)
}

// NewStaleLockJob clears abandoned processing locks. The orchestrator reclaims stale locks
// on its own; this keeps the stale-lock gauge honest when no retries are running.
func NewStaleLockJob(logg *logger.Logger, releaser staleLockReleaser) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if releaser == nil {
		return nil, fmt.Errorf("lock releaser required")
	}
	return &staleLockJob{logg: logg, releaser: releaser}, nil
}

type staleLockJob struct {
	logg     *logger.Logger
	releaser staleLockReleaser
}

func (j *staleLockJob) Name() string { return "stale-lock-release" }

func (j *staleLockJob) Run(ctx context.Context) error {
	released, err := j.releaser.ReleaseStaleLocks(ctx)
	if err != nil {
		return err
	}
	j.logg.Info(j.logg.WithField(ctx, "released", released), "stale lock sweep complete")
	return nil
}
