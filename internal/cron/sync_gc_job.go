package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

type queueCollector interface {
	GarbageCollect(ctx context.Context) (int64, error)
}

// NewSyncGCJob purges durably failed items from the local sync queue.
func NewSyncGCJob(logg *logger.Logger, queue queueCollector) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if queue == nil {
		return nil, fmt.Errorf("sync queue required")
	}
	return &syncGCJob{logg: logg, queue: queue}, nil
}

type syncGCJob struct {
	logg  *logger.Logger
	queue queueCollector
}

func (j *syncGCJob) Name() string { return "sync-queue-gc" }

func (j *syncGCJob) Run(ctx context.Context) error {
	removed, err := j.queue.GarbageCollect(ctx)
	if err != nil {
		return fmt.Errorf("sync queue gc: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "removed", removed), "sync queue gc complete")
	return nil
}
