package syncqueue

import (
	"context"
)

// BackgroundRegistrar is an optional platform hook that wakes the app to replay the queue.
// Platforms may accept a registration and never call it; timer and reconnect drains still run.
type BackgroundRegistrar interface {
	Register(name string, replay func(ctx context.Context) error) error
}

const backgroundTaskName = "invoicesync.sync-queue.replay"

// RegisterBackgroundReplay hooks the queue into registrar when one is available.
func (q *Queue) RegisterBackgroundReplay(ctx context.Context, registrar BackgroundRegistrar) bool {
	if registrar == nil {
		q.logg.Info(ctx, "background replay unavailable; using timer and reconnect drains")
		return false
	}
	err := registrar.Register(backgroundTaskName, func(ctx context.Context) error {
		_, err := q.Drain(ctx, TriggerBackground)
		return err
	})
	if err != nil {
		q.logg.Warn(q.logg.WithField(ctx, "error", err.Error()), "background replay registration failed")
		return false
	}
	q.logg.Info(ctx, "background replay registered")
	return true
}
