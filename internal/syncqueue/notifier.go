package syncqueue

import (
	"context"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

// Notifier surfaces items that need the user's attention.
type Notifier interface {
	DurableFailure(ctx context.Context, item models.SyncQueueItem)
	Conflict(ctx context.Context, item models.SyncQueueItem)
}

// LogNotifier reports through the structured logger; platforms swap in their own notifier.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) DurableFailure(ctx context.Context, item models.SyncQueueItem) {
	fields := map[string]any{
		"event":       "sync.durable_failure",
		"type":        item.Type,
		"entity_id":   item.EntityID,
		"retry_count": item.RetryCount,
	}
	if item.Error != nil {
		fields["error"] = *item.Error
	}
	n.logg.Warn(n.logg.WithFields(ctx, fields), "sync item needs attention; automatic retries stopped")
}

func (n *LogNotifier) Conflict(ctx context.Context, item models.SyncQueueItem) {
	n.logg.Warn(n.logg.WithFields(ctx, map[string]any{
		"event":     "sync.conflict",
		"type":      item.Type,
		"entity_id": item.EntityID,
	}), "sync item conflicts with server state; choose local, server or merge")
}
