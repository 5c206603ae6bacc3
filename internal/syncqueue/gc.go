package syncqueue

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// GarbageCollect purges items that exhausted their retries and have not changed for MaxAge,
// plus any synced rows left behind by an interrupted delete.
func (q *Queue) GarbageCollect(ctx context.Context) (int64, error) {
	cutoff := q.now().Add(-q.maxAge)

	var errs error
	collected, err := q.repo.DeleteCollectable(ctx, q.ceiling, cutoff)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete exhausted items: %w", err))
	}
	synced, err := q.repo.DeleteSynced(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete synced items: %w", err))
	}

	total := collected + synced
	if q.metrics != nil {
		q.metrics.AddCollected(total)
	}
	if total > 0 {
		q.logg.Info(q.logg.WithFields(ctx, map[string]any{
			"collected": collected,
			"synced":    synced,
			"cutoff":    cutoff,
		}), "sync queue garbage collected")
	}
	return total, errs
}
