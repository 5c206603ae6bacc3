package syncqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
)

// Resolve settles a conflicted item.
//
// server drops the local mutation and caches the server copy as synced.
// local re-queues the original payload with a fresh retry budget.
// merge re-queues a shallow union of top-level keys where local values win.
// Nested collections such as invoice line items are replaced wholesale, never merged element-wise.
func (q *Queue) Resolve(ctx context.Context, id string, choice enums.ConflictResolution) error {
	item, err := q.repo.Get(ctx, id)
	if errors.Is(err, ErrItemNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "sync item not found")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load sync item")
	}
	if item.Status != enums.SyncItemStatusConflict {
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "sync item is %s, not in conflict", item.Status)
	}

	now := q.now()
	local := item.LocalData
	if len(local) == 0 {
		local = item.Payload
	}
	ctx = q.logg.WithFields(q.logg.WithQueueItemID(ctx, id), map[string]any{"resolution": choice})

	switch choice {
	case enums.ConflictKeepServer:
		err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := q.repo.WithTx(tx)
			if err := repo.Delete(ctx, item.ID); err != nil {
				return err
			}
			if item.EntityID == "" {
				return nil
			}
			return repo.MarkEntitySynced(ctx, item.EntityType, item.EntityID, item.ServerData, now)
		})
	case enums.ConflictKeepLocal:
		err = q.repo.Reset(ctx, item.ID, local, now)
	case enums.ConflictMerge:
		err = q.repo.Reset(ctx, item.ID, ShallowMerge(item.ServerData, local), now)
	default:
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unknown conflict resolution %q", choice)
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("resolve conflict with %s", choice))
	}

	q.logg.Info(ctx, "sync conflict resolved")
	if choice != enums.ConflictKeepServer {
		q.TriggerDrain(TriggerManual)
	}
	return nil
}

// ShallowMerge unions the top-level keys of two JSON objects, preferring local.
// If either side is not an object the local document is returned unchanged.
func ShallowMerge(server, local []byte) []byte {
	var serverFields, localFields map[string]json.RawMessage
	if err := json.Unmarshal(local, &localFields); err != nil || localFields == nil {
		return local
	}
	if err := json.Unmarshal(server, &serverFields); err != nil || serverFields == nil {
		return local
	}
	merged := make(map[string]json.RawMessage, len(serverFields)+len(localFields))
	for key, value := range serverFields {
		merged[key] = value
	}
	for key, value := range localFields {
		merged[key] = value
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return local
	}
	return out
}
