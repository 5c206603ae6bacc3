package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

var (
	// ErrItemNotFound is returned when a queue item does not exist.
	ErrItemNotFound = errors.New("sync queue item not found")
	// ErrEntityNotFound is returned when no local entity marker exists.
	ErrEntityNotFound = errors.New("local entity not found")
)

// Repository persists the device-local outbox and entity markers.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, item *models.SyncQueueItem) error
	Get(ctx context.Context, id string) (*models.SyncQueueItem, error)
	ListReplayable(ctx context.Context, ceiling int) ([]models.SyncQueueItem, error)
	ListByStatus(ctx context.Context, statuses ...enums.SyncItemStatus) ([]models.SyncQueueItem, error)
	Delete(ctx context.Context, id string) error
	MarkFailure(ctx context.Context, id string, update FailureUpdate) error
	MarkConflict(ctx context.Context, id string, localData, serverData json.RawMessage, now time.Time) error
	Reset(ctx context.Context, id string, payload json.RawMessage, now time.Time) error
	CountActive(ctx context.Context) (int64, error)
	DeleteCollectable(ctx context.Context, ceiling int, updatedBefore time.Time) (int64, error)
	DeleteSynced(ctx context.Context) (int64, error)

	UpsertEntity(ctx context.Context, entity *models.LocalEntity) error
	MarkEntitySynced(ctx context.Context, entityType, entityID string, data json.RawMessage, now time.Time) error
	GetEntity(ctx context.Context, entityType, entityID string) (*models.LocalEntity, error)
}

// FailureUpdate records one unsuccessful replay.
type FailureUpdate struct {
	Error          string
	Now            time.Time
	NextAttemptAt  time.Time
	NeedsAttention bool
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository binds the queue repository to the local store.
func NewRepository(conn *gorm.DB) Repository {
	return &repositoryImpl{db: conn}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Insert(ctx context.Context, item *models.SyncQueueItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *repositoryImpl) Get(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListReplayable returns pending and failed items below the ceiling in replay order.
func (r *repositoryImpl) ListReplayable(ctx context.Context, ceiling int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := r.db.WithContext(ctx).
		Where("status IN ?", []enums.SyncItemStatus{enums.SyncItemStatusPending, enums.SyncItemStatusFailed}).
		Where("retry_count < ?", ceiling).
		Order("created_at ASC, retry_count ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (r *repositoryImpl) ListByStatus(ctx context.Context, statuses ...enums.SyncItemStatus) ([]models.SyncQueueItem, error) {
	query := r.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var items []models.SyncQueueItem
	err := query.Find(&items).Error
	return items, err
}

func (r *repositoryImpl) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.SyncQueueItem{}).Error
}

func (r *repositoryImpl) MarkFailure(ctx context.Context, id string, update FailureUpdate) error {
	return r.update(ctx, id, map[string]any{
		"status":          enums.SyncItemStatusFailed,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"error":           update.Error,
		"last_retry":      update.Now,
		"next_attempt_at": update.NextAttemptAt,
		"needs_attention": update.NeedsAttention,
		"updated_at":      update.Now,
	})
}

func (r *repositoryImpl) MarkConflict(ctx context.Context, id string, localData, serverData json.RawMessage, now time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":      enums.SyncItemStatusConflict,
		"local_data":  []byte(localData),
		"server_data": []byte(serverData),
		"error":       "conflict with server state",
		"updated_at":  now,
	})
}

// Reset puts an item back to pending with a fresh retry budget.
func (r *repositoryImpl) Reset(ctx context.Context, id string, payload json.RawMessage, now time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":          enums.SyncItemStatusPending,
		"payload":         []byte(payload),
		"retry_count":     0,
		"error":           nil,
		"last_retry":      nil,
		"next_attempt_at": nil,
		"server_data":     nil,
		"needs_attention": false,
		"updated_at":      now,
	})
}

func (r *repositoryImpl) update(ctx context.Context, id string, columns map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ?", id).
		UpdateColumns(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// CountActive counts everything still in the queue, including conflicts and items needing attention.
func (r *repositoryImpl) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SyncQueueItem{}).Count(&count).Error
	return count, err
}

func (r *repositoryImpl) DeleteCollectable(ctx context.Context, ceiling int, updatedBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND retry_count >= ? AND updated_at < ?", enums.SyncItemStatusFailed, ceiling, updatedBefore).
		Delete(&models.SyncQueueItem{})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) DeleteSynced(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ?", enums.SyncItemStatusSynced).
		Delete(&models.SyncQueueItem{})
	return result.RowsAffected, result.Error
}

// UpsertEntity records a locally edited entity as unsynced.
func (r *repositoryImpl) UpsertEntity(ctx context.Context, entity *models.LocalEntity) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "synced", "synced_at", "updated_at"}),
		}).
		Create(entity).Error
}

func (r *repositoryImpl) MarkEntitySynced(ctx context.Context, entityType, entityID string, data json.RawMessage, now time.Time) error {
	entity := &models.LocalEntity{
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Synced:     true,
		SyncedAt:   &now,
		UpdatedAt:  now,
	}
	columns := []string{"synced", "synced_at", "updated_at"}
	if len(data) > 0 {
		columns = append(columns, "data")
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(entity).Error
}

func (r *repositoryImpl) GetEntity(ctx context.Context, entityType, entityID string) (*models.LocalEntity, error) {
	var entity models.LocalEntity
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
