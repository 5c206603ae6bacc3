package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

// SyncQueueItem is one pending client mutation stored in the device-local outbox.
type SyncQueueItem struct {
	ID         string               `gorm:"column:id;primaryKey"`
	Type       enums.SyncItemType   `gorm:"column:type;not null"`
	Endpoint   string               `gorm:"column:endpoint;not null"`
	Method     string               `gorm:"column:method;not null"`
	EntityType string               `gorm:"column:entity_type"`
	EntityID   string               `gorm:"column:entity_id"`
	Payload    json.RawMessage      `gorm:"column:payload;not null"`
	LocalData  json.RawMessage      `gorm:"column:local_data"`
	ServerData json.RawMessage      `gorm:"column:server_data"`
	Status     enums.SyncItemStatus `gorm:"column:status;not null;index"`

	RetryCount     int        `gorm:"column:retry_count;not null;default:0"`
	LastRetry      *time.Time `gorm:"column:last_retry"`
	NextAttemptAt  *time.Time `gorm:"column:next_attempt_at"`
	Error          *string    `gorm:"column:error"`
	NeedsAttention bool       `gorm:"column:needs_attention;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName pins the local table name.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}
