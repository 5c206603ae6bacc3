package models

import (
	"encoding/json"
	"time"
)

// LocalEntity marks a locally cached invoice/customer and whether the authority has confirmed it.
type LocalEntity struct {
	EntityType string          `gorm:"column:entity_type;primaryKey"`
	EntityID   string          `gorm:"column:entity_id;primaryKey"`
	Data       json.RawMessage `gorm:"column:data"`
	Synced     bool            `gorm:"column:synced;not null;default:false"`
	SyncedAt   *time.Time      `gorm:"column:synced_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}
