package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

// SubmissionAttempt is the append-only log of delivery attempts made by the retry orchestrator.
type SubmissionAttempt struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	RecordID     uuid.UUID            `gorm:"column:record_id;type:uuid;not null;index"`
	Attempt      int                  `gorm:"column:attempt;not null"`
	Outcome      enums.AttemptOutcome `gorm:"column:outcome;type:attempt_outcome_enum;not null"`
	ErrorClass   *enums.ErrorClass    `gorm:"column:error_class;type:error_class_enum"`
	ErrorCode    *string              `gorm:"column:error_code"`
	ErrorMessage *string              `gorm:"column:error_message"`
	DurationMS   int64                `gorm:"column:duration_ms;not null;default:0"`
	CreatedAt    time.Time            `gorm:"column:created_at;index"`
}
