package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationArtifact holds the scannable verification payload generated once per accepted submission.
type VerificationArtifact struct {
	ID                   uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	RecordID             uuid.UUID `gorm:"column:record_id;type:uuid;not null;uniqueIndex"`
	AuthorityReferenceID string    `gorm:"column:authority_reference_id;not null;uniqueIndex"`
	Payload              string    `gorm:"column:payload;not null"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
}
