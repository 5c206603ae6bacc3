package routes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type artifactReader interface {
	FindByRecordID(ctx context.Context, recordID uuid.UUID) (*models.VerificationArtifact, error)
}

type telemetrySource interface {
	Snapshot(ctx context.Context, window time.Duration) (telemetry.Snapshot, error)
}
