package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

const (
	defaultWindow             = 24 * time.Hour
	defaultStaleLockThreshold = 5 * time.Minute
)

// Snapshot is the retry health read-out consumed by dashboards and the admin API.
type Snapshot struct {
	GeneratedAt   time.Time `json:"generated_at"`
	WindowSeconds int64     `json:"window_seconds"`

	Attempts     int64            `json:"attempts"`
	Successes    int64            `json:"successes"`
	SuccessRate  float64          `json:"success_rate"`
	ErrorClasses map[string]int64 `json:"error_classes"`

	QueueDepth              int64   `json:"queue_depth"`
	PendingRetries          int64   `json:"pending_retries"`
	Exhausted               int64   `json:"exhausted"`
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
	StaleLocks              int64   `json:"stale_locks"`
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context, window time.Duration) (Snapshot, error)
}

// ServiceParams configure the aggregate queries.
type ServiceParams struct {
	DB                 *gorm.DB
	Window             time.Duration
	StaleLockThreshold time.Duration
	Clock              func() time.Time
}

// Service computes snapshots straight from the submission tables.
type Service struct {
	db         *gorm.DB
	window     time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewService builds the telemetry service.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("db required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultWindow
	}
	stale := params.StaleLockThreshold
	if stale <= 0 {
		stale = defaultStaleLockThreshold
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         params.DB,
		window:     window,
		staleAfter: stale,
		now:        func() time.Time { return clock().UTC() },
	}, nil
}

// DefaultWindow is the trailing window used when callers pass zero.
func (s *Service) DefaultWindow() time.Duration {
	return s.window
}

type classCount struct {
	ErrorClass string
	Total      int64
}

// Snapshot aggregates attempts over the trailing window and the current retry backlog.
func (s *Service) Snapshot(ctx context.Context, window time.Duration) (Snapshot, error) {
	if window <= 0 {
		window = s.window
	}
	now := s.now()
	since := now.Add(-window)
	db := s.db.WithContext(ctx)
	snap := Snapshot{
		GeneratedAt:   now,
		WindowSeconds: int64(window / time.Second),
		ErrorClasses:  map[string]int64{},
	}

	attempts := db.Model(&models.SubmissionAttempt{}).Where("created_at >= ?", since)
	if err := attempts.Session(&gorm.Session{}).Count(&snap.Attempts).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count attempts: %w", err)
	}
	if err := attempts.Session(&gorm.Session{}).
		Where("outcome = ?", enums.AttemptOutcomeAccepted).
		Count(&snap.Successes).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count successes: %w", err)
	}
	if snap.Attempts > 0 {
		snap.SuccessRate = float64(snap.Successes) / float64(snap.Attempts)
	}

	var classes []classCount
	if err := attempts.Session(&gorm.Session{}).
		Select("error_class, COUNT(*) AS total").
		Where("error_class IS NOT NULL").
		Group("error_class").
		Scan(&classes).Error; err != nil {
		return Snapshot{}, fmt.Errorf("error class histogram: %w", err)
	}
	for _, row := range classes {
		snap.ErrorClasses[row.ErrorClass] = row.Total
	}

	pending := func() *gorm.DB {
		return db.Model(&models.SubmissionRecord{}).
			Where("status = ?", enums.SubmissionStatusFailed).
			Where("retry_enabled = ?", true).
			Where("retry_count < max_retries")
	}
	if err := pending().Count(&snap.PendingRetries).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count pending retries: %w", err)
	}
	if err := pending().
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Count(&snap.QueueDepth).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count eligible: %w", err)
	}
	// Failures rewrite updated_at, so the pending age is measured from creation.
	var oldest []time.Time
	if err := pending().Order("created_at ASC").Limit(1).Pluck("created_at", &oldest).Error; err != nil {
		return Snapshot{}, fmt.Errorf("oldest pending retry: %w", err)
	}
	if len(oldest) == 1 {
		snap.OldestPendingAgeSeconds = now.Sub(oldest[0]).Seconds()
	}

	if err := db.Model(&models.SubmissionRecord{}).
		Where("status = ?", enums.SubmissionStatusFailed).
		Where("retry_count >= max_retries").
		Count(&snap.Exhausted).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count exhausted: %w", err)
	}
	if err := db.Model(&models.SubmissionRecord{}).
		Where("processing_lock = ? AND processing_since < ?", true, now.Add(-s.staleAfter)).
		Count(&snap.StaleLocks).Error; err != nil {
		return Snapshot{}, fmt.Errorf("count stale locks: %w", err)
	}
	return snap, nil
}
