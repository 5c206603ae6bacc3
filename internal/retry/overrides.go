package retry

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
)

// ResetRetryCount makes an exhausted or disabled record eligible again immediately.
func (s *Service) ResetRetryCount(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	result, err := s.records.ResetRetryCount(ctx, id, s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reset retry count")
	}
	return s.afterOverride(ctx, id, result, "retry count reset by operator")
}

// DisableRetry stops automatic retries for a failed record.
func (s *Service) DisableRetry(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	result, err := s.records.DisableRetry(ctx, id, s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "disable retry")
	}
	return s.afterOverride(ctx, id, result, "automatic retry disabled by operator")
}

func (s *Service) afterOverride(ctx context.Context, id uuid.UUID, result submissions.MutationResult, msg string) (*models.SubmissionRecord, error) {
	if !result.Found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "submission not found")
	}
	if !result.Updated {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "submission is %s; only failed submissions can be changed", result.Status).
			WithDetails(map[string]any{"status": result.Status})
	}
	ctx = s.logg.WithRecordID(ctx, id.String())
	s.logg.Info(ctx, msg)
	return s.Get(ctx, id)
}

// Get loads a record for inspection.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	record, err := s.records.FindByID(ctx, id)
	if errors.Is(err, submissions.ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "submission not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load submission")
	}
	return record, nil
}

// Attempts returns the attempt log for a record, oldest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID) ([]models.SubmissionAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.records.ListAttempts(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list attempts")
	}
	return attempts, nil
}

// Exhausted lists failed records that automatic retries will not pick up.
func (s *Service) Exhausted(ctx context.Context, limit int) ([]models.SubmissionRecord, error) {
	records, err := s.records.ListExhausted(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list exhausted submissions")
	}
	return records, nil
}
