package retry

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/classify"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

// codePayloadInvalid marks records whose stored payload cannot be turned into a submission.
const codePayloadInvalid = "PAYLOAD_INVALID"

// processRecord performs one locked attempt. Panics are contained here so the cycle keeps going.
func (s *Service) processRecord(ctx context.Context, id uuid.UUID) (result recordResult) {
	ctx = s.logg.WithRecordID(ctx, id.String())
	defer func() {
		if r := recover(); r != nil {
			if s.metrics != nil {
				s.metrics.IncPanic()
			}
			s.logg.Error(s.logg.WithField(ctx, "stack", string(debug.Stack())), "panic while processing submission", fmt.Errorf("panic: %v", r))
			result = resultErrored
		}
	}()

	// The attempt outlives loop cancellation but stays bounded.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.attemptTimeout)
	defer cancel()

	now := s.now()
	locked, err := s.records.AcquireLock(attemptCtx, submissions.LockParams{
		ID:          id,
		Owner:       s.workerID,
		Now:         now,
		StaleBefore: now.Add(-s.staleAfter),
	})
	if err != nil {
		s.logg.Error(ctx, "acquire processing lock", err)
		return resultErrored
	}
	if !locked {
		if s.metrics != nil {
			s.metrics.IncLockSkipped()
		}
		s.logg.Debug(ctx, "submission locked or no longer eligible; skipping")
		return resultSkipped
	}

	record, err := s.records.FindByID(attemptCtx, id)
	if err != nil {
		s.logg.Error(ctx, "reload locked submission", err)
		s.releaseLock(attemptCtx, id)
		return resultErrored
	}
	ctx = s.logg.WithTenantID(ctx, record.TenantID.String())

	started := time.Now()
	outcome := s.attempt(attemptCtx, *record)
	elapsed := time.Since(started)

	if outcome.IsAccepted() {
		return s.handleAccepted(attemptCtx, ctx, *record, outcome, elapsed)
	}
	return s.handleFailure(attemptCtx, ctx, *record, outcome, elapsed)
}

func (s *Service) attempt(ctx context.Context, record models.SubmissionRecord) authority.Outcome {
	sub, err := BuildSubmission(record)
	if err != nil {
		return authority.Rejected(http.StatusUnprocessableEntity, codePayloadInvalid, err.Error(), nil)
	}
	return s.authority.Submit(ctx, sub)
}

func (s *Service) handleAccepted(ctx, logCtx context.Context, record models.SubmissionRecord, outcome authority.Outcome, elapsed time.Duration) recordResult {
	now := s.now()
	status := s.authority.Environment().AcceptedStatus
	if !status.Accepted() {
		status = enums.SubmissionStatusValidated
	}
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"authority_reference_id": outcome.ReferenceID,
		"status":                 status,
	})

	var recorded bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)
		ok, err := records.MarkAccepted(ctx, record.ID, submissions.AcceptedUpdate{
			ReferenceID: outcome.ReferenceID,
			Timestamp:   outcome.Timestamp.UTC(),
			Status:      status,
			Now:         now,
		})
		if err != nil {
			return fmt.Errorf("mark accepted: %w", err)
		}
		recorded = ok
		if ok {
			artifact, err := s.builder.Artifact(record, outcome.ReferenceID)
			if err != nil {
				return fmt.Errorf("build verification artifact: %w", err)
			}
			if _, err := s.artifacts.WithTx(tx).Insert(ctx, artifact); err != nil {
				return fmt.Errorf("insert verification artifact: %w", err)
			}
		}
		return records.InsertAttempt(ctx, &models.SubmissionAttempt{
			RecordID:   record.ID,
			Attempt:    record.RetryCount + 1,
			Outcome:    enums.AttemptOutcomeAccepted,
			DurationMS: elapsed.Milliseconds(),
			CreatedAt:  now,
		})
	})
	if err != nil {
		s.logg.Error(logCtx, "persist accepted submission; lock kept until stale", err)
		return resultErrored
	}
	s.observe(enums.AttemptOutcomeAccepted, "")

	if !recorded {
		s.logg.Warn(logCtx, "acceptance already recorded for submission")
		s.releaseLock(ctx, record.ID)
		return resultSkipped
	}
	s.logg.Info(logCtx, "submission accepted by authority")
	return resultAccepted
}

func (s *Service) handleFailure(ctx, logCtx context.Context, record models.SubmissionRecord, outcome authority.Outcome, elapsed time.Duration) recordResult {
	now := s.now()
	class := classify.Classify(outcome)
	if class == "" {
		class = enums.ErrorClassUnknown
	}
	code := outcome.ErrorCode()
	message := outcome.ErrorMessage()
	retryCount := record.RetryCount + 1
	next := now.Add(s.policy.Next(retryCount))
	attemptOutcome := enums.AttemptOutcomeRejected
	if outcome.Kind == authority.OutcomeTransportFailure {
		attemptOutcome = enums.AttemptOutcomeTransportFailure
	}

	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"error_class":   class,
		"error_code":    code,
		"retry_count":   retryCount,
		"max_retries":   record.MaxRetries,
		"next_retry_at": next,
	})

	var updated bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)
		ok, err := records.MarkFailed(ctx, record.ID, submissions.FailureUpdate{
			Code:           code,
			Message:        message,
			Class:          class,
			NextRetryAt:    next,
			Now:            now,
			IncrementRetry: true,
		})
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		updated = ok
		return records.InsertAttempt(ctx, &models.SubmissionAttempt{
			RecordID:     record.ID,
			Attempt:      retryCount,
			Outcome:      attemptOutcome,
			ErrorClass:   &class,
			ErrorCode:    &code,
			ErrorMessage: &message,
			DurationMS:   elapsed.Milliseconds(),
			CreatedAt:    now,
		})
	})
	if err != nil {
		s.logg.Error(logCtx, "persist failed attempt; lock kept until stale", err)
		return resultErrored
	}
	s.observe(attemptOutcome, class)

	if !updated {
		s.logg.Warn(logCtx, "submission changed state during attempt; failure not recorded")
		s.releaseLock(ctx, record.ID)
		return resultSkipped
	}

	if class == enums.ErrorClassAuthExpired {
		s.logg.Error(logCtx, "authority rejected credentials; rotate authority credentials", fmt.Errorf("%s: %s", code, message))
	}
	if retryCount >= record.MaxRetries {
		if s.metrics != nil {
			s.metrics.IncExhausted()
		}
		s.logg.Warn(s.logg.WithField(logCtx, "operator_action", "reset-retry or disable-retry"), "submission exhausted automatic retries")
		return resultExhausted
	}
	s.logg.Warn(logCtx, "submission attempt failed; retry scheduled")
	return resultFailed
}

func (s *Service) releaseLock(ctx context.Context, id uuid.UUID) {
	if err := s.records.ReleaseLock(ctx, id, s.workerID, s.now()); err != nil {
		s.logg.Error(ctx, "release processing lock", err)
	}
}

func (s *Service) observe(outcome enums.AttemptOutcome, class enums.ErrorClass) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveAttempt(string(outcome), string(class))
}
