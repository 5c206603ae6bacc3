package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/invoicesync-backend/api/middleware"
	"github.com/angelmondragon/invoicesync-backend/api/responses"
	"github.com/angelmondragon/invoicesync-backend/api/validators"
	"github.com/angelmondragon/invoicesync-backend/internal/verification"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const (
	defaultExhaustedLimit = 50
	maxExhaustedLimit     = 500
)

// SubmissionOperator is the slice of the retry orchestrator exposed to operators.
type SubmissionOperator interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	Attempts(ctx context.Context, id uuid.UUID) ([]models.SubmissionAttempt, error)
	ResetRetryCount(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	DisableRetry(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	Exhausted(ctx context.Context, limit int) ([]models.SubmissionRecord, error)
}

type artifactReader interface {
	FindByRecordID(ctx context.Context, recordID uuid.UUID) (*models.VerificationArtifact, error)
}

// OverrideBody optionally records why an operator intervened.
type OverrideBody struct {
	Reason string `json:"reason" validate:"max=256"`
}

// AdminSubmissionDetail returns a record, its attempt log and its verification artifact.
func AdminSubmissionDetail(ops SubmissionOperator, artifacts artifactReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		record, err := ops.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		attempts, err := ops.Attempts(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		detail := SubmissionDetail{
			Submission: newSubmissionView(*record),
			Attempts:   newAttemptViews(attempts),
		}
		if artifacts != nil {
			artifact, err := artifacts.FindByRecordID(ctx, id)
			switch {
			case errors.Is(err, verification.ErrNotFound):
			case err != nil:
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load verification artifact"))
				return
			default:
				detail.Artifact = &ArtifactView{
					AuthorityReferenceID: artifact.AuthorityReferenceID,
					Payload:              artifact.Payload,
					CreatedAt:            artifact.CreatedAt,
				}
			}
		}
		responses.WriteSuccess(w, detail)
	}
}

// AdminResetRetry zeroes the retry count of a failed record so the orchestrator picks it up again.
func AdminResetRetry(ops SubmissionOperator, logg *logger.Logger) http.HandlerFunc {
	return overrideHandler(logg, "submission.retry_reset", ops.ResetRetryCount)
}

// AdminDisableRetry stops automatic retries for a failed record.
func AdminDisableRetry(ops SubmissionOperator, logg *logger.Logger) http.HandlerFunc {
	return overrideHandler(logg, "submission.retry_disabled", ops.DisableRetry)
}

func overrideHandler(logg *logger.Logger, event string, apply func(context.Context, uuid.UUID) (*models.SubmissionRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseUUIDParam(r, "id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body OverrideBody
		if err := validators.DecodeOptionalJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		record, err := apply(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logCtx := logg.WithRecordID(ctx, id.String())
			logCtx = logg.WithFields(logCtx, map[string]any{
				"operator": middleware.OperatorFromContext(ctx),
				"reason":   validators.SanitizeString(body.Reason, 256),
			})
			logg.Info(logCtx, event)
		}
		responses.WriteSuccess(w, newSubmissionView(*record))
	}
}

// AdminExhaustedSubmissions lists failed records that ran out of automatic retries.
func AdminExhaustedSubmissions(ops SubmissionOperator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", defaultExhaustedLimit, 1, maxExhaustedLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		records, err := ops.Exhausted(ctx, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		views := make([]SubmissionView, 0, len(records))
		for _, rec := range records {
			views = append(views, newSubmissionView(rec))
		}
		responses.WriteSuccess(w, map[string]any{"submissions": views, "count": len(views)})
	}
}
