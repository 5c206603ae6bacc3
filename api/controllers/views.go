package controllers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

// SubmissionView is the operator-facing projection of a submission record.
type SubmissionView struct {
	ID            uuid.UUID              `json:"id"`
	TenantID      uuid.UUID              `json:"tenant_id"`
	Sequence      int64                  `json:"sequence"`
	InvoiceNumber string                 `json:"invoice_number"`
	InvoiceDate   time.Time              `json:"invoice_date"`
	BuyerName     string                 `json:"buyer_name"`
	TotalAmount   decimal.Decimal        `json:"total_amount"`
	Status        enums.SubmissionStatus `json:"status"`

	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	RetryEnabled     bool              `json:"retry_enabled"`
	Exhausted        bool              `json:"exhausted"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
	LastRetryAt      *time.Time        `json:"last_retry_at,omitempty"`
	LastErrorClass   *enums.ErrorClass `json:"last_error_class,omitempty"`
	LastErrorCode    *string           `json:"last_error_code,omitempty"`
	LastErrorMessage *string           `json:"last_error_message,omitempty"`

	AuthorityReferenceID *string    `json:"authority_reference_id,omitempty"`
	AuthorityTimestamp   *time.Time `json:"authority_timestamp,omitempty"`
	Locked               bool       `json:"locked"`
	LockedSince          *time.Time `json:"locked_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AttemptView struct {
	Attempt      int                  `json:"attempt"`
	Outcome      enums.AttemptOutcome `json:"outcome"`
	ErrorClass   *enums.ErrorClass    `json:"error_class,omitempty"`
	ErrorCode    *string              `json:"error_code,omitempty"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	DurationMS   int64                `json:"duration_ms"`
	CreatedAt    time.Time            `json:"created_at"`
}

type ArtifactView struct {
	AuthorityReferenceID string    `json:"authority_reference_id"`
	Payload              string    `json:"payload"`
	CreatedAt            time.Time `json:"created_at"`
}

// SubmissionDetail bundles a record with its attempt log and verification artifact.
type SubmissionDetail struct {
	Submission SubmissionView `json:"submission"`
	Attempts   []AttemptView  `json:"attempts"`
	Artifact   *ArtifactView  `json:"artifact,omitempty"`
}

func newSubmissionView(r models.SubmissionRecord) SubmissionView {
	return SubmissionView{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Sequence:             r.Sequence,
		InvoiceNumber:        r.InvoiceNumber,
		InvoiceDate:          r.InvoiceDate,
		BuyerName:            r.BuyerName,
		TotalAmount:          r.TotalAmount,
		Status:               r.Status,
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		RetryEnabled:         r.RetryEnabled,
		Exhausted:            r.Exhausted(),
		NextRetryAt:          r.NextRetryAt,
		LastRetryAt:          r.LastRetryAt,
		LastErrorClass:       r.LastErrorClass,
		LastErrorCode:        r.LastErrorCode,
		LastErrorMessage:     r.LastErrorMessage,
		AuthorityReferenceID: r.AuthorityReferenceID,
		AuthorityTimestamp:   r.AuthorityTimestamp,
		Locked:               r.ProcessingLock,
		LockedSince:          r.ProcessingSince,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

func newAttemptViews(attempts []models.SubmissionAttempt) []AttemptView {
	out := make([]AttemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptView{
			Attempt:      a.Attempt,
			Outcome:      a.Outcome,
			ErrorClass:   a.ErrorClass,
			ErrorCode:    a.ErrorCode,
			ErrorMessage: a.ErrorMessage,
			DurationMS:   a.DurationMS,
			CreatedAt:    a.CreatedAt,
		})
	}
	return out
}
