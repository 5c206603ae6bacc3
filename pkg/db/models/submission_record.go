package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

// DefaultMaxRetries is the retry ceiling applied to new submission records.
const DefaultMaxRetries = 3

// SubmissionRecord is one business document awaiting or having completed delivery to the authority.
type SubmissionRecord struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	TenantID uuid.UUID `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:idx_submission_records_tenant_sequence;uniqueIndex:idx_submission_records_tenant_invoice"`
	Sequence int64     `gorm:"column:sequence;not null;uniqueIndex:idx_submission_records_tenant_sequence"`

	InvoiceNumber string          `gorm:"column:invoice_number;not null;uniqueIndex:idx_submission_records_tenant_invoice"`
	InvoiceDate   time.Time       `gorm:"column:invoice_date;not null"`
	InvoiceType   string          `gorm:"column:invoice_type;not null"`
	SellerNTN     string          `gorm:"column:seller_ntn;not null"`
	BuyerNTN      *string         `gorm:"column:buyer_ntn"`
	BuyerName     string          `gorm:"column:buyer_name;not null"`
	TotalAmount   decimal.Decimal `gorm:"column:total_amount;type:numeric(14,2);not null"`
	TaxAmount     decimal.Decimal `gorm:"column:tax_amount;type:numeric(14,2);not null"`
	LineItems     json.RawMessage `gorm:"column:line_items;type:jsonb;not null"`

	Status enums.SubmissionStatus `gorm:"column:status;type:submission_status_enum;not null"`

	RetryCount       int               `gorm:"column:retry_count;not null;default:0"`
	MaxRetries       int               `gorm:"column:max_retries;not null;default:3"`
	RetryEnabled     bool              `gorm:"column:retry_enabled;not null"`
	NextRetryAt      *time.Time        `gorm:"column:next_retry_at"`
	LastRetryAt      *time.Time        `gorm:"column:last_retry_at"`
	LastErrorCode    *string           `gorm:"column:last_error_code"`
	LastErrorMessage *string           `gorm:"column:last_error_message"`
	LastErrorClass   *enums.ErrorClass `gorm:"column:last_error_class;type:error_class_enum"`

	Submitted            bool       `gorm:"column:submitted;not null;default:false"`
	Validated            bool       `gorm:"column:validated;not null;default:false"`
	AuthorityReferenceID *string    `gorm:"column:authority_reference_id;uniqueIndex"`
	AuthorityTimestamp   *time.Time `gorm:"column:authority_timestamp"`

	ProcessingLock  bool       `gorm:"column:processing_lock;not null;default:false"`
	ProcessingSince *time.Time `gorm:"column:processing_since"`
	ProcessingOwner *string    `gorm:"column:processing_owner"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Exhausted reports whether automatic retries have reached the ceiling.
func (r SubmissionRecord) Exhausted() bool {
	return r.Status == enums.SubmissionStatusFailed && r.RetryCount >= r.MaxRetries
}

// RetryEligible mirrors the selection predicate used by the orchestrator.
func (r SubmissionRecord) RetryEligible(now time.Time) bool {
	if r.Status != enums.SubmissionStatusFailed || !r.RetryEnabled || r.RetryCount >= r.MaxRetries {
		return false
	}
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

// LineItem is one row of the invoice as persisted in SubmissionRecord.LineItems.
type LineItem struct {
	HSCode        string          `json:"hs_code"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitOfMeasure string          `json:"uom"`
	ValueExclTax  decimal.Decimal `json:"value_excl_tax"`
	TaxRate       string          `json:"tax_rate"`
	SalesTax      decimal.Decimal `json:"sales_tax"`
}
