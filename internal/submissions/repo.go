package submissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

const (
	createAttempts = 3
	sequenceIndex  = "idx_submission_records_tenant_sequence"
	invoiceIndex   = "idx_submission_records_tenant_invoice"
)

var (
	// ErrNotFound is returned when a submission record does not exist.
	ErrNotFound = errors.New("submission record not found")
	// ErrDuplicateInvoice is returned when the tenant already has a record for the invoice number.
	ErrDuplicateInvoice = errors.New("invoice already registered for tenant")
)

// Repository exposes persistence helpers for submission records and their attempt log.
// Every state transition is a conditional update; RowsAffected decides who won.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, record *models.SubmissionRecord) error
	Import(ctx context.Context, records []*models.SubmissionRecord) (ImportResult, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	FindByInvoice(ctx context.Context, tenantID uuid.UUID, invoiceNumber string) (*models.SubmissionRecord, error)
	SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.SubmissionRecord, error)
	AcquireLock(ctx context.Context, params LockParams) (bool, error)
	ReleaseLock(ctx context.Context, id uuid.UUID, owner string, now time.Time) error
	MarkAccepted(ctx context.Context, id uuid.UUID, update AcceptedUpdate) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, update FailureUpdate) (bool, error)
	ResetRetryCount(ctx context.Context, id uuid.UUID, now time.Time) (MutationResult, error)
	DisableRetry(ctx context.Context, id uuid.UUID, now time.Time) (MutationResult, error)
	ReleaseStaleLocks(ctx context.Context, staleBefore, now time.Time) (int64, error)
	ListExhausted(ctx context.Context, limit int) ([]models.SubmissionRecord, error)
	InsertAttempt(ctx context.Context, attempt *models.SubmissionAttempt) error
	ListAttempts(ctx context.Context, recordID uuid.UUID) ([]models.SubmissionAttempt, error)
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// LockParams describe one conditional lock acquisition.
type LockParams struct {
	ID    uuid.UUID
	Owner string
	Now   time.Time
	// StaleBefore is the cutoff; a lock taken before it is considered abandoned.
	StaleBefore time.Time
	// From lists the statuses the record may be in; defaults to failed.
	From []enums.SubmissionStatus
}

// AcceptedUpdate is applied when the authority accepts a submission.
type AcceptedUpdate struct {
	ReferenceID string
	Timestamp   time.Time
	Status      enums.SubmissionStatus
	Now         time.Time
}

// FailureUpdate is applied when an attempt ends without acceptance.
type FailureUpdate struct {
	Code           string
	Message        string
	Class          enums.ErrorClass
	NextRetryAt    time.Time
	Now            time.Time
	IncrementRetry bool
}

// ImportResult splits an import into new records and invoices the tenant already had.
type ImportResult struct {
	Created []models.SubmissionRecord
	Skipped []models.SubmissionRecord
}

// MutationResult reports what a manual override did.
type MutationResult struct {
	Found   bool
	Updated bool
	Status  enums.SubmissionStatus
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a submissions repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// Create persists a new record, assigning the next per-tenant sequence inside a transaction.
func (r *repositoryImpl) Create(ctx context.Context, record *models.SubmissionRecord) error {
	if record == nil {
		return errors.New("record is required")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.MaxRetries == 0 {
		record.MaxRetries = models.DefaultMaxRetries
	}
	if record.Status == "" {
		record.Status = enums.SubmissionStatusDraft
	}
	if len(record.LineItems) == 0 {
		record.LineItems = []byte("[]")
	}

	var err error
	for range createAttempts {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current int64
			if err := tx.Model(&models.SubmissionRecord{}).
				Where("tenant_id = ?", record.TenantID).
				Select("COALESCE(MAX(sequence), 0)").
				Scan(&current).Error; err != nil {
				return fmt.Errorf("read tenant sequence: %w", err)
			}
			record.Sequence = current + 1
			return tx.Create(record).Error
		})
		if db.IsUniqueViolation(err, invoiceIndex, "submission_records.invoice_number") {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, record.InvoiceNumber)
		}
		// A concurrent create for the same tenant took the sequence; read it again.
		if !db.IsUniqueViolation(err, sequenceIndex, "submission_records.sequence") {
			return err
		}
	}
	return fmt.Errorf("assign tenant sequence: %w", err)
}

// Import creates every record in one transaction. Invoices the tenant already has, including
// repeats within the batch, are returned as skipped; any other failure rolls the batch back.
func (r *repositoryImpl) Import(ctx context.Context, records []*models.SubmissionRecord) (ImportResult, error) {
	var result ImportResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := &repositoryImpl{db: tx}
		result = ImportResult{}
		for i, record := range records {
			existing, err := repo.FindByInvoice(ctx, record.TenantID, record.InvoiceNumber)
			if err == nil {
				result.Skipped = append(result.Skipped, *existing)
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("invoice %d (%s): %w", i, record.InvoiceNumber, err)
			}
			if err := repo.Create(ctx, record); err != nil {
				return fmt.Errorf("invoice %d (%s): %w", i, record.InvoiceNumber, err)
			}
			result.Created = append(result.Created, *record)
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func (r *repositoryImpl) FindByInvoice(ctx context.Context, tenantID uuid.UUID, invoiceNumber string) (*models.SubmissionRecord, error) {
	var record models.SubmissionRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND invoice_number = ?", tenantID, invoiceNumber).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	var record models.SubmissionRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repositoryImpl) SelectEligible(ctx context.Context, now time.Time, limit int) ([]models.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var records []models.SubmissionRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubmissionStatusFailed).
		Where("retry_enabled = ?", true).
		Where("retry_count < max_retries").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("COALESCE(next_retry_at, updated_at) ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *repositoryImpl) AcquireLock(ctx context.Context, params LockParams) (bool, error) {
	from := params.From
	if len(from) == 0 {
		from = []enums.SubmissionStatus{enums.SubmissionStatusFailed}
	}
	query := r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("id = ?", params.ID).
		Where("status IN ?", from).
		Where("submitted = ?", false).
		Where("processing_lock = ? OR processing_since IS NULL OR processing_since < ?", false, params.StaleBefore)
	if len(params.From) == 0 {
		query = query.Where("retry_enabled = ? AND retry_count < max_retries", true)
	}
	result := query.UpdateColumns(map[string]any{
		"processing_lock":  true,
		"processing_since": params.Now,
		"processing_owner": params.Owner,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repositoryImpl) ReleaseLock(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("id = ? AND processing_lock = ? AND processing_owner = ?", id, true, owner).
		UpdateColumns(map[string]any{
			"processing_lock":  false,
			"processing_since": nil,
			"processing_owner": nil,
			"updated_at":       now,
		}).Error
}

// MarkAccepted records acceptance only if no reference was ever stored for the record.
func (r *repositoryImpl) MarkAccepted(ctx context.Context, id uuid.UUID, update AcceptedUpdate) (bool, error) {
	if update.ReferenceID == "" {
		return false, errors.New("authority reference id is required")
	}
	if !update.Status.Accepted() {
		return false, fmt.Errorf("status %q is not an accepted status", update.Status)
	}
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("id = ?", id).
		Where("status IN ?", []enums.SubmissionStatus{enums.SubmissionStatusFailed, enums.SubmissionStatusSubmitting}).
		Where("authority_reference_id IS NULL").
		UpdateColumns(map[string]any{
			"status":                 update.Status,
			"submitted":              true,
			"validated":              true,
			"authority_reference_id": update.ReferenceID,
			"authority_timestamp":    update.Timestamp,
			"next_retry_at":          nil,
			"last_error_code":        nil,
			"last_error_message":     nil,
			"last_error_class":       nil,
			"processing_lock":        false,
			"processing_since":       nil,
			"processing_owner":       nil,
			"updated_at":             update.Now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkFailed records a non-accepted attempt. Accepted records are never touched.
func (r *repositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, update FailureUpdate) (bool, error) {
	columns := map[string]any{
		"status":             enums.SubmissionStatusFailed,
		"last_error_code":    update.Code,
		"last_error_message": update.Message,
		"last_error_class":   update.Class,
		"last_retry_at":      update.Now,
		"next_retry_at":      update.NextRetryAt,
		"processing_lock":    false,
		"processing_since":   nil,
		"processing_owner":   nil,
		"updated_at":         update.Now,
	}
	if update.IncrementRetry {
		columns["retry_count"] = gorm.Expr("retry_count + 1")
	}
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("id = ?", id).
		Where("status IN ?", []enums.SubmissionStatus{enums.SubmissionStatusFailed, enums.SubmissionStatusSubmitting}).
		Where("submitted = ? AND authority_reference_id IS NULL", false).
		UpdateColumns(columns)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repositoryImpl) ResetRetryCount(ctx context.Context, id uuid.UUID, now time.Time) (MutationResult, error) {
	return r.override(ctx, id, map[string]any{
		"retry_count":   0,
		"next_retry_at": now,
		"retry_enabled": true,
		"updated_at":    now,
	})
}

func (r *repositoryImpl) DisableRetry(ctx context.Context, id uuid.UUID, now time.Time) (MutationResult, error) {
	return r.override(ctx, id, map[string]any{
		"retry_enabled": false,
		"next_retry_at": nil,
		"updated_at":    now,
	})
}

func (r *repositoryImpl) override(ctx context.Context, id uuid.UUID, columns map[string]any) (MutationResult, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("id = ? AND status = ?", id, enums.SubmissionStatusFailed).
		UpdateColumns(columns)
	if result.Error != nil {
		return MutationResult{}, result.Error
	}
	if result.RowsAffected > 0 {
		return MutationResult{Found: true, Updated: true, Status: enums.SubmissionStatusFailed}, nil
	}

	record, err := r.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return MutationResult{}, nil
	}
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{Found: true, Status: record.Status}, nil
}

func (r *repositoryImpl) ReleaseStaleLocks(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.SubmissionRecord{}).
		Where("processing_lock = ? AND (processing_since IS NULL OR processing_since < ?)", true, staleBefore).
		UpdateColumns(map[string]any{
			"processing_lock":  false,
			"processing_since": nil,
			"processing_owner": nil,
			"updated_at":       now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListExhausted returns failed records that automatic retries will no longer pick up:
// either the ceiling was reached or an operator disabled retries.
func (r *repositoryImpl) ListExhausted(ctx context.Context, limit int) ([]models.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.SubmissionRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.SubmissionStatusFailed).
		Where("retry_count >= max_retries OR retry_enabled = ?", false).
		Order("updated_at DESC, id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *repositoryImpl) InsertAttempt(ctx context.Context, attempt *models.SubmissionAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *repositoryImpl) ListAttempts(ctx context.Context, recordID uuid.UUID) ([]models.SubmissionAttempt, error) {
	var attempts []models.SubmissionAttempt
	err := r.db.WithContext(ctx).
		Where("record_id = ?", recordID).
		Order("created_at ASC, attempt ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *repositoryImpl) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.SubmissionAttempt{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
