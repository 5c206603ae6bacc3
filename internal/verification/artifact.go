package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

// DefaultVerifyURL is the public lookup page the scanned payload points at.
const DefaultVerifyURL = "https://gw.fbr.gov.pk/verify"

// Repository persists verification artifacts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, artifact *models.VerificationArtifact) (bool, error)
	FindByRecordID(ctx context.Context, recordID uuid.UUID) (*models.VerificationArtifact, error)
}

// ErrNotFound is returned when no artifact exists for a record.
var ErrNotFound = errors.New("verification artifact not found")

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository binds the artifact repository to a gorm handle.
func NewRepository(conn *gorm.DB) Repository {
	return &repositoryImpl{db: conn}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// Insert stores the artifact and reports false when one already exists for the record or reference.
// The conflict is swallowed in SQL so an enclosing Postgres transaction stays usable.
func (r *repositoryImpl) Insert(ctx context.Context, artifact *models.VerificationArtifact) (bool, error) {
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(artifact)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repositoryImpl) FindByRecordID(ctx context.Context, recordID uuid.UUID) (*models.VerificationArtifact, error) {
	var artifact models.VerificationArtifact
	err := r.db.WithContext(ctx).Where("record_id = ?", recordID).Take(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Builder renders verification payloads for accepted records.
type Builder struct {
	verifyURL string
}

// NewBuilder returns a Builder rooted at verifyURL, or DefaultVerifyURL when empty.
func NewBuilder(verifyURL string) Builder {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	return Builder{verifyURL: verifyURL}
}

// Payload is the string a QR renderer encodes.
func (b Builder) Payload(record models.SubmissionRecord, reference string) (string, error) {
	if reference == "" {
		return "", errors.New("authority reference id is required")
	}
	base, err := url.Parse(b.verifyURL)
	if err != nil {
		return "", fmt.Errorf("parse verify url: %w", err)
	}
	query := base.Query()
	query.Set("irn", reference)
	query.Set("ntn", record.SellerNTN)
	query.Set("date", record.InvoiceDate.UTC().Format(time.DateOnly))
	query.Set("total", record.TotalAmount.StringFixed(2))
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// Artifact builds the row for record once the authority assigned reference.
func (b Builder) Artifact(record models.SubmissionRecord, reference string) (*models.VerificationArtifact, error) {
	payload, err := b.Payload(record, reference)
	if err != nil {
		return nil, err
	}
	return &models.VerificationArtifact{
		ID:                   uuid.New(),
		RecordID:             record.ID,
		AuthorityReferenceID: reference,
		Payload:              payload,
	}, nil
}
