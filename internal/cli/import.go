package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

var validate = validator.New()

// ImportInput is one invoice whose first delivery attempt failed outside the orchestrator.
type ImportInput struct {
	TenantID      string            `json:"tenant_id" validate:"required,uuid"`
	InvoiceNumber string            `json:"invoice_number" validate:"required,max=64"`
	InvoiceDate   string            `json:"invoice_date" validate:"required,datetime=2006-01-02"`
	InvoiceType   string            `json:"invoice_type" validate:"required"`
	SellerNTN     string            `json:"seller_ntn" validate:"required"`
	BuyerNTN      *string           `json:"buyer_ntn"`
	BuyerName     string            `json:"buyer_name" validate:"required"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	TaxAmount     decimal.Decimal   `json:"tax_amount"`
	LineItems     []models.LineItem `json:"line_items" validate:"required,min=1"`
	LastError     string            `json:"last_error"`
}

// Record converts the input into a failed record that is eligible immediately.
func (in ImportInput) Record(maxRetries int) (*models.SubmissionRecord, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid invoice: %w", err)
	}
	if in.TotalAmount.IsNegative() || in.TaxAmount.IsNegative() {
		return nil, fmt.Errorf("invalid invoice: amounts must not be negative")
	}
	tenant, err := uuid.Parse(in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	date, err := time.Parse(time.DateOnly, in.InvoiceDate)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice date: %w", err)
	}
	items, err := json.Marshal(in.LineItems)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}

	record := &models.SubmissionRecord{
		TenantID:      tenant,
		InvoiceNumber: strings.TrimSpace(in.InvoiceNumber),
		InvoiceDate:   date.UTC(),
		InvoiceType:   in.InvoiceType,
		SellerNTN:     in.SellerNTN,
		BuyerNTN:      in.BuyerNTN,
		BuyerName:     in.BuyerName,
		TotalAmount:   in.TotalAmount,
		TaxAmount:     in.TaxAmount,
		LineItems:     items,
		Status:        enums.SubmissionStatusFailed,
		MaxRetries:    maxRetries,
		RetryEnabled:  true,
	}
	if msg := strings.TrimSpace(in.LastError); msg != "" {
		class := enums.ErrorClassUnknown
		record.LastErrorMessage = &msg
		record.LastErrorClass = &class
	}
	return record, nil
}

func newImportCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Register failed invoices (a JSON array) for automatic retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readImport(cmd, args[0])
			if err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				records := make([]*models.SubmissionRecord, 0, len(inputs))
				for i, in := range inputs {
					record, err := in.Record(b.MaxRetries)
					if err != nil {
						return fmt.Errorf("invoice %d: %w", i, err)
					}
					records = append(records, record)
				}
				result, err := b.Importer.Import(ctx, records)
				if err != nil {
					return fmt.Errorf("import aborted, nothing was registered: %w", err)
				}
				return out.imported(result)
			})
		},
	}
}

func readImport(cmd *cobra.Command, path string) ([]ImportInput, error) {
	var src io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		src = f
	}
	var inputs []ImportInput
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inputs); err != nil {
		return nil, fmt.Errorf("decode import file: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("import file contains no invoices")
	}
	return inputs, nil
}
