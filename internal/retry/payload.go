package retry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

// BuildSubmission maps a persisted record onto the authority wire document.
func BuildSubmission(record models.SubmissionRecord) (authority.Submission, error) {
	var lines []models.LineItem
	if len(record.LineItems) > 0 {
		if err := json.Unmarshal(record.LineItems, &lines); err != nil {
			return authority.Submission{}, fmt.Errorf("decode line items: %w", err)
		}
	}
	if record.InvoiceNumber == "" {
		return authority.Submission{}, fmt.Errorf("invoice number missing")
	}
	if record.SellerNTN == "" {
		return authority.Submission{}, fmt.Errorf("seller ntn missing")
	}

	sub := authority.Submission{
		InvoiceType:       record.InvoiceType,
		InvoiceDate:       record.InvoiceDate.UTC().Format(time.DateOnly),
		SellerNTNCNIC:     record.SellerNTN,
		BuyerBusinessName: record.BuyerName,
		InvoiceRefNo:      record.InvoiceNumber,
		TotalValue:        authority.Amount(record.TotalAmount),
		TotalSalesTax:     authority.Amount(record.TaxAmount),
		Items:             make([]authority.Item, 0, len(lines)),
	}
	if record.BuyerNTN != nil {
		sub.BuyerNTNCNIC = *record.BuyerNTN
	}
	for _, line := range lines {
		sub.Items = append(sub.Items, authority.Item{
			HSCode:        line.HSCode,
			Description:   line.Description,
			Rate:          line.TaxRate,
			UnitOfMeasure: line.UnitOfMeasure,
			Quantity:      authority.Amount(line.Quantity),
			ValueExclTax:  authority.Amount(line.ValueExclTax),
			SalesTax:      authority.Amount(line.SalesTax),
		})
	}
	return sub, nil
}
