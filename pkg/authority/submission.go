package authority

import (
	"github.com/shopspring/decimal"
)

// Amount renders a decimal as a bare JSON number, which is what the authority parses.
type Amount decimal.Decimal

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

// Submission is the invoice document posted to the authority.
type Submission struct {
	InvoiceType       string `json:"invoiceType"`
	InvoiceDate       string `json:"invoiceDate"`
	SellerNTNCNIC     string `json:"sellerNTNCNIC"`
	BuyerNTNCNIC      string `json:"buyerNTNCNIC,omitempty"`
	BuyerBusinessName string `json:"buyerBusinessName"`
	InvoiceRefNo      string `json:"invoiceRefNo"`
	TotalValue        Amount `json:"totalValue"`
	TotalSalesTax     Amount `json:"totalSalesTax"`
	Items             []Item `json:"items"`
}

// Item is a single invoice line in authority wire format.
type Item struct {
	HSCode        string `json:"hsCode"`
	Description   string `json:"productDescription"`
	Rate          string `json:"rate"`
	UnitOfMeasure string `json:"uoM"`
	Quantity      Amount `json:"quantity"`
	ValueExclTax  Amount `json:"valueSalesExcludingST"`
	SalesTax      Amount `json:"salesTaxApplicable"`
}
