package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

type formatter struct {
	format string
	w      io.Writer
}

func (f *formatter) json() bool { return f.format == "json" }

func (f *formatter) writeJSON(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *formatter) table(header string, rows [][]any) error {
	tw := tabwriter.NewWriter(f.w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, header); err != nil {
		return err
	}
	for _, row := range rows {
		line := ""
		for i, col := range row {
			if i > 0 {
				line += "\t"
			}
			line += fmt.Sprint(col)
		}
		if _, err := fmt.Fprintln(tw, line); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type recordOutput struct {
	ID                   string  `json:"id"`
	InvoiceNumber        string  `json:"invoice_number"`
	Status               string  `json:"status"`
	RetryCount           int     `json:"retry_count"`
	MaxRetries           int     `json:"max_retries"`
	RetryEnabled         bool    `json:"retry_enabled"`
	Exhausted            bool    `json:"exhausted"`
	NextRetryAt          *string `json:"next_retry_at,omitempty"`
	LastErrorClass       *string `json:"last_error_class,omitempty"`
	LastErrorMessage     *string `json:"last_error_message,omitempty"`
	AuthorityReferenceID *string `json:"authority_reference_id,omitempty"`
	Locked               bool    `json:"locked"`
}

func toRecordOutput(r models.SubmissionRecord) recordOutput {
	out := recordOutput{
		ID:                   r.ID.String(),
		InvoiceNumber:        r.InvoiceNumber,
		Status:               string(r.Status),
		RetryCount:           r.RetryCount,
		MaxRetries:           r.MaxRetries,
		RetryEnabled:         r.RetryEnabled,
		Exhausted:            r.Exhausted(),
		LastErrorMessage:     r.LastErrorMessage,
		AuthorityReferenceID: r.AuthorityReferenceID,
		Locked:               r.ProcessingLock,
	}
	if r.NextRetryAt != nil {
		s := r.NextRetryAt.UTC().Format(time.RFC3339)
		out.NextRetryAt = &s
	}
	if r.LastErrorClass != nil {
		s := string(*r.LastErrorClass)
		out.LastErrorClass = &s
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func (f *formatter) records(records []models.SubmissionRecord) error {
	outs := make([]recordOutput, 0, len(records))
	for _, r := range records {
		outs = append(outs, toRecordOutput(r))
	}
	if f.json() {
		return f.writeJSON(outs)
	}
	rows := make([][]any, 0, len(outs))
	for _, o := range outs {
		rows = append(rows, []any{o.ID, o.InvoiceNumber, o.Status, fmt.Sprintf("%d/%d", o.RetryCount, o.MaxRetries), o.RetryEnabled, deref(o.LastErrorClass), deref(o.NextRetryAt)})
	}
	return f.table("ID\tINVOICE\tSTATUS\tRETRIES\tENABLED\tLAST_CLASS\tNEXT_RETRY", rows)
}

type importOutput struct {
	Created []recordOutput `json:"created"`
	Skipped []recordOutput `json:"skipped"`
}

func (f *formatter) imported(result submissions.ImportResult) error {
	if f.json() {
		out := importOutput{Created: []recordOutput{}, Skipped: []recordOutput{}}
		for _, r := range result.Created {
			out.Created = append(out.Created, toRecordOutput(r))
		}
		for _, r := range result.Skipped {
			out.Skipped = append(out.Skipped, toRecordOutput(r))
		}
		return f.writeJSON(out)
	}
	if err := f.records(result.Created); err != nil {
		return err
	}
	for _, r := range result.Skipped {
		if _, err := fmt.Fprintf(f.w, "skipped %s: already registered as %s (%s)\n", r.InvoiceNumber, r.ID, r.Status); err != nil {
			return err
		}
	}
	return nil
}
