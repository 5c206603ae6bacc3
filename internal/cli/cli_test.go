package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/invoicesync-backend/internal/dbtest"
	"github.com/angelmondragon/invoicesync-backend/internal/retry"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

type fakeOperator struct {
	record   models.SubmissionRecord
	attempts []models.SubmissionAttempt
	resetErr error
	resets   []uuid.UUID
	disables []uuid.UUID
	cycles   int
}

func (f *fakeOperator) Get(_ context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	rec := f.record
	rec.ID = id
	return &rec, nil
}

func (f *fakeOperator) Attempts(context.Context, uuid.UUID) ([]models.SubmissionAttempt, error) {
	return f.attempts, nil
}

func (f *fakeOperator) ResetRetryCount(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	f.resets = append(f.resets, id)
	return f.Get(ctx, id)
}

func (f *fakeOperator) DisableRetry(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error) {
	f.disables = append(f.disables, id)
	return f.Get(ctx, id)
}

func (f *fakeOperator) Exhausted(_ context.Context, limit int) ([]models.SubmissionRecord, error) {
	return []models.SubmissionRecord{f.record}, nil
}

func (f *fakeOperator) RunCycle(context.Context) (retry.CycleResult, error) {
	f.cycles++
	return retry.CycleResult{Selected: 2, Accepted: 1, Failed: 1}, nil
}

type fakeTelemetry struct{ window time.Duration }

func (f *fakeTelemetry) Snapshot(_ context.Context, window time.Duration) (telemetry.Snapshot, error) {
	f.window = window
	return telemetry.Snapshot{WindowSeconds: int64(window.Seconds()), Attempts: 10, Successes: 9, SuccessRate: 0.9,
		ErrorClasses: map[string]int64{"transient": 1}}, nil
}

type harness struct {
	op       *fakeOperator
	tel      *fakeTelemetry
	imp      submissions.Repository
	released int
}

func newHarness() *harness {
	return &harness{
		op: &fakeOperator{record: models.SubmissionRecord{
			InvoiceNumber: "INV-1",
			Status:        enums.SubmissionStatusFailed,
			RetryCount:    3,
			MaxRetries:    3,
			RetryEnabled:  true,
		}},
		tel: &fakeTelemetry{},
	}
}

func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(func(context.Context) (*Backend, func(), error) {
		backend := &Backend{Operator: h.op, Telemetry: h.tel, MaxRetries: 4}
		if h.imp != nil {
			backend.Importer = h.imp
		}
		return backend, func() { h.released++ }, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"reset", "disable", "show", "exhausted", "stats", "run-once", "import"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
}

func TestResetAndDisable(t *testing.T) {
	h := newHarness()
	id := uuid.New()

	out, err := h.run(t, "", "reset", id.String())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, h.op.resets)
	require.Contains(t, out, "INV-1")

	_, err = h.run(t, "", "disable", id.String())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, h.op.disables)
	require.Equal(t, 2, h.released)
}

func TestResetPropagatesServiceError(t *testing.T) {
	h := newHarness()
	h.op.resetErr = errors.New("submission is validated")
	_, err := h.run(t, "", "reset", uuid.NewString())
	require.ErrorContains(t, err, "submission is validated")
	require.Equal(t, 1, h.released)
}

func TestInvalidIDNeverOpensBackend(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "", "reset", "not-a-uuid")
	require.ErrorContains(t, err, "invalid submission id")
	require.Zero(t, h.released)
}

func TestInvalidFormatRejected(t *testing.T) {
	h := newHarness()
	_, err := h.run(t, "", "--format", "yaml", "exhausted")
	require.ErrorContains(t, err, "invalid format")
}

func TestShowJSON(t *testing.T) {
	h := newHarness()
	class := enums.ErrorClassTransient
	h.op.attempts = []models.SubmissionAttempt{{Attempt: 1, Outcome: enums.AttemptOutcomeTransportFailure, ErrorClass: &class}}

	out, err := h.run(t, "", "--format", "json", "show", uuid.NewString())
	require.NoError(t, err)

	var decoded showOutput
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.True(t, decoded.Submission.Exhausted)
	require.Len(t, decoded.Attempts, 1)
	require.Equal(t, "transient", *decoded.Attempts[0].ErrorClass)
}

func TestStatsUsesWindowFlag(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "", "stats", "--window", "2h")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, h.tel.window)
	require.Contains(t, out, "90.00%")
	require.Contains(t, out, "errors.transient")
}

func TestRunOnce(t *testing.T) {
	h := newHarness()
	out, err := h.run(t, "", "--format", "json", "run-once")
	require.NoError(t, err)
	require.Equal(t, 1, h.op.cycles)

	var result retry.CycleResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, 2, result.Selected)
}

const importPayload = `[{
  "tenant_id": "0190f0a4-6a5c-7c2e-9d7e-2f1b6c3d4e5f",
  "invoice_number": "INV-2001",
  "invoice_date": "2026-09-30",
  "invoice_type": "Sale Invoice",
  "seller_ntn": "1234567",
  "buyer_name": "Acme Traders",
  "total_amount": "1180.00",
  "tax_amount": "180.00",
  "line_items": [{"hs_code": "0101.2100", "description": "Widget", "quantity": "2", "uom": "PCS", "value_excl_tax": "1000.00", "tax_rate": "18%", "sales_tax": "180.00"}],
  "last_error": "gateway timeout"
}]`

func withStore(t *testing.T, h *harness) *gorm.DB {
	t.Helper()
	conn := dbtest.Open(t, &models.SubmissionRecord{})
	h.imp = submissions.NewRepository(conn)
	return conn
}

func TestImportFromStdin(t *testing.T) {
	h := newHarness()
	withStore(t, h)

	_, err := h.run(t, importPayload, "import", "-")
	require.NoError(t, err)

	tenant := uuid.MustParse("0190f0a4-6a5c-7c2e-9d7e-2f1b6c3d4e5f")
	rec, err := h.imp.FindByInvoice(context.Background(), tenant, "INV-2001")
	require.NoError(t, err)
	require.Equal(t, enums.SubmissionStatusFailed, rec.Status)
	require.Equal(t, 4, rec.MaxRetries)
	require.True(t, rec.RetryEnabled)
	require.Nil(t, rec.NextRetryAt)
	require.Equal(t, "gateway timeout", *rec.LastErrorMessage)
	require.Equal(t, "2026-09-30", rec.InvoiceDate.UTC().Format(time.DateOnly))
	require.True(t, rec.RetryEligible(time.Now()))
}

func TestImportTwiceSkipsKnownInvoices(t *testing.T) {
	h := newHarness()
	conn := withStore(t, h)

	_, err := h.run(t, importPayload, "--format", "json", "import", "-")
	require.NoError(t, err)
	out, err := h.run(t, importPayload, "--format", "json", "import", "-")
	require.NoError(t, err)

	var second importOutput
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	require.Empty(t, second.Created)
	require.Len(t, second.Skipped, 1)
	require.Equal(t, "INV-2001", second.Skipped[0].InvoiceNumber)

	var count int64
	require.NoError(t, conn.Model(&models.SubmissionRecord{}).Where("invoice_number = ?", "INV-2001").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestImportIsAllOrNothing(t *testing.T) {
	h := newHarness()
	conn := withStore(t, h)

	// A trigger fails the second insert after the first one has gone through.
	batch := strings.TrimSuffix(importPayload, "]") + `, {
  "tenant_id": "0190f0a4-6a5c-7c2e-9d7e-2f1b6c3d4e5f",
  "invoice_number": "INV-2002",
  "invoice_date": "2026-09-30",
  "invoice_type": "Sale Invoice",
  "seller_ntn": "1234567",
  "buyer_name": "Acme Traders",
  "total_amount": "10.00",
  "tax_amount": "0",
  "line_items": [{"hs_code": "1", "description": "x", "quantity": "1", "uom": "PCS", "value_excl_tax": "10", "tax_rate": "0%", "sales_tax": "0"}]
}]`
	require.NoError(t, conn.Exec(`CREATE TRIGGER reject_second_invoice BEFORE INSERT ON submission_records
		WHEN NEW.invoice_number = 'INV-2002' BEGIN SELECT RAISE(ABORT, 'rejected by test'); END`).Error)

	_, err := h.run(t, batch, "import", "-")
	require.ErrorContains(t, err, "nothing was registered")

	var count int64
	require.NoError(t, conn.Model(&models.SubmissionRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestImportRejectsInvalidInvoice(t *testing.T) {
	h := newHarness()
	conn := withStore(t, h)

	_, err := h.run(t, `[{"tenant_id":"nope","invoice_number":"INV-1"}]`, "import", "-")
	require.ErrorContains(t, err, "invalid invoice")

	var count int64
	require.NoError(t, conn.Model(&models.SubmissionRecord{}).Count(&count).Error)
	require.Zero(t, count)
}
