package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/invoicesync-backend/internal/dbtest"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/verification"
	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

var cycleStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeSubmitter struct {
	mu      sync.Mutex
	env     authority.Environment
	respond func(authority.Submission) authority.Outcome
	calls   []authority.Submission
}

func (f *fakeSubmitter) Submit(_ context.Context, sub authority.Submission) authority.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, sub)
	f.mu.Unlock()
	return f.respond(sub)
}

func (f *fakeSubmitter) Environment() authority.Environment {
	return f.env
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	svc       *Service
	records   submissions.Repository
	artifacts verification.Repository
	submitter *fakeSubmitter
	now       time.Time
}

func newHarness(t *testing.T, respond func(authority.Submission) authority.Outcome, opts ...func(*ServiceParams)) *harness {
	t.Helper()
	conn := dbtest.Open(t, &models.SubmissionRecord{}, &models.SubmissionAttempt{}, &models.VerificationArtifact{})
	h := &harness{
		records:   submissions.NewRepository(conn),
		artifacts: verification.NewRepository(conn),
		submitter: &fakeSubmitter{env: authority.Sandbox("https://authority.test"), respond: respond},
		now:       cycleStart,
	}
	params := ServiceParams{
		Logger:    logger.New(logger.Options{ServiceName: "retry-test", Output: io.Discard}),
		DB:        db.NewFromGorm(conn),
		Records:   h.records,
		Artifacts: h.artifacts,
		Builder:   verification.NewBuilder(""),
		Authority: h.submitter,
		WorkerID:  "worker-test",
		Clock:     func() time.Time { return h.now },
	}
	for _, opt := range opts {
		opt(&params)
	}
	svc, err := NewService(params)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) seed(t *testing.T, mutate func(*models.SubmissionRecord)) *models.SubmissionRecord {
	t.Helper()
	lines, _ := json.Marshal([]models.LineItem{{
		HSCode:        "0101.2100",
		Description:   "Consulting",
		Quantity:      decimal.NewFromInt(1),
		UnitOfMeasure: "Numbers, pieces, units",
		ValueExclTax:  decimal.NewFromInt(100),
		TaxRate:       "18%",
		SalesTax:      decimal.NewFromInt(18),
	}})
	rec := &models.SubmissionRecord{
		TenantID:      uuid.New(),
		InvoiceNumber: "INV-" + uuid.NewString()[:6],
		InvoiceDate:   cycleStart,
		InvoiceType:   "Sale Invoice",
		SellerNTN:     "1234567",
		BuyerName:     "Buyer",
		TotalAmount:   decimal.NewFromInt(118),
		TaxAmount:     decimal.NewFromInt(18),
		LineItems:     lines,
		Status:        enums.SubmissionStatusFailed,
		RetryEnabled:  true,
		MaxRetries:    3,
		CreatedAt:     cycleStart.Add(-time.Hour),
		UpdatedAt:     cycleStart.Add(-time.Hour),
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := h.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.SubmissionRecord {
	t.Helper()
	rec, err := h.records.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	return rec
}

func accept(ref string) func(authority.Submission) authority.Outcome {
	return func(authority.Submission) authority.Outcome {
		return authority.Accepted(ref, cycleStart)
	}
}

func transportFailure(authority.Submission) authority.Outcome {
	return authority.TransportFailure(503, errors.New("gateway down"))
}

func TestRunCycleAcceptsOnceAndGeneratesArtifact(t *testing.T) {
	h := newHarness(t, accept("FBR-REF-1"))
	rec := h.seed(t, nil)

	result, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Selected != 1 || result.Accepted != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	stored := h.reload(t, rec.ID)
	if stored.Status != enums.SubmissionStatusValidated || !stored.Submitted || !stored.Validated {
		t.Fatalf("expected validated submitted record, got %+v", stored)
	}
	if stored.AuthorityReferenceID == nil || *stored.AuthorityReferenceID != "FBR-REF-1" {
		t.Fatalf("expected reference id recorded")
	}
	if stored.ProcessingLock || stored.NextRetryAt != nil || stored.LastErrorCode != nil {
		t.Fatalf("expected lock and error fields cleared: %+v", stored)
	}
	artifact, err := h.artifacts.FindByRecordID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("expected artifact: %v", err)
	}
	if artifact.AuthorityReferenceID != "FBR-REF-1" {
		t.Fatalf("artifact bound to wrong reference %q", artifact.AuthorityReferenceID)
	}

	h.now = h.now.Add(2 * time.Hour)
	again, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Selected != 0 {
		t.Fatalf("accepted record must not be selected again: %+v", again)
	}
	if h.submitter.callCount() != 1 {
		t.Fatalf("expected exactly one authority call, got %d", h.submitter.callCount())
	}

	attempts, err := h.svc.Attempts(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != enums.AttemptOutcomeAccepted {
		t.Fatalf("expected single accepted attempt, got %+v", attempts)
	}
}

func TestZeroBuilderUsesDefaultVerifyURL(t *testing.T) {
	h := newHarness(t, accept("FBR-REF-2"), func(p *ServiceParams) { p.Builder = verification.Builder{} })
	rec := h.seed(t, nil)

	if _, err := h.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	artifact, err := h.artifacts.FindByRecordID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("expected artifact: %v", err)
	}
	if !strings.HasPrefix(artifact.Payload, verification.DefaultVerifyURL+"?") {
		t.Fatalf("expected absolute verify url, got %q", artifact.Payload)
	}
}

func TestProductionAcceptancePublishes(t *testing.T) {
	h := newHarness(t, accept("FBR-PROD"))
	h.submitter.env = authority.Production("https://authority.test")
	rec := h.seed(t, nil)

	if _, err := h.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := h.reload(t, rec.ID).Status; got != enums.SubmissionStatusPublished {
		t.Fatalf("expected published, got %s", got)
	}
}

func TestFailureSchedulesBackoff(t *testing.T) {
	h := newHarness(t, transportFailure)
	rec := h.seed(t, nil)

	result, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Failed != 1 || result.Exhausted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	stored := h.reload(t, rec.ID)
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", stored.RetryCount)
	}
	if stored.Status != enums.SubmissionStatusFailed || stored.ProcessingLock {
		t.Fatalf("expected failed unlocked record, got %+v", stored)
	}
	wantNext := cycleStart.Add(2 * time.Minute)
	if stored.NextRetryAt == nil || !stored.NextRetryAt.Equal(wantNext) {
		t.Fatalf("expected next retry at %s, got %v", wantNext, stored.NextRetryAt)
	}
	if stored.LastErrorClass == nil || *stored.LastErrorClass != enums.ErrorClassTransient {
		t.Fatalf("expected transient class, got %v", stored.LastErrorClass)
	}
	if stored.LastErrorCode == nil || *stored.LastErrorCode != "HTTP_503" {
		t.Fatalf("expected HTTP_503 code, got %v", stored.LastErrorCode)
	}

	h.now = cycleStart.Add(time.Minute)
	early, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("early cycle: %v", err)
	}
	if early.Selected != 0 {
		t.Fatalf("record must wait for its backoff, got %+v", early)
	}

	h.now = wantNext
	due, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("due cycle: %v", err)
	}
	if due.Selected != 1 {
		t.Fatalf("expected record selected once due, got %+v", due)
	}
	if next := h.reload(t, rec.ID).NextRetryAt; next == nil || !next.Equal(wantNext.Add(4*time.Minute)) {
		t.Fatalf("expected doubled delay, got %v", next)
	}
}

func TestExhaustedRecordIsNeverSelected(t *testing.T) {
	h := newHarness(t, transportFailure)
	rec := h.seed(t, func(r *models.SubmissionRecord) { r.RetryCount = 2 })

	result, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Exhausted != 1 {
		t.Fatalf("expected exhaustion, got %+v", result)
	}
	stored := h.reload(t, rec.ID)
	if !stored.Exhausted() {
		t.Fatalf("expected exhausted record, got retry_count=%d", stored.RetryCount)
	}

	h.now = cycleStart.Add(48 * time.Hour)
	for i := 0; i < 3; i++ {
		next, err := h.svc.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if next.Selected != 0 {
			t.Fatalf("exhausted record selected: %+v", next)
		}
	}
	if h.submitter.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", h.submitter.callCount())
	}

	exhausted, err := h.svc.Exhausted(context.Background(), 10)
	if err != nil || len(exhausted) != 1 {
		t.Fatalf("expected exhausted listing, got %v %v", exhausted, err)
	}
}

func TestAuthExpiredIsClassifiedAndStillScheduled(t *testing.T) {
	h := newHarness(t, func(authority.Submission) authority.Outcome {
		return authority.Rejected(401, "", "token expired", nil)
	})
	rec := h.seed(t, nil)

	if _, err := h.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	stored := h.reload(t, rec.ID)
	if stored.LastErrorClass == nil || *stored.LastErrorClass != enums.ErrorClassAuthExpired {
		t.Fatalf("expected auth_expired, got %v", stored.LastErrorClass)
	}
	if stored.NextRetryAt == nil {
		t.Fatalf("auth failures still count against the ceiling and are rescheduled")
	}
}

func TestLockedRecordIsSkipped(t *testing.T) {
	h := newHarness(t, accept("FBR-X"))
	since := cycleStart.Add(-time.Minute)
	owner := "other-worker"
	rec := h.seed(t, func(r *models.SubmissionRecord) {
		r.ProcessingLock = true
		r.ProcessingSince = &since
		r.ProcessingOwner = &owner
	})

	result, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Skipped != 1 || h.submitter.callCount() != 0 {
		t.Fatalf("expected skip without side effects, got %+v calls=%d", result, h.submitter.callCount())
	}
	stored := h.reload(t, rec.ID)
	if stored.RetryCount != 0 || *stored.ProcessingOwner != owner {
		t.Fatalf("skipped record was modified: %+v", stored)
	}
}

func TestPanicIsIsolatedPerRecord(t *testing.T) {
	var poisoned string
	h := newHarness(t, func(sub authority.Submission) authority.Outcome {
		if sub.InvoiceRefNo == poisoned {
			panic("malformed response handler")
		}
		return authority.Accepted("FBR-"+sub.InvoiceRefNo, cycleStart)
	})
	bad := h.seed(t, func(r *models.SubmissionRecord) { r.UpdatedAt = cycleStart.Add(-2 * time.Hour) })
	poisoned = bad.InvoiceNumber
	good := h.seed(t, nil)

	result, err := h.svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.Errored != 1 || result.Accepted != 1 {
		t.Fatalf("expected one panic and one acceptance, got %+v", result)
	}
	if !h.reload(t, good.ID).Submitted {
		t.Fatalf("healthy record should be accepted")
	}
	if !h.reload(t, bad.ID).ProcessingLock {
		t.Fatalf("panicked record keeps its lock until it goes stale")
	}

	released, err := h.svc.ReleaseStaleLocks(context.Background())
	if err != nil || released != 0 {
		t.Fatalf("fresh lock must not be released yet: %d %v", released, err)
	}
	h.now = cycleStart.Add(10 * time.Minute)
	released, err = h.svc.ReleaseStaleLocks(context.Background())
	if err != nil || released != 1 {
		t.Fatalf("expected stale lock release, got %d %v", released, err)
	}
}

func TestInvalidPayloadIsRejectedWithoutCallingAuthority(t *testing.T) {
	h := newHarness(t, accept("never"))
	rec := h.seed(t, func(r *models.SubmissionRecord) { r.LineItems = []byte(`{"not":"an array"}`) })

	if _, err := h.svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if h.submitter.callCount() != 0 {
		t.Fatalf("authority must not be called with an unbuildable payload")
	}
	stored := h.reload(t, rec.ID)
	if stored.LastErrorCode == nil || *stored.LastErrorCode != codePayloadInvalid {
		t.Fatalf("expected %s, got %v", codePayloadInvalid, stored.LastErrorCode)
	}
	if *stored.LastErrorClass != enums.ErrorClassValidation {
		t.Fatalf("expected validation class, got %s", *stored.LastErrorClass)
	}
}

func TestManualOverrides(t *testing.T) {
	h := newHarness(t, accept("FBR-AFTER-RESET"))
	ctx := context.Background()
	exhausted := h.seed(t, func(r *models.SubmissionRecord) { r.RetryCount = 3 })

	if _, err := h.svc.DisableRetry(ctx, exhausted.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	record, err := h.svc.ResetRetryCount(ctx, exhausted.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if record.RetryCount != 0 || !record.RetryEnabled {
		t.Fatalf("expected reset record, got %+v", record)
	}

	result, err := h.svc.RunCycle(ctx)
	if err != nil || result.Accepted != 1 {
		t.Fatalf("expected reset record to be retried and accepted, got %+v %v", result, err)
	}

	_, err = h.svc.ResetRetryCount(ctx, exhausted.ID)
	if !pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict for accepted record, got %v", err)
	}
	_, err = h.svc.DisableRetry(ctx, uuid.New())
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBuildSubmissionMapsLineItems(t *testing.T) {
	buyer := "7654321-1"
	rec := models.SubmissionRecord{
		InvoiceNumber: "INV-9",
		InvoiceDate:   time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC),
		InvoiceType:   "Sale Invoice",
		SellerNTN:     "1234567",
		BuyerNTN:      &buyer,
		BuyerName:     "Buyer Co",
		TotalAmount:   decimal.RequireFromString("236"),
		TaxAmount:     decimal.RequireFromString("36"),
		LineItems:     []byte(`[{"hs_code":"1","description":"a","quantity":"2","uom":"KG","value_excl_tax":"200","tax_rate":"18%","sales_tax":"36"}]`),
	}
	sub, err := BuildSubmission(rec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sub.InvoiceDate != "2026-01-05" || sub.BuyerNTNCNIC != buyer || sub.InvoiceRefNo != "INV-9" {
		t.Fatalf("unexpected header mapping %+v", sub)
	}
	if len(sub.Items) != 1 || sub.Items[0].UnitOfMeasure != "KG" || sub.Items[0].Rate != "18%" {
		t.Fatalf("unexpected items %+v", sub.Items)
	}

	rec.SellerNTN = ""
	if _, err := BuildSubmission(rec); err == nil {
		t.Fatal("expected error when seller ntn is missing")
	}
}

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitReadyRetriesUntilPingSucceeds(t *testing.T) {
	p := &flakyPinger{failures: 1}
	if err := WaitReady(context.Background(), nil, "db", p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	if p.calls != 2 {
		t.Fatalf("expected 2 pings, got %d", p.calls)
	}

	down := &flakyPinger{failures: 10}
	if err := WaitReady(context.Background(), nil, "db", down, 2, 10*time.Millisecond); err == nil {
		t.Fatal("expected error after exhausting tries")
	}
}
