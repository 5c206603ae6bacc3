package verification

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/invoicesync-backend/internal/dbtest"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

func sampleRecord() models.SubmissionRecord {
	return models.SubmissionRecord{
		ID:          uuid.New(),
		SellerNTN:   "7654321",
		InvoiceDate: time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC),
		TotalAmount: decimal.RequireFromString("1180.5"),
	}
}

func TestPayloadEncodesReferenceAndInvoiceFields(t *testing.T) {
	payload, err := NewBuilder("").Payload(sampleRecord(), "FBR-42")
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	parsed, err := url.Parse(payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if parsed.Host != "gw.fbr.gov.pk" || parsed.Path != "/verify" {
		t.Fatalf("unexpected base %s", payload)
	}
	q := parsed.Query()
	checks := map[string]string{"irn": "FBR-42", "ntn": "7654321", "date": "2026-02-14", "total": "1180.50"}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Fatalf("%s: expected %q got %q", key, want, got)
		}
	}
}

func TestPayloadRequiresReference(t *testing.T) {
	if _, err := NewBuilder("").Payload(sampleRecord(), ""); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestInsertIsAtMostOnce(t *testing.T) {
	conn := dbtest.Open(t, &models.VerificationArtifact{})
	repo := NewRepository(conn)
	ctx := context.Background()
	record := sampleRecord()
	builder := NewBuilder("https://verify.example.test/check")

	first, err := builder.Artifact(record, "FBR-1")
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	created, err := repo.Insert(ctx, first)
	if err != nil || !created {
		t.Fatalf("expected first insert to succeed, created=%v err=%v", created, err)
	}

	second, _ := builder.Artifact(record, "FBR-1")
	created, err = repo.Insert(ctx, second)
	if err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}
	if created {
		t.Fatal("expected duplicate insert to be ignored")
	}

	stored, err := repo.FindByRecordID(ctx, record.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.ID != first.ID {
		t.Fatalf("expected original artifact to survive")
	}
}

func TestFindByRecordIDNotFound(t *testing.T) {
	repo := NewRepository(dbtest.Open(t, &models.VerificationArtifact{}))
	if _, err := repo.FindByRecordID(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
