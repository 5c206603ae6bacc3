package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized},
		{code: CodeNotFound, status: http.StatusNotFound},
		{code: CodeConflict, status: http.StatusConflict},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, detailsOK: true},
		{code: CodeRateLimit, status: http.StatusTooManyRequests, retryable: true},
		{code: CodeInternal, status: http.StatusInternalServerError, retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, retryable: true, detailsOK: true},
		{code: CodeTimeout, status: http.StatusGatewayTimeout, retryable: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage == "" {
			t.Fatalf("code %s has no public message", tt.code)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := Newf(CodeValidation, "missing %s", "foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	base.WithDetails(map[string]any{"field": "foo"})
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}
}

func TestAsAndIsCodeSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("reset retry: %w", New(CodeStateConflict, "record is validated"))
	if got := As(err); got == nil || got.Code() != CodeStateConflict {
		t.Fatalf("As failed to return typed error")
	}
	if !IsCode(err, CodeStateConflict) || IsCode(err, CodeNotFound) {
		t.Fatalf("IsCode mismatch")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpCapturesChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodeDependency, stdErrors.New("dial tcp"), "authority down"))
	d := Dump(err)
	if d.Code != CodeDependency || !d.Retryable {
		t.Fatalf("unexpected dump %+v", d)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d: %v", len(d.Chain), d.Chain)
	}
}

func TestDumpReadsPostgresAndDeadline(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "idx_verification_artifacts_record_id", TableName: "verification_artifacts"}
	d := Dump(Wrap(CodeConflict, pgErr, "artifact exists"))
	if d.PGCode != "23505" || d.PGConstraint != "idx_verification_artifacts_record_id" || d.PGTable != "verification_artifacts" {
		t.Fatalf("unexpected postgres fields %+v", d)
	}

	d = Dump(fmt.Errorf("submit: %w", context.DeadlineExceeded))
	if !d.Timeout || d.Canceled || d.Code != "" {
		t.Fatalf("expected an untyped timeout, got %+v", d)
	}
}

func TestClassify(t *testing.T) {
	typed := New(CodeNotFound, "submission not found")
	if got := Classify(fmt.Errorf("lookup: %w", typed)); got != typed {
		t.Fatalf("typed error should pass through, got %v", got)
	}
	if got := Classify(fmt.Errorf("authority: %w", context.DeadlineExceeded)); got.Code() != CodeTimeout {
		t.Fatalf("expected timeout, got %s", got.Code())
	}
	got := Classify(stdErrors.New("disk full"))
	if got.Code() != CodeInternal || got.Error() != "INTERNAL_ERROR: unexpected error: disk full" {
		t.Fatalf("unexpected classification %q", got.Error())
	}
}
