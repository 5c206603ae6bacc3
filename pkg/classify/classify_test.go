package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name    string
		outcome authority.Outcome
		want    enums.ErrorClass
	}{
		{name: "accepted", outcome: authority.Accepted("REF", time.Now()), want: ""},
		{name: "http 401", outcome: authority.Rejected(http.StatusUnauthorized, "", "HTTP 401", nil), want: enums.ErrorClassAuthExpired},
		{name: "auth code beats validation", outcome: authority.Rejected(http.StatusOK, "0401", "", nil), want: enums.ErrorClassAuthExpired},
		{name: "auth message hint", outcome: authority.Rejected(http.StatusBadRequest, "0099", "Token expired, login again", nil), want: enums.ErrorClassAuthExpired},
		{name: "http 429", outcome: authority.Rejected(http.StatusTooManyRequests, "", "slow down", nil), want: enums.ErrorClassRateLimited},
		{name: "429 transport beats transient", outcome: authority.TransportFailure(http.StatusTooManyRequests, errors.New("x")), want: enums.ErrorClassRateLimited},
		{name: "business rule 200", outcome: authority.Rejected(http.StatusOK, "0052", "Provide proper HS Code", nil), want: enums.ErrorClassValidation},
		{name: "coded 400", outcome: authority.Rejected(http.StatusBadRequest, "0018", "bad ntn", nil), want: enums.ErrorClassValidation},
		{name: "item errors 422", outcome: authority.Rejected(http.StatusUnprocessableEntity, "", "bad", []authority.ItemError{{Index: 1, Code: "0052"}}), want: enums.ErrorClassValidation},
		{name: "transport", outcome: authority.TransportFailure(0, syscall.ECONNREFUSED), want: enums.ErrorClassTransient},
		{name: "gateway", outcome: authority.TransportFailure(http.StatusBadGateway, errors.New("bad gateway")), want: enums.ErrorClassTransient},
		{name: "uncoded 404", outcome: authority.Rejected(http.StatusNotFound, "", "HTTP 404", nil), want: enums.ErrorClassPermanent},
		{name: "odd status", outcome: authority.Rejected(http.StatusMultipleChoices, "", "", nil), want: enums.ErrorClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.outcome); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifyAlwaysReturnsKnownClass(t *testing.T) {
	for status := 100; status < 600; status += 7 {
		for _, kind := range []authority.OutcomeKind{authority.OutcomeRejected, authority.OutcomeTransportFailure} {
			o := authority.Outcome{Kind: kind, HTTPStatus: status}
			if got := Classify(o); !got.IsValid() {
				t.Fatalf("status %d kind %s produced invalid class %q", status, kind, got)
			}
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFromResponse(t *testing.T) {
	cases := []struct {
		name   string
		status int
		err    error
		want   enums.ErrorClass
	}{
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "api.test"}, want: enums.ErrorClassTransient},
		{name: "timeout", err: fmt.Errorf("post: %w", timeoutErr{}), want: enums.ErrorClassTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: enums.ErrorClassTransient},
		{name: "reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: enums.ErrorClassTransient},
		{name: "opaque error", err: errors.New("boom"), want: enums.ErrorClassUnknown},
		{name: "401", status: http.StatusUnauthorized, want: enums.ErrorClassAuthExpired},
		{name: "429", status: http.StatusTooManyRequests, want: enums.ErrorClassRateLimited},
		{name: "422", status: http.StatusUnprocessableEntity, want: enums.ErrorClassValidation},
		{name: "503", status: http.StatusServiceUnavailable, want: enums.ErrorClassTransient},
		{name: "404", status: http.StatusNotFound, want: enums.ErrorClassPermanent},
		{name: "302", status: http.StatusFound, want: enums.ErrorClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FromResponse(tc.status, tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
