// Package classify maps delivery outcomes onto the closed set of error classes.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/angelmondragon/invoicesync-backend/pkg/authority"
	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

var authCodes = map[string]struct{}{
	"401":           {},
	"403":           {},
	"0401":          {},
	"0403":          {},
	"AUTH_EXPIRED":  {},
	"TOKEN_EXPIRED": {},
	"INVALID_TOKEN": {},
	"UNAUTHORIZED":  {},
}

var rateLimitCodes = map[string]struct{}{
	"429":                 {},
	"0429":                {},
	"RATE_LIMITED":        {},
	"RATE_LIMIT_EXCEEDED": {},
	"TOO_MANY_REQUESTS":   {},
}

var authMessageHints = []string{"token expired", "expired token", "invalid token", "token is expired"}

// Classify assigns exactly one class to a non-accepted outcome. Accepted outcomes return "".
// Rules are evaluated in priority order and the first match wins; anything unmatched is Unknown.
func Classify(o authority.Outcome) enums.ErrorClass {
	if o.Kind == authority.OutcomeAccepted {
		return ""
	}
	code := strings.ToUpper(strings.TrimSpace(o.Code))

	switch {
	case isAuth(o.HTTPStatus, code, o.Message):
		return enums.ErrorClassAuthExpired
	case isRateLimited(o.HTTPStatus, code):
		return enums.ErrorClassRateLimited
	case o.Kind == authority.OutcomeRejected && isValidation(o.HTTPStatus, code, len(o.ItemErrors) > 0):
		return enums.ErrorClassValidation
	case o.Kind == authority.OutcomeTransportFailure:
		return enums.ErrorClassTransient
	case o.HTTPStatus >= http.StatusBadRequest && o.HTTPStatus < http.StatusInternalServerError:
		return enums.ErrorClassPermanent
	}
	return enums.ErrorClassUnknown
}

// FromResponse classifies a generic endpoint exchange. err is the transport error, if any.
func FromResponse(status int, err error) enums.ErrorClass {
	if err != nil {
		if IsNetworkError(err) {
			return enums.ErrorClassTransient
		}
		return enums.ErrorClassUnknown
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return enums.ErrorClassAuthExpired
	case status == http.StatusTooManyRequests:
		return enums.ErrorClassRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return enums.ErrorClassValidation
	case status >= http.StatusInternalServerError:
		return enums.ErrorClassTransient
	case status >= http.StatusBadRequest:
		return enums.ErrorClassPermanent
	}
	return enums.ErrorClassUnknown
}

// IsNetworkError reports whether err is a network-level failure: timeout, refused or reset connection, DNS, EOF.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isAuth(status int, code, message string) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	if _, ok := authCodes[code]; ok {
		return true
	}
	lowered := strings.ToLower(message)
	for _, hint := range authMessageHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

func isRateLimited(status int, code string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	_, ok := rateLimitCodes[code]
	return ok
}

func isValidation(status int, code string, hasItemErrors bool) bool {
	if status >= 200 && status < 300 {
		return true
	}
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError && (code != "" || hasItemErrors)
}
