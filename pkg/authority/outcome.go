package authority

import (
	"fmt"
	"time"
)

// OutcomeKind discriminates the closed set of delivery results.
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota + 1
	OutcomeRejected
	OutcomeTransportFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportFailure:
		return "transport_failure"
	}
	return "invalid"
}

// ItemError scopes an authority rejection to a single line item.
type ItemError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outcome is the normalized result of one submission. Only the fields relevant to Kind are populated.
type Outcome struct {
	Kind OutcomeKind

	// Accepted
	ReferenceID string
	Timestamp   time.Time

	// Rejected / TransportFailure
	HTTPStatus int
	Code       string
	Message    string
	ItemErrors []ItemError
	Err        error
}

// Accepted builds an accepted outcome.
func Accepted(referenceID string, ts time.Time) Outcome {
	return Outcome{Kind: OutcomeAccepted, ReferenceID: referenceID, Timestamp: ts}
}

// Rejected builds a rejection returned by the authority.
func Rejected(httpStatus int, code, message string, items []ItemError) Outcome {
	return Outcome{Kind: OutcomeRejected, HTTPStatus: httpStatus, Code: code, Message: message, ItemErrors: items}
}

// TransportFailure builds an outcome for requests that never produced an authority verdict.
func TransportFailure(httpStatus int, err error) Outcome {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Kind: OutcomeTransportFailure, HTTPStatus: httpStatus, Message: msg, Err: err}
}

// IsAccepted reports whether the outcome carries an authority reference.
func (o Outcome) IsAccepted() bool {
	return o.Kind == OutcomeAccepted
}

// ErrorCode returns a stable code suitable for persistence.
func (o Outcome) ErrorCode() string {
	switch {
	case o.Kind == OutcomeAccepted:
		return ""
	case o.Code != "":
		return o.Code
	case o.HTTPStatus != 0:
		return fmt.Sprintf("HTTP_%d", o.HTTPStatus)
	case o.Kind == OutcomeTransportFailure:
		return "TRANSPORT"
	}
	return "UNKNOWN"
}

// ErrorMessage returns a human-readable description, including line-item scope when present.
func (o Outcome) ErrorMessage() string {
	if o.Kind == OutcomeAccepted {
		return ""
	}
	msg := o.Message
	if msg == "" {
		msg = o.Kind.String()
	}
	if len(o.ItemErrors) > 0 {
		first := o.ItemErrors[0]
		msg = fmt.Sprintf("%s (item %d: %s %s)", msg, first.Index, first.Code, first.Message)
		if extra := len(o.ItemErrors) - 1; extra > 0 {
			msg = fmt.Sprintf("%s (+%d more)", msg, extra)
		}
	}
	return msg
}
