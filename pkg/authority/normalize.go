package authority

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	statusCodeSuccess = "00"
	snippetLimit      = 256
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// envelope is the authority response after key folding. Keys are compared lower-cased with separators removed.
type envelope map[string]any

func foldKey(key string) string {
	key = strings.ToLower(key)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
}

func decodeEnvelope(body []byte) (envelope, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, false
	}
	return foldObject(raw), true
}

func foldObject(raw map[string]any) envelope {
	out := make(envelope, len(raw))
	for key, value := range raw {
		out[foldKey(key)] = value
	}
	// Some deployments nest the verdict under validationResponse; outer keys win.
	if nested, ok := out["validationresponse"].(map[string]any); ok {
		for key, value := range nested {
			folded := foldKey(key)
			if _, exists := out[folded]; !exists {
				out[folded] = value
			}
		}
	}
	return out
}

func (e envelope) str(keys ...string) string {
	for _, key := range keys {
		value, ok := e[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func (e envelope) items(keys ...string) []envelope {
	for _, key := range keys {
		list, ok := e[key].([]any)
		if !ok {
			continue
		}
		out := make([]envelope, 0, len(list))
		for _, entry := range list {
			if obj, ok := entry.(map[string]any); ok {
				out = append(out, foldObject(obj))
			}
		}
		return out
	}
	return nil
}

func normalize(status int, body []byte, now time.Time) Outcome {
	env, ok := decodeEnvelope(body)
	if !ok {
		return normalizeOpaque(status, body)
	}

	statusCode := env.str("statuscode", "status")
	reference := env.str("invoicenumber", "referenceid", "reference", "irn")
	code := env.str("errorcode", "code")
	message := env.str("error", "errormessage", "message", "description")
	itemErrors := itemErrorsFrom(env.items("invoicestatuses", "itemstatuses", "itemerrors"))

	success := isSuccessStatus(status)
	if success && statusCode == statusCodeSuccess && len(itemErrors) == 0 {
		if reference == "" {
			return TransportFailure(status, errors.New("authority accepted the invoice without a reference id"))
		}
		return Accepted(reference, parseTimestamp(env.str("dated", "timestamp", "datetime"), now))
	}

	if status >= http.StatusInternalServerError {
		err := fmt.Errorf("authority returned HTTP %d", status)
		if message != "" {
			err = fmt.Errorf("authority returned HTTP %d: %s", status, message)
		}
		return TransportFailure(status, err)
	}

	if code == "" && statusCode != "" && statusCode != statusCodeSuccess {
		code = statusCode
	}
	if code == "" && len(itemErrors) > 0 {
		code = itemErrors[0].Code
	}
	if message == "" && len(itemErrors) > 0 {
		message = itemErrors[0].Message
	}
	if message == "" {
		message = fmt.Sprintf("authority rejected the invoice (HTTP %d)", status)
	}
	return Rejected(status, code, message, itemErrors)
}

func normalizeOpaque(status int, body []byte) Outcome {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		message := fmt.Sprintf("HTTP %d", status)
		if snippet != "" {
			message = fmt.Sprintf("HTTP %d: %s", status, snippet)
		}
		return Rejected(status, "", message, nil)
	}
	if snippet == "" {
		return TransportFailure(status, fmt.Errorf("authority returned HTTP %d with an empty body", status))
	}
	return TransportFailure(status, fmt.Errorf("authority returned HTTP %d with an unreadable body: %s", status, snippet))
}

func itemErrorsFrom(items []envelope) []ItemError {
	var out []ItemError
	for i, item := range items {
		statusCode := item.str("statuscode", "status")
		code := item.str("errorcode", "code")
		if code == "" && statusCode == statusCodeSuccess {
			continue
		}
		if code == "" && statusCode == "" && item.str("error", "message") == "" {
			continue
		}
		if code == "" {
			code = statusCode
		}
		index := i + 1
		if raw := item.str("itemsno", "itemno", "index"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				index = parsed
			}
		}
		out = append(out, ItemError{
			Index:   index,
			Code:    code,
			Message: item.str("error", "errormessage", "message"),
		})
	}
	return out
}

func isSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	if raw != "" {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC()
			}
		}
	}
	return fallback.UTC()
}
