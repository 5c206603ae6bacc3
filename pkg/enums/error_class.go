package enums

import "fmt"

// ErrorClass is the normalized failure category assigned to a delivery attempt.
type ErrorClass string

const (
	ErrorClassTransient   ErrorClass = "transient"
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassAuthExpired ErrorClass = "auth_expired"
	ErrorClassValidation  ErrorClass = "validation"
	ErrorClassPermanent   ErrorClass = "permanent"
	ErrorClassUnknown     ErrorClass = "unknown"
)

var validErrorClasses = []ErrorClass{
	ErrorClassTransient,
	ErrorClassRateLimited,
	ErrorClassAuthExpired,
	ErrorClassValidation,
	ErrorClassPermanent,
	ErrorClassUnknown,
}

// ErrorClasses returns every known class in a stable order.
func ErrorClasses() []ErrorClass {
	out := make([]ErrorClass, len(validErrorClasses))
	copy(out, validErrorClasses)
	return out
}

// String implements fmt.Stringer.
func (c ErrorClass) String() string {
	return string(c)
}

// IsValid reports whether the value is a known ErrorClass.
func (c ErrorClass) IsValid() bool {
	for _, candidate := range validErrorClasses {
		if candidate == c {
			return true
		}
	}
	return false
}

// RequiresOperator reports whether retries alone are unlikely to recover the record.
// The mechanism still retries these up to the ceiling; the flag is informational.
func (c ErrorClass) RequiresOperator() bool {
	switch c {
	case ErrorClassAuthExpired, ErrorClassValidation, ErrorClassPermanent:
		return true
	}
	return false
}

// ParseErrorClass converts raw input into ErrorClass.
func ParseErrorClass(value string) (ErrorClass, error) {
	for _, candidate := range validErrorClasses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid error class %q", value)
}
