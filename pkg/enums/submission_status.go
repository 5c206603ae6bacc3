package enums

import "fmt"

// SubmissionStatus maps to the submission_status_enum in Postgres.
type SubmissionStatus string

const (
	SubmissionStatusDraft      SubmissionStatus = "draft"
	SubmissionStatusSaved      SubmissionStatus = "saved"
	SubmissionStatusSubmitting SubmissionStatus = "submitting"
	SubmissionStatusValidated  SubmissionStatus = "validated"
	SubmissionStatusPublished  SubmissionStatus = "published"
	SubmissionStatusFailed     SubmissionStatus = "failed"
)

var validSubmissionStatuses = []SubmissionStatus{
	SubmissionStatusDraft,
	SubmissionStatusSaved,
	SubmissionStatusSubmitting,
	SubmissionStatusValidated,
	SubmissionStatusPublished,
	SubmissionStatusFailed,
}

// String implements fmt.Stringer.
func (s SubmissionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known SubmissionStatus.
func (s SubmissionStatus) IsValid() bool {
	for _, candidate := range validSubmissionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Accepted reports whether the authority has accepted the submission.
func (s SubmissionStatus) Accepted() bool {
	return s == SubmissionStatusValidated || s == SubmissionStatusPublished
}

// ParseSubmissionStatus converts raw input into SubmissionStatus.
func ParseSubmissionStatus(value string) (SubmissionStatus, error) {
	for _, candidate := range validSubmissionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid submission status %q", value)
}
