package authority

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
)

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	sandboxSubmitPath    = "/di_data/v1/di/postinvoicedata_sb"
	productionSubmitPath = "/di_data/v1/di/postinvoicedata"
)

// Environment describes which authority deployment a client talks to and what an acceptance means there.
type Environment struct {
	Name       string
	BaseURL    string
	SubmitPath string
	// AcceptedStatus is the record status applied when the authority accepts a submission.
	AcceptedStatus enums.SubmissionStatus
}

// Sandbox returns the validation-only environment.
func Sandbox(baseURL string) Environment {
	return Environment{
		Name:           EnvSandbox,
		BaseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		SubmitPath:     sandboxSubmitPath,
		AcceptedStatus: enums.SubmissionStatusValidated,
	}
}

// Production returns the live publishing environment.
func Production(baseURL string) Environment {
	return Environment{
		Name:           EnvProduction,
		BaseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		SubmitPath:     productionSubmitPath,
		AcceptedStatus: enums.SubmissionStatusPublished,
	}
}

// ParseEnvironment builds an Environment from configuration values.
func ParseEnvironment(name, baseURL string) (Environment, error) {
	if strings.TrimSpace(baseURL) == "" {
		return Environment{}, fmt.Errorf("authority base url is required")
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case EnvSandbox, "sb", "test", "":
		return Sandbox(baseURL), nil
	case EnvProduction, "prod", "live":
		return Production(baseURL), nil
	}
	return Environment{}, fmt.Errorf("invalid authority environment %q", name)
}

// SubmitURL is the absolute URL for invoice submissions.
func (e Environment) SubmitURL() string {
	return e.BaseURL + e.SubmitPath
}
