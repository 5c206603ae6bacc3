// Package instance names the running process so lock owners and log lines can be traced to a host.
package instance

import (
	"fmt"
	"os"
	"strings"
)

// EnvWorkerID overrides the derived identifier, e.g. with a pod name.
const EnvWorkerID = "INVOICESYNC_WORKER_ID"

// GetID returns the configured worker id, falling back to hostname and pid.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv(EnvWorkerID)); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
