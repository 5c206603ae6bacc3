package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/invoicesync-backend/internal/retry"
	"github.com/angelmondragon/invoicesync-backend/internal/submissions"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

// Operator is the retry orchestrator surface the CLI drives.
type Operator interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	Attempts(ctx context.Context, id uuid.UUID) ([]models.SubmissionAttempt, error)
	ResetRetryCount(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	DisableRetry(ctx context.Context, id uuid.UUID) (*models.SubmissionRecord, error)
	Exhausted(ctx context.Context, limit int) ([]models.SubmissionRecord, error)
	RunCycle(ctx context.Context) (retry.CycleResult, error)
}

type SnapshotSource interface {
	Snapshot(ctx context.Context, window time.Duration) (telemetry.Snapshot, error)
}

// Importer registers a batch of records atomically, skipping invoices that already exist.
type Importer interface {
	Import(ctx context.Context, records []*models.SubmissionRecord) (submissions.ImportResult, error)
}

// Backend is everything a command may touch. MaxRetries is stamped on imported records.
type Backend struct {
	Operator   Operator
	Telemetry  SnapshotSource
	Importer   Importer
	MaxRetries int
}

// BackendFactory opens the backend lazily so --help never dials the database.
// The returned func releases it.
type BackendFactory func(ctx context.Context) (*Backend, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string
	Timeout time.Duration
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the retryctl command tree.
func NewRootCommand(factory BackendFactory) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "retryctl",
		Short:         "Operate the invoice submission retry orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", time.Minute, "overall command timeout")

	r := &runner{opts: opts, factory: factory}
	cmd.AddCommand(
		newResetCommand(r),
		newDisableCommand(r),
		newShowCommand(r),
		newExhaustedCommand(r),
		newStatsCommand(r),
		newRunOnceCommand(r),
		newImportCommand(r),
	)
	return cmd
}

type runner struct {
	opts    *RootOptions
	factory BackendFactory
}

// with opens the backend, runs fn and always releases the backend.
func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, b *Backend, out *formatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	backend, release, err := r.factory(ctx)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	if release != nil {
		defer release()
	}
	return fn(ctx, backend, &formatter{format: r.opts.Format, w: cmd.OutOrStdout()})
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid submission id %q", raw)
	}
	return id, nil
}
