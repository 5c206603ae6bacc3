package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/invoicesync-backend/pkg/db/models"
)

func newResetCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <submission-id>",
		Short: "Zero the retry count of a failed submission and make it eligible now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				record, err := b.Operator.ResetRetryCount(ctx, id)
				if err != nil {
					return err
				}
				return out.records([]models.SubmissionRecord{*record})
			})
		},
	}
}

func newDisableCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <submission-id>",
		Short: "Stop automatic retries for a failed submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				record, err := b.Operator.DisableRetry(ctx, id)
				if err != nil {
					return err
				}
				return out.records([]models.SubmissionRecord{*record})
			})
		},
	}
}

type showOutput struct {
	Submission recordOutput    `json:"submission"`
	Attempts   []attemptOutput `json:"attempts"`
}

type attemptOutput struct {
	Attempt    int     `json:"attempt"`
	Outcome    string  `json:"outcome"`
	ErrorClass *string `json:"error_class,omitempty"`
	ErrorCode  *string `json:"error_code,omitempty"`
	DurationMS int64   `json:"duration_ms"`
	At         string  `json:"at"`
}

func newShowCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "show <submission-id>",
		Short: "Print a submission and its attempt log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				record, err := b.Operator.Get(ctx, id)
				if err != nil {
					return err
				}
				attempts, err := b.Operator.Attempts(ctx, id)
				if err != nil {
					return err
				}

				result := showOutput{Submission: toRecordOutput(*record)}
				for _, a := range attempts {
					ao := attemptOutput{
						Attempt:    a.Attempt,
						Outcome:    string(a.Outcome),
						ErrorCode:  a.ErrorCode,
						DurationMS: a.DurationMS,
						At:         a.CreatedAt.UTC().Format(time.RFC3339),
					}
					if a.ErrorClass != nil {
						s := string(*a.ErrorClass)
						ao.ErrorClass = &s
					}
					result.Attempts = append(result.Attempts, ao)
				}
				if out.json() {
					return out.writeJSON(result)
				}

				if err := out.records([]models.SubmissionRecord{*record}); err != nil {
					return err
				}
				if _, err := fmt.Fprintln(out.w); err != nil {
					return err
				}
				rows := make([][]any, 0, len(result.Attempts))
				for _, a := range result.Attempts {
					rows = append(rows, []any{a.Attempt, a.Outcome, deref(a.ErrorClass), deref(a.ErrorCode), a.DurationMS, a.At})
				}
				return out.table("ATTEMPT\tOUTCOME\tCLASS\tCODE\tMS\tAT", rows)
			})
		},
	}
}

func newExhaustedCommand(r *runner) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "exhausted",
		Short: "List failed submissions that ran out of automatic retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				records, err := b.Operator.Exhausted(ctx, limit)
				if err != nil {
					return err
				}
				return out.records(records)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")
	return cmd
}

func newStatsCommand(r *runner) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print retry telemetry for a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				snap, err := b.Telemetry.Snapshot(ctx, window)
				if err != nil {
					return err
				}
				if out.json() {
					return out.writeJSON(snap)
				}
				rows := [][]any{
					{"window", time.Duration(snap.WindowSeconds) * time.Second},
					{"attempts", snap.Attempts},
					{"successes", snap.Successes},
					{"success_rate", fmt.Sprintf("%.2f%%", snap.SuccessRate*100)},
					{"queue_depth", snap.QueueDepth},
					{"pending_retries", snap.PendingRetries},
					{"exhausted", snap.Exhausted},
					{"oldest_pending_age", time.Duration(snap.OldestPendingAgeSeconds * float64(time.Second)).Round(time.Second)},
					{"stale_locks", snap.StaleLocks},
				}
				for class, n := range snap.ErrorClasses {
					rows = append(rows, []any{"errors." + class, n})
				}
				return out.table("METRIC\tVALUE", rows)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "trailing window for attempt statistics")
	return cmd
}

func newRunOnceCommand(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single orchestrator cycle, for external schedulers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b *Backend, out *formatter) error {
				result, err := b.Operator.RunCycle(ctx)
				if err != nil {
					return err
				}
				if out.json() {
					return out.writeJSON(result)
				}
				return out.table("SELECTED\tACCEPTED\tFAILED\tEXHAUSTED\tSKIPPED\tERRORED", [][]any{{
					result.Selected, result.Accepted, result.Failed, result.Exhausted, result.Skipped, result.Errored,
				}})
			})
		},
	}
}
