// ABOUTME: CLI job management subcommands: enqueue, status, list.
// ABOUTME: These talk straight to the database; no worker needs to be running.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mkid095/vps-system/internal/config"
	"github.com/Mkid095/vps-system/internal/store"
)

// withStore loads config, connects, and hands a Store to fn.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	db, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	return fn(ctx, store.New(db))
}

func enqueueCmd() *cobra.Command {
	var (
		payload     string
		delay       time.Duration
		maxAttempts int32
		priority    int32
	)

	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Insert one job into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				var opts []store.EnqueueOption
				if delay > 0 {
					opts = append(opts, store.WithDelay(delay))
				}
				if maxAttempts > 0 {
					opts = append(opts, store.WithMaxAttempts(maxAttempts))
				}
				if priority != 0 {
					opts = append(opts, store.WithPriority(priority))
				}
				id, err := st.EnqueueJob(ctx, args[0], json.RawMessage(payload), opts...)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes claimable")
	cmd.Flags().Int32Var(&maxAttempts, "max-attempts", 0, "attempt ceiling (default 3; 1 = one-shot)")
	cmd.Flags().Int32Var(&priority, "priority", 0, "claim priority (higher = sooner)")
	return cmd
}

func statusCmd() *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print one job by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if retry {
					if err := st.RetryFailedJob(ctx, id); err != nil {
						return err
					}
					fmt.Println("job reset to pending")
				}
				job, err := st.GetJob(ctx, id)
				if err != nil {
					return err
				}
				printJob(job)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&retry, "retry", false, "reset a terminally failed job back to pending first")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		status  string
		jobType string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print recent jobs, optionally filtered by status/type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListJobs(ctx, store.ListJobsFilter{
					Status: status,
					Type:   jobType,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				for _, job := range jobs {
					fmt.Printf("%s  %-24s %-10s attempts=%d/%d scheduled=%s\n",
						job.ID, job.Type, job.Status,
						job.Attempts, job.MaxAttempts,
						job.ScheduledAt.Format(time.RFC3339))
				}
				counts, err := st.CountJobsByStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("\npending=%d running=%d completed=%d failed=%d\n",
					counts[store.StatusPending], counts[store.StatusRunning],
					counts[store.StatusCompleted], counts[store.StatusFailed])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to print")
	return cmd
}

func printJob(job *store.Job) {
	fmt.Printf("id:           %s\n", job.ID)
	fmt.Printf("type:         %s\n", job.Type)
	fmt.Printf("status:       %s\n", job.Status)
	fmt.Printf("attempts:     %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Printf("priority:     %d\n", job.Priority)
	fmt.Printf("created_at:   %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("scheduled_at: %s\n", job.ScheduledAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("started_at:   %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("completed_at: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.LastError != nil {
		fmt.Printf("last_error:   %s\n", *job.LastError)
	}
	if job.LockedBy != nil {
		fmt.Printf("locked_by:    %s\n", *job.LockedBy)
	}
	fmt.Printf("payload:      %s\n", string(job.Payload))
}
