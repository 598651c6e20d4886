// renderctl is the operator CLI for the render queue. It talks to the
// control-plane HTTP API; it never touches the database directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Papyszoo/Modelibr-sub007/internal/api"
	"github.com/Papyszoo/Modelibr-sub007/internal/apiclient"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "renderctl",
		Short:         "Operate the Modelibr render queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		envOr("RENDERCTL_SERVER", "http://localhost:8085"),
		"base URL of the queue API server")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newResetCmd(),
		newWatchCmd(),
		newHealthCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *apiclient.Client {
	return apiclient.New(serverURL)
}

func newSubmitCmd() *cobra.Command {
	var (
		subjectType string
		subjectID   int64
		fingerprint string
		maxAttempts int
		lockSecs    int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a render job for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().Enqueue(cmd.Context(), apiclient.EnqueueParams{
				SubjectType:        subjectType,
				SubjectID:          subjectID,
				ContentFingerprint: fingerprint,
				MaxAttempts:        maxAttempts,
				LockTimeoutSeconds: lockSecs,
			})
			if err != nil {
				return err
			}
			if out.Inserted {
				fmt.Printf("enqueued %s\n", out.Job.ID)
			} else {
				fmt.Printf("already queued as %s (status %s)\n", out.Job.ID, out.Job.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectType, "type", "", "subject type (model, sound, texture_set)")
	cmd.Flags().Int64Var(&subjectID, "id", 0, "subject ID")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "content fingerprint of the subject's current data")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override max render attempts")
	cmd.Flags().IntVar(&lockSecs, "lock-timeout", 0, "override lock timeout in seconds")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("fingerprint")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		status      string
		subjectType string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().ListJobs(cmd.Context(), status, subjectType, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSUBJECT\tSTATUS\tATTEMPTS\tAGE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s/%d\t%s\t%d/%d\t%s\n",
					j.ID, j.SubjectType, j.SubjectID, j.Status,
					j.AttemptCount, j.MaxAttempts,
					time.Since(j.CreatedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&subjectType, "type", "", "filter by subject type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to return")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().CancelJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("canceled", args[0])
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job-id>",
		Short: "Reset a job to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ResetJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("reset", args[0])
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				job, err := client().GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s  attempts %d/%d\n",
					time.Now().Format(time.TimeOnly), job.Status,
					job.AttemptCount, job.MaxAttempts)
				if job.Status == "done" || job.Status == "dead" {
					printJob(job)
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show queue depth by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().QueueHealth(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, s := range []string{"pending", "processing", "done", "dead"} {
				fmt.Fprintf(tw, "%s\t%d\n", s, h.StatusCounts[s])
			}
			if len(h.InflightCounts) > 0 {
				fmt.Fprintln(tw, "\nINFLIGHT\tCOUNT")
				for subject, n := range h.InflightCounts {
					fmt.Fprintf(tw, "%s\t%d\n", subject, n)
				}
			}
			return tw.Flush()
		},
	}
}

func printJob(j api.JobResponse) {
	fmt.Println("id:          ", j.ID)
	fmt.Printf("subject:      %s/%d\n", j.SubjectType, j.SubjectID)
	fmt.Println("fingerprint: ", j.ContentFingerprint)
	fmt.Println("status:      ", j.Status)
	fmt.Printf("attempts:     %d/%d\n", j.AttemptCount, j.MaxAttempts)
	if j.LockOwner != nil {
		fmt.Println("lock owner:  ", *j.LockOwner)
	}
	if j.ResultRef != nil {
		fmt.Println("result:      ", *j.ResultRef)
	}
	if j.ErrorMessage != nil {
		fmt.Println("error:       ", *j.ErrorMessage)
	}
	fmt.Println("created:     ", j.CreatedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		fmt.Println("completed:   ", j.CompletedAt.Format(time.RFC3339))
	}
}
