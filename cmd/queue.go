package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/transport/rest"
	"github.com/frahmantamala/storefront-payments/pkg/logger"
)

var (
	enqueueData  string
	enqueueDelay time.Duration
	enqueueID    string
	listState    string
	listLimit    int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the job queues",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> <job-type>",
	Short: "Enqueue a job with a JSON payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *queue.Registry) error {
			var payload json.RawMessage
			if err := json.Unmarshal([]byte(enqueueData), &payload); err != nil {
				return fmt.Errorf("--data must be JSON: %w", err)
			}
			opts := []queue.EnqueueOption{queue.WithDelay(enqueueDelay)}
			if enqueueID != "" {
				opts = append(opts, queue.WithJobID(enqueueID))
			}
			job, err := registry.Enqueue(ctx, args[0], args[1], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s on %s (%s)\n", job.ID, job.Queue, job.State)
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "failed <queue>",
	Short: "List jobs in a queue, failed ones by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := queue.ParseState(listState)
		if err != nil {
			return err
		}
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *queue.Registry) error {
			jobs, err := registry.Broker().List(ctx, args[0], state, listLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tCREATED\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Type, j.Attempts, j.MaxAttempts, j.CreatedAt.Format(time.RFC3339), j.LastError)
			}
			return w.Flush()
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <queue> <job-id>",
	Short: "Re-arm a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *queue.Registry) error {
			if err := registry.Broker().Retry(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("job %s re-armed on %s\n", args[1], args[0])
			return nil
		})
	},
}

// withRegistry opens only the queue backend, runs fn, then closes it.
func withRegistry(ctx context.Context, fn func(context.Context, *queue.Registry) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	deps := &Dependencies{
		Config:       cfg,
		Logger:       logger.Configure(os.Stderr, cfg.Observability.Logging.Level, cfg.Observability.Logging.Format),
		HealthChecks: make(map[string]rest.Check),
	}
	if err := deps.openQueue(ctx); err != nil {
		return err
	}
	defer deps.Close()
	return fn(ctx, deps.Registry)
}

func init() {
	queueEnqueueCmd.Flags().StringVar(&enqueueData, "data", "{}", "job payload as JSON")
	queueEnqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "delay before the job becomes available")
	queueEnqueueCmd.Flags().StringVar(&enqueueID, "id", "", "explicit job id (rejected if it already exists)")
	queueListCmd.Flags().StringVar(&listState, "state", string(queue.StateFailed), "job state to list")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to list")

	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
