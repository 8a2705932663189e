package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/storefront-payments/internal/queue"
	"github.com/frahmantamala/storefront-payments/internal/report"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start queue worker pools",
	Long:  `Start worker pools for the notification, order, inventory, report and reconciliation queues, plus the payment expiry and daily report schedulers.`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

var (
	workerQueues   []string
	withSchedulers bool
)

func init() {
	workerCmd.Flags().StringSliceVar(&workerQueues, "queues", nil, "queues to consume (default: all configured queues)")
	workerCmd.Flags().BoolVar(&withSchedulers, "schedulers", true, "run the payment expiry and daily report schedulers")

	rootCmd.AddCommand(workerCmd)
}

func startWorker() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	queues := workerQueues
	if len(queues) == 0 {
		queues = deps.Registry.Queues()
	}
	if err := startWorkers(ctx, deps, queues); err != nil {
		deps.Logger.Error("Failed to start workers", "error", err)
		return
	}

	deps.Logger.Info("worker is running. Press Ctrl+C to stop.", "queues", queues)
	<-ctx.Done()
	deps.Logger.Info("received signal, shutting down worker")
}

// startWorkers registers job handlers and starts pools for queues. The
// schedulers stop with ctx; pools are drained by Dependencies.Close.
func startWorkers(ctx context.Context, deps *Dependencies, queues []string) error {
	if err := deps.registerJobHandlers(); err != nil {
		return err
	}
	if err := deps.Registry.Start(ctx, queues...); err != nil {
		return err
	}
	if withSchedulers {
		go runEvery(ctx, deps.Config.Payment.ReconcileInterval, func(ctx context.Context) {
			expireStale(ctx, deps)
			resumeSideEffects(ctx, deps)
		})
		go runEvery(ctx, deps.Config.Payment.ReportInterval, func(ctx context.Context) {
			scheduleDailyReport(ctx, deps, time.Now())
		})
	}
	return nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func expireStale(ctx context.Context, deps *Dependencies) {
	n, err := deps.Service.ExpireStale(ctx)
	if err != nil {
		deps.Logger.Error("payment expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		deps.Logger.Info("payment expiry sweep finished", "expired", n)
	}
}

func resumeSideEffects(ctx context.Context, deps *Dependencies) {
	n, err := deps.Service.ResumeSideEffects(ctx)
	if err != nil {
		deps.Logger.Error("payment side effects sweep failed", "error", err)
		return
	}
	if n > 0 {
		deps.Logger.Info("payment side effects sweep finished", "resumed", n)
	}
}

func scheduleDailyReport(ctx context.Context, deps *Dependencies, now time.Time) {
	job, err := report.EnqueueDaily(ctx, deps.Registry, now, deps.Config.SMTP.OpsEmail)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		return
	case err != nil:
		deps.Logger.Error("failed to schedule daily report", "error", err)
	default:
		deps.Logger.Info("daily report scheduled", "job_id", job.ID)
	}
}
