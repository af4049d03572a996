package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/kubeflow/asset-integrity/pkg/batch"
	"github.com/kubeflow/asset-integrity/pkg/jobs"
)

var (
	sweepInterval        time.Duration
	sweepAutoRecover     bool
	delegationSyncPeriod time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification workers and background loops",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			slog.Default().Info("received shutdown signal", "signal", sig)
			cancel()
		}()

		a, err := openApp(ctx)
		if err != nil {
			glog.Fatalf("Failed to start: %v", err)
		}
		defer a.Close()
		logger := a.logger

		jobCfg := jobs.JobConfigFromEnv()
		preparer, err := batch.NewPreparer(a.engine.Orchestrator, a.ledger, batch.BatchConfigFromEnv(), logger)
		if err != nil {
			glog.Fatalf("Failed to create batch preparer: %v", err)
		}

		if jobCfg.Enabled {
			runner := jobs.NewEngineRunner(a.engine, a.stores.Versions, jobCfg.SweepPageSize, logger)
			pool := jobs.NewWorkerPool(a.jobs, runner, jobCfg, logger)
			go pool.Run(ctx)
		} else {
			logger.Info("verification workers disabled")
		}

		go a.syncDelegationsLoop(ctx, delegationSyncPeriod)
		if sweepInterval > 0 {
			go a.sweepLoop(ctx, sweepInterval, sweepAutoRecover)
		}

		logger.Info("integrity engine ready",
			"ledger", a.ledger.ContractAddress(),
			"workers", jobCfg.Concurrency,
			"sweepInterval", sweepInterval,
		)

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("integrity engine stopped")
				return
			case <-ticker.C:
				head, err := a.ledger.LatestBlock(ctx)
				if err != nil {
					logger.Warn("read head block", "error", err)
				}
				logger.Debug("heartbeat", "pendingBatches", preparer.Pending(), "block", head)
			}
		}
	},
}

func init() {
	serveCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Hour, "How often to enqueue a verification sweep (0 disables)")
	serveCmd.Flags().BoolVar(&sweepAutoRecover, "sweep-recover", true, "Recover tampered versions found by scheduled sweeps")
	serveCmd.Flags().DurationVar(&delegationSyncPeriod, "delegation-sync-interval", 30*time.Second, "How often to replay delegation events from the ledger")
}

func (a *app) syncDelegationsLoop(ctx context.Context, every time.Duration) {
	// Resume after the newest cached event.
	from, err := a.stores.Delegations.MaxBlock(ctx)
	if err != nil {
		a.logger.Error("read delegation cache high-water mark", "error", err)
	}
	if from > 0 {
		from++
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		head, err := a.ledger.LatestBlock(ctx)
		if err != nil {
			a.logger.Error("read head block", "error", err)
		} else if _, err := a.engine.Gate.SyncFromLedger(ctx, from); err != nil {
			a.logger.Error("delegation sync failed", "error", err)
		} else {
			from = head + 1
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) sweepLoop(ctx context.Context, every time.Duration, autoRecover bool) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := a.jobs.Enqueue(ctx, &jobs.VerificationJob{
			AssetID:        jobs.ScopeAll,
			AutoRecover:    autoRecover,
			RequestedBy:    "scheduler",
			IdempotencyKey: "sweep:scheduled",
		})
		if err != nil {
			a.logger.Error("enqueue sweep failed", "error", err)
			continue
		}
		a.logger.Info("enqueued sweep", "job", job.ID)
	}
}
