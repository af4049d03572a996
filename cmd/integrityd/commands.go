package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kubeflow/asset-integrity/pkg/jobs"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		a.Close()
		a.logger.Info("schema up to date")
		return nil
	},
}

var (
	verifyVersion int
	verifyRecover bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <asset-id>",
	Short: "Verify one version of an asset, optionally recovering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.engine.Recoverer.VerifyAndRecover(cmd.Context(), args[0], verifyVersion, verifyRecover)
		if err != nil {
			return err
		}
		return printOutput(report)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <asset-id>",
	Short: "List the versions of an asset, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.engine.History.GetVersionHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(versions)
		}
		table := make([][]string, 0, len(versions))
		for _, v := range versions {
			table = append(table, []string{
				strconv.Itoa(v.VersionNumber), v.ContentID, v.AnchorTxID,
				strconv.FormatBool(v.IsCurrent), strconv.FormatBool(v.IsDeleted),
			})
		}
		printTable([]string{"version", "content id", "anchor tx", "current", "deleted"}, table)
		return nil
	},
}

var syncDelegationsCmd = &cobra.Command{
	Use:   "sync-delegations",
	Short: "Replay delegation events from the ledger into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		from, _ := cmd.Flags().GetUint64("from-block")
		n, err := a.engine.Gate.SyncFromLedger(cmd.Context(), from)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d delegation events\n", n)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage queued verification jobs",
}

var (
	enqueueVersion int
	enqueueRecover bool
	enqueueBy      string
	listState      string
	listAsset      string
	listPageSize   int
	listPageToken  string
)

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue [asset-id]",
	Short: "Queue a verification of one asset, or a sweep of every asset",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assetID := jobs.ScopeAll
		if len(args) == 1 {
			assetID = args[0]
		}
		return withJobs(cmd.Context(), func(s *jobs.JobStore) error {
			job, err := s.Enqueue(cmd.Context(), &jobs.VerificationJob{
				AssetID:        assetID,
				VersionNumber:  enqueueVersion,
				AutoRecover:    enqueueRecover,
				RequestedBy:    enqueueBy,
				IdempotencyKey: fmt.Sprintf("verify:%s:%d", assetID, enqueueVersion),
			})
			if err != nil {
				return err
			}
			return printOutput(job)
		})
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List verification jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(cmd.Context(), func(s *jobs.JobStore) error {
			list, next, total, err := s.List(cmd.Context(), jobs.JobListFilter{AssetID: listAsset, State: listState}, listPageSize, listPageToken)
			if err != nil {
				return err
			}
			return printOutput(map[string]any{"jobs": list, "nextPageToken": next, "size": total})
		})
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one verification job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(cmd.Context(), func(s *jobs.JobStore) error {
			job, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			return printOutput(job)
		})
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued verification job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobs(cmd.Context(), func(s *jobs.JobStore) error {
			return s.Cancel(cmd.Context(), args[0])
		})
	},
}

func withJobs(ctx context.Context, fn func(*jobs.JobStore) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.jobs)
}

func init() {
	verifyCmd.Flags().IntVar(&verifyVersion, "version", 0, "Version number to verify (0 means current)")
	verifyCmd.Flags().BoolVar(&verifyRecover, "recover", false, "Recover the version when tampering is found")

	syncDelegationsCmd.Flags().Uint64("from-block", 0, "First block to replay")

	jobsEnqueueCmd.Flags().IntVar(&enqueueVersion, "version", 0, "Version number to verify (0 means current)")
	jobsEnqueueCmd.Flags().BoolVar(&enqueueRecover, "recover", false, "Recover tampered versions")
	jobsEnqueueCmd.Flags().StringVar(&enqueueBy, "requested-by", "operator", "Requester recorded on the job")
	jobsListCmd.Flags().StringVar(&listState, "state", "", "Filter by state")
	jobsListCmd.Flags().StringVar(&listAsset, "asset", "", "Filter by asset id")
	jobsListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "Page size")
	jobsListCmd.Flags().StringVar(&listPageToken, "page-token", "", "Page token from a previous list")

	jobsCmd.AddCommand(jobsEnqueueCmd, jobsListCmd, jobsGetCmd, jobsCancelCmd)
}
