package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/integrity"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// EngineRunner runs verification jobs against the integrity engine.
type EngineRunner struct {
	recoverer *integrity.Recoverer
	versions  *store.VersionStore
	pageSize  int
	logger    *slog.Logger
}

var _ Runner = (*EngineRunner)(nil)

// NewEngineRunner creates an EngineRunner. pageSize bounds how many current
// versions a sweep reads at a time.
func NewEngineRunner(engine *integrity.Engine, versions *store.VersionStore, pageSize int, logger *slog.Logger) *EngineRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineRunner{
		recoverer: engine.Recoverer,
		versions:  versions,
		pageSize:  pageSize,
		logger:    logger.With("component", "sweep"),
	}
}

// VerifyAsset verifies one version, the current one when versionNumber is 0.
// An unrecoverable version is counted, not returned as an error.
func (r *EngineRunner) VerifyAsset(ctx context.Context, assetID string, versionNumber int, autoRecover bool) (Outcome, error) {
	start := time.Now()
	var out Outcome
	err := r.check(ctx, &out, assetID, versionNumber, autoRecover)
	out.Duration = time.Since(start)
	return out, err
}

// Sweep verifies the current version of every non-deleted asset.
func (r *EngineRunner) Sweep(ctx context.Context, autoRecover bool) (Outcome, error) {
	start := time.Now()
	var out Outcome
	token := ""
	for {
		page, next, err := r.versions.ListCurrent(ctx, r.pageSize, token)
		if err != nil {
			return out, err
		}
		for _, row := range page {
			if err := r.check(ctx, &out, row.AssetID, row.VersionNumber, autoRecover); err != nil {
				if fault.Is(err, fault.NotFound) {
					// Deleted or superseded since the page was read.
					continue
				}
				return out, err
			}
		}
		if next == "" {
			break
		}
		token = next
	}
	out.Duration = time.Since(start)
	r.logger.Info("sweep finished",
		"checked", out.Checked,
		"tampered", out.Tampered,
		"recovered", out.Recovered,
		"unrecoverable", out.Unrecoverable)
	return out, nil
}

func (r *EngineRunner) check(ctx context.Context, out *Outcome, assetID string, versionNumber int, autoRecover bool) error {
	report, err := r.recoverer.VerifyAndRecover(ctx, assetID, versionNumber, autoRecover)
	if report == nil {
		return err
	}
	out.Checked++
	res := report.Verification
	if res.Verified {
		if err := r.versions.TouchVerified(ctx, res.VersionID, res.CheckedAt); err != nil {
			return err
		}
		return nil
	}

	out.Tampered++
	if report.Recovery != nil && report.Recovery.NewVersionCreated {
		out.Recovered++
		if post := report.PostRecovery; post != nil && post.Verified {
			if err := r.versions.TouchVerified(ctx, post.VersionID, post.CheckedAt); err != nil {
				return err
			}
		}
	}
	if fault.Is(err, fault.UnrecoverableCorruption) {
		out.Unrecoverable++
		return nil
	}
	return err
}
