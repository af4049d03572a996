package integrity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kubeflow/asset-integrity/pkg/blob"
	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// RecoveryResult describes a recovery attempt.
type RecoveryResult struct {
	RecoverySuccessful bool   `json:"recoverySuccessful"`
	NewVersionCreated  bool   `json:"newVersionCreated"`
	NewVersionNumber   int    `json:"newVersionNumber,omitempty"`
	NewVersionID       string `json:"newVersionId,omitempty"`
	TamperedVersionID  string `json:"tamperedVersionId"`
	RestoredContentID  string `json:"restoredContentId,omitempty"`
	RestoredDeleted    bool   `json:"restoredDeleted"`
	Error              string `json:"error,omitempty"`
}

// VerifyReport bundles a verification with any recovery it triggered.
type VerifyReport struct {
	Verification *VerificationResult `json:"verification"`
	Recovery     *RecoveryResult     `json:"recovery,omitempty"`
	// PostRecovery verifies the version recovery created.
	PostRecovery *VerificationResult `json:"postRecovery,omitempty"`
}

// Recoverer restores tampered versions from anchored content.
type Recoverer struct {
	verifier *Verifier
	orch     *Orchestrator
	versions *store.VersionStore
	blobs    blob.Store
	audit    *store.AuditStore
	logger   *slog.Logger
}

// Recover writes a new current version restoring the content anchored for
// the tampered version in result. The bytes come from the blob store by the
// ledger-anchored content id only. When they cannot be obtained the result
// reports failure and the error is UnrecoverableCorruption.
func (r *Recoverer) Recover(ctx context.Context, result *VerificationResult) (*RecoveryResult, error) {
	const op = "recover"
	out := &RecoveryResult{TamperedVersionID: result.VersionID}
	if !result.RecoveryNeeded {
		out.RecoverySuccessful = true
		return out, nil
	}

	unrecoverable := func(err error, format string, args ...any) (*RecoveryResult, error) {
		ferr := fault.Wrap(fault.UnrecoverableCorruption, op, err, format, args...).
			WithDetail("assetId", result.AssetID).
			WithDetail("tamperedVersionId", result.VersionID)
		out.Error = ferr.Error()
		r.logger.Error("recovery impossible", "assetId", result.AssetID, "version", result.VersionNumber, "error", ferr)
		return out, ferr
	}

	if result.AnchoredContentID == "" {
		return unrecoverable(nil, "no anchored content id for %s version %d", result.AssetID, result.VersionNumber)
	}
	b, err := r.blobs.Get(ctx, result.AnchoredContentID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		return unrecoverable(err, "anchored content %s unobtainable", result.AnchoredContentID)
	}
	env, err := canonical.ParseEnvelope(b)
	if err != nil {
		return unrecoverable(err, "anchored content %s is not an envelope", result.AnchoredContentID)
	}
	if env.AssetID != result.AssetID {
		return unrecoverable(nil, "anchored content belongs to %s, not %s", env.AssetID, result.AssetID)
	}

	row, err := r.versions.GetByID(ctx, result.VersionID)
	if err != nil {
		return out, err
	}
	if row == nil {
		return out, fault.New(fault.NotFound, op, "version %s not found", result.VersionID)
	}

	restoreDeleted := trustedDeletion(env.Critical, row, result.DeletionTampered)
	created, err := r.orch.createNewVersion(ctx, NewVersionRequest{
		AssetID:          result.AssetID,
		ActorWallet:      r.orch.cfg.ServerWallet,
		Critical:         env.Critical,
		NonCritical:      withoutDeletionFlags(row.NonCriticalMetadata.Metadata()),
		UndeletePrevious: true,
		MarkDeleted:      restoreDeleted,
	}, true)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}

	out.RecoverySuccessful = true
	out.NewVersionCreated = true
	out.NewVersionNumber = created.VersionNumber
	out.NewVersionID = created.ID
	out.RestoredContentID = created.ContentID
	out.RestoredDeleted = restoreDeleted

	r.orch.appendAudit(ctx, created, store.ActionRecovery, r.orch.cfg.ServerWallet, canonical.Metadata{
		"tamperedVersionId":     result.VersionID,
		"tamperedVersionNumber": result.VersionNumber,
		"newVersionNumber":      created.VersionNumber,
		"restoredContentId":     created.ContentID,
		"cidMatch":              result.CIDMatch,
		"deletionTampered":      result.DeletionTampered,
	})
	r.logger.Info("asset recovered",
		"assetId", result.AssetID,
		"tamperedVersion", result.VersionNumber,
		"newVersion", created.VersionNumber,
		"contentId", created.ContentID)
	return out, nil
}

// trustedDeletion decides the deletion state a recovered version carries.
// Anchored content asserting deletion wins; otherwise the system marker; a
// row whose deletion flag was not tampered with keeps its own state. User
// flags in non-critical metadata never count.
func trustedDeletion(anchored canonical.Metadata, row *store.AssetVersionRecord, tampered bool) bool {
	if assertsDeletion(anchored) {
		return true
	}
	if v, ok := systemMarker(row.NonCriticalMetadata.Metadata()); ok {
		return v
	}
	if tampered {
		return false
	}
	return row.IsDeleted
}

// VerifyAndRecover verifies a version and, when autoRecover is set and the
// version needs it, recovers and re-verifies. Outcomes are reported in the
// returned report; the error is non-nil only when verification could not run
// or recovery failed, and the report is still returned in the latter case.
func (r *Recoverer) VerifyAndRecover(ctx context.Context, assetID string, versionNumber int, autoRecover bool) (*VerifyReport, error) {
	res, err := r.verifier.Verify(ctx, assetID, versionNumber)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{Verification: res}
	if !res.RecoveryNeeded || !autoRecover {
		return report, nil
	}

	rec, err := r.Recover(ctx, res)
	report.Recovery = rec
	if err != nil {
		return report, err
	}
	if rec.NewVersionCreated {
		post, err := r.verifier.Verify(ctx, assetID, rec.NewVersionNumber)
		if err != nil {
			return report, err
		}
		report.PostRecovery = post
	}
	return report, nil
}

// VerifyStrict verifies without recovering and turns a failed verification
// into TamperingDetected. The result is returned either way.
func (r *Recoverer) VerifyStrict(ctx context.Context, assetID string, versionNumber int) (*VerificationResult, error) {
	res, err := r.verifier.Verify(ctx, assetID, versionNumber)
	if err != nil {
		return nil, err
	}
	if !res.Verified {
		return res, fault.New(fault.TamperingDetected, "verify", "%s version %d failed verification", assetID, res.VersionNumber).
			WithDetail("assetId", assetID).
			WithDetail("versionNumber", res.VersionNumber).
			WithDetail("recoveryNeeded", res.RecoveryNeeded)
	}
	return res, nil
}
