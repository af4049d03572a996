package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// VerificationResult is the outcome of a three-way check of one version
// against the ledger and its own recomputed content id.
type VerificationResult struct {
	AssetID           string    `json:"assetId"`
	VersionID         string    `json:"versionId"`
	VersionNumber     int       `json:"versionNumber"`
	Verified          bool      `json:"verified"`
	CIDMatch          bool      `json:"cidMatch"`
	ComputedContentID string    `json:"computedContentId"`
	StoredContentID   string    `json:"storedContentId"`
	AnchoredContentID string    `json:"anchoredContentId"`
	AnchorTxID        string    `json:"anchorTxId"`
	CommittedTxID     string    `json:"committedTxId,omitempty"`
	TxSender          string    `json:"txSender"`
	TxSenderVerified  bool      `json:"txSenderVerified"`
	DeletionTampered  bool      `json:"deletionTampered"`
	RecoveryNeeded    bool      `json:"recoveryNeeded"`
	Reasons           []string  `json:"reasons,omitempty"`
	CheckedAt         time.Time `json:"checkedAt"`
}

// Verifier compares a stored version with its anchor. It never mutates
// anything.
type Verifier struct {
	versions     *store.VersionStore
	audit        *store.AuditStore
	ledger       ledger.Ledger
	serverWallet string
	logger       *slog.Logger
	now          func() time.Time
}

// Verify checks version versionNumber of assetID, or the current version
// when versionNumber is 0.
func (v *Verifier) Verify(ctx context.Context, assetID string, versionNumber int) (*VerificationResult, error) {
	row, err := v.load(ctx, assetID, versionNumber)
	if err != nil {
		return nil, err
	}
	return v.VerifyRecord(ctx, row)
}

func (v *Verifier) load(ctx context.Context, assetID string, versionNumber int) (*store.AssetVersionRecord, error) {
	var (
		row *store.AssetVersionRecord
		err error
	)
	if versionNumber == 0 {
		row, err = v.versions.GetCurrent(ctx, assetID)
	} else {
		row, err = v.versions.GetVersion(ctx, assetID, versionNumber)
	}
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fault.New(fault.NotFound, "verify", "version %d of %s not found", versionNumber, assetID).
			WithDetail("assetId", assetID).
			WithDetail("versionNumber", versionNumber)
	}
	return row, nil
}

// VerifyRecord checks an already loaded row.
func (v *Verifier) VerifyRecord(ctx context.Context, row *store.AssetVersionRecord) (*VerificationResult, error) {
	res := &VerificationResult{
		AssetID:         row.AssetID,
		VersionID:       row.ID,
		VersionNumber:   row.VersionNumber,
		StoredContentID: row.ContentID,
		AnchorTxID:      row.AnchorTxID,
	}

	var (
		anchor     *ledger.AnchorRecord
		computeErr error
	)
	txID := row.AnchorTxID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		committed, err := v.committedTx(gctx, row)
		if err != nil {
			return err
		}
		res.CommittedTxID = committed
		if committed != "" && committed != row.AnchorTxID {
			res.Reasons = append(res.Reasons, "stored anchor tx differs from the tx recorded at commit")
			txID = committed
		}
		anchor, err = v.ledger.QueryAnchor(gctx, ledger.AnchorQuery{
			AssetID:       row.AssetID,
			VersionNumber: row.VersionNumber,
			TxID:          txID,
		})
		if err != nil {
			return fmt.Errorf("query anchor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res.ComputedContentID, _, computeErr = canonical.ComputeContentID(canonical.Envelope{
			AssetID:     row.AssetID,
			OwnerWallet: row.OwnerWallet,
			Critical:    row.CriticalMetadata.Metadata(),
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if computeErr != nil {
		res.Reasons = append(res.Reasons, "stored critical metadata cannot be canonicalized: "+computeErr.Error())
	}
	if anchor == nil {
		res.Reasons = append(res.Reasons, "no anchor recorded for this version")
	} else {
		res.AnchoredContentID = anchor.ContentID
		res.AnchorTxID = anchor.TxID
		res.TxSender = anchor.TxSender
		if anchor.TxID != txID {
			res.Reasons = append(res.Reasons, "anchor tx not found on ledger; using latest anchor")
		}
	}

	res.CIDMatch = computeErr == nil && anchor != nil &&
		res.ComputedContentID == row.ContentID &&
		row.ContentID == anchor.ContentID
	if !res.CIDMatch && anchor != nil && computeErr == nil {
		res.Reasons = append(res.Reasons, "content id mismatch between recomputed, stored and anchored values")
	}

	if anchor != nil {
		ok, err := v.senderAuthorized(ctx, row.OwnerWallet, anchor)
		if err != nil {
			return nil, err
		}
		res.TxSenderVerified = ok
		if !ok {
			res.Reasons = append(res.Reasons, "anchor was not sent by the server wallet, the owner or a delegate")
		}
	}

	res.DeletionTampered = deletionTampered(row.IsDeleted, deletionMarkers(
		row.CriticalMetadata.Metadata(),
		row.NonCriticalMetadata.Metadata(),
	))
	if res.DeletionTampered {
		res.Reasons = append(res.Reasons, "deletion flag disagrees with embedded deletion markers")
	}

	res.Verified = res.CIDMatch && res.TxSenderVerified && !res.DeletionTampered
	res.RecoveryNeeded = !res.CIDMatch || res.DeletionTampered
	res.CheckedAt = v.now()

	if !res.Verified {
		v.logger.Warn("verification failed",
			"assetId", row.AssetID,
			"version", row.VersionNumber,
			"cidMatch", res.CIDMatch,
			"txSenderVerified", res.TxSenderVerified,
			"deletionTampered", res.DeletionTampered)
	}
	return res, nil
}

// committedTx returns the anchor tx the audit trail recorded when row was
// committed. A row pointing at any other anchor for the same version, such
// as one left by a writer that lost a conflict, is checked against the
// committed anchor instead.
func (v *Verifier) committedTx(ctx context.Context, row *store.AssetVersionRecord) (string, error) {
	if v.audit == nil {
		return "", nil
	}
	tx, err := v.audit.CommittedAnchorTx(ctx, row.ID)
	if err != nil {
		return "", fmt.Errorf("query committed anchor: %w", err)
	}
	return tx, nil
}

// senderAuthorized accepts the server wallet, the owner, or a wallet that
// was the owner's delegate in the anchor's block.
func (v *Verifier) senderAuthorized(ctx context.Context, owner string, anchor *ledger.AnchorRecord) (bool, error) {
	if ledger.SameWallet(anchor.TxSender, v.serverWallet) || ledger.SameWallet(anchor.TxSender, owner) {
		return true, nil
	}
	if !ledger.ValidWallet(owner) || !ledger.ValidWallet(anchor.TxSender) {
		return false, nil
	}
	ok, err := v.ledger.WasDelegatedAt(ctx, owner, anchor.TxSender, anchor.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("query delegation at block %d: %w", anchor.BlockNumber, err)
	}
	return ok, nil
}
