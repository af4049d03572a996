package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/kubeflow/asset-integrity/pkg/blob"
	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// CreateRequest creates version 1 of a new asset.
type CreateRequest struct {
	AssetID     string
	OwnerWallet string
	// ActorWallet defaults to OwnerWallet. A different actor must be a
	// delegate of the owner.
	ActorWallet string
	Critical    canonical.Metadata
	NonCritical canonical.Metadata
}

// NewVersionRequest supersedes the current version of an asset.
type NewVersionRequest struct {
	AssetID     string
	ActorWallet string
	Critical    canonical.Metadata
	NonCritical canonical.Metadata
	// UndeletePrevious allows writing on top of a soft-deleted current
	// version.
	UndeletePrevious bool
	// MarkDeleted creates the new version already soft-deleted.
	MarkDeleted bool
}

// AnchoredVersion is a version whose content was stored and anchored
// outside the orchestrator, such as by a client-signed batch transaction.
type AnchoredVersion struct {
	AssetID       string
	OwnerWallet   string
	ActorWallet   string
	VersionNumber int
	Critical      canonical.Metadata
	NonCritical   canonical.Metadata
	ContentID     string
	AnchorTxID    string
	BatchID       string
}

// Orchestrator drives writes across the blob store, the ledger and the
// version store. The anchor always completes before any row is written.
type Orchestrator struct {
	versions *store.VersionStore
	audit    *store.AuditStore
	blobs    blob.Store
	ledger   ledger.Ledger
	gate     *Gate
	cfg      EngineConfig
	logger   *slog.Logger
	now      func() time.Time
}

// ValidateCritical reports whether critical may be stored as the critical
// metadata of a version.
func ValidateCritical(critical canonical.Metadata) error {
	return validateCritical("validateCritical", critical)
}

// ValidateNonCritical reports whether nonCritical may be stored as the
// non-critical metadata of a version. Deletion is recorded by the system
// only, so user flags asserting it are rejected.
func ValidateNonCritical(nonCritical canonical.Metadata) error {
	return validateNonCritical("validateNonCritical", nonCritical)
}

func validateNonCritical(op string, nonCritical canonical.Metadata) error {
	for _, k := range deletionFlagKeys {
		if v, ok := truthy(nonCritical[k]); ok && v {
			return fault.New(fault.ValidationError, op, "non-critical metadata may not assert deletion (%s)", k)
		}
	}
	return nil
}

func validateCritical(op string, critical canonical.Metadata) error {
	if critical == nil {
		return fault.New(fault.ValidationError, op, "critical metadata is required")
	}
	if _, ok := critical[DeletionMarkerKey]; ok {
		return fault.New(fault.ValidationError, op, "%s is a reserved key", DeletionMarkerKey)
	}
	if assertsDeletion(critical) {
		return fault.New(fault.ValidationError, op, "critical metadata may not assert deletion")
	}
	return nil
}

// CreateAsset writes version 1 of a new asset. It fails with Conflict when
// the asset already has any version. An anchor failure leaves no row behind.
func (o *Orchestrator) CreateAsset(ctx context.Context, req CreateRequest) (*store.AssetVersionRecord, error) {
	const op = "createAsset"
	if req.AssetID == "" {
		return nil, fault.New(fault.ValidationError, op, "assetId is required")
	}
	if !ledger.ValidWallet(req.OwnerWallet) {
		return nil, fault.New(fault.ValidationError, op, "owner wallet %q is not a valid address", req.OwnerWallet)
	}
	if err := validateCritical(op, req.Critical); err != nil {
		return nil, err
	}
	if err := validateNonCritical(op, req.NonCritical); err != nil {
		return nil, err
	}
	actor := req.ActorWallet
	if actor == "" {
		actor = req.OwnerWallet
	}
	if err := o.gate.AuthorizeWrite(ctx, req.OwnerWallet, actor); err != nil {
		return nil, err
	}

	exists, err := o.versions.HasAny(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fault.New(fault.Conflict, op, "asset %s already exists", req.AssetID).WithDetail("assetId", req.AssetID)
	}

	owner := ledger.NormalizeWallet(req.OwnerWallet)
	contentID, err := o.store(ctx, canonical.Envelope{AssetID: req.AssetID, OwnerWallet: owner, Critical: req.Critical})
	if err != nil {
		return nil, err
	}
	receipt, err := o.anchor(ctx, req.AssetID, 1, contentID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: canceled after anchoring, nothing committed: %w", op, err)
	}

	now := o.now()
	record := &store.AssetVersionRecord{
		ID:                  uuid.NewString(),
		AssetID:             req.AssetID,
		VersionNumber:       1,
		OwnerWallet:         owner,
		CriticalMetadata:    store.JSONMetadata(req.Critical.Clone()),
		NonCriticalMetadata: store.JSONMetadata(withoutDeletionMarker(req.NonCritical)),
		ContentID:           contentID,
		AnchorTxID:          receipt.TxID,
		IsCurrent:           true,
		CreatedBy:           ledger.NormalizeWallet(actor),
		LastUpdated:         now,
	}
	if err := o.versions.Insert(ctx, record); err != nil {
		return nil, err
	}

	o.appendAudit(ctx, record, store.ActionCreate, actor, canonical.Metadata{
		"versionNumber": 1,
		"contentId":     contentID,
		"anchorTxId":    receipt.TxID,
	})
	o.logger.Info("asset created", "assetId", req.AssetID, "contentId", contentID, "tx", receipt.TxID)
	return record, nil
}

// CreateNewVersion supersedes the current version. Losing a concurrent race
// re-reads the current version and retries with a fresh anchor, up to
// MaxConflictRetries times.
func (o *Orchestrator) CreateNewVersion(ctx context.Context, req NewVersionRequest) (*store.AssetVersionRecord, error) {
	return o.createNewVersion(ctx, req, false)
}

// createNewVersion skips the delegation gate when internal is set; recovery
// writes as the server wallet.
func (o *Orchestrator) createNewVersion(ctx context.Context, req NewVersionRequest, internal bool) (*store.AssetVersionRecord, error) {
	const op = "createNewVersion"
	if req.AssetID == "" {
		return nil, fault.New(fault.ValidationError, op, "assetId is required")
	}
	if !internal {
		if err := validateCritical(op, req.Critical); err != nil {
			return nil, err
		}
		if err := validateNonCritical(op, req.NonCritical); err != nil {
			return nil, err
		}
	} else if req.Critical == nil {
		return nil, fault.New(fault.ValidationError, op, "critical metadata is required")
	}

	prev, err := o.loadCurrent(ctx, op, req.AssetID, req.UndeletePrevious)
	if err != nil {
		return nil, err
	}
	if !internal {
		if err := o.gate.AuthorizeWrite(ctx, prev.OwnerWallet, req.ActorWallet); err != nil {
			return nil, err
		}
	}

	env := canonical.Envelope{AssetID: req.AssetID, OwnerWallet: prev.OwnerWallet, Critical: req.Critical}
	contentID, err := o.store(ctx, env)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		receipt, err := o.anchor(ctx, req.AssetID, prev.VersionNumber+1, contentID)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: canceled after anchoring, nothing committed: %w", op, err)
		}

		record := o.successor(prev, req, contentID, receipt.TxID)
		err = o.versions.InsertSuccessor(ctx, record)
		if err == nil {
			o.appendAudit(ctx, record, store.ActionVersionCreate, req.ActorWallet, canonical.Metadata{
				"previousVersionId": prev.ID,
				"versionNumber":     record.VersionNumber,
				"contentId":         contentID,
				"anchorTxId":        receipt.TxID,
			})
			o.logger.Info("version created", "assetId", req.AssetID, "version", record.VersionNumber, "attempt", attempt+1)
			return record, nil
		}
		if !fault.Is(err, fault.Conflict) || attempt >= o.cfg.MaxConflictRetries {
			return nil, err
		}

		o.logger.Debug("version conflict, retrying", "assetId", req.AssetID, "version", record.VersionNumber, "attempt", attempt+1)
		if err := o.backoff(ctx, attempt); err != nil {
			return nil, err
		}
		if prev, err = o.loadCurrent(ctx, op, req.AssetID, req.UndeletePrevious); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) loadCurrent(ctx context.Context, op, assetID string, allowDeleted bool) (*store.AssetVersionRecord, error) {
	prev, err := o.versions.GetCurrent(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if prev == nil || (prev.IsDeleted && !allowDeleted) {
		return nil, fault.New(fault.NotFound, op, "asset %s has no current version", assetID).WithDetail("assetId", assetID)
	}
	return prev, nil
}

func (o *Orchestrator) successor(prev *store.AssetVersionRecord, req NewVersionRequest, contentID, txID string) *store.AssetVersionRecord {
	now := o.now()
	actor := req.ActorWallet
	nonCritical := withoutDeletionMarker(req.NonCritical)
	record := &store.AssetVersionRecord{
		ID:                uuid.NewString(),
		AssetID:           prev.AssetID,
		VersionNumber:     prev.VersionNumber + 1,
		OwnerWallet:       prev.OwnerWallet,
		CriticalMetadata:  store.JSONMetadata(req.Critical.Clone()),
		ContentID:         contentID,
		AnchorTxID:        txID,
		IsCurrent:         true,
		PreviousVersionID: prev.ID,
		CreatedBy:         ledger.NormalizeWallet(actor),
		LastUpdated:       now,
	}
	if req.MarkDeleted {
		nonCritical = withDeletionMarker(nonCritical, actor, now)
		record.IsDeleted = true
		record.DeletedBy = ledger.NormalizeWallet(actor)
		record.DeletedAt = &now
	}
	record.NonCriticalMetadata = store.JSONMetadata(nonCritical)
	return record
}

// SoftDelete marks the current version deleted. Nothing is stored or
// anchored; the deletion is recorded as a system marker in the non-critical
// metadata.
func (o *Orchestrator) SoftDelete(ctx context.Context, assetID, actorWallet string) (*store.AssetVersionRecord, error) {
	const op = "softDelete"
	current, err := o.loadCurrent(ctx, op, assetID, false)
	if err != nil {
		return nil, err
	}
	if err := o.gate.AuthorizeWrite(ctx, current.OwnerWallet, actorWallet); err != nil {
		return nil, err
	}

	now := o.now()
	actor := ledger.NormalizeWallet(actorWallet)
	nonCritical := withDeletionMarker(current.NonCriticalMetadata.Metadata(), actor, now)
	if err := o.versions.SoftDelete(ctx, current.ID, actor, now, store.JSONMetadata(nonCritical)); err != nil {
		return nil, err
	}
	current.IsDeleted = true
	current.DeletedBy = actor
	current.DeletedAt = &now
	current.NonCriticalMetadata = store.JSONMetadata(nonCritical)
	current.LastUpdated = now

	o.appendAudit(ctx, current, store.ActionDelete, actorWallet, canonical.Metadata{"versionNumber": current.VersionNumber})
	o.logger.Info("asset soft-deleted", "assetId", assetID, "version", current.VersionNumber)
	return current, nil
}

// CommitAnchored records a version whose content was anchored elsewhere.
// The content id is re-derived locally and must match. Version 1 creates the
// asset; later versions must directly succeed the current version, otherwise
// the anchor is stale and Conflict is returned.
func (o *Orchestrator) CommitAnchored(ctx context.Context, v AnchoredVersion) (*store.AssetVersionRecord, error) {
	const op = "commitAnchored"
	if v.VersionNumber < 1 {
		return nil, fault.New(fault.ValidationError, op, "version number must be positive")
	}
	if err := validateCritical(op, v.Critical); err != nil {
		return nil, err
	}
	if err := validateNonCritical(op, v.NonCritical); err != nil {
		return nil, err
	}

	var prev *store.AssetVersionRecord
	owner := ledger.NormalizeWallet(v.OwnerWallet)
	if v.VersionNumber > 1 {
		var err error
		if prev, err = o.loadCurrent(ctx, op, v.AssetID, false); err != nil {
			return nil, err
		}
		if prev.VersionNumber != v.VersionNumber-1 {
			return nil, fault.New(fault.Conflict, op, "asset %s is at version %d, anchor targets %d", v.AssetID, prev.VersionNumber, v.VersionNumber).
				WithDetail("assetId", v.AssetID)
		}
		owner = prev.OwnerWallet
	}
	if err := o.gate.AuthorizeWrite(ctx, owner, v.ActorWallet); err != nil {
		return nil, err
	}

	contentID, _, err := canonical.ComputeContentID(canonical.Envelope{AssetID: v.AssetID, OwnerWallet: owner, Critical: v.Critical})
	if err != nil {
		return nil, err
	}
	if contentID != v.ContentID {
		return nil, fault.New(fault.ValidationError, op, "content id %s does not match metadata (%s)", v.ContentID, contentID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if prev == nil {
		record := &store.AssetVersionRecord{
			ID:                  uuid.NewString(),
			AssetID:             v.AssetID,
			VersionNumber:       1,
			OwnerWallet:         owner,
			CriticalMetadata:    store.JSONMetadata(v.Critical.Clone()),
			NonCriticalMetadata: store.JSONMetadata(withoutDeletionMarker(v.NonCritical)),
			ContentID:           contentID,
			AnchorTxID:          v.AnchorTxID,
			IsCurrent:           true,
			CreatedBy:           ledger.NormalizeWallet(v.ActorWallet),
			LastUpdated:         o.now(),
		}
		if err := o.versions.Insert(ctx, record); err != nil {
			return nil, err
		}
		o.appendAudit(ctx, record, store.ActionCreate, v.ActorWallet, canonical.Metadata{
			"versionNumber": 1, "contentId": contentID, "anchorTxId": v.AnchorTxID, "batchId": v.BatchID,
		})
		return record, nil
	}

	record := o.successor(prev, NewVersionRequest{
		AssetID:     v.AssetID,
		ActorWallet: v.ActorWallet,
		Critical:    v.Critical,
		NonCritical: v.NonCritical,
	}, contentID, v.AnchorTxID)
	if err := o.versions.InsertSuccessor(ctx, record); err != nil {
		return nil, err
	}
	o.appendAudit(ctx, record, store.ActionVersionCreate, v.ActorWallet, canonical.Metadata{
		"previousVersionId": prev.ID, "versionNumber": record.VersionNumber,
		"contentId": contentID, "anchorTxId": v.AnchorTxID, "batchId": v.BatchID,
	})
	return record, nil
}

// PlanVersion reports the version number the next write to assetID would
// take and the owner it would be bound to. A missing asset plans version 1
// owned by owner.
func (o *Orchestrator) PlanVersion(ctx context.Context, assetID, owner string) (int, string, error) {
	current, err := o.versions.GetCurrent(ctx, assetID)
	if err != nil {
		return 0, "", err
	}
	if current == nil {
		if !ledger.ValidWallet(owner) {
			return 0, "", fault.New(fault.ValidationError, "planVersion", "owner wallet %q is not a valid address", owner)
		}
		return 1, ledger.NormalizeWallet(owner), nil
	}
	if current.IsDeleted {
		return 0, "", fault.New(fault.NotFound, "planVersion", "asset %s has no current version", assetID)
	}
	return current.VersionNumber + 1, current.OwnerWallet, nil
}

// Authorize checks that actor may write to an asset owned by owner.
func (o *Orchestrator) Authorize(ctx context.Context, owner, actor string) error {
	return o.gate.AuthorizeWrite(ctx, owner, actor)
}

// StoreContent canonicalizes env and puts it in the blob store.
func (o *Orchestrator) StoreContent(ctx context.Context, env canonical.Envelope) (string, error) {
	return o.store(ctx, env)
}

func (o *Orchestrator) store(ctx context.Context, env canonical.Envelope) (string, error) {
	contentID, b, err := canonical.ComputeContentID(env)
	if err != nil {
		return "", err
	}
	stored, err := o.blobs.Put(ctx, b)
	if err != nil {
		return "", fmt.Errorf("put content: %w", err)
	}
	if stored != contentID {
		return "", fault.New(fault.ValidationError, "putContent", "blob store returned %s for content %s", stored, contentID)
	}
	return contentID, nil
}

func (o *Orchestrator) anchor(ctx context.Context, assetID string, version int, contentID string) (ledger.Receipt, error) {
	const op = "anchor"
	actx := ctx
	if o.cfg.AnchorTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.cfg.AnchorTimeout)
		defer cancel()
	}
	receipt, err := o.ledger.Anchor(actx, ledger.AnchorRequest{
		AssetID:       assetID,
		VersionNumber: version,
		ContentID:     contentID,
		Signer:        o.cfg.ServerWallet,
	})
	if err != nil {
		kind := fault.AnchorFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fault.AnchorTimeout
		}
		return ledger.Receipt{}, fault.Wrap(kind, op, err, "anchor %s version %d", assetID, version).
			WithDetail("assetId", assetID).
			WithDetail("versionNumber", version)
	}
	return receipt, nil
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	d := o.cfg.RetryBaseDelay << attempt
	if d <= 0 || (o.cfg.RetryMaxDelay > 0 && d > o.cfg.RetryMaxDelay) {
		d = o.cfg.RetryMaxDelay
	}
	if d <= 0 {
		return ctx.Err()
	}
	// Full jitter.
	d = time.Duration(rand.Int64N(int64(d)) + 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, record *store.AssetVersionRecord, action store.AuditAction, actor string, meta canonical.Metadata) {
	if actor == "" {
		actor = o.cfg.ServerWallet
	}
	// Best-effort: the version is already committed.
	err := o.audit.Append(context.WithoutCancel(ctx), &store.AuditEventRecord{
		AssetID:     record.AssetID,
		VersionID:   record.ID,
		Action:      action,
		ActorWallet: ledger.NormalizeWallet(actor),
		Metadata:    store.JSONMetadata(meta),
	})
	if err != nil {
		o.logger.Error("audit append failed", "assetId", record.AssetID, "action", action, "error", err)
	}
}
