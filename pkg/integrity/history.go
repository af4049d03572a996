package integrity

import (
	"context"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// VersionSummary is one entry of an asset's history.
type VersionSummary struct {
	VersionID     string    `json:"versionId"`
	VersionNumber int       `json:"versionNumber"`
	Timestamp     time.Time `json:"timestamp"`
	ContentID     string    `json:"contentId"`
	AnchorTxID    string    `json:"anchorTxId"`
	IsCurrent     bool      `json:"isCurrent"`
	IsDeleted     bool      `json:"isDeleted"`
}

// VersionComparison reports the differences between two versions.
type VersionComparison struct {
	AssetID          string                      `json:"assetId"`
	From             int                         `json:"from"`
	To               int                         `json:"to"`
	Critical         map[string]canonical.Change `json:"critical"`
	NonCritical      map[string]canonical.Change `json:"nonCritical"`
	ContentIDChanged bool                        `json:"contentIdChanged"`
}

// History answers read-only questions about version chains.
type History struct {
	versions *store.VersionStore
}

// NewHistory creates a History over versions.
func NewHistory(versions *store.VersionStore) *History {
	return &History{versions: versions}
}

func summarize(r *store.AssetVersionRecord) VersionSummary {
	return VersionSummary{
		VersionID:     r.ID,
		VersionNumber: r.VersionNumber,
		Timestamp:     r.CreatedAt,
		ContentID:     r.ContentID,
		AnchorTxID:    r.AnchorTxID,
		IsCurrent:     r.IsCurrent,
		IsDeleted:     r.IsDeleted,
	}
}

// GetVersionHistory lists every version of an asset, newest first.
func (h *History) GetVersionHistory(ctx context.Context, assetID string) ([]VersionSummary, error) {
	records, err := h.versions.ListVersions(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fault.New(fault.NotFound, "getVersionHistory", "asset %s not found", assetID)
	}
	out := make([]VersionSummary, len(records))
	for i := range records {
		out[i] = summarize(&records[i])
	}
	return out, nil
}

// CompareVersions diffs the metadata of versions v1 and v2 key by key.
func (h *History) CompareVersions(ctx context.Context, assetID string, v1, v2 int) (*VersionComparison, error) {
	const op = "compareVersions"
	a, err := h.versions.GetVersion(ctx, assetID, v1)
	if err != nil {
		return nil, err
	}
	b, err := h.versions.GetVersion(ctx, assetID, v2)
	if err != nil {
		return nil, err
	}
	missing := 0
	switch {
	case a == nil:
		missing = v1
	case b == nil:
		missing = v2
	}
	if a == nil || b == nil {
		return nil, fault.New(fault.NotFound, op, "version %d of %s not found", missing, assetID).
			WithDetail("assetId", assetID).
			WithDetail("versionNumber", missing)
	}
	return &VersionComparison{
		AssetID:          assetID,
		From:             v1,
		To:               v2,
		Critical:         canonical.Diff(a.CriticalMetadata.Metadata(), b.CriticalMetadata.Metadata()),
		NonCritical:      canonical.Diff(a.NonCriticalMetadata.Metadata(), b.NonCriticalMetadata.Metadata()),
		ContentIDChanged: a.ContentID != b.ContentID,
	}, nil
}

// GetVersionChain follows back-pointers from the current version to version
// 1, newest first.
func (h *History) GetVersionChain(ctx context.Context, assetID string) ([]VersionSummary, error) {
	current, err := h.versions.GetCurrent(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fault.New(fault.NotFound, "getVersionChain", "asset %s not found", assetID)
	}
	chain, err := h.versions.WalkChain(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionSummary, len(chain))
	for i := range chain {
		out[i] = summarize(&chain[i])
	}
	return out, nil
}
