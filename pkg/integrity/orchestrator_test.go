package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

func TestCreateAsset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	rec := h.create(t, "doc-1", canonical.Metadata{"title": "Report", "amount": 100})
	assert.Equal(t, 1, rec.VersionNumber)
	assert.True(t, rec.IsCurrent)
	assert.False(t, rec.IsDeleted)
	assert.Empty(t, rec.PreviousVersionID)
	assert.Equal(t, ledger.NormalizeWallet(ownerWallet), rec.OwnerWallet)

	// The stored blob is the canonical envelope.
	b, err := h.blobs.Get(ctx, rec.ContentID)
	require.NoError(t, err)
	env, err := canonical.ParseEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", env.AssetID)

	anchor, err := h.sim.QueryAnchor(ctx, ledger.AnchorQuery{AssetID: "doc-1", VersionNumber: 1})
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, rec.ContentID, anchor.ContentID)
	assert.Equal(t, rec.AnchorTxID, anchor.TxID)
	assert.Equal(t, ledger.NormalizeWallet(serverWallet), anchor.TxSender)

	assert.Equal(t, []store.AuditAction{store.ActionCreate}, h.auditActions(t, "doc-1"))
}

func TestCreateAsset_ConflictWhenExists(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, "doc-1", canonical.Metadata{"v": 1})

	_, err := h.engine.Orchestrator.CreateAsset(context.Background(), CreateRequest{
		AssetID: "doc-1", OwnerWallet: ownerWallet, Critical: canonical.Metadata{"v": 2},
	})
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestCreateAsset_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing asset id", CreateRequest{OwnerWallet: ownerWallet, Critical: canonical.Metadata{}}},
		{"bad owner", CreateRequest{AssetID: "a", OwnerWallet: "alice", Critical: canonical.Metadata{}}},
		{"nil critical", CreateRequest{AssetID: "a", OwnerWallet: ownerWallet}},
		{"reserved key", CreateRequest{AssetID: "a", OwnerWallet: ownerWallet, Critical: canonical.Metadata{DeletionMarkerKey: map[string]any{"deleted": true}}}},
		{"asserts deletion", CreateRequest{AssetID: "a", OwnerWallet: ownerWallet, Critical: canonical.Metadata{"isDeleted": true}}},
		{"non-critical asserts deletion", CreateRequest{AssetID: "a", OwnerWallet: ownerWallet, Critical: canonical.Metadata{}, NonCritical: canonical.Metadata{"deleted": true}}},
		{"non-critical string flag", CreateRequest{AssetID: "a", OwnerWallet: ownerWallet, Critical: canonical.Metadata{}, NonCritical: canonical.Metadata{"_deleted": "true"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Orchestrator.CreateAsset(ctx, tt.req)
			assert.True(t, fault.Is(err, fault.ValidationError), "got %v", err)
		})
	}
}

func TestCreateAsset_AnchorFailureWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.sim.FailAnchors(errors.New("node unreachable"))
	_, err := h.engine.Orchestrator.CreateAsset(ctx, CreateRequest{
		AssetID: "doc-1", OwnerWallet: ownerWallet, Critical: canonical.Metadata{"v": 1},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.AnchorFailure))
	assert.True(t, fault.IsRetryable(err))

	has, err := h.stores.Versions.HasAny(ctx, "doc-1")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Empty(t, h.auditActions(t, "doc-1"))
}

func TestCreateNewVersion_AnchorTimeoutWritesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.AnchorTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()
	v1 := h.create(t, "doc-1", canonical.Metadata{"v": 1})

	h.sim.SetAnchorLatency(time.Second)
	_, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID: "doc-1", ActorWallet: ownerWallet, Critical: canonical.Metadata{"v": 2},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.AnchorTimeout))

	cur, err := h.stores.Versions.GetCurrent(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, cur.ID)
}

// cancelAfterAnchor completes the anchor and then cancels the caller's
// context, as if the client went away while the transaction was mined.
type cancelAfterAnchor struct {
	ledger.Ledger
	cancel context.CancelFunc
}

func (c cancelAfterAnchor) Anchor(ctx context.Context, req ledger.AnchorRequest) (ledger.Receipt, error) {
	r, err := c.Ledger.Anchor(context.WithoutCancel(ctx), req)
	c.cancel()
	return r, err
}

func TestCreateNewVersion_CancelAfterAnchorSuppressesCommit(t *testing.T) {
	h := newHarness(t, nil)
	v1 := h.create(t, "doc-1", canonical.Metadata{"v": 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Orchestrator.ledger = cancelAfterAnchor{Ledger: h.sim, cancel: cancel}

	_, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID: "doc-1", ActorWallet: ownerWallet, Critical: canonical.Metadata{"v": 2},
	})
	require.ErrorIs(t, err, context.Canceled)

	versions, err := h.stores.Versions.ListVersions(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, v1.ID, versions[0].ID)
}

func TestCreateNewVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v1 := h.create(t, "doc-1", canonical.Metadata{"title": "Report", "amount": 100})

	v2, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID:     "doc-1",
		ActorWallet: ownerWallet,
		Critical:    canonical.Metadata{"title": "Report", "amount": 150},
		NonCritical: canonical.Metadata{"note": "revised"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, v1.ID, v2.PreviousVersionID)
	assert.NotEqual(t, v1.ContentID, v2.ContentID)

	old, err := h.stores.Versions.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent)
	assert.Equal(t, v1.ContentID, old.ContentID)
	assert.Equal(t, int64(1), h.liveCurrentCount(t, "doc-1"))

	records, _, err := h.stores.Audit.ListByAsset(ctx, "doc-1", 10, "")
	require.NoError(t, err)
	var found bool
	for _, r := range records {
		if r.Action == store.ActionVersionCreate {
			found = true
			assert.Equal(t, v1.ID, r.Metadata["previousVersionId"])
			assert.Equal(t, json.Number("2"), r.Metadata["versionNumber"])
		}
	}
	assert.True(t, found)
}

func TestCreateNewVersion_RejectsNonCriticalDeletionFlags(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "doc-1", canonical.Metadata{"v": 1})

	_, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID: "doc-1", ActorWallet: ownerWallet,
		Critical: canonical.Metadata{"v": 2}, NonCritical: canonical.Metadata{"isDeleted": true},
	})
	assert.True(t, fault.Is(err, fault.ValidationError), "got %v", err)

	// A flag that does not assert deletion is ordinary data.
	rec, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID: "doc-1", ActorWallet: ownerWallet,
		Critical: canonical.Metadata{"v": 2}, NonCritical: canonical.Metadata{"deleted": false},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.VersionNumber)

	res, err := h.engine.Verifier.Verify(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestCreateNewVersion_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Orchestrator.CreateNewVersion(context.Background(), NewVersionRequest{
		AssetID: "missing", ActorWallet: ownerWallet, Critical: canonical.Metadata{},
	})
	assert.True(t, fault.Is(err, fault.NotFound))
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestCreateNewVersion_DeletedRequiresUndelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "doc-1", canonical.Metadata{"v": 1})
	_, err := h.engine.Orchestrator.SoftDelete(ctx, "doc-1", ownerWallet)
	require.NoError(t, err)

	req := NewVersionRequest{AssetID: "doc-1", ActorWallet: ownerWallet, Critical: canonical.Metadata{"v": 2}}
	_, err = h.engine.Orchestrator.CreateNewVersion(ctx, req)
	assert.True(t, fault.Is(err, fault.NotFound))

	req.UndeletePrevious = true
	v2, err := h.engine.Orchestrator.CreateNewVersion(ctx, req)
	require.NoError(t, err)
	assert.False(t, v2.IsDeleted)
	assert.NotContains(t, v2.NonCriticalMetadata, DeletionMarkerKey)
	assert.Equal(t, int64(1), h.liveCurrentCount(t, "doc-1"))
}

func TestCreateNewVersion_ConcurrentWritersGapless(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "doc-1", canonical.Metadata{"n": 0})

	const writers = 8
	var wg sync.WaitGroup
	results := make([]int, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
				AssetID:     "doc-1",
				ActorWallet: ownerWallet,
				Critical:    canonical.Metadata{"n": i + 1},
			})
			errs[i] = err
			if err == nil {
				results[i] = rec.VersionNumber
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Ints(results)
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, results)
	assert.Equal(t, int64(1), h.liveCurrentCount(t, "doc-1"))

	chain, err := h.engine.History.GetVersionChain(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, chain, writers+1)
}

func TestCreateNewVersion_ConflictSurfacesAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConflictRetries = 0
	h := newHarness(t, cfg)
	ctx := context.Background()
	v1 := h.create(t, "doc-1", canonical.Metadata{"n": 0})

	// Occupy version 2 without flipping the current pointer so the next
	// writer, which still sees version 1 as current, loses the race.
	squatter := *v1
	squatter.ID = "squatter"
	squatter.VersionNumber = 2
	squatter.IsCurrent = false
	squatter.PreviousVersionID = v1.ID
	require.NoError(t, h.db.Create(&squatter).Error)

	_, err := h.engine.Orchestrator.CreateNewVersion(ctx, NewVersionRequest{
		AssetID: "doc-1", ActorWallet: ownerWallet, Critical: canonical.Metadata{"n": 1},
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestSoftDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	v1 := h.create(t, "doc-1", canonical.Metadata{"v": 1})
	blocks := h.sim.BlockNumber()

	deleted, err := h.engine.Orchestrator.SoftDelete(ctx, "doc-1", ownerWallet)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, deleted.ID)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, blocks, h.sim.BlockNumber(), "soft delete must not touch the ledger")

	row, err := h.stores.Versions.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, row.IsDeleted)
	assert.Equal(t, ledger.NormalizeWallet(ownerWallet), row.DeletedBy)
	require.NotNil(t, row.DeletedAt)
	assert.Contains(t, row.NonCriticalMetadata, DeletionMarkerKey)
	assert.Equal(t, int64(0), h.liveCurrentCount(t, "doc-1"))
	assert.Contains(t, h.auditActions(t, "doc-1"), store.ActionDelete)

	_, err = h.engine.Orchestrator.SoftDelete(ctx, "doc-1", ownerWallet)
	assert.True(t, fault.Is(err, fault.NotFound))

	res, err := h.engine.Verifier.Verify(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.False(t, res.DeletionTampered)
}

func TestDelegatedWrites(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "doc-1", canonical.Metadata{"v": 1})

	req := NewVersionRequest{AssetID: "doc-1", ActorWallet: delegateWallet, Critical: canonical.Metadata{"v": 2}}
	_, err := h.engine.Orchestrator.CreateNewVersion(ctx, req)
	assert.True(t, fault.Is(err, fault.AuthorizationDenied))

	_, err = h.sim.SetDelegate(ctx, ownerWallet, delegateWallet, true)
	require.NoError(t, err)
	v2, err := h.engine.Orchestrator.CreateNewVersion(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.NormalizeWallet(delegateWallet), v2.CreatedBy)

	_, err = h.engine.Orchestrator.SoftDelete(ctx, "doc-1", strangerWallet)
	assert.True(t, fault.Is(err, fault.AuthorizationDenied))
}
