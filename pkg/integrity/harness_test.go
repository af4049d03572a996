package integrity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/asset-integrity/pkg/blob"
	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

const (
	serverWallet   = "0x1111111111111111111111111111111111111111"
	ownerWallet    = "0x2222222222222222222222222222222222222222"
	delegateWallet = "0x3333333333333333333333333333333333333333"
	strangerWallet = "0x4444444444444444444444444444444444444444"
)

type harness struct {
	engine *Engine
	db     *gorm.DB
	stores *store.Stores
	blobs  *blob.MemoryStore
	sim    *ledger.Simulated
}

func testConfig() *EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.ServerWallet = serverWallet
	cfg.MaxConflictRetries = 20
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.AnchorTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg *EngineConfig) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	stores := store.NewStores(db)
	require.NoError(t, stores.Migrate(context.Background(), nil, nil))

	sim, err := ledger.NewSimulated(ledger.DefaultSimulatedConfig(), nil)
	require.NoError(t, err)
	blobs := blob.NewMemoryStore()

	engine, err := NewEngine(cfg, Deps{
		Versions:    stores.Versions,
		Audit:       stores.Audit,
		Delegations: stores.Delegations,
		Blobs:       blobs,
		Ledger:      sim,
	}, nil)
	require.NoError(t, err)

	return &harness{engine: engine, db: db, stores: stores, blobs: blobs, sim: sim}
}

func (h *harness) create(t *testing.T, assetID string, critical canonical.Metadata) *store.AssetVersionRecord {
	t.Helper()
	rec, err := h.engine.Orchestrator.CreateAsset(context.Background(), CreateRequest{
		AssetID:     assetID,
		OwnerWallet: ownerWallet,
		Critical:    critical,
		NonCritical: canonical.Metadata{"tags": []any{"q1"}},
	})
	require.NoError(t, err)
	return rec
}

// tamper rewrites columns of a version row behind the engine's back.
func (h *harness) tamper(t *testing.T, versionID string, updates map[string]any) {
	t.Helper()
	require.NoError(t, h.db.Model(&store.AssetVersionRecord{}).Where("id = ?", versionID).Updates(updates).Error)
}

func (h *harness) liveCurrentCount(t *testing.T, assetID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&store.AssetVersionRecord{}).
		Where("asset_id = ? AND is_current = ? AND is_deleted = ?", assetID, true, false).
		Count(&n).Error)
	return n
}

func (h *harness) auditActions(t *testing.T, assetID string) []store.AuditAction {
	t.Helper()
	records, _, err := h.stores.Audit.ListByAsset(context.Background(), assetID, 100, "")
	require.NoError(t, err)
	out := make([]store.AuditAction, len(records))
	for i, r := range records {
		out[i] = r.Action
	}
	return out
}
