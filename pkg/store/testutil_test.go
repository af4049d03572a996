package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
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

	require.NoError(t, NewStores(db).Migrate(context.Background(), nil, nil))
	return db
}

func versionRecord(assetID string, n int, prevID string) *AssetVersionRecord {
	return &AssetVersionRecord{
		ID:                  uuid.NewString(),
		AssetID:             assetID,
		VersionNumber:       n,
		OwnerWallet:         "0xowner",
		CriticalMetadata:    JSONMetadata{"title": "Report", "amount": n * 100},
		NonCriticalMetadata: JSONMetadata{"tag": "q1"},
		ContentID:           fmt.Sprintf("Qm%s%d", assetID, n),
		AnchorTxID:          fmt.Sprintf("0xtx%d", n),
		IsCurrent:           true,
		PreviousVersionID:   prevID,
		CreatedBy:           "0xowner",
	}
}

