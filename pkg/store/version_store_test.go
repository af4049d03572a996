package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

func TestVersionStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))

	has, err := vs.HasAny(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, has)

	got, err := vs.GetCurrent(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, v1.ID, got.ID)
	assert.Equal(t, json.Number("100"), got.CriticalMetadata["amount"])
	assert.Equal(t, "q1", got.NonCriticalMetadata["tag"])
	assert.False(t, got.CreatedAt.IsZero())

	byNum, err := vs.GetVersion(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, byNum.ID)

	byID, err := vs.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, byID.VersionNumber)
}

func TestVersionStore_NotFoundReturnsNil(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	has, err := vs.HasAny(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, has)

	cur, err := vs.GetCurrent(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, cur)

	v, err := vs.GetVersion(ctx, "missing", 3)
	require.NoError(t, err)
	assert.Nil(t, v)

	r, err := vs.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestVersionStore_InsertDuplicateIsConflict(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	require.NoError(t, vs.Insert(ctx, versionRecord("doc-1", 1, "")))
	err := vs.Insert(ctx, versionRecord("doc-1", 1, ""))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
	assert.True(t, fault.IsRetryable(err))
}

func TestVersionStore_InsertSuccessorFlipsCurrent(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))
	v2 := versionRecord("doc-1", 2, v1.ID)
	require.NoError(t, vs.InsertSuccessor(ctx, v2))

	cur, err := vs.GetCurrent(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, cur.ID)

	old, err := vs.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsCurrent)

	versions, err := vs.ListVersions(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].VersionNumber)
	assert.Equal(t, 1, versions[1].VersionNumber)
}

func TestVersionStore_InsertSuccessorConflictLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))
	winner := versionRecord("doc-1", 2, v1.ID)
	require.NoError(t, vs.InsertSuccessor(ctx, winner))

	loser := versionRecord("doc-1", 2, v1.ID)
	err := vs.InsertSuccessor(ctx, loser)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))

	cur, err := vs.GetCurrent(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, cur.ID)
	lost, err := vs.GetByID(ctx, loser.ID)
	require.NoError(t, err)
	assert.Nil(t, lost)
}

func TestVersionStore_ConcurrentSuccessorsOneWins(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = vs.InsertSuccessor(ctx, versionRecord("doc-1", 2, v1.ID))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, fault.Is(err, fault.Conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	versions, err := vs.ListVersions(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestVersionStore_SoftDeleteAndTouch(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, vs.SoftDelete(ctx, v1.ID, "0xowner", now, JSONMetadata{"_deletion": map[string]any{"deleted": true}}))
	require.NoError(t, vs.TouchVerified(ctx, v1.ID, now))

	got, err := vs.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.True(t, got.IsCurrent)
	assert.Equal(t, "0xowner", got.DeletedBy)
	require.NotNil(t, got.DeletedAt)
	require.NotNil(t, got.LastVerified)
	assert.Contains(t, got.NonCriticalMetadata, "_deletion")

	err = vs.SoftDelete(ctx, "missing", "0xowner", now, nil)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestVersionStore_ListCurrentPaginates(t *testing.T) {
	ctx := context.Background()
	vs := NewVersionStore(newTestDB(t))

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, vs.Insert(ctx, versionRecord(id, 1, "")))
	}
	deleted, err := vs.GetCurrent(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, vs.SoftDelete(ctx, deleted.ID, "0xowner", time.Now(), nil))

	var seen []string
	token := ""
	for {
		page, next, err := vs.ListCurrent(ctx, 2, token)
		require.NoError(t, err)
		for _, r := range page {
			seen = append(seen, r.AssetID)
		}
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, []string{"a", "b", "d", "e"}, seen)
}

func TestVersionStore_WalkChain(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	vs := NewVersionStore(db)

	v1 := versionRecord("doc-1", 1, "")
	require.NoError(t, vs.Insert(ctx, v1))
	v2 := versionRecord("doc-1", 2, v1.ID)
	require.NoError(t, vs.InsertSuccessor(ctx, v2))
	v3 := versionRecord("doc-1", 3, v2.ID)
	require.NoError(t, vs.InsertSuccessor(ctx, v3))

	chain, err := vs.WalkChain(ctx, v3.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{chain[0].VersionNumber, chain[1].VersionNumber, chain[2].VersionNumber})

	// Point version 1 back at version 3 to form a cycle.
	require.NoError(t, db.Model(&AssetVersionRecord{}).Where("id = ?", v1.ID).Update("previous_version_id", v3.ID).Error)
	_, err = vs.WalkChain(ctx, v3.ID)
	require.Error(t, err)
}

func TestIsDuplicateKey(t *testing.T) {
	assert.False(t, IsDuplicateKey(nil))
	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKey(errors.New("constraint failed: UNIQUE constraint failed: asset_versions.asset_id (2067)")))
	assert.True(t, IsDuplicateKey(errors.New(`ERROR: duplicate key value violates unique constraint "idx_asset_version" (SQLSTATE 23505)`)))
	assert.True(t, IsDuplicateKey(errors.New("Error 1062 (23000): Duplicate entry 'doc-1-2' for key 'idx_asset_version'")))
	assert.False(t, IsDuplicateKey(errors.New("connection refused")))
}

func TestVersionStore_PostgresDuplicateKeyIsConflict(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "asset_versions"`)).
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "idx_asset_version" (SQLSTATE 23505)`))
	mock.ExpectRollback()

	err = NewVersionStore(db).InsertSuccessor(context.Background(), versionRecord("doc-1", 2, "prev"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}
