package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A unique shared-cache DSN per test keeps background goroutines of one
	// test away from another test's data.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, NewJobStore(db).AutoMigrate())
	return db
}

func newTestJob(assetID string) *VerificationJob {
	return &VerificationJob{
		ID:             uuid.New().String(),
		AssetID:        assetID,
		RequestedBy:    "0x2222222222222222222222222222222222222222",
		RequestedAt:    time.Now(),
		State:          JobStateQueued,
		IdempotencyKey: "verify:" + assetID,
	}
}

func TestEnqueueCreatesJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	created, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, created.ID)
	assert.Equal(t, JobStateQueued, created.State)
	assert.Equal(t, "doc-1", created.AssetID)
}

func TestEnqueueDefaults(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	a, err := store.Enqueue(ctx, &VerificationJob{RequestedBy: "cli"})
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, &VerificationJob{RequestedBy: "cli"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, ScopeAll, a.AssetID)
	assert.Equal(t, a.ID, a.IdempotencyKey)
	assert.False(t, a.RequestedAt.IsZero())
	assert.NotEqual(t, a.ID, b.ID, "jobs without a key never collapse")
}

func TestEnqueueIdempotencyReturnsDuplicate(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job1 := newTestJob("doc-1")
	created1, err := store.Enqueue(ctx, job1)
	require.NoError(t, err)

	job2 := newTestJob("doc-1")
	created2, err := store.Enqueue(ctx, job2)
	require.NoError(t, err)

	assert.Equal(t, created1.ID, created2.ID)
}

func TestEnqueueIdempotencyAllowsAfterTerminal(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job1 := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job1)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job1.ID, Outcome{Checked: 1}))

	job2 := newTestJob("doc-1")
	created2, err := store.Enqueue(ctx, job2)
	require.NoError(t, err)
	assert.NotEqual(t, job1.ID, created2.ID)

	finished, err := store.Get(ctx, job1.ID)
	require.NoError(t, err)
	assert.Equal(t, job1.ID, finished.IdempotencyKey)
}

func TestClaimReturnsQueuedJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, JobStateRunning, claimed.State)
	assert.NotNil(t, claimed.StartedAt)
	assert.Equal(t, 1, claimed.AttemptCount)

	again, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestClaimOldestFirst(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	newer := newTestJob("doc-new")
	newer.RequestedAt = time.Now()
	older := newTestJob("doc-old")
	older.RequestedAt = time.Now().Add(-time.Hour)
	_, err := store.Enqueue(ctx, newer)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, older)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	claimed, err := store.Claim(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimRespectsMaxRetries(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	job.AttemptCount = 4
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteUpdatesJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	err = store.Complete(ctx, job.ID, Outcome{Checked: 10, Tampered: 2, Recovered: 1, Unrecoverable: 1, Duration: 5 * time.Second})
	require.NoError(t, err)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, result.State)
	assert.Equal(t, 10, result.AssetsChecked)
	assert.Equal(t, 2, result.TamperedFound)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, 1, result.Unrecoverable)
	assert.Equal(t, int64(5000), result.DurationMs)
	assert.NotNil(t, result.FinishedAt)
	assert.Contains(t, result.Message, "2 tampered")
}

func TestFailRequeuesWhenRetriesLeft(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.ID, "ledger unreachable", 3))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, result.State, "should re-queue for retry")
	assert.Equal(t, "ledger unreachable", result.LastError)
	assert.Nil(t, result.StartedAt)
}

func TestFailMarksFailedAtMaxRetries(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	job := newTestJob("doc-1")
	job.AttemptCount = 3
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.ID, "fatal error", 3))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, result.State)
	assert.Contains(t, result.Message, "Max retries exceeded")
}

func TestCancel(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	queued := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, queued)
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, queued.ID))
	result, err := store.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCanceled, result.State)

	running := newTestJob("doc-2")
	_, err = store.Enqueue(ctx, running)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)
	err = store.Cancel(ctx, running.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running")

	err = store.Cancel(ctx, "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestGetReturnsNilForMissing(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	job, err := store.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListWithFilters(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	for i, asset := range []string{"doc-1", "doc-1", "doc-2"} {
		j := &VerificationJob{
			AssetID:     asset,
			RequestedBy: "user",
			RequestedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		_, err := store.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	results, _, total, err := store.List(ctx, JobListFilter{AssetID: "doc-1"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, results, 2)

	results, _, total, err = store.List(ctx, JobListFilter{RequestedBy: "user", State: string(JobStateQueued)}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, results, 3)
}

func TestListPagination(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := &VerificationJob{
			RequestedBy: "user",
			RequestedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		_, err := store.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	results, nextToken, total, err := store.List(ctx, JobListFilter{}, 2, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 5, total)
	assert.NotEmpty(t, nextToken)

	results2, nextToken2, _, err := store.List(ctx, JobListFilter{}, 2, nextToken)
	require.NoError(t, err)
	assert.Len(t, results2, 2)
	assert.NotEmpty(t, nextToken2)

	results3, nextToken3, _, err := store.List(ctx, JobListFilter{}, 2, nextToken2)
	require.NoError(t, err)
	assert.Len(t, results3, 1)
	assert.Empty(t, nextToken3)

	_, _, _, err = store.List(ctx, JobListFilter{}, 2, "not-a-time")
	assert.Error(t, err)
}

func TestCleanupStuckJobs(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&VerificationJob{}).Where("id = ?", job.ID).Update("started_at", oldTime).Error)

	recovered, err := store.CleanupStuckJobs(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, result.State)
}

func TestDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	store := NewJobStore(db)
	ctx := context.Background()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job.ID, Outcome{Checked: 1}))

	oldTime := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, db.Model(&VerificationJob{}).Where("id = ?", job.ID).Update("finished_at", oldTime).Error)

	deleted, err := store.DeleteOlderThan(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, result)
}
