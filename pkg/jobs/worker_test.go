package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

// mockRunner implements Runner for tests.
type mockRunner struct {
	mu        sync.Mutex
	out       Outcome
	errs      []error
	assets    []string
	sweeps    int
	recovered []bool
}

func (m *mockRunner) next() error {
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockRunner) VerifyAsset(ctx context.Context, assetID string, versionNumber int, autoRecover bool) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets = append(m.assets, assetID)
	m.recovered = append(m.recovered, autoRecover)
	if err := m.next(); err != nil {
		return Outcome{}, err
	}
	return m.out, nil
}

func (m *mockRunner) Sweep(ctx context.Context, autoRecover bool) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.recovered = append(m.recovered, autoRecover)
	if err := m.next(); err != nil {
		return Outcome{}, err
	}
	return m.out, nil
}

func (m *mockRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assets) + m.sweeps
}

func testJobConfig() *JobConfig {
	cfg := DefaultJobConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Concurrency = 1
	cfg.MaxRetries = 3
	// Disable cleanup to avoid accessing DB after context cancellation.
	cfg.ClaimTimeout = 0
	cfg.RetentionDays = 0
	return cfg
}

func TestWorkerProcessesAssetJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()
	runner := &mockRunner{out: Outcome{Checked: 1, Tampered: 1, Recovered: 1, Duration: 10 * time.Millisecond}}
	wp := NewWorkerPool(store, runner, testJobConfig(), nil)

	job := newTestJob("doc-1")
	job.AutoRecover = true
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	assert.True(t, wp.ProcessOne(ctx, 0))
	assert.False(t, wp.ProcessOne(ctx, 0), "queue should be empty")

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, result.State)
	assert.Equal(t, 1, result.TamperedFound)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, []string{"doc-1"}, runner.assets)
	assert.Equal(t, []bool{true}, runner.recovered)
}

func TestWorkerSweepJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()
	runner := &mockRunner{out: Outcome{Checked: 10}}
	wp := NewWorkerPool(store, runner, testJobConfig(), nil)

	job, err := store.Enqueue(ctx, &VerificationJob{RequestedBy: "scheduler"})
	require.NoError(t, err)

	require.True(t, wp.ProcessOne(ctx, 0))
	assert.Equal(t, 1, runner.sweeps)
	assert.Empty(t, runner.assets)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, result.AssetsChecked)
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()
	runner := &mockRunner{
		out:  Outcome{Checked: 1},
		errs: []error{fault.New(fault.AnchorFailure, "verify", "ledger unreachable")},
	}
	wp := NewWorkerPool(store, runner, testJobConfig(), nil)

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.True(t, wp.ProcessOne(ctx, 0))
	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, result.State)
	assert.Contains(t, result.LastError, "ledger unreachable")

	require.True(t, wp.ProcessOne(ctx, 0))
	result, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, result.State)
	assert.Equal(t, 2, result.AttemptCount)
}

func TestWorkerDoesNotRetryMissingAsset(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	ctx := context.Background()
	runner := &mockRunner{errs: []error{fault.New(fault.NotFound, "verify", "asset missing not found")}}
	wp := NewWorkerPool(store, runner, testJobConfig(), nil)

	job := newTestJob("missing")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.True(t, wp.ProcessOne(ctx, 0))
	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, result.State)
	assert.Contains(t, result.LastError, "not found")
}

func TestWorkerPoolRun(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	cfg := testJobConfig()
	cfg.MaxRetries = 2
	runner := &mockRunner{errs: []error{errors.New("boom"), errors.New("boom")}}
	wp := NewWorkerPool(store, runner, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := newTestJob("doc-1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, _ := store.Get(ctx, job.ID)
		return j != nil && j.State == JobStateFailed
	}, 5*time.Second, 20*time.Millisecond, "job should be marked failed after max retries")
	assert.Equal(t, 2, runner.calls())

	cancel()
	<-done
}

func TestWorkerPoolDisabled(t *testing.T) {
	cfg := testJobConfig()
	cfg.Enabled = false
	wp := NewWorkerPool(NewJobStore(setupTestDB(t)), &mockRunner{}, cfg, nil)

	done := make(chan struct{})
	go func() {
		wp.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pool should return immediately")
	}
}
