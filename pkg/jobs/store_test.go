package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A named shared-memory database per test keeps background goroutines
	// from other tests out of this one.
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

func newTestJob(t *testing.T, kind Kind, owner, key string) *Job {
	t.Helper()
	job, err := NewJob(kind, owner, ScanPayload{ScanID: 1}, key)
	require.NoError(t, err)
	return job
}

func TestEnqueueCreatesJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	created, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, created.ID)
	assert.Equal(t, JobStateQueued, created.State)
	assert.Equal(t, "alice", created.Owner)
}

func TestEnqueueWithoutKeyAllowsMany(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, newTestJob(t, KindImportDirectory, "alice", ""))
		require.NoError(t, err)
	}
	_, _, total, err := store.List(ctx, JobListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestEnqueueIdempotencyReturnsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	created1, err := store.Enqueue(ctx, newTestJob(t, KindScan, "alice", "scan:1"))
	require.NoError(t, err)

	created2, err := store.Enqueue(ctx, newTestJob(t, KindScan, "alice", "scan:1"))
	require.NoError(t, err)

	assert.Equal(t, created1.ID, created2.ID)
}

func TestEnqueueIdempotencyAllowsAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job1 := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job1)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job1.ID, Outcome{Succeeded: 5}, 100))

	created2, err := store.Enqueue(ctx, newTestJob(t, KindScan, "alice", "scan:1"))
	require.NoError(t, err)
	assert.NotEqual(t, job1.ID, created2.ID)

	old, err := store.Get(ctx, job1.ID)
	require.NoError(t, err)
	assert.Nil(t, old.IdempotencyKey)
}

func TestClaimReturnsQueuedJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
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
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	newer := newTestJob(t, KindScan, "alice", "")
	older := newTestJob(t, KindScan, "alice", "")
	older.RequestedAt = newer.RequestedAt.Add(-time.Minute)
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
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	job.AttemptCount = 4
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteUpdatesJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindImportDirectory, "alice", "")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, job.ID, Outcome{Succeeded: 10, Failed: 2}, 5000))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateSucceeded, result.State)
	assert.Equal(t, 10, result.ItemsSucceeded)
	assert.Equal(t, 2, result.ItemsFailed)
	assert.Equal(t, "10 succeeded, 2 failed", result.Message)
	assert.Equal(t, int64(5000), result.DurationMs)
	assert.NotNil(t, result.FinishedAt)
}

func TestFailRequeuesWhenRetriesLeft(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.ID, "transient error", 3, true))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, result.State, "should re-queue for retry")
	assert.Equal(t, "transient error", result.LastError)
	assert.Nil(t, result.StartedAt)
}

func TestFailMarksFailedAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	job.AttemptCount = 3
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.ID, "fatal error", 3, true))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, result.State)
	assert.Contains(t, result.Message, "Max retries exceeded")
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, job.ID, "binary 9: not found", 3, false))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, result.State)
	assert.Equal(t, "binary 9: not found", result.Message)
	assert.NotNil(t, result.FinishedAt)
}

func TestCancelQueuedJobSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, job.ID))

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCanceled, result.State)
}

func TestCancelRunningJobFails(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	job := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	err = store.Cancel(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.Contains(t, err.Error(), "running")
}

func TestCancelNonExistentJobFails(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	err := store.Cancel(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestGetReturnsNilForMissing(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	job, err := store.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestListWithFilters(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	for i, kind := range []Kind{KindScan, KindScan, KindPublishCollection} {
		j := newTestJob(t, kind, "alice", "")
		j.RequestedAt = time.Now().Add(time.Duration(i) * time.Second)
		_, err := store.Enqueue(ctx, j)
		require.NoError(t, err)
	}
	_, err := store.Enqueue(ctx, newTestJob(t, KindScan, "bob", ""))
	require.NoError(t, err)

	results, _, total, err := store.List(ctx, JobListFilter{Kind: string(KindScan)}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, results, 3)

	results, _, total, err = store.List(ctx, JobListFilter{Owner: "alice"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, results, 3)

	_, _, total, err = store.List(ctx, JobListFilter{Owner: "bob", Kind: string(KindPublishCollection)}, 10, "")
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(setupTestDB(t))

	for i := 0; i < 5; i++ {
		j := newTestJob(t, KindScan, "alice", "")
		j.RequestedAt = time.Now().Add(time.Duration(i) * time.Minute)
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

	_, _, _, err = store.List(ctx, JobListFilter{}, 2, "yesterday")
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestCleanupStuckJobs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewJobStore(db)

	job := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)

	oldTime := time.Now().Add(-20 * time.Minute)
	require.NoError(t, db.Model(&Job{}).Where("id = ?", job.ID).Update("started_at", oldTime).Error)

	recovered, err := store.CleanupStuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, result.State)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewJobStore(db)

	job := newTestJob(t, KindScan, "alice", "scan:1")
	_, err := store.Enqueue(ctx, job)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job.ID, Outcome{Succeeded: 1}, 100))

	oldTime := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, db.Model(&Job{}).Where("id = ?", job.ID).Update("finished_at", oldTime).Error)

	deleted, err := store.DeleteOlderThan(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	result, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, result)
}
