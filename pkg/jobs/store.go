package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// JobStore provides database operations for background jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	Kind  string
	Owner string
	State string
}

var activeStates = []JobState{JobStateQueued, JobStateRunning}

// Enqueue creates a new queued job. If the job carries an idempotency key and
// a queued or running job with the same key exists, that job is returned
// instead. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}

	db := s.db.WithContext(ctx)
	key := job.Key()
	if key == "" {
		job.IdempotencyKey = nil
		if err := db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	var result *Job
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing Job
		err := tx.Where("idempotency_key = ? AND state IN ?", key, activeStates).
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Release the key held by finished jobs so the unique index admits the new one.
		if err := tx.Model(&Job{}).
			Where("idempotency_key = ? AND state NOT IN ?", key, activeStates).
			Update("idempotency_key", nil).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		// Another enqueue may have won the key between check and create.
		var raced Job
		if lookupErr := db.Where("idempotency_key = ? AND state IN ?", key, activeStates).
			First(&raced).Error; lookupErr == nil {
			return &raced, nil
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to running.
// Uses FOR UPDATE SKIP LOCKED where supported. Returns nil if no jobs are
// available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*Job, error) {
	var job Job
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Raw(`
			SELECT * FROM jobs
			WHERE state = ? AND attempt_count <= ?
			ORDER BY requested_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, JobStateQueued, maxRetries).Scan(&job)

		if result.Error != nil {
			// SQLite has no row locks; the conditional update below arbitrates.
			result = tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
				Order("requested_at ASC").
				First(&job)
			if result.Error != nil {
				if errors.Is(result.Error, gorm.ErrRecordNotFound) {
					return nil
				}
				return result.Error
			}
		}
		if job.ID == "" {
			return nil
		}

		now := time.Now()
		upd := tx.Model(&Job{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"finished_at":   nil,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if upd.Error != nil {
			return upd.Error
		}
		claimed = upd.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks a job as succeeded and records its outcome.
func (s *JobStore) Complete(ctx context.Context, jobID string, out Outcome, durationMs int64) error {
	now := time.Now()
	msg := out.Message
	if msg == "" {
		msg = fmt.Sprintf("%d succeeded, %d failed", out.Succeeded, out.Failed)
	}
	result := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":           JobStateSucceeded,
		"finished_at":     now,
		"items_succeeded": out.Succeeded,
		"items_failed":    out.Failed,
		"duration_ms":     durationMs,
		"message":         msg,
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. A retryable failure within maxRetries puts
// the job back in the queue; anything else fails it for good.
func (s *JobStore) Fail(ctx context.Context, jobID string, errMsg string, maxRetries int, retryable bool) error {
	now := time.Now()
	db := s.db.WithContext(ctx)

	var job Job
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": now,
	}
	switch {
	case retryable && job.AttemptCount < maxRetries:
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	case retryable:
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	default:
		updates["state"] = JobStateFailed
		updates["message"] = errMsg
	}

	if err := db.Model(&Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Cancel marks a queued job as canceled. Running jobs run to completion.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	now := time.Now()
	db := s.db.WithContext(ctx)
	result := db.Model(&Job{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": now,
			"message":     "Canceled by user",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var job Job
		if err := db.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFoundf("job %s", jobID)
			}
			return fmt.Errorf("check job: %w", err)
		}
		return fmt.Errorf("job %s is %s, only queued jobs can be canceled: %w", jobID, job.State, errs.ErrConflict)
	}
	return nil
}

// Get retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]Job, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Job{})
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.Owner != "" {
			q = q.Where("owner = ?", filter.Owner)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", errs.ErrInvalidRequest)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []Job
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs puts running jobs whose started_at is older than
// claimTimeout back in the queue.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs that finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?",
			[]JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}, cutoff).
		Delete(&Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
