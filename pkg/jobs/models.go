package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a background job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Kind names the task a job runs. Each kind has one payload type.
type Kind string

const (
	KindScan               Kind = "scan"
	KindImportDirectory    Kind = "import_directory"
	KindCloneCollection    Kind = "clone_collection"
	KindCloneRule          Kind = "clone_rule"
	KindPublishCollection  Kind = "publish_collection"
	KindDownloadCollection Kind = "download_collection"
	KindGitImport          Kind = "git_import"
)

// Job is the GORM model for a queued task.
type Job struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind           Kind       `gorm:"column:kind;index:idx_job_kind_state,priority:1;not null"`
	Owner          string     `gorm:"column:owner;index:idx_job_owner"`
	Payload        string     `gorm:"column:payload;type:text"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_job_kind_state,priority:2;index:idx_job_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;uniqueIndex:idx_job_idemp_key"`
	ItemsSucceeded int        `gorm:"column:items_succeeded"`
	ItemsFailed    int        `gorm:"column:items_failed"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (Job) TableName() string { return "jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// NewJob builds a queued job of the given kind with payload encoded as JSON.
// The idempotency key is optional.
func NewJob(kind Kind, owner string, payload any, idempotencyKey string) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Owner:       owner,
		Payload:     string(data),
		RequestedAt: time.Now(),
		State:       JobStateQueued,
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}
	return job, nil
}

// Key returns the idempotency key, or "" when the job has none.
func (j *Job) Key() string {
	if j.IdempotencyKey == nil {
		return ""
	}
	return *j.IdempotencyKey
}

// Outcome is what a handler reports for a finished job.
type Outcome struct {
	Message   string
	Succeeded int
	Failed    int
}
