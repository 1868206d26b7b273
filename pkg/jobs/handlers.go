package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// GetJobHandler handles GET /api/jobs/v1/jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, NewJobView(job))
	}
}

// ListJobsHandler handles GET /api/jobs/v1/jobs
// Query params: kind, owner, state, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := JobListFilter{
			Kind:  q.Get("kind"),
			Owner: q.Get("owner"),
			State: q.Get("state"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, statusFor(err), fmt.Sprintf("failed to list jobs: %v", err))
			return
		}

		jobs := make([]JobView, len(records))
		for i := range records {
			jobs[i] = NewJobView(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          jobs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelJobHandler handles POST /api/jobs/v1/jobs/{jobId}:cancel
func CancelJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		if err := store.Cancel(r.Context(), jobID); err != nil {
			writeError(w, statusFor(err), fmt.Sprintf("failed to cancel job: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"jobId":  jobID,
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// JobView is the API and CLI rendering of a job.
type JobView struct {
	ID             string          `json:"id" yaml:"id"`
	Kind           string          `json:"kind" yaml:"kind"`
	Owner          string          `json:"owner,omitempty" yaml:"owner,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty" yaml:"-"`
	RequestedAt    string          `json:"requestedAt" yaml:"requestedAt"`
	State          string          `json:"state" yaml:"state"`
	Message        string          `json:"message,omitempty" yaml:"message,omitempty"`
	StartedAt      string          `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt     string          `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	AttemptCount   int             `json:"attemptCount" yaml:"attemptCount"`
	LastError      string          `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ItemsSucceeded int             `json:"itemsSucceeded,omitempty" yaml:"itemsSucceeded,omitempty"`
	ItemsFailed    int             `json:"itemsFailed,omitempty" yaml:"itemsFailed,omitempty"`
	DurationMs     int64           `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
}

// NewJobView renders job for output.
func NewJobView(job *Job) JobView {
	resp := JobView{
		ID:             job.ID,
		Kind:           string(job.Kind),
		Owner:          job.Owner,
		RequestedAt:    job.RequestedAt.Format(time.RFC3339),
		State:          string(job.State),
		Message:        job.Message,
		AttemptCount:   job.AttemptCount,
		LastError:      job.LastError,
		ItemsSucceeded: job.ItemsSucceeded,
		ItemsFailed:    job.ItemsFailed,
		DurationMs:     job.DurationMs,
	}
	if json.Valid([]byte(job.Payload)) {
		resp.Payload = json.RawMessage(job.Payload)
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
