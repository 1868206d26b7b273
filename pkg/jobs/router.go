package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the job status API. Mount it at
// /api/jobs/v1.
func Router(store *JobStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/jobs", ListJobsHandler(store))
	r.Get("/jobs/{jobId}", GetJobHandler(store))
	r.Post("/jobs/{jobId}:cancel", CancelJobHandler(store))
	return r
}
