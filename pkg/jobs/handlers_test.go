package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(store *JobStore) *chi.Mux {
	r := chi.NewRouter()
	r.Mount("/api/jobs/v1", Router(store))
	return r
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetJobHandler_Found(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job, err := Submit(context.Background(), store, KindPublishCollection, "alice", PublishPayload{CollectionID: 3, Public: true}, "")
	require.NoError(t, err)

	w := serve(setupRouter(store), http.MethodGet, "/api/jobs/v1/jobs/"+job.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp JobView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, job.ID, resp.ID)
	assert.Equal(t, "queued", resp.State)
	assert.Equal(t, "publish_collection", resp.Kind)
	assert.Equal(t, "alice", resp.Owner)
	assert.JSONEq(t, `{"collection_id":3,"public":true}`, string(resp.Payload))
}

func TestGetJobHandler_NotFound(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	w := serve(setupRouter(store), http.MethodGet, "/api/jobs/v1/jobs/nonexistent")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsHandler_Pagination(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	for i := 0; i < 3; i++ {
		job := newTestJob(t, KindScan, "alice", "")
		job.RequestedAt = time.Now().Add(time.Duration(i) * time.Minute)
		_, err := store.Enqueue(context.Background(), job)
		require.NoError(t, err)
	}

	w := serve(setupRouter(store), http.MethodGet, "/api/jobs/v1/jobs?pageSize=2")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	jobs := resp["jobs"].([]any)
	assert.Len(t, jobs, 2)
	assert.NotEmpty(t, resp["nextPageToken"])
	assert.Equal(t, float64(3), resp["totalSize"])
}

func TestListJobsHandler_Filters(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	for _, kind := range []Kind{KindScan, KindGitImport} {
		_, err := store.Enqueue(context.Background(), newTestJob(t, kind, "alice", ""))
		require.NoError(t, err)
	}
	_, err := store.Enqueue(context.Background(), newTestJob(t, KindScan, "bob", ""))
	require.NoError(t, err)

	r := setupRouter(store)
	w := serve(r, http.MethodGet, "/api/jobs/v1/jobs?kind=scan&owner=alice")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp["jobs"].([]any), 1)
	assert.Equal(t, float64(1), resp["totalSize"])

	w = serve(r, http.MethodGet, "/api/jobs/v1/jobs?pageToken=garbage")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJobHandler_QueuedJob(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job := newTestJob(t, KindScan, "alice", "")
	_, err := store.Enqueue(context.Background(), job)
	require.NoError(t, err)

	w := serve(setupRouter(store), http.MethodPost, "/api/jobs/v1/jobs/"+job.ID+":cancel")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "canceled", resp["status"])
	assert.Equal(t, job.ID, resp["jobId"])
}

func TestCancelJobHandler_RunningJobConflicts(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	job := newTestJob(t, KindScan, "alice", "")
	_, err := store.Enqueue(context.Background(), job)
	require.NoError(t, err)
	_, err = store.Claim(context.Background(), 3)
	require.NoError(t, err)

	w := serve(setupRouter(store), http.MethodPost, "/api/jobs/v1/jobs/"+job.ID+":cancel")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelJobHandler_Missing(t *testing.T) {
	store := NewJobStore(setupTestDB(t))

	w := serve(setupRouter(store), http.MethodPost, "/api/jobs/v1/jobs/nope:cancel")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
