package search

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

type fakeBackend struct {
	mu        sync.Mutex
	requests  []string
	bulkLines []int
	bulkHeads []string
	failBulk  map[int]bool
	lastBody  map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failBulk: map[int]bool{}}
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	switch {
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		lines := 0
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1024*1024), 1024*1024)
		for sc.Scan() {
			if lines == 0 {
				f.bulkHeads = append(f.bulkHeads, sc.Text())
			}
			lines++
		}
		f.bulkLines = append(f.bulkLines, lines)
		if f.failBulk[len(f.bulkLines)] {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
			return
		}
		_, _ = w.Write([]byte(`{"errors":false}`))
	case strings.HasSuffix(r.URL.Path, "/_search"):
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
		_, _ = w.Write([]byte(`{"took":3,"hits":{"total":{"value":1},"hits":[{"_id":"abc","_source":{"rule_id":"abc","name":"A"}}]}}`))
	default:
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
		w.WriteHeader(http.StatusCreated)
	}
}

func newTestClient(t *testing.T, backend http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return NewClient(Config{URI: srv.URL + "/", User: "admin", Password: "secret"}, nil, nil)
}

func docs(n int) []yara.Document {
	out := make([]yara.Document, n)
	for i := range out {
		out[i] = yara.Document{RuleID: yara.RuleFingerprint(fmt.Sprintf("%032d", i)), Name: "r", Timestamp: time.Unix(0, 0)}
	}
	return out
}

func TestPartitionFor(t *testing.T) {
	assert.Equal(t, "yara-rules", PartitionFor("alice", true))
	assert.Equal(t, "yara-rules", PartitionFor("", false))
	assert.Equal(t, "alice-yara-rules", PartitionFor("alice", false))
}

func TestIndexBulkChunkBoundaries(t *testing.T) {
	tests := []struct {
		docs     int
		requests int
		lastLen  int
	}{
		{docs: 1200, requests: 2, lastLen: 1200},
		{docs: 601, requests: 2, lastLen: 2},
		{docs: 600, requests: 1, lastLen: 1200},
		{docs: 0, requests: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d docs", tt.docs), func(t *testing.T) {
			backend := newFakeBackend()
			c := newTestClient(t, backend)

			ok, err := c.IndexBulk(context.Background(), PublicPartition, docs(tt.docs), 600)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Len(t, backend.requests, tt.requests)
			if tt.requests > 0 {
				assert.Equal(t, "POST /yara-rules/_bulk", backend.requests[0])
				assert.Equal(t, tt.lastLen, backend.bulkLines[len(backend.bulkLines)-1])
			}
		})
	}
}

func TestIndexBulkContinuesAfterFailedChunk(t *testing.T) {
	backend := newFakeBackend()
	backend.failBulk[1] = true
	c := newTestClient(t, backend)

	ok, err := c.IndexBulk(context.Background(), "alice-yara-rules", docs(25), 10)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIndex))
	assert.Contains(t, err.Error(), "1 of 3 chunks failed")
	assert.Len(t, backend.requests, 3)
}

func TestDeleteBulk(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	ids := []string{"aaa", "bbb", "ccc"}
	ok, err := c.DeleteBulk(context.Background(), PublicPartition, ids, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{2, 1}, backend.bulkLines)
	assert.Equal(t, `{"delete":{"_index":"yara-rules","_id":"aaa"}}`, backend.bulkHeads[0])

	backend.failBulk[3] = true
	ok, err = c.DeleteBulk(context.Background(), PublicPartition, ids[:1], 0)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errs.ErrIndex))
}

func TestIndexOne(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	doc := docs(1)[0]
	require.NoError(t, c.IndexOne(context.Background(), "alice-yara-rules", doc))
	assert.Equal(t, []string{"PUT /alice-yara-rules/_doc/" + string(doc.RuleID)}, backend.requests)
	assert.Equal(t, string(doc.RuleID), backend.lastBody["rule_id"])
}

func TestIndexOneRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(newFakeBackend())
	t.Cleanup(srv.Close)
	c := NewClient(Config{URI: srv.URL, User: "admin", Password: "wrong"}, nil, nil)

	err := c.IndexOne(context.Background(), PublicPartition, docs(1)[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIndex))
}

func TestSearch(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	res, err := c.Search(context.Background(), PublicPartition, Query{Term: "name:A", From: 5, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 3, res.TookMS)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, yara.RuleFingerprint("abc"), res.Hits[0].Source.RuleID)

	assert.Equal(t, float64(5), backend.lastBody["from"])
	assert.Equal(t, []any{"-@timestamp"}, backend.lastBody["sort"])
	must := backend.lastBody["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	assert.Equal(t, "name:A", must[0].(map[string]any)["query_string"].(map[string]any)["query"])
}

func TestSearchByRuleIDsPagesLocally(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)

	_, err := c.Search(context.Background(), PublicPartition, Query{RuleIDs: []string{"a", "b", "c"}, From: 1, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, float64(0), backend.lastBody["from"])
	should := backend.lastBody["query"].(map[string]any)["bool"].(map[string]any)["should"].([]any)
	require.Len(t, should, 1)
	assert.Equal(t, "b", should[0].(map[string]any)["query_string"].(map[string]any)["query"])
}
