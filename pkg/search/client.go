// Package search writes rule documents to, and queries, an Elasticsearch
// compatible full-text backend. Public rules live in one shared partition;
// private rules live in a partition per owner.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/metrics"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

const (
	// PublicPartition holds every published rule.
	PublicPartition = "yara-rules"
	// DefaultChunkSize bounds the number of documents per bulk request.
	DefaultChunkSize = 600
)

// PartitionFor returns the index partition a rule is written to.
func PartitionFor(owner string, public bool) string {
	if public || owner == "" {
		return PublicPartition
	}
	return owner + "-" + PublicPartition
}

// Config holds the backend location and credentials.
type Config struct {
	URI       string
	User      string
	Password  string
	ChunkSize int
	Timeout   time.Duration
}

// Client talks to the search backend over HTTP with basic auth.
type Client struct {
	baseURL   string
	user      string
	password  string
	chunkSize int
	http      *http.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a Client. A nil logger uses slog.Default().
func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.URI, "/"),
		user:      cfg.User,
		password:  cfg.Password,
		chunkSize: cfg.ChunkSize,
		http:      &http.Client{Timeout: cfg.Timeout},
		metrics:   m,
		logger:    logger,
	}
}

// ChunkSize returns the configured bulk chunk size.
func (c *Client) ChunkSize() int { return c.chunkSize }

// IndexOne writes a single document under its rule id.
func (c *Client) IndexOne(ctx context.Context, partition string, doc yara.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	path := "/" + url.PathEscape(partition) + "/_doc/" + url.PathEscape(string(doc.RuleID))
	err = c.do(ctx, http.MethodPut, path, "application/json", body, nil)
	c.metrics.IndexRequest("doc", err == nil)
	if err != nil {
		return fmt.Errorf("index rule %s: %w", doc.RuleID, err)
	}
	return nil
}

// IndexBulk writes docs to index in chunks of chunkSize (the client default
// when zero). Every chunk is attempted. It returns true only if every chunk
// was acknowledged; otherwise the error joins each chunk failure.
func (c *Client) IndexBulk(ctx context.Context, index string, docs []yara.Document, chunkSize int) (bool, error) {
	return c.bulk(ctx, "bulk", index, len(docs), chunkSize, func(enc *json.Encoder, i int) error {
		target := &bulkTarget{Index: index, ID: string(docs[i].RuleID)}
		if err := enc.Encode(bulkAction{Index: target}); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(docs[i]); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
		return nil
	})
}

// DeleteBulk removes the documents with the given rule ids from index, in
// chunks like IndexBulk. Ids that are not indexed are not an error.
func (c *Client) DeleteBulk(ctx context.Context, index string, ruleIDs []string, chunkSize int) (bool, error) {
	return c.bulk(ctx, "delete", index, len(ruleIDs), chunkSize, func(enc *json.Encoder, i int) error {
		if err := enc.Encode(bulkAction{Delete: &bulkTarget{Index: index, ID: ruleIDs[i]}}); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		return nil
	})
}

func (c *Client) bulk(ctx context.Context, op, index string, n, chunkSize int, encode func(*json.Encoder, int) error) (bool, error) {
	if chunkSize <= 0 {
		chunkSize = c.chunkSize
	}
	var failures []error
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		if err := c.bulkChunk(ctx, op, index, start, end, encode); err != nil {
			c.logger.Warn("bulk chunk failed", "op", op, "index", index, "from", start, "to", end, "error", err)
			failures = append(failures, fmt.Errorf("chunk %d-%d: %w", start, end, err))
			continue
		}
		c.logger.Debug("bulk chunk acknowledged", "op", op, "index", index, "from", start, "to", end)
	}
	if len(failures) > 0 {
		return false, fmt.Errorf("bulk %s %s: %d of %d chunks failed: %w",
			op, index, len(failures), chunkCount(n, chunkSize), errors.Join(failures...))
	}
	return true, nil
}

func chunkCount(n, size int) int {
	return (n + size - 1) / size
}

type bulkAction struct {
	Index  *bulkTarget `json:"index,omitempty"`
	Delete *bulkTarget `json:"delete,omitempty"`
}

type bulkTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

func (c *Client) bulkChunk(ctx context.Context, op, index string, start, end int, encode func(*json.Encoder, int) error) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := start; i < end; i++ {
		if err := encode(enc, i); err != nil {
			return err
		}
	}

	var resp struct {
		Errors bool `json:"errors"`
	}
	err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_bulk", "application/x-ndjson", buf.Bytes(), &resp)
	if err == nil && resp.Errors {
		err = fmt.Errorf("backend reported item errors: %w", errs.ErrIndex)
	}
	c.metrics.IndexRequest(op, err == nil)
	return err
}

// Query is a paginated search. When RuleIDs is set the term is ignored and
// the query matches any of the listed rule ids.
type Query struct {
	Term    string
	RuleIDs []string
	From    int
	Size    int
}

// Hit is one document returned by the backend.
type Hit struct {
	ID     string        `json:"_id"`
	Source yara.Document `json:"_source"`
}

// Result is a page of search hits.
type Result struct {
	Total  int   `json:"total"`
	TookMS int   `json:"took"`
	Hits   []Hit `json:"hits"`
}

type queryString struct {
	QueryString struct {
		Query string `json:"query"`
	} `json:"query_string"`
}

func newQueryString(q string) queryString {
	var qs queryString
	qs.QueryString.Query = q
	return qs
}

// Search runs q against partition, newest documents first.
func (c *Client) Search(ctx context.Context, partition string, q Query) (*Result, error) {
	if q.Size <= 0 {
		q.Size = 100
	}
	boolQuery := map[string]any{}
	from := q.From
	if len(q.RuleIDs) > 0 {
		ids := q.RuleIDs
		if from < len(ids) {
			ids = ids[from:min(from+q.Size, len(ids))]
		} else {
			ids = nil
		}
		should := make([]queryString, 0, len(ids))
		for _, id := range ids {
			should = append(should, newQueryString(id))
		}
		boolQuery["should"] = should
		from = 0
	} else {
		boolQuery["must"] = []queryString{newQueryString(q.Term)}
	}
	payload, err := json.Marshal(map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []string{"-@timestamp"},
		"from":  from,
		"size":  q.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	var resp struct {
		Took int `json:"took"`
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	}
	err = c.do(ctx, http.MethodPost, "/"+url.PathEscape(partition)+"/_search", "application/json", payload, &resp)
	c.metrics.IndexRequest("search", err == nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", partition, err)
	}
	return &Result{Total: resp.Hits.Total.Value, TookMS: resp.Took, Hits: resp.Hits.Hits}, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", errors.Join(errs.ErrIndex, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(bodyBytes)), errs.ErrIndex)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", errors.Join(errs.ErrIndex, err))
	}
	return nil
}
