// Package ingest runs the parse, fingerprint, resolve, upsert and index chain
// for uploaded rule files, and the batch operations built on it: directory
// import, clone, publish and download.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/metrics"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/search"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

// Index is the search backend as seen by ingestion.
type Index interface {
	IndexOne(ctx context.Context, partition string, doc yara.Document) error
	IndexBulk(ctx context.Context, index string, docs []yara.Document, chunkSize int) (bool, error)
	DeleteBulk(ctx context.Context, index string, ruleIDs []string, chunkSize int) (bool, error)
	Search(ctx context.Context, partition string, q search.Query) (*search.Result, error)
}

// Options configures a Service.
type Options struct {
	ChunkSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service ingests rules into the rule store and the search index.
type Service struct {
	store     *rules.RuleStore
	resolver  *rules.CollectionResolver
	index     Index
	chunkSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(store *rules.RuleStore, resolver *rules.CollectionResolver, index Index, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = search.DefaultChunkSize
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		index:     index,
		chunkSize: opts.ChunkSize,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// IngestFile ingests one staged rule file. The import job and collection come
// from the path (see ParseUploadPath). Files that are not text yield an empty
// result. Rules that fail to store are counted and the batch continues; index
// failures are logged and joined into the returned error.
func (s *Service) IngestFile(ctx context.Context, path string) (errs.BatchResult, error) {
	ref, err := ParseUploadPath(path)
	if err != nil {
		s.metrics.IngestFile("skipped")
		return errs.BatchResult{}, err
	}
	job, err := s.store.GetImportJob(ctx, ref.ImportJobID)
	if err != nil {
		s.metrics.IngestFile("skipped")
		return errs.BatchResult{}, err
	}

	parsed, err := yara.ParseFile(path)
	if err != nil {
		s.metrics.IngestFile("failed")
		return errs.BatchResult{}, err
	}
	if len(parsed) == 0 {
		s.metrics.IngestFile("skipped")
		s.logger.Debug("no rules in file", "path", path)
		return errs.BatchResult{}, nil
	}

	coll, err := s.resolver.ResolveOrCreate(ctx, job.ID, ref.Collection, job.Owner)
	if err != nil {
		s.metrics.IngestFile("failed")
		return errs.BatchResult{Total: len(parsed), Failed: len(parsed)}, err
	}

	res, err := s.ingestParsed(ctx, parsed, coll.Ref(), coll.Public)
	if res.Failed > 0 {
		s.metrics.IngestFile("failed")
	} else {
		s.metrics.IngestFile("ingested")
	}
	s.logger.Info("ingested rule file", "path", path, "importJobID", job.ID,
		"collection", coll.Name, "result", res.String())
	return res, err
}

func (s *Service) ingestParsed(ctx context.Context, parsed []yara.ParsedRule, dst rules.CollectionRef, public bool) (errs.BatchResult, error) {
	res := errs.BatchResult{Total: len(parsed)}
	var failures []error
	for _, p := range parsed {
		id := yara.Fingerprint(p)
		_, err := s.store.Upsert(ctx, rules.UpsertInput{
			Parsed:       p,
			RuleID:       id,
			Owner:        dst.OwnerID,
			ImportJobID:  &dst.ImportJobID,
			CollectionID: &dst.ID,
			Public:       public,
		})
		if err != nil {
			res.Failed++
			s.metrics.IngestRule("failed")
			s.logger.Warn("failed to store rule", "name", p.Name, "collection", dst.Name, "error", err)
			failures = append(failures, fmt.Errorf("rule %s: %w", p.Name, err))
			continue
		}
		res.Succeeded++
		s.metrics.IngestRule("stored")

		if err := s.index.IndexOne(ctx, search.PartitionFor(dst.OwnerID, public), p.Document(id, s.now())); err != nil {
			s.logger.Warn("failed to index rule", "name", p.Name, "ruleID", id, "error", err)
			failures = append(failures, err)
		}
	}
	return res, errors.Join(failures...)
}

// ImportDirectory ingests every staged rule file under root. Files without an
// import id prefix are skipped; a file that fails does not stop the walk.
func (s *Service) ImportDirectory(ctx context.Context, root string) (errs.BatchResult, error) {
	var total errs.BatchResult
	var failures []error
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !IsRuleFile(path) {
			return nil
		}
		if _, err := ParseUploadPath(path); err != nil {
			total.Total++
			total.Skipped++
			s.logger.Debug("skipping unstaged rule file", "path", path)
			return nil
		}
		res, err := s.IngestFile(ctx, path)
		switch {
		case errors.Is(err, errs.ErrParse) || errors.Is(err, errs.ErrNotFound):
			total.Total++
			total.Failed++
			s.logger.Warn("skipping rule file", "path", path, "kind", errs.Kind(err), "error", err)
			failures = append(failures, err)
			return nil
		case err != nil:
			failures = append(failures, fmt.Errorf("%s: %w", path, err))
		}
		total.Add(res)
		return nil
	})
	if walkErr != nil {
		return total, fmt.Errorf("import directory %s: %w", root, walkErr)
	}
	s.logger.Info("imported directory", "root", root, "result", total.String())
	return total, errors.Join(failures...)
}

// NewImportJob records a new import job for owner.
func (s *Service) NewImportJob(ctx context.Context, owner, source string) (*rules.ImportJob, error) {
	return s.store.CreateImportJob(ctx, owner, source)
}

// EditRule replaces the content of the owner's rule with ruleID by text,
// keeping the rule id. The last rule parsed from text is used.
func (s *Service) EditRule(ctx context.Context, owner, ruleID, text string) (*rules.Rule, error) {
	parsed, err := yara.Parse(text)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("edit rule %s: no rule in submitted text: %w", ruleID, errs.ErrParse)
	}
	p := parsed[len(parsed)-1]
	stored, err := s.store.Upsert(ctx, rules.UpsertInput{
		Parsed: p,
		RuleID: yara.RuleFingerprint(ruleID),
		Owner:  owner,
	})
	if err != nil {
		return nil, err
	}
	if err := s.index.IndexOne(ctx, search.PartitionFor(owner, stored.Public), p.Document(yara.RuleFingerprint(ruleID), s.now())); err != nil {
		return stored, err
	}
	return stored, nil
}
