package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/search"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

// NewTarget creates an import job for owner and the collection name inside
// it. Clone tasks carry the returned reference so that redelivery writes into
// the same collection.
func (s *Service) NewTarget(ctx context.Context, owner, name, source string) (rules.CollectionRef, error) {
	job, err := s.store.CreateImportJob(ctx, owner, source)
	if err != nil {
		return rules.CollectionRef{}, err
	}
	coll, err := s.resolver.ResolveOrCreate(ctx, job.ID, name, owner)
	if err != nil {
		return rules.CollectionRef{}, err
	}
	return coll.Ref(), nil
}

// CloneCollection copies the rules of the source collection into dst. The
// source must belong to dst's owner or be public.
func (s *Service) CloneCollection(ctx context.Context, sourceID uint, dst rules.CollectionRef) (errs.BatchResult, error) {
	src, err := s.store.GetCollection(ctx, sourceID)
	if err != nil {
		return errs.BatchResult{}, err
	}
	if src.Owner != dst.OwnerID && !src.Public {
		return errs.BatchResult{}, errs.NotFoundf("collection %d", sourceID)
	}
	rows, err := s.store.ListByCollection(ctx, src.ID)
	if err != nil {
		return errs.BatchResult{}, err
	}

	res := errs.BatchResult{}
	var failures []error
	for _, r := range rows {
		p, err := reparse(r)
		if err != nil {
			res.Total++
			res.Failed++
			s.logger.Warn("skipping unparseable rule", "ruleID", r.RuleID, "error", err)
			failures = append(failures, err)
			continue
		}
		sub, err := s.ingestParsed(ctx, []yara.ParsedRule{p}, dst, false)
		res.Add(sub)
		if err != nil {
			failures = append(failures, err)
		}
	}
	s.logger.Info("cloned collection", "from", src.ID, "to", dst.ID, "result", res.String())
	return res, errors.Join(failures...)
}

// CloneRule copies the public rule with ruleID into dst.
func (s *Service) CloneRule(ctx context.Context, ruleID string, dst rules.CollectionRef) (*rules.Rule, error) {
	r, err := s.store.Lookup(ctx, ruleID, "")
	if err != nil {
		return nil, err
	}
	p, err := reparse(*r)
	if err != nil {
		return nil, err
	}
	id := yara.Fingerprint(p)
	stored, err := s.store.Upsert(ctx, rules.UpsertInput{
		Parsed:       p,
		RuleID:       id,
		Owner:        dst.OwnerID,
		ImportJobID:  &dst.ImportJobID,
		CollectionID: &dst.ID,
	})
	if err != nil {
		s.metrics.IngestRule("failed")
		return nil, err
	}
	s.metrics.IngestRule("stored")
	if err := s.index.IndexOne(ctx, search.PartitionFor(dst.OwnerID, false), p.Document(id, s.now())); err != nil {
		s.logger.Warn("failed to index cloned rule", "ruleID", id, "error", err)
	}
	return stored, nil
}

// reparse parses the stored body of r. Stored content has no import lines,
// so the imports recorded on the row are carried over.
func reparse(r rules.Rule) (yara.ParsedRule, error) {
	parsed, err := yara.Parse(r.Content)
	if err != nil {
		return yara.ParsedRule{}, err
	}
	if len(parsed) == 0 {
		return yara.ParsedRule{}, fmt.Errorf("rule %s: no rule in stored content: %w", r.RuleID, errs.ErrParse)
	}
	p := parsed[len(parsed)-1]
	p.Imports = append([]string(nil), r.Imports...)
	return p, nil
}

// PublishCollection sets the visibility of an owned collection and its rules,
// then bulk-indexes the rules into the partition that now serves them. When
// the collection turns private its documents are also removed from the public
// partition. Rules whose stored content no longer parses are counted as
// failed.
func (s *Service) PublishCollection(ctx context.Context, collectionID uint, owner string, public bool) (errs.BatchResult, error) {
	coll, rows, err := s.store.SetCollectionPublic(ctx, collectionID, owner, public)
	if err != nil {
		return errs.BatchResult{}, err
	}

	res := errs.BatchResult{Total: len(rows)}
	var failures []error
	docs := make([]yara.Document, 0, len(rows))
	now := s.now()
	for _, r := range rows {
		p, err := reparse(r)
		if err != nil {
			res.Failed++
			s.logger.Warn("skipping unparseable rule", "ruleID", r.RuleID, "error", err)
			failures = append(failures, err)
			continue
		}
		docs = append(docs, p.Document(yara.RuleFingerprint(r.RuleID), now))
	}

	partition := search.PartitionFor(owner, public)
	ok, err := s.index.IndexBulk(ctx, partition, docs, s.chunkSize)
	if !ok {
		res.Failed += len(docs)
		failures = append(failures, err)
	} else {
		res.Succeeded += len(docs)
	}
	if !public {
		if err := s.unpublish(ctx, rows); err != nil {
			s.logger.Warn("failed to remove unpublished rules from the public partition",
				"collectionID", coll.ID, "error", err)
			failures = append(failures, err)
		}
	}
	s.logger.Info("published collection", "collectionID", coll.ID, "public", public,
		"partition", partition, "result", res.String())
	return res, errors.Join(failures...)
}

// unpublish deletes the public documents of rows, keeping those another
// public rule with the same fingerprint still serves.
func (s *Service) unpublish(ctx context.Context, rows []rules.Rule) error {
	candidates := mapset.NewThreadUnsafeSet[string]()
	for _, r := range rows {
		candidates.Add(r.RuleID)
	}
	shared, err := s.store.PublicRuleIDs(ctx, candidates.ToSlice())
	if err != nil {
		return err
	}
	candidates.RemoveAll(shared...)
	if candidates.Cardinality() == 0 {
		return nil
	}
	ids := candidates.ToSlice()
	sort.Strings(ids)
	_, err = s.index.DeleteBulk(ctx, search.PublicPartition, ids, s.chunkSize)
	return err
}

// DownloadCollection renders a collection and stores it under downloadID.
func (s *Service) DownloadCollection(ctx context.Context, collectionID uint, downloadID string) (*rules.CollectionDownload, error) {
	content, err := s.store.CollectionContent(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return s.store.SaveDownload(ctx, downloadID, collectionID, content)
}
