package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/search"
)

// OrphanWarning is attached to hits whose rule is gone from the store.
const OrphanWarning = "This rule has been deleted by the original owner, and will be removed from the index soon."

// SearchHit is one search result with its stored content.
type SearchHit struct {
	RuleID      string               `json:"id" yaml:"id"`
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	Collection  *rules.CollectionRef `json:"collection,omitempty" yaml:"collection,omitempty"`
	Content     string               `json:"rule,omitempty" yaml:"rule,omitempty"`
	Warning     string               `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// SearchPage is a page of search results.
type SearchPage struct {
	Term      string      `json:"term" yaml:"term"`
	From      int         `json:"start" yaml:"start"`
	Size      int         `json:"max_results" yaml:"max_results"`
	TookMS    int         `json:"search_time" yaml:"search_time"`
	Available int         `json:"available" yaml:"available"`
	Displayed int         `json:"displayed" yaml:"displayed"`
	Results   []SearchHit `json:"results" yaml:"results"`
}

// Search queries the owner's partition, or the public partition when owner is
// empty. The terms "import_id:<n>" and "collection_id:<n>" list the rules of
// that import job or collection.
func (s *Service) Search(ctx context.Context, owner, term string, from, size int) (*SearchPage, error) {
	if size <= 0 {
		size = 100
	}
	q := search.Query{Term: term, From: from, Size: size}
	available := -1

	if field, value, ok := strings.Cut(strings.TrimSpace(term), ":"); ok && (field == "import_id" || field == "collection_id") {
		id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, errors.Join(errs.ErrInvalidRequest, err)
		}
		filter := rules.FingerprintFilter{Owner: owner}
		if field == "import_id" {
			filter.ImportJobID = uint(id)
		} else {
			filter.CollectionID = uint(id)
		}
		ids, err := s.store.ListFingerprints(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return &SearchPage{Term: term, From: from, Size: size, Results: []SearchHit{}}, nil
		}
		q.RuleIDs = ids
		available = len(ids)
	}

	res, err := s.index.Search(ctx, search.PartitionFor(owner, false), q)
	if err != nil {
		return nil, err
	}
	if available < 0 {
		available = res.Total
	}

	page := &SearchPage{
		Term:      term,
		From:      from,
		Size:      size,
		TookMS:    res.TookMS,
		Available: available,
		Results:   make([]SearchHit, 0, len(res.Hits)),
	}
	collections := map[uint]*rules.CollectionRef{}
	for _, h := range res.Hits {
		hit := SearchHit{
			RuleID:      string(h.Source.RuleID),
			Name:        h.Source.Name,
			Description: h.Source.Description,
		}
		stored, err := s.store.Lookup(ctx, hit.RuleID, owner)
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				return nil, err
			}
			s.logger.Warn("orphaned rule in search index", "ruleID", hit.RuleID, "owner", owner)
			hit.Warning = OrphanWarning
			page.Results = append(page.Results, hit)
			continue
		}
		hit.Content = stored.Content
		if stored.CollectionID != nil {
			hit.Collection = s.collectionRef(ctx, collections, *stored.CollectionID)
		}
		page.Results = append(page.Results, hit)
	}
	page.Displayed = len(page.Results)
	return page, nil
}

func (s *Service) collectionRef(ctx context.Context, seen map[uint]*rules.CollectionRef, id uint) *rules.CollectionRef {
	if ref, ok := seen[id]; ok {
		return ref
	}
	var ref *rules.CollectionRef
	if c, err := s.store.GetCollection(ctx, id); err == nil {
		r := c.Ref()
		ref = &r
	}
	seen[id] = ref
	return ref
}
