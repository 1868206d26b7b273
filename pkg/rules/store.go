package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

// RuleStore persists import jobs, rules and collection downloads.
type RuleStore struct {
	db *gorm.DB
}

// NewRuleStore creates a new RuleStore.
func NewRuleStore(db *gorm.DB) *RuleStore {
	return &RuleStore{db: db}
}

// AutoMigrate creates or updates the tables owned by this package.
func (s *RuleStore) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

// CreateImportJob records a new import job for owner.
func (s *RuleStore) CreateImportJob(ctx context.Context, owner, source string) (*ImportJob, error) {
	job := ImportJob{Owner: owner, Source: source, CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	return &job, nil
}

// GetImportJob loads an import job by id.
func (s *RuleStore) GetImportJob(ctx context.Context, id uint) (*ImportJob, error) {
	var job ImportJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("import job %d", id)
		}
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return &job, nil
}

// UpsertInput carries one parsed rule and the context it is stored under.
type UpsertInput struct {
	Parsed       yara.ParsedRule
	RuleID       yara.RuleFingerprint
	Owner        string
	ImportJobID  *uint
	CollectionID *uint
	Public       bool
}

// Upsert stores a parsed rule.
//
// With a collection, the rule is created in that collection or, if the same
// fingerprint is already there, its content is overwritten in place. Without
// a collection, every rule of the owner carrying the fingerprint is updated;
// ErrNotFound is returned if there is none.
func (s *RuleStore) Upsert(ctx context.Context, in UpsertInput) (*Rule, error) {
	if in.RuleID == "" {
		return nil, fmt.Errorf("upsert rule: empty rule id: %w", errs.ErrInvalidRequest)
	}
	if in.CollectionID == nil {
		return s.updateByOwner(ctx, in)
	}

	db := s.db.WithContext(ctx)
	rule := Rule{
		RuleID:       string(in.RuleID),
		Name:         in.Parsed.Name,
		Content:      in.Parsed.Content,
		Imports:      StringList(in.Parsed.Imports),
		Owner:        in.Owner,
		ImportJobID:  in.ImportJobID,
		CollectionID: in.CollectionID,
		Public:       in.Public,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rule_id"}, {Name: "collection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "name", "imports", "updated_at"}),
	}).Create(&rule).Error
	if err != nil {
		return nil, fmt.Errorf("upsert rule %s: %w", in.RuleID, err)
	}

	var stored Rule
	if err := db.Where("rule_id = ? AND collection_id = ?", rule.RuleID, *in.CollectionID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload rule %s: %w", in.RuleID, err)
	}
	return &stored, nil
}

func (s *RuleStore) updateByOwner(ctx context.Context, in UpsertInput) (*Rule, error) {
	db := s.db.WithContext(ctx)
	result := db.Model(&Rule{}).
		Where("rule_id = ? AND owner = ?", string(in.RuleID), in.Owner).
		Updates(map[string]any{
			"content":    in.Parsed.Content,
			"name":       in.Parsed.Name,
			"imports":    StringList(in.Parsed.Imports),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("update rule %s: %w", in.RuleID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, errs.NotFoundf("rule %s for owner %s", in.RuleID, in.Owner)
	}
	var stored Rule
	if err := db.Where("rule_id = ? AND owner = ?", string(in.RuleID), in.Owner).Order("id ASC").First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload rule %s: %w", in.RuleID, err)
	}
	return &stored, nil
}

// Selection names the rules a scan runs. Rules are matched by primary key.
type Selection struct {
	RuleIDs       []uint
	CollectionIDs []uint
	Owner         string
}

// Select returns the union of the named rules and the rules of the named
// collections visible to the owner, ordered by id. An empty selection is
// rejected with ErrInvalidRequest.
func (s *RuleStore) Select(ctx context.Context, sel Selection) ([]Rule, error) {
	if len(sel.RuleIDs) == 0 && len(sel.CollectionIDs) == 0 {
		return nil, fmt.Errorf("select rules: no rules or collections named: %w", errs.ErrInvalidRequest)
	}
	db := s.db.WithContext(ctx)
	visible := func(q *gorm.DB) *gorm.DB {
		return q.Where("owner = ? OR public = ?", sel.Owner, true)
	}

	seen := mapset.NewThreadUnsafeSet[uint]()
	var out []Rule
	collect := func(rows []Rule) {
		for _, r := range rows {
			if seen.Add(r.ID) {
				out = append(out, r)
			}
		}
	}

	if len(sel.RuleIDs) > 0 {
		var rows []Rule
		if err := visible(db.Where("id IN ?", sel.RuleIDs)).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("select rules by id: %w", err)
		}
		collect(rows)
	}
	if len(sel.CollectionIDs) > 0 {
		var rows []Rule
		if err := visible(db.Where("collection_id IN ?", sel.CollectionIDs)).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("select rules by collection: %w", err)
		}
		collect(rows)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Lookup finds a rule by fingerprint. An empty owner restricts the lookup to
// public rules; otherwise the owner's rules and public rules are visible.
func (s *RuleStore) Lookup(ctx context.Context, ruleID, owner string) (*Rule, error) {
	q := s.db.WithContext(ctx).Where("rule_id = ?", ruleID)
	if owner == "" {
		q = q.Where("public = ?", true)
	} else {
		q = q.Where("owner = ? OR public = ?", owner, true)
	}
	var r Rule
	if err := q.Order("id ASC").First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("rule %s", ruleID)
		}
		return nil, fmt.Errorf("lookup rule: %w", err)
	}
	return &r, nil
}

// GetCollection loads a collection by id.
func (s *RuleStore) GetCollection(ctx context.Context, id uint) (*Collection, error) {
	var c Collection
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("collection %d", id)
		}
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return &c, nil
}

// ListByCollection returns the rules of a collection ordered by id.
func (s *RuleStore) ListByCollection(ctx context.Context, collectionID uint) ([]Rule, error) {
	var rows []Rule
	if err := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rows, nil
}

// SetCollectionPublic flips the visibility of an owned collection and all of
// its rules, returning the updated collection and rules.
func (s *RuleStore) SetCollectionPublic(ctx context.Context, collectionID uint, owner string, public bool) (*Collection, []Rule, error) {
	var c Collection
	var rows []Rule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner = ?", collectionID, owner).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFoundf("collection %d for owner %s", collectionID, owner)
			}
			return err
		}
		if err := tx.Model(&Collection{}).Where("id = ?", c.ID).Update("public", public).Error; err != nil {
			return err
		}
		if err := tx.Model(&Rule{}).Where("collection_id = ?", c.ID).Update("public", public).Error; err != nil {
			return err
		}
		c.Public = public
		return tx.Where("collection_id = ?", c.ID).Order("id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set collection %d public=%t: %w", collectionID, public, err)
	}
	return &c, rows, nil
}

// DeleteCollection removes an owned collection and its rules.
func (s *RuleStore) DeleteCollection(ctx context.Context, collectionID uint, owner string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND owner = ?", collectionID, owner).Delete(&Collection{})
		if result.Error != nil {
			return fmt.Errorf("delete collection: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return errs.NotFoundf("collection %d for owner %s", collectionID, owner)
		}
		if err := tx.Where("collection_id = ?", collectionID).Delete(&Rule{}).Error; err != nil {
			return fmt.Errorf("delete collection rules: %w", err)
		}
		return nil
	})
}

// CollectionContent renders a collection as a single source file: one
// deduplicated import header followed by every rule body.
func (s *RuleStore) CollectionContent(ctx context.Context, collectionID uint) (string, error) {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return "", err
	}
	rows, err := s.ListByCollection(ctx, collectionID)
	if err != nil {
		return "", err
	}
	return Render(rows), nil
}

// Render concatenates rule bodies under a single sorted import header.
func Render(rows []Rule) string {
	imports := mapset.NewThreadUnsafeSet[string]()
	bodies := make([]string, 0, len(rows))
	for _, r := range rows {
		imports.Append(r.Imports...)
		bodies = append(bodies, strings.TrimSpace(r.Content))
	}

	var b strings.Builder
	header := imports.ToSlice()
	sort.Strings(header)
	for _, m := range header {
		fmt.Fprintf(&b, "import %q\n", m)
	}
	if len(header) > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(bodies, "\n\n"))
	if len(bodies) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

// SaveDownload persists rendered collection content under id, or under a new
// id when empty. Saving the same id again overwrites the content.
func (s *RuleStore) SaveDownload(ctx context.Context, id string, collectionID uint, content string) (*CollectionDownload, error) {
	if id == "" {
		id = uuid.New().String()
	}
	d := CollectionDownload{
		ID:           id,
		CollectionID: collectionID,
		Content:      content,
		CreatedAt:    time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content"}),
	}).Create(&d).Error
	if err != nil {
		return nil, fmt.Errorf("save download: %w", err)
	}
	return &d, nil
}

// GetDownload loads a rendered download by id.
func (s *RuleStore) GetDownload(ctx context.Context, id string) (*CollectionDownload, error) {
	var d CollectionDownload
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("download %s", id)
		}
		return nil, fmt.Errorf("get download: %w", err)
	}
	return &d, nil
}

// FingerprintFilter scopes ListFingerprints to one import job or collection.
// An empty Owner restricts the listing to public rules.
type FingerprintFilter struct {
	ImportJobID  uint
	CollectionID uint
	Owner        string
}

// ListFingerprints returns the rule ids matching f, ordered by primary key.
func (s *RuleStore) ListFingerprints(ctx context.Context, f FingerprintFilter) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&Rule{})
	switch {
	case f.CollectionID != 0:
		q = q.Where("collection_id = ?", f.CollectionID)
	case f.ImportJobID != 0:
		q = q.Where("import_job_id = ?", f.ImportJobID)
	default:
		return nil, fmt.Errorf("list fingerprints: no import job or collection: %w", errs.ErrInvalidRequest)
	}
	if f.Owner == "" {
		q = q.Where("public = ?", true)
	} else {
		q = q.Where("owner = ?", f.Owner)
	}
	var ids []string
	if err := q.Order("id ASC").Pluck("rule_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return ids, nil
}

// PublicRuleIDs returns the subset of ruleIDs still carried by a public rule.
func (s *RuleStore) PublicRuleIDs(ctx context.Context, ruleIDs []string) ([]string, error) {
	if len(ruleIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&Rule{}).
		Where("public = ? AND rule_id IN ?", true, ruleIDs).
		Distinct().Pluck("rule_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list public rule ids: %w", err)
	}
	return ids, nil
}
