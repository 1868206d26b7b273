package scans

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// Store provides database operations for binaries, scans and match records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables owned by this package.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

// RegisterBinary hashes the file at path and records it for owner.
// Registering the same content twice for one owner returns the first record.
func (s *Store) RegisterBinary(ctx context.Context, path, name, owner string) (*Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFoundf("binary %s", path)
		}
		return nil, fmt.Errorf("open binary: %w", err)
	}
	defer f.Close()

	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("hash binary: %w", err)
	}
	if name == "" {
		name = f.Name()
	}

	b := Binary{
		BinaryID:  hex.EncodeToString(h.Sum(nil)),
		Owner:     owner,
		Name:      name,
		Path:      path,
		Size:      size,
		CreatedAt: time.Now(),
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&b).Error; err != nil {
		return nil, fmt.Errorf("register binary: %w", err)
	}
	var stored Binary
	if err := db.Where("binary_id = ? AND owner = ?", b.BinaryID, owner).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload binary: %w", err)
	}
	return &stored, nil
}

// GetBinary loads a binary by id.
func (s *Store) GetBinary(ctx context.Context, id uint) (*Binary, error) {
	var b Binary
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("binary %d", id)
		}
		return nil, fmt.Errorf("get binary: %w", err)
	}
	return &b, nil
}

// ScanRequest describes a scan to create.
type ScanRequest struct {
	BinaryID      uint   `json:"binary_id"`
	Owner         string `json:"owner"`
	RuleIDs       []uint `json:"rule_ids,omitempty"`
	CollectionIDs []uint `json:"collection_ids,omitempty"`
}

// CreateScan records a new scan in the created state. The binary must exist
// and at least one rule or collection must be named.
func (s *Store) CreateScan(ctx context.Context, req ScanRequest) (*Scan, error) {
	if len(req.RuleIDs) == 0 && len(req.CollectionIDs) == 0 {
		return nil, fmt.Errorf("create scan: no rules or collections named: %w", errs.ErrInvalidRequest)
	}
	if _, err := s.GetBinary(ctx, req.BinaryID); err != nil {
		return nil, err
	}
	sc := Scan{
		BinaryID:      req.BinaryID,
		Owner:         req.Owner,
		RuleIDs:       IDList(req.RuleIDs),
		CollectionIDs: IDList(req.CollectionIDs),
		State:         StateCreated,
		CreatedAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&sc).Error; err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	return &sc, nil
}

// Get loads a scan by id.
func (s *Store) Get(ctx context.Context, id uint) (*Scan, error) {
	var sc Scan
	if err := s.db.WithContext(ctx).First(&sc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFoundf("scan %d", id)
		}
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return &sc, nil
}

// MarkRunning moves a scan to running.
func (s *Store) MarkRunning(ctx context.Context, id uint) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Scan{}).Where("id = ?", id).Updates(map[string]any{
		"state":       StateRunning,
		"started_at":  now,
		"finished_at": nil,
		"error":       "",
	})
	if result.Error != nil {
		return fmt.Errorf("mark scan running: %w", result.Error)
	}
	return nil
}

// MarkFailed moves a scan to failed and records the error text.
func (s *Store) MarkFailed(ctx context.Context, id uint, cause error) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Scan{}).Where("id = ?", id).Updates(map[string]any{
		"state":       StateFailed,
		"finished_at": now,
		"error":       cause.Error(),
	})
	if result.Error != nil {
		return fmt.Errorf("mark scan failed: %w", result.Error)
	}
	return nil
}

// AttachMatches records the matched rules and completes the scan in one
// transaction. Rule ids are deduplicated and rows already present for
// (scan, rule, binary) are left alone, so re-attaching is a no-op.
func (s *Store) AttachMatches(ctx context.Context, sc *Scan, ruleIDs []uint) (int, error) {
	unique := mapset.NewThreadUnsafeSet[uint](ruleIDs...)
	now := time.Now()
	records := make([]MatchRecord, 0, unique.Cardinality())
	for _, id := range ruleIDs {
		if !unique.Contains(id) {
			continue
		}
		unique.Remove(id)
		records = append(records, MatchRecord{
			ScanID:    sc.ID,
			RuleID:    id,
			BinaryID:  sc.BinaryID,
			Owner:     sc.Owner,
			CreatedAt: now,
		})
	}

	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(records) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error; err != nil {
				return fmt.Errorf("insert match records: %w", err)
			}
		}
		if err := tx.Model(&MatchRecord{}).Where("scan_id = ?", sc.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("count match records: %w", err)
		}
		return tx.Model(&Scan{}).Where("id = ?", sc.ID).Updates(map[string]any{
			"state":       StateCompleted,
			"finished_at": now,
			"match_count": int(count),
			"error":       "",
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("attach matches: %w", err)
	}
	return int(count), nil
}

// Matches returns the match records of a scan ordered by rule id.
func (s *Store) Matches(ctx context.Context, scanID uint) ([]MatchRecord, error) {
	var out []MatchRecord
	if err := s.db.WithContext(ctx).Where("scan_id = ?", scanID).Order("rule_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}
