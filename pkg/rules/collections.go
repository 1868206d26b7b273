package rules

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// DefaultIconCount is the number of collection icons available to the UI.
const DefaultIconCount = 16

// IconIndex maps a collection name onto one of n icons. The same name always
// yields the same icon.
func IconIndex(name string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := md5.Sum([]byte(name))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:4]), 16, 32)
	return int(v % uint64(n))
}

// CollectionResolver maps (import job, name) to a single persistent
// collection, creating it on first sight.
type CollectionResolver struct {
	db        *gorm.DB
	iconCount int
}

// NewCollectionResolver creates a resolver. iconCount <= 0 uses DefaultIconCount.
func NewCollectionResolver(db *gorm.DB, iconCount int) *CollectionResolver {
	if iconCount <= 0 {
		iconCount = DefaultIconCount
	}
	return &CollectionResolver{db: db, iconCount: iconCount}
}

// ResolveOrCreate returns the collection for (importJobID, name), creating it
// owned by owner if absent. Concurrent callers observe the same row: a failed
// insert on the unique index is treated as "already exists" and re-read, and
// the lowest id wins if more than one row is ever visible.
func (r *CollectionResolver) ResolveOrCreate(ctx context.Context, importJobID uint, name, owner string) (*Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("resolve collection: empty name: %w", errs.ErrInvalidRequest)
	}
	db := r.db.WithContext(ctx)

	existing, err := r.lookup(db, importJobID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c := Collection{
		ImportJobID: importJobID,
		Name:        name,
		Owner:       owner,
		Icon:        IconIndex(name, r.iconCount),
	}
	if err := db.Create(&c).Error; err != nil {
		// Another writer created the row between lookup and insert.
		raced, lookupErr := r.lookup(db, importJobID, name)
		if lookupErr == nil && raced != nil {
			return raced, nil
		}
		return nil, fmt.Errorf("create collection %q: %w", name, errors.Join(err, errs.ErrConflict))
	}
	return &c, nil
}

func (r *CollectionResolver) lookup(db *gorm.DB, importJobID uint, name string) (*Collection, error) {
	var c Collection
	err := db.Where("import_job_id = ? AND name = ?", importJobID, name).Order("id ASC").First(&c).Error
	if err == nil {
		return &c, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("lookup collection %q: %w", name, err)
}
