package rules

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a []string stored as a JSON text column.
type StringList []string

// Scan implements the sql.Scanner interface for StringList.
func (s *StringList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for StringList.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ImportJob groups every collection and rule produced by one upload, clone,
// publish or git import.
type ImportJob struct {
	ID        uint      `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	Owner     string    `gorm:"column:owner;index:idx_import_job_owner;not null" json:"owner" yaml:"owner"`
	Source    string    `gorm:"column:source" json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at" yaml:"created_at"`
}

// TableName returns the GORM table name.
func (ImportJob) TableName() string { return "import_jobs" }

// Collection is a named group of rules under one owner and one import job.
// (import_job_id, name) is unique.
type Collection struct {
	ID          uint      `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	ImportJobID uint      `gorm:"column:import_job_id;uniqueIndex:idx_collection_job_name,priority:1;not null" json:"import_job_id" yaml:"import_job_id"`
	Name        string    `gorm:"column:name;type:varchar(255);uniqueIndex:idx_collection_job_name,priority:2;not null" json:"name" yaml:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty" yaml:"description,omitempty"`
	Icon        int       `gorm:"column:icon" json:"icon" yaml:"icon"`
	Owner       string    `gorm:"column:owner;index:idx_collection_owner;not null" json:"owner" yaml:"owner"`
	Public      bool      `gorm:"column:public;not null;default:false" json:"public" yaml:"public"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
}

// TableName returns the GORM table name.
func (Collection) TableName() string { return "collections" }

// Ref returns the typed reference carried in job payloads.
func (c *Collection) Ref() CollectionRef {
	return CollectionRef{ID: c.ID, Name: c.Name, OwnerID: c.Owner, ImportJobID: c.ImportJobID}
}

// CollectionRef identifies a collection independently of how it was obtained.
type CollectionRef struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	ImportJobID uint   `json:"import_job_id"`
}

// Rule is a persisted rule. (rule_id, collection_id) is unique.
type Rule struct {
	ID           uint       `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	RuleID       string     `gorm:"column:rule_id;type:varchar(32);uniqueIndex:idx_rule_fingerprint_collection,priority:1;index:idx_rule_fingerprint_owner,priority:1;not null" json:"rule_id" yaml:"rule_id"`
	Name         string     `gorm:"column:name;type:varchar(255)" json:"name" yaml:"name"`
	Content      string     `gorm:"column:content;type:text;not null" json:"content" yaml:"content"`
	Imports      StringList `gorm:"column:imports;type:text" json:"imports,omitempty" yaml:"imports,omitempty"`
	Owner        string     `gorm:"column:owner;index:idx_rule_fingerprint_owner,priority:2;not null" json:"owner" yaml:"owner"`
	ImportJobID  *uint      `gorm:"column:import_job_id" json:"import_job_id,omitempty" yaml:"import_job_id,omitempty"`
	CollectionID *uint      `gorm:"column:collection_id;uniqueIndex:idx_rule_fingerprint_collection,priority:2;index:idx_rule_collection" json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	Public       bool       `gorm:"column:public;not null;default:false" json:"public" yaml:"public"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at" yaml:"updated_at"`
}

// TableName returns the GORM table name.
func (Rule) TableName() string { return "rules" }

// CollectionDownload is a rendered, self-contained copy of a collection.
type CollectionDownload struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id" yaml:"id"`
	CollectionID uint      `gorm:"column:collection_id;index:idx_download_collection;not null" json:"collection_id" yaml:"collection_id"`
	Content      string    `gorm:"column:content;type:text" json:"content" yaml:"content"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
}

// TableName returns the GORM table name.
func (CollectionDownload) TableName() string { return "collection_downloads" }

// Models lists the tables owned by this package, for migration.
func Models() []any {
	return []any{&ImportJob{}, &Collection{}, &Rule{}, &CollectionDownload{}}
}
