package scans

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a scan.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IDList is a []uint stored as a JSON text column.
type IDList []uint

// Scan implements the sql.Scanner interface for IDList.
func (l *IDList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for IDList: %T", value)
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface for IDList.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Binary is a registered artifact. BinaryID is the MD5 of its content.
type Binary struct {
	ID        uint      `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	BinaryID  string    `gorm:"column:binary_id;type:varchar(32);uniqueIndex:idx_binary_owner,priority:1;not null" json:"binary_id" yaml:"binary_id"`
	Owner     string    `gorm:"column:owner;type:varchar(255);uniqueIndex:idx_binary_owner,priority:2;not null" json:"owner" yaml:"owner"`
	Name      string    `gorm:"column:name" json:"name" yaml:"name"`
	Path      string    `gorm:"column:path;not null" json:"path" yaml:"path"`
	Size      int64     `gorm:"column:size" json:"size" yaml:"size"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
}

// TableName returns the GORM table name.
func (Binary) TableName() string { return "binaries" }

// Scan is one request to run a rule selection against one binary.
type Scan struct {
	ID            uint       `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	BinaryID      uint       `gorm:"column:binary_id;index:idx_scan_binary;not null" json:"binary_id" yaml:"binary_id"`
	Owner         string     `gorm:"column:owner;index:idx_scan_owner;not null" json:"owner" yaml:"owner"`
	RuleIDs       IDList     `gorm:"column:rule_ids;type:text" json:"rule_ids,omitempty" yaml:"rule_ids,omitempty"`
	CollectionIDs IDList     `gorm:"column:collection_ids;type:text" json:"collection_ids,omitempty" yaml:"collection_ids,omitempty"`
	State         State      `gorm:"column:state;index:idx_scan_state;not null;default:created" json:"state" yaml:"state"`
	Error         string     `gorm:"column:error" json:"error,omitempty" yaml:"error,omitempty"`
	MatchCount    int        `gorm:"column:match_count" json:"match_count" yaml:"match_count"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
	StartedAt     *time.Time `gorm:"column:started_at" json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt    *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// TableName returns the GORM table name.
func (Scan) TableName() string { return "scans" }

// IsTerminal returns true if the scan is completed or failed.
func (s *Scan) IsTerminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// MatchRecord is one rule that fired against a binary within a scan.
// (scan_id, rule_id, binary_id) is unique.
type MatchRecord struct {
	ID        uint      `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	ScanID    uint      `gorm:"column:scan_id;uniqueIndex:idx_match_scan_rule_binary,priority:1;not null" json:"scan_id" yaml:"scan_id"`
	RuleID    uint      `gorm:"column:rule_id;uniqueIndex:idx_match_scan_rule_binary,priority:2;not null" json:"rule_id" yaml:"rule_id"`
	BinaryID  uint      `gorm:"column:binary_id;uniqueIndex:idx_match_scan_rule_binary,priority:3;not null" json:"binary_id" yaml:"binary_id"`
	Owner     string    `gorm:"column:owner;not null" json:"owner" yaml:"owner"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at" yaml:"created_at"`
}

// TableName returns the GORM table name.
func (MatchRecord) TableName() string { return "match_records" }

// Models lists the tables owned by this package, for migration.
func Models() []any {
	return []any{&Binary{}, &Scan{}, &MatchRecord{}}
}
