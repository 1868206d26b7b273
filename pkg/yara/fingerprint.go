package yara

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// RuleFingerprint is the 32-character hex content identity of a rule.
type RuleFingerprint string

// Fingerprint derives the identity of r from its sorted string values, its
// sorted condition terms and its name. Metadata, comments and layout do not
// contribute.
func Fingerprint(r ParsedRule) RuleFingerprint {
	values := append([]string(nil), r.Values...)
	sort.Strings(values)
	terms := append([]string(nil), r.ConditionTerms...)
	sort.Strings(terms)

	key := strings.TrimSpace(strings.Join(values, "") + strings.Join(terms, "") + r.Name)
	sum := md5.Sum([]byte(key))
	return RuleFingerprint(hex.EncodeToString(sum[:]))
}

// Document is the search-index representation of a parsed rule. Raw content is
// left out and resolved from the rule store at read time.
type Document struct {
	Timestamp   time.Time         `json:"@timestamp"`
	RuleID      RuleFingerprint   `json:"rule_id"`
	Name        string            `json:"name"`
	Condition   string            `json:"condition"`
	Imports     []string          `json:"imports"`
	Variables   []string          `json:"variables"`
	Values      []string          `json:"values"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Description string            `json:"description,omitempty"`
	Author      string            `json:"author,omitempty"`
}

// Document builds the index document for r under the given fingerprint.
func (r ParsedRule) Document(id RuleFingerprint, now time.Time) Document {
	return Document{
		Timestamp:   now.UTC(),
		RuleID:      id,
		Name:        r.Name,
		Condition:   r.Condition,
		Imports:     nonNil(r.Imports),
		Variables:   nonNil(r.Variables),
		Values:      nonNil(r.Values),
		Tags:        r.Tags,
		Metadata:    r.Metadata,
		Description: r.Metadata["description"],
		Author:      r.Metadata["author"],
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
