// Package namespace rewrites independently authored rules to collision-free
// names so they can be compiled together, and maps match results back.
package namespace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

// Origin identifies the stored rule behind a synthetic name.
type Origin struct {
	ID     uint
	RuleID string
	Name   string
}

// Combined is a single compilable source built from many rules.
type Combined struct {
	Source  string
	Reverse map[string]Origin
}

// Resolve returns the stored rule for a synthetic name.
func (c *Combined) Resolve(synthetic string) (Origin, bool) {
	o, ok := c.Reverse[synthetic]
	return o, ok
}

// SyntheticName is the name a stored rule compiles under.
func SyntheticName(id uint) string {
	return fmt.Sprintf("_%d", id)
}

// Namespace renames the declaration of every rule to SyntheticName(rule.ID),
// hoists their imports into one header and joins the bodies with blank lines.
// Condition references to a rule listed earlier in rs are rewritten to that
// rule's synthetic name. Every synthetic name in the result resolves to
// exactly one input rule.
func Namespace(rs []rules.Rule) (*Combined, error) {
	out := &Combined{Reverse: make(map[string]Origin, len(rs))}
	imports := mapset.NewThreadUnsafeSet[string]()
	bodies := make([]string, 0, len(rs))
	earlier := make(map[string]string, len(rs))

	for _, r := range rs {
		name := SyntheticName(r.ID)
		if _, dup := out.Reverse[name]; dup {
			return nil, fmt.Errorf("namespace: rule id %d listed twice", r.ID)
		}
		body, declared, err := rewrite(r.Content, name, earlier)
		if err != nil {
			return nil, fmt.Errorf("namespace rule %d: %w", r.ID, err)
		}
		earlier[declared] = name
		imports.Append(r.Imports...)
		bodies = append(bodies, body)
		out.Reverse[name] = Origin{ID: r.ID, RuleID: r.RuleID, Name: r.Name}
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
	out.Source = b.String()
	return out, nil
}

var (
	identToken     = yara.Lexer.Symbols()["Ident"]
	conditionToken = yara.Lexer.Symbols()["ConditionSection"]
	whitespace     = yara.Lexer.Symbols()["Whitespace"]
	comment        = yara.Lexer.Symbols()["Comment"]
)

// rewrite renames the declaration in content to synthetic and replaces bare
// condition identifiers found in refs. Strings, regexes, comments and module
// fields are left alone. It returns the name the rule was declared with.
func rewrite(content, synthetic string, refs map[string]string) (string, string, error) {
	lex, err := yara.Lexer.LexString("", strings.TrimSpace(content))
	if err != nil {
		return "", "", err
	}
	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		return "", "", err
	}

	var (
		b           strings.Builder
		declared    string
		afterRule   bool
		inCondition bool
		prev        lexer.Token
	)
	for _, tok := range tokens {
		if tok.EOF() {
			break
		}
		value := tok.Value
		switch {
		case tok.Type == conditionToken:
			inCondition = true
		case tok.Type != identToken:
		case declared == "" && afterRule:
			declared = value
			value = synthetic
		case declared == "" && value == "rule":
			afterRule = true
		case inCondition && prev.Value != ".":
			if name, ok := refs[value]; ok {
				value = name
			}
		}
		if tok.Type != whitespace && tok.Type != comment {
			prev = tok
		}
		b.WriteString(value)
	}
	if declared == "" {
		return "", "", fmt.Errorf("no rule declaration found")
	}
	return b.String(), declared, nil
}
