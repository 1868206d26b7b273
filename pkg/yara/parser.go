// Package yara parses rule source text into structured records and derives
// the content fingerprint used to deduplicate rules across imports.
package yara

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/participle/v2"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/yarawesome/yarawesome/pkg/errs"
)

// StringKind is the literal form of a declared string pattern.
type StringKind string

const (
	StringText  StringKind = "text"
	StringHex   StringKind = "hex"
	StringRegex StringKind = "regex"
)

// Modifier is a string modifier such as nocase or xor(0x01-0xff).
type Modifier struct {
	Name string
	Args []string
}

// StringDef is one declared string pattern.
type StringDef struct {
	ID        string
	Kind      StringKind
	Value     string
	Modifiers []Modifier
}

// HasModifier reports whether the pattern carries the named modifier.
func (s StringDef) HasModifier(name string) bool {
	for _, m := range s.Modifiers {
		if m.Name == name {
			return true
		}
	}
	return false
}

// SourceSpan is the 1-based inclusive line range of a rule in its source.
type SourceSpan struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// ParsedRule is the structured form of one rule block.
type ParsedRule struct {
	Name           string
	Content        string
	Condition      string
	ConditionTerms []string
	// Imports holds only the modules the rule body references.
	Imports   []string
	Variables []string
	Values    []string
	Strings   []StringDef
	Metadata  map[string]string
	Tags      []string
	Modifiers []string
	Span      SourceSpan
}

// IsPrivate reports whether the rule is declared private.
func (r ParsedRule) IsPrivate() bool { return hasString(r.Modifiers, "private") }

// IsGlobal reports whether the rule is declared global.
func (r ParsedRule) IsGlobal() bool { return hasString(r.Modifiers, "global") }

// ImportableContent returns the rule content preceded by the import lines it
// needs, so the result compiles on its own.
func (r ParsedRule) ImportableContent() string {
	if len(r.Imports) == 0 {
		return r.Content
	}
	var b strings.Builder
	for _, m := range r.Imports {
		fmt.Fprintf(&b, "import %q\n", m)
	}
	b.WriteString("\n")
	b.WriteString(r.Content)
	return b.String()
}

// ParseError reports malformed rule syntax.
type ParseError struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Msg)
	}
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

func (e *ParseError) Unwrap() error { return errs.ErrParse }

var ruleKeyword = regexp.MustCompile(`(?m)\brule\s+[A-Za-z_]`)

// Parse parses every rule block in raw. Text with no rule declarations
// returns an empty slice and no error.
func Parse(raw string) ([]ParsedRule, error) {
	return parseNamed("", raw)
}

// DecodeText returns data as a string, or ErrDecode if it is not UTF-8 text.
func DecodeText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content is not utf-8 text: %w", errs.ErrDecode)
	}
	return string(data), nil
}

// ParseBytes parses data as rule source. Content that does not decode as text
// yields an empty result rather than an error.
func ParseBytes(data []byte) ([]ParsedRule, error) {
	text, err := DecodeText(data)
	if err != nil {
		return nil, nil
	}
	return Parse(text)
}

// ParseFile reads and parses the file at path with the same soft-failure
// policy as ParseBytes.
func ParseFile(path string) ([]ParsedRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}
	text, err := DecodeText(data)
	if err != nil {
		return nil, nil
	}
	return parseNamed(path, text)
}

func parseNamed(filename, raw string) ([]ParsedRule, error) {
	if !ruleKeyword.MatchString(raw) {
		return []ParsedRule{}, nil
	}
	ast, err := fileParser.ParseString(filename, raw)
	if err != nil {
		return nil, toParseError(filename, err)
	}

	imports := mapset.NewThreadUnsafeSet[string]()
	for _, e := range ast.Entries {
		if e.Import != nil {
			imports.Add(unquote(*e.Import))
		}
	}

	out := make([]ParsedRule, 0, len(ast.Entries))
	for _, e := range ast.Entries {
		if e.Rule == nil {
			continue
		}
		r, err := buildRule(raw, e.Rule, imports)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.File = filename
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toParseError(filename string, err error) error {
	var perr participle.Error
	if errors.As(err, &perr) {
		pos := perr.Position()
		return &ParseError{File: filename, Line: pos.Line, Column: pos.Column, Msg: perr.Message()}
	}
	return &ParseError{File: filename, Msg: err.Error()}
}

func buildRule(raw string, ast *ruleAST, fileImports mapset.Set[string]) (ParsedRule, error) {
	r := ParsedRule{
		Name:      ast.Name,
		Metadata:  map[string]string{},
		Tags:      ast.Tags,
		Modifiers: ast.Modifiers,
	}

	start := ast.Pos.Offset
	end := len(raw)
	endLine := ast.Pos.Line
	for i := len(ast.Tokens) - 1; i >= 0; i-- {
		tok := ast.Tokens[i]
		if tok.Value == "}" {
			end = tok.Pos.Offset + len(tok.Value)
			endLine = tok.Pos.Line
			break
		}
	}
	r.Content = raw[start:end]
	r.Span = SourceSpan{StartLine: ast.Pos.Line, EndLine: endLine}

	seen := map[string]bool{}
	hasCondition := false
	for _, sec := range ast.Sections {
		for _, m := range sec.Meta {
			r.Metadata[m.Key] = metaValue(m.Value)
		}
		for _, s := range sec.Strings {
			def := buildString(s)
			if def.ID != "$" {
				if seen[def.ID] {
					return ParsedRule{}, &ParseError{
						Line: s.Pos.Line, Column: s.Pos.Column,
						Msg: fmt.Sprintf("duplicated string identifier %s in rule %s", def.ID, r.Name),
					}
				}
				seen[def.ID] = true
			}
			r.Strings = append(r.Strings, def)
			r.Variables = append(r.Variables, def.ID)
			r.Values = append(r.Values, def.Value)
		}
		if sec.Condition != nil {
			hasCondition = true
			r.ConditionTerms = append(r.ConditionTerms, sec.Condition...)
		}
	}
	if !hasCondition {
		return ParsedRule{}, &ParseError{
			Line: ast.Pos.Line, Column: ast.Pos.Column,
			Msg: fmt.Sprintf("rule %s has no condition", r.Name),
		}
	}
	r.Condition = strings.Join(r.ConditionTerms, " ")

	for _, m := range fileImports.ToSlice() {
		if strings.Contains(r.Content, m+".") {
			r.Imports = append(r.Imports, m)
		}
	}
	sort.Strings(r.Imports)
	return r, nil
}

var hexSpace = regexp.MustCompile(`\s+`)

func buildString(s *stringAST) StringDef {
	def := StringDef{ID: s.ID}
	switch {
	case s.Value.Text != nil:
		def.Kind = StringText
		def.Value = strings.TrimSuffix(strings.TrimPrefix(*s.Value.Text, `"`), `"`)
	case s.Value.Hex != nil:
		def.Kind = StringHex
		body := strings.TrimSuffix(strings.TrimPrefix(*s.Value.Hex, "{"), "}")
		def.Value = "{ " + strings.TrimSpace(hexSpace.ReplaceAllString(body, " ")) + " }"
	case s.Value.Regex != nil:
		def.Kind = StringRegex
		def.Value = *s.Value.Regex
	}
	for _, m := range s.Modifiers {
		def.Modifiers = append(def.Modifiers, Modifier{Name: m.Name, Args: m.Args})
	}
	return def
}

func metaValue(v string) string {
	if strings.HasPrefix(v, `"`) {
		return unquote(v)
	}
	return v
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return strings.Trim(s, `"`)
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
