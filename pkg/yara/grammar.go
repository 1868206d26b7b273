package yara

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Lexer tokenizes rule source. It is exported so the match package can parse
// condition expressions with the same token definitions.
//
// Section headers are lexed as single tokens so the grammar never needs more
// than one token of lookahead to tell a metadata key from the next section.
// Rule bodies use Brace tokens; hex string literals are lexed whole.
var Lexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*|/\*(?s:.*?)\*/`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "MetaSection", Pattern: `meta\s*:`},
	{Name: "StringsSection", Pattern: `strings\s*:`},
	{Name: "ConditionSection", Pattern: `condition\s*:`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\\n])*"`},
	{Name: "Regex", Pattern: `/(?:\\.|[^/\\\n])+/[a-z]*`},
	{Name: "Hex", Pattern: `\{[0-9A-Fa-f?\s\[\]\-|()~]*\}`},
	{Name: "Operator", Pattern: `\.\.|==|!=|<=|>=|<<|>>`},
	{Name: "StringID", Pattern: `[$#@!][A-Za-z0-9_]*\*?`},
	{Name: "Number", Pattern: `0x[0-9A-Fa-f]+|\d+(?:KB|MB)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Brace", Pattern: `[{}]`},
	{Name: "Punct", Pattern: `[-+*\\%&|^~<>()\[\]:=,.]`},
})

type fileAST struct {
	Entries []*entryAST `@@*`
}

type entryAST struct {
	Import  *string  `  "import" @String`
	Include *string  `| "include" @String`
	Rule    *ruleAST `| @@`
}

type ruleAST struct {
	Pos    lexer.Position
	Tokens []lexer.Token

	Modifiers []string      `@("private" | "global")*`
	Name      string        `"rule" @Ident`
	Tags      []string      `( ":" @Ident+ )?`
	Sections  []*sectionAST `"{" @@* "}"`
}

type sectionAST struct {
	Meta      []*metaAST   `  MetaSection @@*`
	Strings   []*stringAST `| StringsSection @@*`
	Condition []string     `| ConditionSection @(Ident | StringID | Number | String | Regex | Operator | Punct)+`
}

type metaAST struct {
	Key   string `@Ident "="`
	Value string `@(String | "-"? Number | "true" | "false")`
}

type stringAST struct {
	Pos       lexer.Position
	ID        string          `@StringID "="`
	Value     *stringValueAST `@@`
	Modifiers []*modifierAST  `@@*`
}

type stringValueAST struct {
	Text  *string `  @String`
	Hex   *string `| @Hex`
	Regex *string `| @Regex`
}

type modifierAST struct {
	Name string   `@Ident`
	Args []string `( "(" @(String | Number | "-")* ")" )?`
}

var fileParser = participle.MustBuild[fileAST](
	participle.Lexer(Lexer),
	participle.Elide("Comment", "Whitespace"),
	participle.UseLookahead(2),
)
