package match

import (
	"github.com/alecthomas/participle/v2"

	"github.com/yarawesome/yarawesome/pkg/yara"
)

// Condition grammar, lowest precedence first.

type orExpr struct {
	Terms []*andExpr `@@ ( "or" @@ )*`
}

type andExpr struct {
	Terms []*notExpr `@@ ( "and" @@ )*`
}

type notExpr struct {
	Not *notExpr `  "not" @@`
	Cmp *cmpExpr `| @@`
}

type cmpExpr struct {
	Left  *bitExpr `@@`
	Op    string   `( @("==" | "!=" | "<=" | ">=" | "<" | ">" | "contains" | "icontains" | "startswith" | "istartswith" | "endswith" | "iendswith" | "iequals" | "matches")`
	Right *bitExpr `  @@ )?`
}

type bitExpr struct {
	Left *addExpr `@@`
	Ops  []*bitOp `@@*`
}

type bitOp struct {
	Op    string   `@("|" | "^" | "&" | "<<" | ">>")`
	Right *addExpr `@@`
}

type addExpr struct {
	Left *mulExpr `@@`
	Ops  []*addOp `@@*`
}

type addOp struct {
	Op    string   `@("+" | "-")`
	Right *mulExpr `@@`
}

type mulExpr struct {
	Left *unaryExpr `@@`
	Ops  []*mulOp   `@@*`
}

type mulOp struct {
	Op    string     `@("*" | "\\" | "%")`
	Right *unaryExpr `@@`
}

type unaryExpr struct {
	Op      string       `@("-" | "~")?`
	Primary *primaryExpr `@@`
}

type primaryExpr struct {
	Paren      *orExpr    `  "(" @@ ")"`
	For        *forExpr   `| @@`
	Of         *ofExpr    `| @@`
	Bool       *string    `| @("true" | "false")`
	Filesize   bool       `| @"filesize"`
	Entrypoint bool       `| @"entrypoint"`
	Number     *string    `| @Number`
	Str        *string    `| @String`
	Regex      *string    `| @Regex`
	StringRef  *stringRef `| @@`
	Call       *callExpr  `| @@`
}

type quantifier struct {
	Keyword string      `  @("all" | "any" | "none")`
	Count   *countQuant `| @@`
}

type countQuant struct {
	N       string `@Number`
	Percent bool   `@"%"?`
}

type stringSet struct {
	Them bool     `  @"them"`
	IDs  []string `| "(" @StringID ( "," @StringID )* ")"`
}

type rangeExpr struct {
	Lo *bitExpr `"(" @@ ".."`
	Hi *bitExpr `@@ ")"`
}

type ofExpr struct {
	Quant *quantifier `@@ "of"`
	Set   *stringSet  `@@`
	In    *rangeExpr  `( "in" @@ )?`
}

type forExpr struct {
	Quant  *quantifier `"for" @@`
	Target *forTarget  `@@ ":"`
	Body   *orExpr     `"(" @@ ")"`
}

type forTarget struct {
	Set   *stringSet `  "of" @@`
	Range *forRange  `| @@`
}

type forRange struct {
	Var   string     `@Ident "in"`
	Range *rangeExpr `@@`
}

type stringRef struct {
	ID    string    `@StringID`
	Index *orExpr   `( "[" @@ "]" )?`
	Where *refWhere `@@?`
}

type refWhere struct {
	At *unaryExpr `  "at" @@`
	In *rangeExpr `| "in" @@`
}

type callExpr struct {
	Name  []string  `@Ident ( "." @Ident )*`
	Args  *callArgs `@@?`
	Index *orExpr   `( "[" @@ "]" )?`
}

type callArgs struct {
	Args []*orExpr `"(" ( @@ ( "," @@ )* )? ")"`
}

var conditionParser = participle.MustBuild[orExpr](
	participle.Lexer(yara.Lexer),
	participle.Elide("Comment", "Whitespace"),
	participle.UseLookahead(4),
)
