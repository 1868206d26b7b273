package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var hexLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Jump", Pattern: `\[\s*\d*\s*(?:-\s*\d*\s*)?\]`},
	{Name: "Byte", Pattern: `[0-9A-Fa-f?]{2}`},
	{Name: "Punct", Pattern: `[~()|]`},
})

type hexSeqAST struct {
	Items []*hexItemAST `@@+`
}

type hexItemAST struct {
	Not  *string     `  "~" @Byte`
	Byte *string     `| @Byte`
	Jump *string     `| @Jump`
	Alt  *hexAltsAST `| "(" @@ ")"`
}

type hexAltsAST struct {
	Branches []*hexSeqAST `@@ ( "|" @@ )*`
}

var hexParser = participle.MustBuild[hexSeqAST](
	participle.Lexer(hexLexer),
	participle.Elide("Whitespace"),
)

type hexKind int

const (
	hexByte hexKind = iota
	hexJump
	hexAlt
)

type hexElem struct {
	kind   hexKind
	value  byte
	mask   byte
	negate bool
	min    int
	max    int // -1 is unbounded
	alts   [][]hexElem
}

// compileHex turns a hex string body such as "{ 4D 5A ?? [2-4] (00 | FF) }"
// into a pattern program.
func compileHex(src string) ([]hexElem, error) {
	body := strings.TrimSpace(src)
	body = strings.TrimSuffix(strings.TrimPrefix(body, "{"), "}")
	ast, err := hexParser.ParseString("", body)
	if err != nil {
		return nil, fmt.Errorf("hex string %s: %w", src, err)
	}
	elems, err := buildHexSeq(ast)
	if err != nil {
		return nil, fmt.Errorf("hex string %s: %w", src, err)
	}
	if elems[0].kind == hexJump || elems[len(elems)-1].kind == hexJump {
		return nil, fmt.Errorf("hex string %s: jumps cannot start or end a pattern", src)
	}
	return elems, nil
}

func buildHexSeq(seq *hexSeqAST) ([]hexElem, error) {
	out := make([]hexElem, 0, len(seq.Items))
	for _, it := range seq.Items {
		switch {
		case it.Not != nil:
			e, err := hexByteElem(*it.Not)
			if err != nil {
				return nil, err
			}
			e.negate = true
			out = append(out, e)
		case it.Byte != nil:
			e, err := hexByteElem(*it.Byte)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		case it.Jump != nil:
			e, err := hexJumpElem(*it.Jump)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		case it.Alt != nil:
			e := hexElem{kind: hexAlt}
			for _, br := range it.Alt.Branches {
				alt, err := buildHexSeq(br)
				if err != nil {
					return nil, err
				}
				e.alts = append(e.alts, alt)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func hexByteElem(tok string) (hexElem, error) {
	e := hexElem{kind: hexByte}
	for i, c := range strings.ToUpper(tok) {
		shift := uint(4 * (1 - i))
		if c == '?' {
			continue
		}
		v, err := strconv.ParseUint(string(c), 16, 8)
		if err != nil {
			return e, fmt.Errorf("invalid hex byte %q", tok)
		}
		e.value |= byte(v) << shift
		e.mask |= 0xF << shift
	}
	return e, nil
}

func hexJumpElem(tok string) (hexElem, error) {
	inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]"))
	e := hexElem{kind: hexJump, max: -1}
	lo, hi, ranged := strings.Cut(inner, "-")
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)

	if lo != "" {
		n, err := strconv.Atoi(lo)
		if err != nil {
			return e, fmt.Errorf("invalid jump %s", tok)
		}
		e.min = n
	}
	switch {
	case !ranged:
		if lo == "" {
			return e, fmt.Errorf("empty jump %s", tok)
		}
		e.max = e.min
	case hi != "":
		n, err := strconv.Atoi(hi)
		if err != nil || n < e.min {
			return e, fmt.Errorf("invalid jump %s", tok)
		}
		e.max = n
	}
	return e, nil
}

type hexPattern struct {
	elems []hexElem
}

func (p *hexPattern) findAll(d *scanData) []hit {
	data := d.raw
	var hits []hit
	for start := 0; start < len(data); start++ {
		if end, ok := matchHexSeq(p.elems, data, start); ok {
			hits = append(hits, hit{offset: start, length: end - start})
		}
	}
	return hits
}

// matchHexSeq reports the end of the shortest match of elems at pos.
func matchHexSeq(elems []hexElem, data []byte, pos int) (int, bool) {
	if len(elems) == 0 {
		return pos, true
	}
	e := elems[0]
	switch e.kind {
	case hexByte:
		if pos >= len(data) {
			return 0, false
		}
		eq := data[pos]&e.mask == e.value
		if eq == e.negate {
			return 0, false
		}
		return matchHexSeq(elems[1:], data, pos+1)
	case hexJump:
		limit := len(data) - pos
		if e.max >= 0 && e.max < limit {
			limit = e.max
		}
		for n := e.min; n <= limit; n++ {
			if end, ok := matchHexSeq(elems[1:], data, pos+n); ok {
				return end, true
			}
		}
		return 0, false
	default:
		for _, alt := range e.alts {
			rest := make([]hexElem, 0, len(alt)+len(elems)-1)
			rest = append(rest, alt...)
			rest = append(rest, elems[1:]...)
			if end, ok := matchHexSeq(rest, data, pos); ok {
				return end, true
			}
		}
		return 0, false
	}
}
