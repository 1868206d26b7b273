package match

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yarawesome/yarawesome/pkg/yara"
)

type hit struct {
	offset int
	length int
}

type patternMatcher interface {
	findAll(d *scanData) []hit
}

// scanData carries the scanned bytes and a lazily built lower-cased copy.
type scanData struct {
	raw   []byte
	lower []byte
}

func (d *scanData) folded() []byte {
	if d.lower == nil {
		d.lower = bytes.ToLower(d.raw)
	}
	return d.lower
}

var supportedModifiers = map[string]bool{
	"nocase": true, "wide": true, "ascii": true, "fullword": true, "xor": true, "private": true,
}

func compilePattern(def yara.StringDef) (patternMatcher, error) {
	for _, m := range def.Modifiers {
		switch {
		case m.Name == "base64" || m.Name == "base64wide":
			return nil, fmt.Errorf("string %s: modifier %s is not supported", def.ID, m.Name)
		case !supportedModifiers[m.Name]:
			return nil, fmt.Errorf("string %s: unknown modifier %s", def.ID, m.Name)
		}
	}

	switch def.Kind {
	case yara.StringText:
		return compileText(def)
	case yara.StringHex:
		if len(def.Modifiers) > 0 && !onlyModifiers(def, "private") {
			return nil, fmt.Errorf("string %s: hex strings only accept the private modifier", def.ID)
		}
		elems, err := compileHex(def.Value)
		if err != nil {
			return nil, err
		}
		return &hexPattern{elems: elems}, nil
	case yara.StringRegex:
		return compileRegex(def)
	}
	return nil, fmt.Errorf("string %s: unknown kind %q", def.ID, def.Kind)
}

func onlyModifiers(def yara.StringDef, allowed ...string) bool {
	for _, m := range def.Modifiers {
		ok := false
		for _, a := range allowed {
			if m.Name == a {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type textPattern struct {
	variants [][]byte
	wide     []bool
	nocase   bool
	fullword bool
}

func compileText(def yara.StringDef) (*textPattern, error) {
	lit, err := decodeEscapes(def.Value)
	if err != nil {
		return nil, fmt.Errorf("string %s: %w", def.ID, err)
	}
	if len(lit) == 0 {
		return nil, fmt.Errorf("string %s: empty string", def.ID)
	}

	p := &textPattern{nocase: def.HasModifier("nocase"), fullword: def.HasModifier("fullword")}
	encodings := []bool{false}
	if def.HasModifier("wide") {
		encodings = []bool{true}
		if def.HasModifier("ascii") {
			encodings = []bool{false, true}
		}
	}

	keys := []byte{0}
	for _, m := range def.Modifiers {
		if m.Name != "xor" {
			continue
		}
		if p.nocase {
			return nil, fmt.Errorf("string %s: xor and nocase cannot be combined", def.ID)
		}
		keys, err = xorKeys(m.Args)
		if err != nil {
			return nil, fmt.Errorf("string %s: %w", def.ID, err)
		}
	}

	for _, wide := range encodings {
		base := lit
		if wide {
			base = widen(lit)
		}
		for _, k := range keys {
			v := make([]byte, len(base))
			for i, b := range base {
				v[i] = b ^ k
			}
			if p.nocase {
				v = bytes.ToLower(v)
			}
			p.variants = append(p.variants, v)
			p.wide = append(p.wide, wide)
		}
	}
	return p, nil
}

func (p *textPattern) findAll(d *scanData) []hit {
	data := d.raw
	haystack := data
	if p.nocase {
		haystack = d.folded()
	}

	seen := map[hit]bool{}
	var hits []hit
	for i, v := range p.variants {
		for from := 0; from < len(haystack); {
			idx := bytes.Index(haystack[from:], v)
			if idx < 0 {
				break
			}
			off := from + idx
			h := hit{offset: off, length: len(v)}
			if (!p.fullword || isFullword(data, off, len(v), p.wide[i])) && !seen[h] {
				seen[h] = true
				hits = append(hits, h)
			}
			from = off + 1
		}
	}
	sortHits(hits)
	return hits
}

func isFullword(data []byte, off, n int, wide bool) bool {
	step := 1
	if wide {
		step = 2
	}
	if off-step >= 0 && isAlnum(data[off-step]) {
		return false
	}
	if end := off + n; end < len(data) && isAlnum(data[end]) {
		return false
	}
	return true
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func widen(b []byte) []byte {
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, c, 0)
	}
	return out
}

func xorKeys(args []string) ([]byte, error) {
	switch len(args) {
	case 0:
		keys := make([]byte, 256)
		for i := range keys {
			keys[i] = byte(i)
		}
		return keys, nil
	case 1:
		k, err := parseByte(args[0])
		return []byte{k}, err
	case 3:
		if args[1] != "-" {
			break
		}
		lo, err := parseByte(args[0])
		if err != nil {
			return nil, err
		}
		hi, err := parseByte(args[2])
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("xor range %d-%d is empty", lo, hi)
		}
		var keys []byte
		for k := int(lo); k <= int(hi); k++ {
			keys = append(keys, byte(k))
		}
		return keys, nil
	}
	return nil, fmt.Errorf("invalid xor arguments %v", args)
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q", s)
	}
	return byte(v), nil
}

// decodeEscapes interprets the escapes allowed in text strings.
func decodeEscapes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("trailing backslash")
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case '\\', '"':
			out = append(out, s[i])
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("truncated \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid \\x escape %q", s[i+1:i+3])
			}
			out = append(out, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return out, nil
}

type regexPattern struct {
	re       *regexp.Regexp
	fullword bool
}

func compileRegex(def yara.StringDef) (*regexPattern, error) {
	if def.HasModifier("wide") || def.HasModifier("xor") {
		return nil, fmt.Errorf("string %s: regular expressions only accept nocase, ascii, fullword and private", def.ID)
	}
	re, err := compileRegexLiteral(def.Value, def.HasModifier("nocase"))
	if err != nil {
		return nil, fmt.Errorf("string %s: %w", def.ID, err)
	}
	return &regexPattern{re: re, fullword: def.HasModifier("fullword")}, nil
}

// compileRegexLiteral compiles a /pattern/flags literal.
func compileRegexLiteral(lit string, nocase bool) (*regexp.Regexp, error) {
	end := strings.LastIndex(lit, "/")
	if !strings.HasPrefix(lit, "/") || end <= 0 {
		return nil, fmt.Errorf("malformed regular expression %s", lit)
	}
	pattern, flags := lit[1:end], lit[end+1:]
	var prefix string
	for _, f := range flags {
		switch f {
		case 'i':
			nocase = true
		case 's':
			prefix += "s"
		default:
			return nil, fmt.Errorf("unknown regular expression flag %q", f)
		}
	}
	if nocase {
		prefix += "i"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regular expression %s: %w", lit, err)
	}
	return re, nil
}

func (p *regexPattern) findAll(d *scanData) []hit {
	data := d.raw
	var hits []hit
	for _, loc := range p.re.FindAllIndex(data, -1) {
		if loc[1] == loc[0] {
			continue
		}
		if p.fullword && !isFullword(data, loc[0], loc[1]-loc[0], false) {
			continue
		}
		hits = append(hits, hit{offset: loc[0], length: loc[1] - loc[0]})
	}
	return hits
}

func sortHits(hits []hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].offset != hits[j].offset {
			return hits[i].offset < hits[j].offset
		}
		return hits[i].length < hits[j].length
	})
}
