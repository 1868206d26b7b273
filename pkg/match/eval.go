package match

import (
	"encoding/binary"
	"regexp"
	"strconv"
	"strings"
)

type valueKind int

const (
	undefined valueKind = iota
	integer
	boolean
	text
	pattern
)

type value struct {
	kind valueKind
	i    int64
	b    bool
	s    string
	re   *regexp.Regexp
}

var undef = value{}

func intValue(i int64) value   { return value{kind: integer, i: i} }
func boolValue(b bool) value   { return value{kind: boolean, b: b} }
func textValue(s string) value { return value{kind: text, s: s} }

func (v value) truthy() bool {
	switch v.kind {
	case boolean:
		return v.b
	case integer:
		return v.i != 0
	case text:
		return v.s != ""
	}
	return false
}

// evaluator holds the state of one rule evaluation against one input.
type evaluator struct {
	rule    *compiledRule
	data    *scanData
	hits    map[string][]hit
	results map[string]bool
	vars    map[string]int64
	current string
}

func (ev *evaluator) hitsFor(id string) []hit {
	if h, ok := ev.hits[id]; ok {
		return h
	}
	s := ev.rule.byID[id]
	if s == nil {
		return nil
	}
	h := s.matcher.findAll(ev.data)
	ev.hits[id] = h
	return h
}

func (ev *evaluator) or(e *orExpr) value {
	if len(e.Terms) == 1 {
		return ev.and(e.Terms[0])
	}
	for _, t := range e.Terms {
		if ev.and(t).truthy() {
			return boolValue(true)
		}
	}
	return boolValue(false)
}

func (ev *evaluator) and(e *andExpr) value {
	if len(e.Terms) == 1 {
		return ev.not(e.Terms[0])
	}
	for _, t := range e.Terms {
		if !ev.not(t).truthy() {
			return boolValue(false)
		}
	}
	return boolValue(true)
}

func (ev *evaluator) not(e *notExpr) value {
	if e.Not != nil {
		v := ev.not(e.Not)
		if v.kind == undefined {
			return undef
		}
		return boolValue(!v.truthy())
	}
	left := ev.bit(e.Cmp.Left)
	if e.Cmp.Right == nil {
		return left
	}
	return compare(e.Cmp.Op, left, ev.bit(e.Cmp.Right))
}

func compare(op string, l, r value) value {
	if l.kind == undefined || r.kind == undefined {
		return undef
	}
	if op == "matches" {
		if l.kind != text || r.kind != pattern {
			return undef
		}
		return boolValue(r.re.MatchString(l.s))
	}
	if l.kind == text && r.kind == text {
		a, b := l.s, r.s
		switch op {
		case "==":
			return boolValue(a == b)
		case "!=":
			return boolValue(a != b)
		case "<":
			return boolValue(a < b)
		case "<=":
			return boolValue(a <= b)
		case ">":
			return boolValue(a > b)
		case ">=":
			return boolValue(a >= b)
		case "contains":
			return boolValue(strings.Contains(a, b))
		case "icontains":
			return boolValue(strings.Contains(strings.ToLower(a), strings.ToLower(b)))
		case "startswith":
			return boolValue(strings.HasPrefix(a, b))
		case "istartswith":
			return boolValue(strings.HasPrefix(strings.ToLower(a), strings.ToLower(b)))
		case "endswith":
			return boolValue(strings.HasSuffix(a, b))
		case "iendswith":
			return boolValue(strings.HasSuffix(strings.ToLower(a), strings.ToLower(b)))
		case "iequals":
			return boolValue(strings.EqualFold(a, b))
		}
		return undef
	}
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return undef
	}
	switch op {
	case "==":
		return boolValue(a == b)
	case "!=":
		return boolValue(a != b)
	case "<":
		return boolValue(a < b)
	case "<=":
		return boolValue(a <= b)
	case ">":
		return boolValue(a > b)
	case ">=":
		return boolValue(a >= b)
	}
	return undef
}

func asInt(v value) (int64, bool) {
	switch v.kind {
	case integer:
		return v.i, true
	case boolean:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func arith(op string, l, r value) value {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return undef
	}
	switch op {
	case "+":
		return intValue(a + b)
	case "-":
		return intValue(a - b)
	case "*":
		return intValue(a * b)
	case "\\":
		if b == 0 {
			return undef
		}
		return intValue(a / b)
	case "%":
		if b == 0 {
			return undef
		}
		return intValue(a % b)
	case "&":
		return intValue(a & b)
	case "|":
		return intValue(a | b)
	case "^":
		return intValue(a ^ b)
	case "<<":
		if b < 0 {
			return undef
		}
		return intValue(a << uint64(b))
	case ">>":
		if b < 0 {
			return undef
		}
		return intValue(a >> uint64(b))
	}
	return undef
}

func (ev *evaluator) bit(e *bitExpr) value {
	v := ev.add(e.Left)
	for _, op := range e.Ops {
		v = arith(op.Op, v, ev.add(op.Right))
	}
	return v
}

func (ev *evaluator) add(e *addExpr) value {
	v := ev.mul(e.Left)
	for _, op := range e.Ops {
		v = arith(op.Op, v, ev.mul(op.Right))
	}
	return v
}

func (ev *evaluator) mul(e *mulExpr) value {
	v := ev.unary(e.Left)
	for _, op := range e.Ops {
		v = arith(op.Op, v, ev.unary(op.Right))
	}
	return v
}

func (ev *evaluator) unary(e *unaryExpr) value {
	v := ev.primary(e.Primary)
	switch e.Op {
	case "-":
		if i, ok := asInt(v); ok {
			return intValue(-i)
		}
		return undef
	case "~":
		if i, ok := asInt(v); ok {
			return intValue(^i)
		}
		return undef
	}
	return v
}

func (ev *evaluator) primary(p *primaryExpr) value {
	switch {
	case p.Paren != nil:
		return ev.or(p.Paren)
	case p.For != nil:
		return ev.forLoop(p.For)
	case p.Of != nil:
		return ev.of(p.Of)
	case p.Bool != nil:
		return boolValue(*p.Bool == "true")
	case p.Filesize:
		return intValue(int64(len(ev.data.raw)))
	case p.Entrypoint:
		return undef
	case p.Number != nil:
		n, err := parseNumber(*p.Number)
		if err != nil {
			return undef
		}
		return intValue(n)
	case p.Str != nil:
		s, err := decodeEscapes(strings.TrimSuffix(strings.TrimPrefix(*p.Str, `"`), `"`))
		if err != nil {
			return undef
		}
		return textValue(string(s))
	case p.Regex != nil:
		re, err := compileRegexLiteral(*p.Regex, false)
		if err != nil {
			return undef
		}
		return value{kind: pattern, re: re}
	case p.StringRef != nil:
		return ev.stringRef(p.StringRef)
	case p.Call != nil:
		return ev.call(p.Call)
	}
	return undef
}

func parseNumber(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult, s = 1024, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "MB")
	}
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	n, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func (ev *evaluator) rangeBounds(r *rangeExpr) (int64, int64, bool) {
	lo, lok := asInt(ev.bit(r.Lo))
	hi, hok := asInt(ev.bit(r.Hi))
	if !lok || !hok || hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}

func (ev *evaluator) stringRef(ref *stringRef) value {
	id := "$" + ref.ID[1:]
	if id == "$" {
		id = ev.current
	}
	hits := ev.hitsFor(id)

	switch ref.ID[0] {
	case '$':
		if ref.Where == nil {
			return boolValue(len(hits) > 0)
		}
		if ref.Where.At != nil {
			at, ok := asInt(ev.unary(ref.Where.At))
			if !ok {
				return undef
			}
			for _, h := range hits {
				if int64(h.offset) == at {
					return boolValue(true)
				}
			}
			return boolValue(false)
		}
		lo, hi, ok := ev.rangeBounds(ref.Where.In)
		if !ok {
			return undef
		}
		return boolValue(countInRange(hits, lo, hi) > 0)
	case '#':
		if ref.Where != nil && ref.Where.In != nil {
			lo, hi, ok := ev.rangeBounds(ref.Where.In)
			if !ok {
				return undef
			}
			return intValue(int64(countInRange(hits, lo, hi)))
		}
		return intValue(int64(len(hits)))
	case '@', '!':
		idx := int64(1)
		if ref.Index != nil {
			i, ok := asInt(ev.or(ref.Index))
			if !ok {
				return undef
			}
			idx = i
		}
		if idx < 1 || idx > int64(len(hits)) {
			return undef
		}
		h := hits[idx-1]
		if ref.ID[0] == '@' {
			return intValue(int64(h.offset))
		}
		return intValue(int64(h.length))
	}
	return undef
}

func countInRange(hits []hit, lo, hi int64) int {
	n := 0
	for _, h := range hits {
		if off := int64(h.offset); off >= lo && off <= hi {
			n++
		}
	}
	return n
}

// satisfied applies a quantifier to n successes out of total.
func satisfied(q *quantifier, n, total int) value {
	switch q.Keyword {
	case "all":
		return boolValue(n == total)
	case "any":
		return boolValue(n > 0)
	case "none":
		return boolValue(n == 0)
	}
	want, err := parseNumber(q.Count.N)
	if err != nil {
		return undef
	}
	if q.Count.Percent {
		return boolValue(int64(n)*100 >= want*int64(total))
	}
	return boolValue(int64(n) >= want)
}

func (ev *evaluator) of(e *ofExpr) value {
	ids, err := ev.rule.resolveSet(e.Set)
	if err != nil {
		return undef
	}
	var lo, hi int64
	if e.In != nil {
		var ok bool
		if lo, hi, ok = ev.rangeBounds(e.In); !ok {
			return undef
		}
	}
	n := 0
	for _, id := range ids {
		hits := ev.hitsFor(id)
		if e.In != nil {
			if countInRange(hits, lo, hi) > 0 {
				n++
			}
		} else if len(hits) > 0 {
			n++
		}
	}
	return satisfied(e.Quant, n, len(ids))
}

func (ev *evaluator) forLoop(e *forExpr) value {
	if e.Target.Set != nil {
		ids, err := ev.rule.resolveSet(e.Target.Set)
		if err != nil {
			return undef
		}
		saved := ev.current
		defer func() { ev.current = saved }()
		n := 0
		for _, id := range ids {
			ev.current = id
			if ev.or(e.Body).truthy() {
				n++
			}
		}
		return satisfied(e.Quant, n, len(ids))
	}

	lo, hi, ok := ev.rangeBounds(e.Target.Range.Range)
	if !ok {
		return undef
	}
	name := e.Target.Range.Var
	saved, had := ev.vars[name]
	defer func() {
		if had {
			ev.vars[name] = saved
		} else {
			delete(ev.vars, name)
		}
	}()
	n := 0
	for i := lo; i <= hi; i++ {
		ev.vars[name] = i
		if ev.or(e.Body).truthy() {
			n++
		}
	}
	return satisfied(e.Quant, n, int(hi-lo+1))
}

var readers = map[string]struct {
	size int
	read func([]byte) int64
}{
	"int8":     {1, func(b []byte) int64 { return int64(int8(b[0])) }},
	"uint8":    {1, func(b []byte) int64 { return int64(b[0]) }},
	"int16":    {2, func(b []byte) int64 { return int64(int16(binary.LittleEndian.Uint16(b))) }},
	"uint16":   {2, func(b []byte) int64 { return int64(binary.LittleEndian.Uint16(b)) }},
	"int32":    {4, func(b []byte) int64 { return int64(int32(binary.LittleEndian.Uint32(b))) }},
	"uint32":   {4, func(b []byte) int64 { return int64(binary.LittleEndian.Uint32(b)) }},
	"int8be":   {1, func(b []byte) int64 { return int64(int8(b[0])) }},
	"uint8be":  {1, func(b []byte) int64 { return int64(b[0]) }},
	"int16be":  {2, func(b []byte) int64 { return int64(int16(binary.BigEndian.Uint16(b))) }},
	"uint16be": {2, func(b []byte) int64 { return int64(binary.BigEndian.Uint16(b)) }},
	"int32be":  {4, func(b []byte) int64 { return int64(int32(binary.BigEndian.Uint32(b))) }},
	"uint32be": {4, func(b []byte) int64 { return int64(binary.BigEndian.Uint32(b)) }},
}

func (ev *evaluator) call(c *callExpr) value {
	if len(c.Name) == 1 && c.Args == nil && c.Index == nil {
		name := c.Name[0]
		if v, ok := ev.vars[name]; ok {
			return intValue(v)
		}
		if r, ok := ev.results[name]; ok {
			return boolValue(r)
		}
		return undef
	}
	if len(c.Name) == 1 && c.Args != nil && len(c.Args.Args) == 1 {
		if rd, ok := readers[c.Name[0]]; ok {
			off, ok := asInt(ev.or(c.Args.Args[0]))
			if !ok || off < 0 || off+int64(rd.size) > int64(len(ev.data.raw)) {
				return undef
			}
			return intValue(rd.read(ev.data.raw[off : off+int64(rd.size)]))
		}
	}
	// Module fields and functions are not available.
	return undef
}
