// Package match compiles rule source and evaluates it against binary data.
package match

import (
	"fmt"
	"strings"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/yara"
)

// StringMatch is one occurrence of a string pattern in the scanned data.
type StringMatch struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// RawMatch is a rule that evaluated true. Rule is the name the rule was
// compiled under.
type RawMatch struct {
	Rule    string        `json:"rule"`
	Tags    []string      `json:"tags,omitempty"`
	Strings []StringMatch `json:"strings,omitempty"`
}

type compiledString struct {
	id      string
	private bool
	matcher patternMatcher
}

type compiledRule struct {
	name    string
	private bool
	global  bool
	tags    []string
	strings []*compiledString
	byID    map[string]*compiledString
	cond    *orExpr
}

// Ruleset is a compiled rule source. It is safe for concurrent use.
type Ruleset struct {
	rules  []*compiledRule
	byName map[string]int
}

// Len returns the number of compiled rules.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// Compile parses and validates source. Any failure wraps errs.ErrCompile.
func Compile(source string) (*Ruleset, error) {
	parsed, err := yara.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCompile, err)
	}

	rs := &Ruleset{byName: make(map[string]int, len(parsed))}
	for _, p := range parsed {
		if _, dup := rs.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicated rule name %s", errs.ErrCompile, p.Name)
		}
		cr, err := compileRule(p, rs.byName)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %w", errs.ErrCompile, p.Name, err)
		}
		rs.byName[p.Name] = len(rs.rules)
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

func compileRule(p yara.ParsedRule, earlier map[string]int) (*compiledRule, error) {
	cr := &compiledRule{
		name:    p.Name,
		private: p.IsPrivate(),
		global:  p.IsGlobal(),
		tags:    p.Tags,
		byID:    make(map[string]*compiledString, len(p.Strings)),
	}
	for i, def := range p.Strings {
		m, err := compilePattern(def)
		if err != nil {
			return nil, err
		}
		id := def.ID
		if id == "$" {
			id = fmt.Sprintf("$%d", i)
		}
		cs := &compiledString{id: id, private: def.HasModifier("private"), matcher: m}
		cr.strings = append(cr.strings, cs)
		cr.byID[id] = cs
	}

	cond, err := conditionParser.ParseString("", p.Condition)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	v := &validator{rule: cr, earlier: earlier}
	if err := v.or(cond, false); err != nil {
		return nil, err
	}
	cr.cond = cond
	return cr, nil
}

// resolveSet expands a string set into concrete string ids.
func (r *compiledRule) resolveSet(set *stringSet) ([]string, error) {
	if set.Them {
		ids := make([]string, len(r.strings))
		for i, s := range r.strings {
			ids[i] = s.id
		}
		return ids, nil
	}
	var ids []string
	for _, pattern := range set.IDs {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			n := 0
			for _, s := range r.strings {
				if strings.HasPrefix(s.id, prefix) {
					ids = append(ids, s.id)
					n++
				}
			}
			if n == 0 {
				return nil, fmt.Errorf("no strings match %s", pattern)
			}
			continue
		}
		if _, ok := r.byID[pattern]; !ok {
			return nil, fmt.Errorf("undefined string identifier %s", pattern)
		}
		ids = append(ids, pattern)
	}
	return ids, nil
}

// validator checks identifier references in a condition. A bare identifier
// must name a rule compiled before this one or an enclosing loop variable.
type validator struct {
	rule    *compiledRule
	earlier map[string]int
	vars    map[string]bool
}

func (v *validator) or(e *orExpr, inOf bool) error {
	for _, t := range e.Terms {
		for _, n := range t.Terms {
			if err := v.not(n, inOf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *validator) not(e *notExpr, inOf bool) error {
	if e.Not != nil {
		return v.not(e.Not, inOf)
	}
	if err := v.bit(e.Cmp.Left, inOf); err != nil {
		return err
	}
	if e.Cmp.Right != nil {
		return v.bit(e.Cmp.Right, inOf)
	}
	return nil
}

func (v *validator) bit(e *bitExpr, inOf bool) error {
	if err := v.add(e.Left, inOf); err != nil {
		return err
	}
	for _, op := range e.Ops {
		if err := v.add(op.Right, inOf); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) add(e *addExpr, inOf bool) error {
	if err := v.mul(e.Left, inOf); err != nil {
		return err
	}
	for _, op := range e.Ops {
		if err := v.mul(op.Right, inOf); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) mul(e *mulExpr, inOf bool) error {
	if err := v.primary(e.Left.Primary, inOf); err != nil {
		return err
	}
	for _, op := range e.Ops {
		if err := v.primary(op.Right.Primary, inOf); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) rng(r *rangeExpr, inOf bool) error {
	if r == nil {
		return nil
	}
	if err := v.bit(r.Lo, inOf); err != nil {
		return err
	}
	return v.bit(r.Hi, inOf)
}

func (v *validator) primary(p *primaryExpr, inOf bool) error {
	switch {
	case p.Paren != nil:
		return v.or(p.Paren, inOf)
	case p.Of != nil:
		if _, err := v.rule.resolveSet(p.Of.Set); err != nil {
			return err
		}
		return v.rng(p.Of.In, inOf)
	case p.For != nil:
		if p.For.Target.Set != nil {
			if _, err := v.rule.resolveSet(p.For.Target.Set); err != nil {
				return err
			}
			return v.or(p.For.Body, true)
		}
		if err := v.rng(p.For.Target.Range.Range, inOf); err != nil {
			return err
		}
		name := p.For.Target.Range.Var
		if v.vars[name] {
			return v.or(p.For.Body, inOf)
		}
		if v.vars == nil {
			v.vars = make(map[string]bool)
		}
		v.vars[name] = true
		defer delete(v.vars, name)
		return v.or(p.For.Body, inOf)
	case p.StringRef != nil:
		ref := p.StringRef
		id := "$" + ref.ID[1:]
		if id == "$" {
			if !inOf {
				return fmt.Errorf("anonymous string reference %s outside a for..of loop", ref.ID)
			}
		} else if _, ok := v.rule.byID[id]; !ok {
			return fmt.Errorf("undefined string identifier %s", ref.ID)
		}
		if ref.Index != nil {
			if err := v.or(ref.Index, inOf); err != nil {
				return err
			}
		}
		if ref.Where != nil {
			if ref.Where.At != nil {
				return v.primary(ref.Where.At.Primary, inOf)
			}
			return v.rng(ref.Where.In, inOf)
		}
		return nil
	case p.Regex != nil:
		_, err := compileRegexLiteral(*p.Regex, false)
		return err
	case p.Call != nil:
		if len(p.Call.Name) == 1 && p.Call.Args == nil && p.Call.Index == nil {
			name := p.Call.Name[0]
			if _, ok := v.earlier[name]; !ok && !v.vars[name] {
				return fmt.Errorf("undefined identifier %s", name)
			}
			return nil
		}
		if p.Call.Args != nil {
			for _, a := range p.Call.Args.Args {
				if err := v.or(a, inOf); err != nil {
					return err
				}
			}
		}
		if p.Call.Index != nil {
			return v.or(p.Call.Index, inOf)
		}
	}
	return nil
}
