package querystring

import (
	"errors"
	"fmt"
	"strings"
)

var ErrSyntax = errors.New("query string syntax error")

// Options mirror the query_string clause settings that affect parsing.
type Options struct {
	// DefaultField qualifies bare terms; empty or "*" means every field.
	DefaultField string
	// AnalyzeWildcard turns '*' and '?' in words into regex terms.
	AnalyzeWildcard bool
	// DefaultOperator joins adjacent terms: "AND" or "OR" (default).
	DefaultOperator string
}

func (o Options) implicitAnd() bool {
	return strings.EqualFold(o.DefaultOperator, "and")
}

type parser struct {
	toks []token
	pos  int
	opts Options
}

// Parse builds the expression tree of phrase. NOT binds tighter than AND,
// which binds tighter than OR.
func Parse(phrase string, opts Options) (Node, error) {
	if strings.TrimSpace(phrase) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSyntax)
	}
	toks, err := lex(phrase)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, opts: opts}
	n, err := p.parseOr("")
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected token at %d", ErrSyntax, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func startsOperand(k tokenKind) bool {
	switch k {
	case tokWord, tokPhrase, tokField, tokLParen, tokNot:
		return true
	}
	return false
}

func (p *parser) parseOr(field string) (Node, error) {
	first, err := p.parseAnd(field)
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for {
		k := p.peek().kind
		if k == tokOr {
			p.advance()
		} else if !startsOperand(k) || p.opts.implicitAnd() {
			break
		}
		n, err := p.parseAnd(field)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return newOr(nodes), nil
}

func (p *parser) parseAnd(field string) (Node, error) {
	first, err := p.parseNot(field)
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for {
		k := p.peek().kind
		if k == tokAnd {
			p.advance()
		} else if !startsOperand(k) || !p.opts.implicitAnd() {
			break
		}
		n, err := p.parseNot(field)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return newAnd(nodes), nil
}

func (p *parser) parseNot(field string) (Node, error) {
	if p.peek().kind == tokNot {
		p.advance()
		n, err := p.parseNot(field)
		if err != nil {
			return nil, err
		}
		return &Not{Node: n}, nil
	}
	return p.parsePrimary(field)
}

func (p *parser) parsePrimary(field string) (Node, error) {
	t := p.advance()
	switch t.kind {
	case tokLParen:
		n, err := p.parseOr(field)
		if err != nil {
			return nil, err
		}
		if p.advance().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ')' for '(' at %d", ErrSyntax, t.pos)
		}
		return n, nil
	case tokField:
		if k := p.peek().kind; k != tokWord && k != tokPhrase && k != tokLParen && k != tokRange {
			return nil, fmt.Errorf("%w: field %q has no value", ErrSyntax, t.text)
		}
		return p.parsePrimary(t.text)
	case tokWord:
		if t.cmp != "" {
			return p.comparison(p.qualify(field), t)
		}
		term := &Term{Field: p.qualify(field), Value: t.text}
		if t.wildcard && p.opts.AnalyzeWildcard && t.text != "*" {
			term.Wildcard, term.Pattern = true, t.pattern
		}
		return term, nil
	case tokPhrase:
		return &Term{Field: p.qualify(field), Value: t.text, Phrase: true}, nil
	case tokRange:
		f := p.qualify(field)
		if f == "" {
			return nil, fmt.Errorf("%w: range at %d has no field", ErrSyntax, t.pos)
		}
		return &Range{Field: f, Lower: t.lower, Upper: t.upper, IncludeLower: t.incLower, IncludeUpper: t.incUpper}, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of query", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected token at %d", ErrSyntax, t.pos)
}

// comparison turns field:>v into a half-open range. Unqualified, the
// operator is part of the searched text.
func (p *parser) comparison(field string, t token) (Node, error) {
	if field == "" {
		term := &Term{Value: t.cmp + t.text}
		if t.wildcard && p.opts.AnalyzeWildcard {
			term.Wildcard, term.Pattern = true, t.pattern
		}
		return term, nil
	}
	if t.text == "" {
		return nil, fmt.Errorf("%w: comparison at %d has no value", ErrSyntax, t.pos)
	}
	r := &Range{Field: field}
	switch t.cmp {
	case ">", ">=":
		r.Lower, r.IncludeLower = t.text, t.cmp == ">="
	case "<", "<=":
		r.Upper, r.IncludeUpper = t.text, t.cmp == "<="
	}
	return r, nil
}

func (p *parser) qualify(field string) string {
	if field == "" && p.opts.DefaultField != "*" {
		field = p.opts.DefaultField
	}
	if field == "*" {
		return ""
	}
	return field
}
