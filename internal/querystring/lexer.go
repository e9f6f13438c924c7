package querystring

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokPhrase
	tokField
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokRange
)

type token struct {
	kind tokenKind
	// text is the unescaped value; pattern is the regex form of a word with
	// unescaped wildcards.
	text     string
	pattern  string
	wildcard bool
	pos      int
	// cmp is a leading unescaped comparison operator of a word, cut from text
	cmp string
	// bounds of a bracketed range
	lower, upper       string
	incLower, incUpper bool
}

type lexer struct {
	in  []rune
	pos int
	// a field qualifier was just emitted, so the next word keeps its colons
	afterField bool
}

func lex(s string) ([]token, error) {
	l := &lexer{in: []rune(s)}
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.in) && unicode.IsSpace(l.in[l.pos]) {
		l.pos++
		l.afterField = false
	}
	start := l.pos
	if l.pos >= len(l.in) {
		return token{kind: tokEOF, pos: start}, nil
	}

	switch c := l.in[l.pos]; {
	case c == '(':
		l.pos++
		l.afterField = false
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.pos++
		l.afterField = false
		return token{kind: tokRParen, pos: start}, nil
	case c == '"':
		l.afterField = false
		return l.phrase()
	case (c == '[' || c == '{') && l.afterField:
		l.afterField = false
		return l.bracketRange()
	}
	return l.word()
}

// bracketRange lexes [lower TO upper] with '{' and '}' for exclusive bounds.
func (l *lexer) bracketRange() (token, error) {
	start := l.pos
	open := l.in[l.pos]
	end := -1
	for i := l.pos + 1; i < len(l.in); i++ {
		if l.in[i] == ']' || l.in[i] == '}' {
			end = i
			break
		}
	}
	if end < 0 {
		return token{}, fmt.Errorf("%w: unterminated range at %d", ErrSyntax, start)
	}
	parts := strings.Fields(string(l.in[l.pos+1 : end]))
	if len(parts) != 3 || parts[1] != "TO" {
		return token{}, fmt.Errorf("%w: range at %d must read [lower TO upper]", ErrSyntax, start)
	}
	bound := func(s string) string {
		s = strings.Trim(s, `"`)
		if s == "*" {
			return ""
		}
		return s
	}
	tok := token{
		kind:     tokRange,
		lower:    bound(parts[0]),
		upper:    bound(parts[2]),
		incLower: open == '[',
		incUpper: l.in[end] == ']',
		pos:      start,
	}
	l.pos = end + 1
	return tok, nil
}

func (l *lexer) phrase() (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.in) {
		c := l.in[l.pos]
		switch {
		case c == '\\' && l.pos+1 < len(l.in):
			b.WriteRune(l.in[l.pos+1])
			l.pos += 2
		case c == '"':
			l.pos++
			return token{kind: tokPhrase, text: b.String(), pos: start}, nil
		default:
			b.WriteRune(c)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("%w: unterminated quote at %d", ErrSyntax, start)
}

func (l *lexer) word() (token, error) {
	start := l.pos
	var cmp string
	for _, op := range []string{">=", "<=", ">", "<"} {
		if strings.HasPrefix(string(l.in[l.pos:]), op) {
			cmp = op
			l.pos += len(op)
			break
		}
	}
	var text, pattern strings.Builder
	wildcard := false
	raw := len(cmp)
	for l.pos < len(l.in) {
		c := l.in[l.pos]
		if unicode.IsSpace(c) || c == '(' || c == ')' {
			break
		}
		if c == '\\' && l.pos+1 < len(l.in) {
			e := string(l.in[l.pos+1])
			text.WriteString(e)
			pattern.WriteString(regexp.QuoteMeta(e))
			l.pos += 2
			raw += 2
			continue
		}
		if c == ':' && !l.afterField && raw > 0 && cmp == "" {
			l.pos++
			l.afterField = true
			return token{kind: tokField, text: text.String(), pos: start}, nil
		}
		switch c {
		case '*':
			wildcard = true
			pattern.WriteString("(.)*")
		case '?':
			wildcard = true
			pattern.WriteString("(.)")
		default:
			pattern.WriteString(regexp.QuoteMeta(string(c)))
		}
		text.WriteRune(c)
		l.pos++
		raw++
	}

	qualified := l.afterField
	l.afterField = false
	if cmp != "" {
		return token{kind: tokWord, cmp: cmp, text: text.String(), pattern: regexp.QuoteMeta(cmp) + pattern.String(), wildcard: wildcard, pos: start}, nil
	}
	// operators are case sensitive and never follow a field qualifier
	if !qualified && string(l.in[start:l.pos]) == text.String() {
		switch text.String() {
		case "AND", "&&":
			return token{kind: tokAnd, pos: start}, nil
		case "OR", "||":
			return token{kind: tokOr, pos: start}, nil
		case "NOT", "!":
			return token{kind: tokNot, pos: start}, nil
		}
	}
	return token{kind: tokWord, text: text.String(), pattern: pattern.String(), wildcard: wildcard, pos: start}, nil
}
