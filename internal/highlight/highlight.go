// Package highlight marks the tokens of hit values that match the free-text
// and per-field phrases of a search.
package highlight

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/character"

	"kqlbridge/internal/querystring"
)

// AllFields keys the phrase that applies to every field.
const AllFields = "*"

const boundaries = `.:()'?,;!"[]{}<>=/\`

func isTokenRune(r rune) bool {
	return !unicode.IsSpace(r) && !strings.ContainsRune(boundaries, r)
}

type matcher interface {
	mark(tokens analysis.TokenStream, marked []bool)
}

// sequence matches consecutive tokens.
type sequence []string

func (s sequence) mark(tokens analysis.TokenStream, marked []bool) {
	for i := 0; i+len(s) <= len(tokens); i++ {
		match := true
		for j, want := range s {
			if string(tokens[i+j].Term) != want {
				match = false
				break
			}
		}
		if match {
			for j := range s {
				marked[i+j] = true
			}
		}
	}
}

// pattern matches single tokens against a wildcard regex.
type pattern struct {
	re *regexp.Regexp
}

func (p pattern) mark(tokens analysis.TokenStream, marked []bool) {
	for i, t := range tokens {
		if p.re.Match(t.Term) {
			marked[i] = true
		}
	}
}

// Highlighter is built once per request and is safe for concurrent use.
type Highlighter struct {
	pre, post string
	tokenizer *character.CharacterTokenizer
	lower     *lowercase.LowerCaseFilter
	// field name, or AllFields, to matchers
	matchers map[string][]matcher
}

// New compiles phrases keyed by field; the AllFields phrase may qualify
// terms itself ("error AND host:web").
func New(phrases map[string]string, preTag, postTag string) (*Highlighter, error) {
	h := &Highlighter{
		pre:       preTag,
		post:      postTag,
		tokenizer: character.NewCharacterTokenizer(isTokenRune),
		lower:     lowercase.NewLowerCaseFilter(),
		matchers:  make(map[string][]matcher),
	}
	for field, phrase := range phrases {
		opts := querystring.Options{AnalyzeWildcard: true}
		if field != AllFields {
			opts.DefaultField = field
		}
		node, err := querystring.Parse(phrase, opts)
		if err != nil {
			return nil, fmt.Errorf("highlight phrase for %s: %w", field, err)
		}
		for _, t := range querystring.Terms(node) {
			if err := h.add(t); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Highlighter) add(t *querystring.Term) error {
	if t.MatchesAll() {
		return nil
	}
	key := t.Field
	if key == "" {
		key = AllFields
	}
	if t.Wildcard {
		re, err := regexp.Compile("(?i)^" + t.Pattern + "$")
		if err != nil {
			return fmt.Errorf("highlight pattern %q: %w", t.Value, err)
		}
		h.matchers[key] = append(h.matchers[key], pattern{re: re})
		return nil
	}
	var seq sequence
	for _, tok := range h.tokens(t.Value) {
		seq = append(seq, string(tok.Term))
	}
	if len(seq) > 0 {
		h.matchers[key] = append(h.matchers[key], seq)
	}
	return nil
}

func (h *Highlighter) tokens(s string) analysis.TokenStream {
	return h.lower.Filter(h.tokenizer.Tokenize([]byte(s)))
}

// Empty reports whether nothing can ever be highlighted.
func (h *Highlighter) Empty() bool {
	return h == nil || len(h.matchers) == 0
}

// Highlight returns the scalar value with every matched token wrapped in
// the tags, and false when no token matched.
func (h *Highlighter) Highlight(field string, value any) (string, bool) {
	if h.Empty() {
		return "", false
	}
	text, ok := scalarText(value)
	if !ok || text == "" {
		return "", false
	}
	ms := append(append([]matcher(nil), h.matchers[AllFields]...), h.matchers[field]...)
	if len(ms) == 0 {
		return "", false
	}

	tokens := h.tokens(text)
	marked := make([]bool, len(tokens))
	for _, m := range ms {
		m.mark(tokens, marked)
	}

	var b strings.Builder
	last, hit := 0, false
	for i, t := range tokens {
		if !marked[i] {
			continue
		}
		hit = true
		b.WriteString(text[last:t.Start])
		b.WriteString(h.pre)
		b.WriteString(text[t.Start:t.End])
		b.WriteString(h.post)
		last = t.End
	}
	if !hit {
		return "", false
	}
	b.WriteString(text[last:])
	return b.String(), true
}

// Leaf is a scalar found under a dotted path.
type Leaf struct {
	Path  string
	Value any
}

// Flatten descends into maps and slices and returns every scalar under
// field. Slice indexes do not appear in paths.
func Flatten(field string, value any) []Leaf {
	var out []Leaf
	var walk func(path string, v any)
	walk = func(path string, v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(path+"."+k, t[k])
			}
		case []any:
			for _, e := range t {
				walk(path, e)
			}
		case nil:
		default:
			out = append(out, Leaf{Path: path, Value: v})
		}
	}
	walk(field, value)
	return out
}

// Source highlights every field of a hit source. Fields without a match are
// left out.
func (h *Highlighter) Source(source map[string]any) map[string][]string {
	if h.Empty() {
		return nil
	}
	out := make(map[string][]string)
	for field, value := range source {
		for _, leaf := range Flatten(field, value) {
			if s, ok := h.Highlight(leaf.Path, leaf.Value); ok {
				out[leaf.Path] = append(out[leaf.Path], s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int, int32, int64:
		return fmt.Sprint(t), true
	}
	return "", false
}
