package querystring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kqlbridge/internal/datemath"
	"kqlbridge/internal/kql/syntax"
	"kqlbridge/internal/schema"
)

// FieldResolver classifies qualified fields.
type FieldResolver interface {
	Classify(ctx context.Context, name string) (schema.Field, error)
}

// Render emits the KQL predicate for n.
func Render(ctx context.Context, n Node, fields FieldResolver) (string, error) {
	r := renderer{ctx: ctx, fields: fields}
	return r.render(n)
}

type renderer struct {
	ctx    context.Context
	fields FieldResolver
}

func (r renderer) render(n Node) (string, error) {
	switch t := n.(type) {
	case *And:
		nodes, err := r.orderDynamic(t.Nodes)
		if err != nil {
			return "", err
		}
		return r.chain(nodes, " and ")
	case *Or:
		return r.chain(t.Nodes, " or ")
	case *Not:
		inner, err := r.render(t.Node)
		if err != nil {
			return "", err
		}
		return "not(" + inner + ")", nil
	case *Term:
		return r.term(t)
	case *Range:
		return r.rangeTerm(t)
	}
	return "", fmt.Errorf("%w: unsupported node %T", ErrSyntax, n)
}

func (r renderer) chain(nodes []Node, sep string) (string, error) {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		s, err := r.render(n)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + s + ")"
	}
	return strings.Join(parts, sep), nil
}

// orderDynamic sorts the terms on dynamic paths by path, keeping them in the
// slots they occupy so the other operands stay put.
func (r renderer) orderDynamic(nodes []Node) ([]Node, error) {
	var slots []int
	var terms []*Term
	for i, n := range nodes {
		t, ok := n.(*Term)
		if !ok || t.Field == "" {
			continue
		}
		f, err := r.fields.Classify(r.ctx, t.Field)
		if err != nil {
			return nil, err
		}
		if f.Dynamic {
			slots = append(slots, i)
			terms = append(terms, t)
		}
	}
	if len(terms) < 2 {
		return nodes, nil
	}
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].Field < terms[j].Field })
	out := append([]Node(nil), nodes...)
	for i, slot := range slots {
		out[slot] = terms[i]
	}
	return out, nil
}

func (r renderer) term(t *Term) (string, error) {
	if t.Field == "" {
		switch {
		case t.MatchesAll():
			return syntax.MatchAll, nil
		case t.Phrase:
			return "* contains " + syntax.String(t.Value), nil
		case t.Wildcard:
			return "* matches regex " + syntax.String(t.Pattern), nil
		}
		return "* has " + syntax.String(t.Value), nil
	}

	f, err := r.fields.Classify(r.ctx, t.Field)
	if err != nil {
		return "", err
	}
	if t.MatchesAll() {
		if f.Kind == schema.KindString && !f.Dynamic {
			return syntax.Call("isnotempty", f.Ref()), nil
		}
		return syntax.Call("isnotnull", f.Ref()), nil
	}

	switch f.Kind {
	case schema.KindNumeric:
		n, ok := syntax.Number(t.Value)
		if !ok {
			return "", fmt.Errorf("%w: %q is not a number for field %s", ErrSyntax, t.Value, t.Field)
		}
		return f.Expr() + " == " + n, nil
	case schema.KindDate:
		return f.Expr() + " == " + syntax.Call("todatetime", syntax.String(t.Value)), nil
	case schema.KindBoolean:
		switch strings.ToLower(t.Value) {
		case "true", "false":
			return f.Expr() + " == " + strings.ToLower(t.Value), nil
		}
		return "", fmt.Errorf("%w: %q is not a boolean for field %s", ErrSyntax, t.Value, t.Field)
	}

	switch {
	case t.Phrase:
		return f.Expr() + " contains " + syntax.String(t.Value), nil
	case t.Wildcard:
		return f.Expr() + " matches regex " + syntax.String(t.Pattern), nil
	}
	return f.Expr() + " has " + syntax.String(t.Value), nil
}

func (r renderer) rangeTerm(t *Range) (string, error) {
	f, err := r.fields.Classify(r.ctx, t.Field)
	if err != nil {
		return "", err
	}
	literal := func(v string) (string, error) {
		switch f.Kind {
		case schema.KindNumeric:
			if n, ok := syntax.Number(v); ok {
				return n, nil
			}
			return "", fmt.Errorf("%w: %q is not a number for field %s", ErrSyntax, v, t.Field)
		case schema.KindDate:
			if datemath.IsExpression(v) {
				return datemath.Parse(v)
			}
			return syntax.Call("todatetime", syntax.String(v)), nil
		}
		return "", fmt.Errorf("%w: range on %s field %s", ErrSyntax, f.Kind, t.Field)
	}

	var preds []string
	if t.Lower != "" {
		lit, err := literal(t.Lower)
		if err != nil {
			return "", err
		}
		op := " > "
		if t.IncludeLower {
			op = " >= "
		}
		preds = append(preds, f.Expr()+op+lit)
	}
	if t.Upper != "" {
		lit, err := literal(t.Upper)
		if err != nil {
			return "", err
		}
		op := " < "
		if t.IncludeUpper {
			op = " <= "
		}
		preds = append(preds, f.Expr()+op+lit)
	}
	if len(preds) == 0 {
		return syntax.Call("isnotnull", f.Ref()), nil
	}
	return strings.Join(preds, " and "), nil
}
