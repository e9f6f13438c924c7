// Package querystring parses the Lucene-style query_string syntax into a
// boolean expression tree and renders it as a KQL predicate.
package querystring

import (
	"strconv"
	"strings"
)

// Node is an expression of the tree. The marker method keeps the set of
// implementations closed.
type Node interface {
	node()
	String() string
}

// And holds two or more operands.
type And struct {
	Nodes []Node
}

// Or holds two or more operands.
type Or struct {
	Nodes []Node
}

type Not struct {
	Node Node
}

// Term is a leaf. Field is empty for terms matched against every column.
// Pattern holds the anchored-free regex of a wildcard term.
type Term struct {
	Field    string
	Value    string
	Phrase   bool
	Wildcard bool
	Pattern  string
}

// Range compares a field against bounds: bytes:>10, bytes:[1 TO 5}. An
// empty bound is open.
type Range struct {
	Field        string
	Lower        string
	Upper        string
	IncludeLower bool
	IncludeUpper bool
}

func (*And) node()   {}
func (*Or) node()    {}
func (*Not) node()   {}
func (*Term) node()  {}
func (*Range) node() {}

func (a *And) String() string { return join(a.Nodes, " AND ") }
func (o *Or) String() string  { return join(o.Nodes, " OR ") }
func (n *Not) String() string { return "NOT " + n.Node.String() }

func (t *Term) String() string {
	v := t.Value
	if t.Phrase {
		v = strconv.Quote(v)
	}
	if t.Field != "" {
		return t.Field + ":" + v
	}
	return v
}

func (r *Range) String() string {
	open, end := "{", "}"
	if r.IncludeLower {
		open = "["
	}
	if r.IncludeUpper {
		end = "]"
	}
	lower, upper := r.Lower, r.Upper
	if lower == "" {
		lower = "*"
	}
	if upper == "" {
		upper = "*"
	}
	return r.Field + ":" + open + lower + " TO " + upper + end
}

// MatchesAll reports whether the term is the bare '*'.
func (t *Term) MatchesAll() bool {
	return !t.Phrase && t.Value == "*"
}

func join(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// newAnd combines operands, flattening nested conjunctions.
func newAnd(nodes []Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	var out []Node
	for _, n := range nodes {
		if a, ok := n.(*And); ok {
			out = append(out, a.Nodes...)
			continue
		}
		out = append(out, n)
	}
	return &And{Nodes: out}
}

// newOr combines operands, flattening nested disjunctions.
func newOr(nodes []Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	var out []Node
	for _, n := range nodes {
		if o, ok := n.(*Or); ok {
			out = append(out, o.Nodes...)
			continue
		}
		out = append(out, n)
	}
	return &Or{Nodes: out}
}

// Terms returns the leaves that are not under a negation, in input order.
func Terms(n Node) []*Term {
	var out []*Term
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case *And:
			for _, c := range t.Nodes {
				walk(c)
			}
		case *Or:
			for _, c := range t.Nodes {
				walk(c)
			}
		case *Term:
			out = append(out, t)
		}
	}
	walk(n)
	return out
}
