package schema

import (
	"strings"

	"kqlbridge/internal/kql/syntax"
)

// Kind is the scalar family a field belongs to; it drives operator and
// literal selection in generated predicates.
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindNumeric
	KindDate
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumeric:
		return "numeric"
	case KindDate:
		return "date"
	case KindBoolean:
		return "boolean"
	}
	return "unknown"
}

// Elasticsearch type names reported for Kusto column types.
const (
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeLong    = "long"
	TypeDouble  = "double"
	TypeKeyword = "keyword"
	TypeObject  = "object"
)

var esTypes = map[string]string{
	"bool":     TypeBoolean,
	"boolean":  TypeBoolean,
	"datetime": TypeDate,
	"date":     TypeDate,
	"guid":     TypeString,
	"int":      TypeInteger,
	"long":     TypeLong,
	"real":     TypeDouble,
	"double":   TypeDouble,
	"decimal":  TypeDouble,
	"string":   TypeKeyword,
	"timespan": TypeString,
	"dynamic":  TypeObject,
}

// ESType maps a Kusto column type to the Elasticsearch type reported to
// clients. Names that are already Elasticsearch types pass through.
func ESType(kustoType string) string {
	t := strings.ToLower(strings.TrimSpace(kustoType))
	if es, ok := esTypes[t]; ok {
		return es
	}
	return t
}

// KindOf classifies an Elasticsearch type name.
func KindOf(esType string) Kind {
	switch esType {
	case TypeInteger, TypeLong, TypeDouble, "float", "short", "byte", "half_float", "scaled_float":
		return KindNumeric
	case TypeDate, "date_nanos":
		return KindDate
	case TypeBoolean:
		return KindBoolean
	case TypeKeyword, TypeString, "text":
		return KindString
	}
	return KindUnknown
}

// Field is a classified field reference. Dynamic fields live inside a
// dynamic column: Root is the column and Path the segments below it.
type Field struct {
	Name    string
	Type    string
	Kind    Kind
	Dynamic bool
	Root    string
	Path    []string
}

// Ref renders the bare accessor for the field.
func (f Field) Ref() string {
	if f.Dynamic {
		return syntax.Path(f.Root, f.Path)
	}
	return syntax.Identifier(f.Name)
}

// Expr renders the accessor with the cast a dynamic value needs before it
// can be compared.
func (f Field) Expr() string {
	if !f.Dynamic {
		return f.Ref()
	}
	switch f.Kind {
	case KindNumeric:
		return syntax.Call("todouble", f.Ref())
	case KindDate:
		return syntax.Call("todatetime", f.Ref())
	case KindBoolean:
		return syntax.Call("tobool", f.Ref())
	}
	return syntax.Call("tostring", f.Ref())
}

// classify resolves name against a flattened schema.
func classify(fields map[string]string, name string) Field {
	if typ, ok := fields[name]; ok && typ != TypeObject {
		f := Field{Name: name, Type: typ, Kind: KindOf(typ)}
		if root, path, ok := dynamicRoot(fields, name); ok {
			f.Dynamic, f.Root, f.Path = true, root, path
		}
		return f
	}
	if typ, ok := fields[name]; ok && typ == TypeObject {
		return Field{Name: name, Type: typ, Kind: KindString, Dynamic: true, Root: name}
	}
	if root, path, ok := dynamicRoot(fields, name); ok {
		return Field{Name: name, Kind: KindUnknown, Dynamic: true, Root: root, Path: path}
	}
	return Field{Name: name, Kind: KindUnknown}
}

// dynamicRoot finds the longest dotted prefix of name that is a dynamic
// column.
func dynamicRoot(fields map[string]string, name string) (string, []string, bool) {
	parts := strings.Split(name, ".")
	for i := len(parts) - 1; i >= 1; i-- {
		root := strings.Join(parts[:i], ".")
		if fields[root] == TypeObject {
			return root, parts[i:], true
		}
	}
	return "", nil, false
}

const indexerSegment = "`indexer`"

// flattenBuildSchema walks the output of KQL buildschema() and records one
// Elasticsearch type per dotted path.
func flattenBuildSchema(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case string:
		out[prefix] = ESType(t)
	case map[string]any:
		for k, sub := range t {
			if k == indexerSegment {
				flattenBuildSchema(prefix, sub, out)
				continue
			}
			flattenBuildSchema(prefix+"."+k, sub, out)
		}
	case []any:
		var scalars []string
		for _, e := range t {
			if s, ok := e.(string); ok {
				scalars = append(scalars, ESType(s))
				continue
			}
			flattenBuildSchema(prefix, e, out)
		}
		if len(scalars) > 0 {
			out[prefix] = mergeTypes(scalars)
		}
	}
}

func mergeTypes(types []string) string {
	same, numeric := true, true
	for _, t := range types {
		if t != types[0] {
			same = false
		}
		if KindOf(t) != KindNumeric {
			numeric = false
		}
	}
	switch {
	case same:
		return types[0]
	case numeric:
		return TypeDouble
	}
	return TypeKeyword
}
