package kusto

import "strings"

// Column is a result column. Type is the normalized Kusto scalar type name
// (bool, datetime, dynamic, guid, int, long, real, decimal, string, timespan).
type Column struct {
	Name string
	Type string
}

// Table is one tabular result set.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

// ColumnIndex returns the ordinal of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	if t == nil {
		return -1
	}
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Result holds every table a query produced.
type Result struct {
	Tables []*Table
}

// Table returns the result table with the given name, nil when absent.
func (r *Result) Table(name string) *Table {
	if r == nil {
		return nil
	}
	for _, t := range r.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Empty is the result substituted for queries that reference a field the
// table does not have.
func Empty() *Result {
	return &Result{}
}

var typeAliases = map[string]string{
	"bool":       "bool",
	"boolean":    "bool",
	"sbyte":      "bool",
	"datetime":   "datetime",
	"date":       "datetime",
	"dynamic":    "dynamic",
	"object":     "dynamic",
	"guid":       "guid",
	"uniqueid":   "guid",
	"int":        "int",
	"int32":      "int",
	"long":       "long",
	"int64":      "long",
	"real":       "real",
	"double":     "real",
	"decimal":    "decimal",
	"sqldecimal": "decimal",
	"string":     "string",
	"timespan":   "timespan",
	"time":       "timespan",
}

// NormalizeType maps the type spellings used by the different Kusto
// endpoints (ColumnType, DataType, CLR names) to one name.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "System."))
	t = strings.TrimPrefix(t, "system.")
	if n, ok := typeAliases[t]; ok {
		return n
	}
	return t
}
