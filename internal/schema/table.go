package schema

import (
	"strings"

	"kqlbridge/internal/kql/syntax"
)

// Table addresses a backend table. Name may carry a '*' wildcard, in which
// case queries run over the union of matching tables.
type Table struct {
	Database string
	Name     string
}

// ParseIndex resolves an Elasticsearch index name. "db:table" selects the
// database explicitly; anything else uses defaultDatabase.
func ParseIndex(index, defaultDatabase string) Table {
	if db, name, ok := strings.Cut(index, ":"); ok && db != "" && name != "" {
		return Table{Database: db, Name: name}
	}
	return Table{Database: defaultDatabase, Name: index}
}

// Wildcard reports whether the table name matches several tables.
func (t Table) Wildcard() bool {
	return strings.Contains(t.Name, "*")
}

// Expr renders the tabular expression the table is read with.
func (t Table) Expr() string {
	if t.Wildcard() {
		return "union " + syntax.Database(t.Database) + "." + t.Name
	}
	return syntax.Database(t.Database) + "." + syntax.Identifier(t.Name)
}

func (t Table) String() string {
	return t.Database + ":" + t.Name
}
