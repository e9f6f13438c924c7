package schema

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Retriever lazily loads the schema of one table. The fetch runs at most
// once; concurrent callers share the in-flight result and later callers get
// the cached one, including a cached error.
type Retriever struct {
	fetcher Fetcher
	table   Table
	group   singleflight.Group

	mu     sync.Mutex
	done   bool
	fields map[string]string
	err    error
}

func NewRetriever(fetcher Fetcher, table Table) *Retriever {
	return &Retriever{fetcher: fetcher, table: table}
}

// Table returns the table the retriever reads.
func (r *Retriever) Table() Table {
	return r.table
}

// Fields returns the flattened field map.
func (r *Retriever) Fields(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	if r.done {
		fields, err := r.fields, r.err
		r.mu.Unlock()
		return fields, err
	}
	r.mu.Unlock()

	// the first caller's cancellation must not fail the waiters
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.table.String(), func() (any, error) {
		r.mu.Lock()
		if r.done {
			defer r.mu.Unlock()
			return r.fields, r.err
		}
		r.mu.Unlock()

		fields, err := r.fetcher.FetchSchema(fetchCtx, r.table)
		r.mu.Lock()
		r.fields, r.err, r.done = fields, err, true
		r.mu.Unlock()
		return fields, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]string), nil
	}
}

// Classify resolves a field name to its type and accessor shape. Unknown
// fields classify as KindUnknown and are treated like strings by callers.
func (r *Retriever) Classify(ctx context.Context, name string) (Field, error) {
	fields, err := r.Fields(ctx)
	if err != nil {
		return Field{}, err
	}
	return classify(fields, name), nil
}

// Capability is one entry of a field-capabilities response.
type Capability struct {
	Name         string
	Type         string
	Searchable   bool
	Aggregatable bool
}

// FieldCaps lists every field except metadata ones, sorted by name.
func (r *Retriever) FieldCaps(ctx context.Context) ([]Capability, error) {
	fields, err := r.Fields(ctx)
	if err != nil {
		return nil, err
	}
	caps := make([]Capability, 0, len(fields))
	for name, typ := range fields {
		if strings.HasPrefix(name, "_") {
			continue
		}
		caps = append(caps, Capability{Name: name, Type: typ, Searchable: true, Aggregatable: true})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}
