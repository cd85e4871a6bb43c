package entity

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/user/pulldb/internal/kv"
)

// Filter is a named predicate. The name takes part in the query signature
// that cursors are bound to, so it must describe the predicate's value too
// (e.g. "pulled=true").
type Filter[T any] struct {
	Name  string
	Match func(*T) bool
}

// Order sorts query results. Ties keep key order.
type Order[T any] struct {
	Name    string
	Compare func(a, b *T) int
	Desc    bool
}

// Query selects entities of one kind under one ancestor.
type Query[T any] struct {
	Kind     Kind
	Ancestor string
	Filters  []Filter[T]
	Order    *Order[T]
}

// NewQuery starts a query over every entity of kind owned by ancestor.
func NewQuery[T any](kind Kind, ancestor string) Query[T] {
	return Query[T]{Kind: kind, Ancestor: ancestor}
}

// Where returns a copy of q with an additional filter.
func (q Query[T]) Where(name string, match func(*T) bool) Query[T] {
	q.Filters = append(slices.Clip(q.Filters), Filter[T]{Name: name, Match: match})
	return q
}

// OrderBy returns a copy of q sorted ascending by cmp.
func (q Query[T]) OrderBy(name string, cmp func(a, b *T) int) Query[T] {
	q.Order = &Order[T]{Name: name, Compare: cmp}
	return q
}

// Reverse returns a copy of q with its sort direction flipped.
func (q Query[T]) Reverse() Query[T] {
	if q.Order == nil {
		return q
	}
	o := *q.Order
	o.Desc = !o.Desc
	q.Order = &o
	return q
}

// Signature describes the query shape. Cursors are only valid for queries
// with the same signature.
func (q Query[T]) Signature() string {
	var b strings.Builder
	b.WriteString(string(q.Kind))
	b.WriteByte('|')
	b.WriteString(q.Ancestor)
	for _, f := range q.Filters {
		b.WriteByte('|')
		b.WriteString(f.Name)
	}
	if q.Order != nil {
		b.WriteString("|order=")
		b.WriteString(q.Order.Name)
		if q.Order.Desc {
			b.WriteString(" desc")
		}
	}
	return b.String()
}

func (q Query[T]) matches(v *T) bool {
	for _, f := range q.Filters {
		if !f.Match(v) {
			return false
		}
	}
	return true
}

// Run returns every matching entity in query order.
func Run[T any](ctx context.Context, s *Store, q Query[T]) ([]*T, error) {
	if err := kv.ValidatePart("ancestor", q.Ancestor); err != nil {
		return nil, err
	}
	rows, err := scan[T](ctx, s, kv.AncestorPrefix(string(q.Kind), q.Ancestor))
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		if q.matches(r.value) {
			out = append(out, r.value)
		}
	}
	if q.Order != nil {
		cmp := q.Order.Compare
		if q.Order.Desc {
			cmp = func(a, b *T) int { return q.Order.Compare(b, a) }
		}
		slices.SortStableFunc(out, cmp)
	}
	return out, nil
}

// Count returns the number of matching entities.
func Count[T any](ctx context.Context, s *Store, q Query[T]) (int, error) {
	out, err := Run(ctx, s, q)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// Page is one page of query results.
type Page[T any] struct {
	Items      []*T
	NextCursor string
	More       bool
}

// FetchPage returns up to limit results starting at cursor. An empty
// cursor starts at the beginning; NextCursor is empty once the result set
// is exhausted.
func FetchPage[T any](ctx context.Context, s *Store, q Query[T], limit int, cursor string) (Page[T], error) {
	if limit <= 0 {
		return Page[T]{}, fmt.Errorf("page limit must be positive, got %d", limit)
	}
	offset, err := DecodeCursor(cursor, q.Signature())
	if err != nil {
		return Page[T]{}, err
	}
	all, err := Run(ctx, s, q)
	if err != nil {
		return Page[T]{}, err
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := min(offset+limit, len(all))
	page := Page[T]{Items: all[offset:end]}
	if end < len(all) {
		page.More = true
		page.NextCursor = EncodeCursor(end, q.Signature())
	}
	return page, nil
}
