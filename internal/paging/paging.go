// Package paging wraps an entity query with cursor paging, an optional
// concurrent total count, and optional per-page context hydration.
package paging

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/entity"
)

// DefaultLimit is the page size used when a request leaves Limit unset.
const DefaultLimit = 100

// Request selects one page of a query.
type Request struct {
	Limit   int
	Cursor  string
	Context bool
	Count   bool
}

// Clamp returns r with Limit defaulted to def when unset and capped at ceiling.
func (r Request) Clamp(def, ceiling int) Request {
	if r.Limit <= 0 {
		r.Limit = def
	}
	if ceiling > 0 && r.Limit > ceiling {
		r.Limit = ceiling
	}
	return r
}

// Page is one page of shaped rows.
type Page[R any] struct {
	Items      []R
	NextCursor string
	More       bool
	// Total is the size of the whole result set; only set when Counted.
	Total   int
	Counted bool
}

// Enrich hydrates a full page of rows in one batch. It must return one
// result per row, in row order.
type Enrich[T, R any] func(ctx context.Context, rows []*T) ([]R, error)

// Fetch returns one page of q. When req.Count is set the total is computed
// by a separate query running concurrently with the page fetch. When
// req.Context is set the page is passed through enrich; otherwise every
// row goes through bare and related entities stay empty.
func Fetch[T, R any](ctx context.Context, s *entity.Store, q entity.Query[T], req Request, enrich Enrich[T, R], bare func(*T) R) (Page[R], error) {
	req = req.Clamp(DefaultLimit, 0)
	var out Page[R]
	g, gctx := errgroup.WithContext(ctx)
	if req.Count {
		g.Go(func() error {
			n, err := entity.Count(gctx, s, q)
			if err != nil {
				return err
			}
			out.Total, out.Counted = n, true
			return nil
		})
	}
	g.Go(func() error {
		page, err := entity.FetchPage(gctx, s, q, req.Limit, req.Cursor)
		if err != nil {
			return err
		}
		out.NextCursor, out.More = page.NextCursor, page.More
		if req.Context && enrich != nil {
			items, err := enrich(gctx, page.Items)
			if err != nil {
				return err
			}
			if len(items) != len(page.Items) {
				return fmt.Errorf("hydrated %d rows, want %d", len(items), len(page.Items))
			}
			out.Items = items
			return nil
		}
		out.Items = make([]R, len(page.Items))
		for i, row := range page.Items {
			out.Items[i] = bare(row)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Page[R]{}, err
	}
	return out, nil
}
