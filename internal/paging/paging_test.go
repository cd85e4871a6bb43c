package paging_test

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/kvstore"
	"github.com/user/pulldb/internal/paging"
)

type row struct {
	Owner string `json:"owner"`
	ID    string `json:"id"`
	Pos   int    `json:"pos"`
}

func (r row) EntityKey() entity.Key { return entity.NewKey("row", r.Owner, r.ID) }

type shaped struct {
	ID    string
	Extra string
}

func testStore(t *testing.T, n int) *entity.Store {
	t.Helper()
	b, err := kvstore.OpenMemory(kvstore.KindPebble)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	s := entity.NewStore(b)
	t.Cleanup(func() { _ = s.Close() })
	var es []entity.Entity
	for i := range n {
		// Keys sort opposite to Pos so ordering is visibly driven by the query.
		es = append(es, row{Owner: "u", ID: fmt.Sprintf("k%02d", n-i), Pos: i})
	}
	if err := s.PutMany(context.Background(), es); err != nil {
		t.Fatalf("PutMany: %v", err)
	}
	return s
}

func byPos() entity.Query[row] {
	return entity.NewQuery[row]("row", "u").OrderBy("pos", func(a, b *row) int { return cmp.Compare(a.Pos, b.Pos) })
}

func bare(r *row) shaped { return shaped{ID: r.ID} }

func TestFetchWalksPages(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()
	req := paging.Request{Limit: 2}

	var sizes []int
	var mores []bool
	for range 3 {
		page, err := paging.Fetch(ctx, s, byPos(), req, nil, bare)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		sizes = append(sizes, len(page.Items))
		mores = append(mores, page.More)
		if page.More && page.NextCursor == "" {
			t.Error("more results but empty cursor")
		}
		if !page.More && page.NextCursor != "" {
			t.Errorf("exhausted page has cursor %q", page.NextCursor)
		}
		req.Cursor = page.NextCursor
	}
	if fmt.Sprint(sizes) != "[2 2 1]" || fmt.Sprint(mores) != "[true true false]" {
		t.Errorf("pages = %v more = %v, want [2 2 1] [true true false]", sizes, mores)
	}
}

func TestFetchBareLeavesContextEmpty(t *testing.T) {
	s := testStore(t, 3)
	called := false
	enrich := func(ctx context.Context, rows []*row) ([]shaped, error) {
		called = true
		return nil, nil
	}
	page, err := paging.Fetch(context.Background(), s, byPos(), paging.Request{Limit: 10}, enrich, bare)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if called {
		t.Error("enrich called without context")
	}
	for _, it := range page.Items {
		if it.Extra != "" {
			t.Errorf("item %s has context %q", it.ID, it.Extra)
		}
	}
	if page.Counted {
		t.Error("total counted without Count")
	}
}

func TestFetchEnrichesWholePageInOrder(t *testing.T) {
	s := testStore(t, 4)
	batches := 0
	enrich := func(ctx context.Context, rows []*row) ([]shaped, error) {
		batches++
		out := make([]shaped, len(rows))
		for i, r := range rows {
			out[i] = shaped{ID: r.ID, Extra: fmt.Sprintf("pos-%d", r.Pos)}
		}
		return out, nil
	}
	page, err := paging.Fetch(context.Background(), s, byPos(), paging.Request{Limit: 3, Context: true, Count: true}, enrich, bare)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if batches != 1 {
		t.Errorf("enrich batches = %d, want 1", batches)
	}
	for i, it := range page.Items {
		if want := fmt.Sprintf("pos-%d", i); it.Extra != want {
			t.Errorf("item %d extra = %q, want %q", i, it.Extra, want)
		}
	}
	if !page.Counted || page.Total != 4 {
		t.Errorf("total = %d (counted %v), want 4", page.Total, page.Counted)
	}
}

func TestFetchRejectsShortHydration(t *testing.T) {
	s := testStore(t, 2)
	enrich := func(ctx context.Context, rows []*row) ([]shaped, error) { return nil, nil }
	_, err := paging.Fetch(context.Background(), s, byPos(), paging.Request{Limit: 2, Context: true}, enrich, bare)
	if err == nil {
		t.Fatal("expected error for mismatched hydration")
	}
}

func TestFetchPropagatesEnrichError(t *testing.T) {
	s := testStore(t, 2)
	boom := errors.New("boom")
	enrich := func(ctx context.Context, rows []*row) ([]shaped, error) { return nil, boom }
	_, err := paging.Fetch(context.Background(), s, byPos(), paging.Request{Limit: 2, Context: true}, enrich, bare)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestFetchForeignCursor(t *testing.T) {
	s := testStore(t, 3)
	page, err := paging.Fetch(context.Background(), s, byPos(), paging.Request{Limit: 1}, nil, bare)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_, err = paging.Fetch(context.Background(), s, byPos().Reverse(), paging.Request{Limit: 1, Cursor: page.NextCursor}, nil, bare)
	if !entity.IsInvalidCursor(err) {
		t.Errorf("err = %v, want invalid cursor", err)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct{ in, want int }{{0, 25}, {-1, 25}, {10, 10}, {500, 100}}
	for _, tt := range tests {
		if got := (paging.Request{Limit: tt.in}).Clamp(25, 100).Limit; got != tt.want {
			t.Errorf("Clamp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
