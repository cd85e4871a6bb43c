package streams

import (
	"cmp"
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/paging"
)

// Entry is a stream with, when context was requested, the catalog records
// it holds. Members the catalog no longer knows are left out.
type Entry struct {
	Stream     *Stream              `json:"stream"`
	Publishers []*catalog.Publisher `json:"publishers,omitempty"`
	Volumes    []*catalog.Volume    `json:"volumes,omitempty"`
	Issues     []*catalog.Issue     `json:"issues,omitempty"`
}

func bareEntry(s *Stream) Entry { return Entry{Stream: s} }

// Get returns one stream, hydrated when withContext is set. A missing
// stream is (nil, nil).
func (r *Registry) Get(ctx context.Context, user, name string, withContext bool) (*Entry, error) {
	st, err := r.Stream(ctx, user, name)
	if err != nil || st == nil {
		return nil, err
	}
	if !withContext {
		e := bareEntry(st)
		return &e, nil
	}
	entries, err := r.hydrate(ctx, []*Stream{st})
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

func byName(a, b *Stream) int { return cmp.Compare(a.Name, b.Name) }

// List returns one page of user's streams ordered by name.
func (r *Registry) List(ctx context.Context, user string, req paging.Request) (page paging.Page[Entry], err error) {
	ctx, span := r.span(ctx, "streams.List", user, req.Limit)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return page, bulk.ErrNoUser
	}
	q := entity.NewQuery[Stream](KindStream, user).OrderBy("name", byName)
	return paging.Fetch(ctx, r.store, q, req, r.hydrate, bareEntry)
}

// hydrate fetches the members of a whole page of streams with one batch
// per member kind, the three batches running concurrently.
func (r *Registry) hydrate(ctx context.Context, page []*Stream) ([]Entry, error) {
	var pubIDs, volIDs, issueIDs []int64
	for _, s := range page {
		pubIDs = append(pubIDs, s.Publishers...)
		volIDs = append(volIDs, s.Volumes...)
		issueIDs = append(issueIDs, s.Issues...)
	}
	var pubs []*catalog.Publisher
	var vols []*catalog.Volume
	var issues []*catalog.Issue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pubs, err = r.catalog.Publishers(gctx, pubIDs)
		return err
	})
	g.Go(func() (err error) {
		vols, err = r.catalog.Volumes(gctx, volIDs)
		return err
	})
	g.Go(func() (err error) {
		issues, err = r.catalog.Issues(gctx, issueIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Entry, len(page))
	var p, v, i int
	for n, s := range page {
		out[n] = Entry{
			Stream:     s,
			Publishers: present(pubs[p : p+len(s.Publishers)]),
			Volumes:    present(vols[v : v+len(s.Volumes)]),
			Issues:     present(issues[i : i+len(s.Issues)]),
		}
		p += len(s.Publishers)
		v += len(s.Volumes)
		i += len(s.Issues)
	}
	return out, nil
}

func present[T any](in []*T) []*T {
	var out []*T
	for _, x := range in {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}
