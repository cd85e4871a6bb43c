package subscriptions

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/paging"
)

// Entry is one listed subscription, with its collection and publisher
// when context was requested.
type Entry struct {
	Subscription *Subscription      `json:"subscription"`
	Volume       *catalog.Volume    `json:"volume,omitempty"`
	Arc          *catalog.StoryArc  `json:"arc,omitempty"`
	Publisher    *catalog.Publisher `json:"publisher,omitempty"`
}

// ListOptions selects a page of a user's subscriptions. An empty Kind
// lists both volumes and arcs.
type ListOptions struct {
	Kind CollectionKind
	paging.Request
}

// List returns one page of user's subscriptions ordered by collection.
func (r *Registry) List(ctx context.Context, user string, opts ListOptions) (page paging.Page[Entry], err error) {
	ctx, span := r.span(ctx, "subscriptions.List", user, opts.Limit)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return page, bulk.ErrNoUser
	}
	return paging.Fetch(ctx, r.store, r.query(user, opts.Kind), opts.Request, r.hydrate, bareEntry)
}

func bareEntry(s *Subscription) Entry { return Entry{Subscription: s} }

// hydrate attaches collections, then their publishers, to a page of
// subscriptions. Each stage is a single batch over the whole page.
func (r *Registry) hydrate(ctx context.Context, subs []*Subscription) ([]Entry, error) {
	volumeIDs := make([]int64, len(subs))
	arcIDs := make([]int64, len(subs))
	for i, s := range subs {
		switch s.Collection.Kind {
		case KindVolume:
			volumeIDs[i] = s.Collection.ID
		case KindArc:
			arcIDs[i] = s.Collection.ID
		}
	}
	var volumes []*catalog.Volume
	var arcs []*catalog.StoryArc
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		volumes, err = r.catalog.Volumes(gctx, volumeIDs)
		return err
	})
	g.Go(func() (err error) {
		arcs, err = r.catalog.StoryArcs(gctx, arcIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	publisherIDs := make([]int64, len(subs))
	for i := range subs {
		switch {
		case volumes[i] != nil:
			publisherIDs[i] = volumes[i].PublisherID
		case arcs[i] != nil:
			publisherIDs[i] = arcs[i].PublisherID
		}
	}
	publishers, err := r.catalog.Publishers(ctx, publisherIDs)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(subs))
	for i, s := range subs {
		out[i] = Entry{Subscription: s, Volume: volumes[i], Arc: arcs[i], Publisher: publishers[i]}
	}
	return out, nil
}
