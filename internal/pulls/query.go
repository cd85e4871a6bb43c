package pulls

import (
	"cmp"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/paging"
	"github.com/user/pulldb/internal/subscriptions"
)

// Entry is a pull with, when context was requested, its issue, volume and
// originating subscription.
type Entry struct {
	Pull         *Pull                       `json:"pull"`
	Issue        *catalog.Issue              `json:"issue,omitempty"`
	Volume       *catalog.Volume             `json:"volume,omitempty"`
	Subscription *subscriptions.Subscription `json:"subscription,omitempty"`
}

func bareEntry(p *Pull) Entry { return Entry{Pull: p} }

// Fetch returns the user's pulls of the given issues in request order.
// Malformed identifiers and issues without a record are left out.
func (l *Ledger) Fetch(ctx context.Context, user string, ids []any) ([]*Pull, error) {
	if user == "" {
		return nil, bulk.ErrNoUser
	}
	targets := targetsFor(ids)
	keys := make([]entity.Key, len(targets))
	for i, t := range targets {
		if t.err == nil {
			keys[i] = Key(user, t.id)
		}
	}
	found, err := entity.GetMany[Pull](ctx, l.store, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*Pull, 0, len(found))
	for _, p := range found {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns the user's pull of one issue, hydrated when withContext is
// set. A missing record is (nil, nil).
func (l *Ledger) Get(ctx context.Context, user string, issueID int64, withContext bool) (*Entry, error) {
	if user == "" {
		return nil, bulk.ErrNoUser
	}
	p, err := entity.Get[Pull](ctx, l.store, Key(user, issueID))
	if err != nil || p == nil {
		return nil, err
	}
	if !withContext {
		e := bareEntry(p)
		return &e, nil
	}
	entries, err := l.hydrate(ctx, []*Pull{p})
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// ListKind selects which pulls List returns.
type ListKind string

const (
	ListAll     ListKind = "all"
	ListNew     ListKind = "new"
	ListUnread  ListKind = "unread"
	ListIgnored ListKind = "ignored"
)

func ParseListKind(s string) (ListKind, error) {
	switch k := ListKind(s); k {
	case ListAll, ListNew, ListUnread, ListIgnored:
		return k, nil
	case "":
		return ListAll, nil
	default:
		return "", fmt.Errorf("unknown pull list %q", s)
	}
}

// ListOptions selects a page of a user's pulls.
type ListOptions struct {
	Kind ListKind
	// All includes ignored issues in the new list.
	All bool
	// Weighted orders by weight instead of publication date.
	Weighted bool
	Reverse  bool
	// Collection, when set, keeps only pulls of that volume or that came
	// from that arc subscription.
	Collection *subscriptions.CollectionRef
	paging.Request
}

func byPubDate(a, b *Pull) int {
	if c := a.PubDate.Compare(b.PubDate); c != 0 {
		return c
	}
	return cmp.Compare(a.IssueID, b.IssueID)
}

func byWeight(a, b *Pull) int {
	if c := cmp.Compare(a.Weight, b.Weight); c != 0 {
		return c
	}
	return byPubDate(a, b)
}

func isPulled(p *Pull) bool { return p.Pulled }
func notPulled(p *Pull) bool { return !p.Pulled }
func isIgnored(p *Pull) bool { return p.Ignored }
func notIgnored(p *Pull) bool { return !p.Ignored }
func isUnread(p *Pull) bool { return !p.Read }
func isRead(p *Pull) bool { return p.Read }

func (l *Ledger) query(user string, opts ListOptions) (entity.Query[Pull], error) {
	q := entity.NewQuery[Pull](KindPull, user)
	switch opts.Kind {
	case ListAll, "":
	case ListIgnored:
		q = q.Where("ignored=true", isIgnored)
	case ListNew:
		q = q.Where("pulled=false", notPulled)
		if !opts.All {
			q = q.Where("ignored=false", notIgnored)
		}
	case ListUnread:
		q = q.Where("pulled=true", isPulled).Where("ignored=false", notIgnored).Where("read=false", isUnread)
	default:
		return q, fmt.Errorf("unknown pull list %q", opts.Kind)
	}
	if ref := opts.Collection; ref != nil {
		name := "collection=" + ref.String()
		switch ref.Kind {
		case subscriptions.KindVolume:
			q = q.Where(name, func(p *Pull) bool { return p.VolumeID == ref.ID })
		default:
			label := ref.String()
			q = q.Where(name, func(p *Pull) bool { return p.SubscriptionID == label })
		}
	}
	if opts.Weighted {
		q = q.OrderBy("weight", byWeight)
	} else {
		q = q.OrderBy("pubdate", byPubDate)
	}
	if opts.Reverse {
		q = q.Reverse()
	}
	return q, nil
}

// List returns one page of the user's pulls. The total is counted
// concurrently with the page when opts.Count is set.
func (l *Ledger) List(ctx context.Context, user string, opts ListOptions) (page paging.Page[Entry], err error) {
	ctx, span := l.span(ctx, "pulls.List", user, opts.Limit)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return page, bulk.ErrNoUser
	}
	q, err := l.query(user, opts)
	if err != nil {
		return page, err
	}
	return paging.Fetch(ctx, l.store, q, opts.Request, l.hydrate, bareEntry)
}

// Counts summarizes a user's ledger.
type Counts struct {
	Ignored int `json:"ignored"`
	New     int `json:"new"`
	Unread  int `json:"unread"`
	Read    int `json:"read"`
	Total   int `json:"total"`
}

// Stats counts the user's pulls by state. The counts run concurrently.
func (l *Ledger) Stats(ctx context.Context, user string) (c Counts, err error) {
	ctx, span := l.span(ctx, "pulls.Stats", user, 0)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return c, bulk.ErrNoUser
	}
	base := entity.NewQuery[Pull](KindPull, user)
	counts := []struct {
		dst *int
		q   entity.Query[Pull]
	}{
		{&c.Ignored, base.Where("ignored=true", isIgnored)},
		{&c.New, base.Where("pulled=false", notPulled).Where("ignored=false", notIgnored)},
		{&c.Unread, base.Where("pulled=true", isPulled).Where("read=false", isUnread)},
		{&c.Read, base.Where("pulled=true", isPulled).Where("read=true", isRead)},
		{&c.Total, base},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, cq := range counts {
		g.Go(func() (err error) {
			*cq.dst, err = entity.Count(gctx, l.store, cq.q)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// hydrate attaches issues, volumes and subscriptions to a page of pulls.
// Issues are found through the pull's volume reference first and the
// issue locator second. A pull with no volume reference takes its volume
// from the issue, which costs one more batch for the whole page.
func (l *Ledger) hydrate(ctx context.Context, pulls []*Pull) ([]Entry, error) {
	lookups := make([]catalog.IssueLookup, len(pulls))
	volumeIDs := make([]int64, len(pulls))
	refs := make([]subscriptions.CollectionRef, len(pulls))
	for i, p := range pulls {
		lookups[i] = catalog.IssueLookup{ID: p.IssueID, VolumeID: p.VolumeID}
		volumeIDs[i] = p.VolumeID
		if p.SubscriptionID != "" {
			refs[i], _ = subscriptions.ParseCollectionRef(p.SubscriptionID)
		}
	}

	var issues []*catalog.Issue
	var volumes []*catalog.Volume
	var subs []*subscriptions.Subscription
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		issues, err = l.catalog.LookupIssues(gctx, lookups)
		return err
	})
	g.Go(func() (err error) {
		volumes, err = l.catalog.Volumes(gctx, volumeIDs)
		return err
	})
	if l.registry != nil && len(pulls) > 0 {
		g.Go(func() (err error) {
			subs, err = l.registry.Lookup(gctx, pulls[0].UserID, refs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var missing []int
	derived := make([]int64, len(pulls))
	for i := range pulls {
		if volumes[i] == nil && issues[i] != nil {
			derived[i] = issues[i].VolumeID
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		fallback, err := l.catalog.Volumes(ctx, derived)
		if err != nil {
			return nil, err
		}
		for _, i := range missing {
			volumes[i] = fallback[i]
		}
	}

	out := make([]Entry, len(pulls))
	for i, p := range pulls {
		out[i] = Entry{Pull: p, Issue: issues[i], Volume: volumes[i]}
		if subs != nil {
			out[i].Subscription = subs[i]
		}
	}
	return out, nil
}
