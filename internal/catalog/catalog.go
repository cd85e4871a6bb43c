package catalog

import (
	"cmp"
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/entity"
)

// Catalog reads catalog records from the entity store.
type Catalog struct {
	store *entity.Store
}

func New(s *entity.Store) *Catalog {
	return &Catalog{store: s}
}

func (c *Catalog) Publisher(ctx context.Context, id int64) (*Publisher, error) {
	return entity.Get[Publisher](ctx, c.store, PublisherKey(id))
}

func (c *Catalog) Publishers(ctx context.Context, ids []int64) ([]*Publisher, error) {
	return entity.GetMany[Publisher](ctx, c.store, keysFor(ids, PublisherKey))
}

func (c *Catalog) Volume(ctx context.Context, id int64) (*Volume, error) {
	return entity.Get[Volume](ctx, c.store, VolumeKey(id))
}

func (c *Catalog) Volumes(ctx context.Context, ids []int64) ([]*Volume, error) {
	return entity.GetMany[Volume](ctx, c.store, keysFor(ids, VolumeKey))
}

func (c *Catalog) StoryArc(ctx context.Context, id int64) (*StoryArc, error) {
	return entity.Get[StoryArc](ctx, c.store, ArcKey(id))
}

func (c *Catalog) StoryArcs(ctx context.Context, ids []int64) ([]*StoryArc, error) {
	return entity.GetMany[StoryArc](ctx, c.store, keysFor(ids, ArcKey))
}

// keysFor maps ids to keys; zero ids become zero keys so GetMany skips them.
func keysFor(ids []int64, key func(int64) entity.Key) []entity.Key {
	keys := make([]entity.Key, len(ids))
	for i, id := range ids {
		if id > 0 {
			keys[i] = key(id)
		}
	}
	return keys
}

func (c *Catalog) Issue(ctx context.Context, id int64) (*Issue, error) {
	out, err := c.Issues(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Issues resolves bare issue identifiers through the issue locator. The
// result is in request order with nil for unknown issues.
func (c *Catalog) Issues(ctx context.Context, ids []int64) ([]*Issue, error) {
	lookups := make([]IssueLookup, len(ids))
	for i, id := range ids {
		lookups[i] = IssueLookup{ID: id}
	}
	return c.LookupIssues(ctx, lookups)
}

// IssueLookup names an issue by identifier, optionally with the volume the
// caller already believes owns it.
type IssueLookup struct {
	ID       int64
	VolumeID int64
}

// LookupIssues fetches issues using the direct volume reference first and
// falling back to the issue locator for lookups without one. A direct
// reference that misses is retried through the locator, since the issue
// may have moved volumes since the reference was recorded.
func (c *Catalog) LookupIssues(ctx context.Context, lookups []IssueLookup) ([]*Issue, error) {
	out := make([]*Issue, len(lookups))
	direct := make([]entity.Key, len(lookups))
	for i, l := range lookups {
		if l.ID > 0 && l.VolumeID > 0 {
			direct[i] = IssueKey(l.VolumeID, l.ID)
		}
	}
	found, err := entity.GetMany[Issue](ctx, c.store, direct)
	if err != nil {
		return nil, err
	}

	var pending []int
	locators := make([]entity.Key, len(lookups))
	for i, l := range lookups {
		if found[i] != nil {
			out[i] = found[i]
			continue
		}
		if l.ID > 0 {
			locators[i] = locatorKey(l.ID)
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return out, nil
	}

	refs, err := entity.GetMany[issueLocator](ctx, c.store, locators)
	if err != nil {
		return nil, err
	}
	located := make([]entity.Key, len(lookups))
	for _, i := range pending {
		if refs[i] != nil {
			located[i] = IssueKey(refs[i].VolumeID, refs[i].ID)
		}
	}
	issues, err := entity.GetMany[Issue](ctx, c.store, located)
	if err != nil {
		return nil, err
	}
	for _, i := range pending {
		out[i] = issues[i]
	}
	return out, nil
}

func byPubDate(a, b *Issue) int {
	if c := a.PubDate.Compare(b.PubDate); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// VolumeIssues returns the issues of a volume ordered by publication date.
// A non-zero after keeps only issues published strictly after that date.
func (c *Catalog) VolumeIssues(ctx context.Context, volumeID int64, after time.Time) ([]*Issue, error) {
	q := entity.NewQuery[Issue](KindIssue, FormatID(volumeID)).OrderBy("pubdate", byPubDate)
	if !after.IsZero() {
		q = q.Where("pubdate>"+after.Format(DateLayout), func(i *Issue) bool {
			return i.PubDate.After(after)
		})
	}
	return entity.Run(ctx, c.store, q)
}

// ArcIssues returns the known issues of a story arc ordered by publication
// date, filtered the same way as VolumeIssues. An unknown arc has no issues.
func (c *Catalog) ArcIssues(ctx context.Context, arcID int64, after time.Time) ([]*Issue, error) {
	arc, err := c.StoryArc(ctx, arcID)
	if err != nil || arc == nil {
		return nil, err
	}
	issues, err := c.Issues(ctx, arc.IssueIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		if i != nil && (after.IsZero() || i.PubDate.After(after)) {
			out = append(out, i)
		}
	}
	slices.SortFunc(out, byPubDate)
	return out, nil
}

// Stats counts incomplete and unindexed records of one kind.
type Stats struct {
	Queued  int `json:"queued"`
	ToIndex int `json:"toindex"`
	Total   int `json:"total"`
}

type syncFlags interface {
	flags() (complete, indexed bool)
}

func (v *Volume) flags() (bool, bool)   { return v.Complete, v.Indexed }
func (a *StoryArc) flags() (bool, bool) { return a.Complete, a.Indexed }

func stats[T any, PT interface {
	*T
	syncFlags
}](ctx context.Context, s *entity.Store, kind entity.Kind) (Stats, error) {
	base := entity.NewQuery[T](kind, "")
	var st Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Queued, err = entity.Count(gctx, s, base.Where("complete=false", func(v *T) bool {
			complete, _ := PT(v).flags()
			return !complete
		}))
		return err
	})
	g.Go(func() (err error) {
		st.ToIndex, err = entity.Count(gctx, s, base.Where("indexed=false", func(v *T) bool {
			_, indexed := PT(v).flags()
			return !indexed
		}))
		return err
	})
	g.Go(func() (err error) {
		st.Total, err = entity.Count(gctx, s, base)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (c *Catalog) VolumeStats(ctx context.Context) (Stats, error) {
	return stats[Volume](ctx, c.store, KindVolume)
}

func (c *Catalog) ArcStats(ctx context.Context) (Stats, error) {
	return stats[StoryArc](ctx, c.store, KindStoryArc)
}
