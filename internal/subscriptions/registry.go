package subscriptions

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
)

var tracer = otel.Tracer("github.com/user/pulldb/internal/subscriptions")

const defaultMaxRetries = 3

// Registry manages subscriptions.
type Registry struct {
	store   *entity.Store
	catalog *catalog.Catalog
	now     func() time.Time
	retries int
	log     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for default start dates.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxRetries bounds how often a batch is retried after losing a
// conditional write to a concurrent call.
func WithMaxRetries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retries = n
		}
	}
}

func NewRegistry(s *entity.Store, c *catalog.Catalog, opts ...Option) *Registry {
	r := &Registry{store: s, catalog: c, now: time.Now, retries: defaultMaxRetries, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) span(ctx context.Context, name, user string, items int) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("user_id", user),
		attribute.Int("items", items),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// collectionsExist reports, per ref, whether the catalog knows the
// collection. Volume and arc lookups run concurrently.
func (r *Registry) collectionsExist(ctx context.Context, refs []CollectionRef) ([]bool, error) {
	volumeIDs := make([]int64, len(refs))
	arcIDs := make([]int64, len(refs))
	for i, ref := range refs {
		switch ref.Kind {
		case KindVolume:
			volumeIDs[i] = ref.ID
		case KindArc:
			arcIDs[i] = ref.ID
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
	out := make([]bool, len(refs))
	for i := range refs {
		out[i] = volumes[i] != nil || arcs[i] != nil
	}
	return out, nil
}

// Add subscribes user to every selected collection starting at start, or
// today when start is zero. Unknown collections and malformed identifiers
// fail; existing subscriptions are skipped.
func (r *Registry) Add(ctx context.Context, user string, sel Selection, start time.Time) (res bulk.Results, err error) {
	targets := sel.targets()
	ctx, span := r.span(ctx, "subscriptions.Add", user, len(targets))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}
	if start.IsZero() {
		start = r.now()
	}
	start = catalog.Day(start)

	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		refs := make([]CollectionRef, len(targets))
		keys := make([]entity.Key, len(targets))
		for i, t := range targets {
			if t.err == nil {
				refs[i], keys[i] = t.ref, Key(user, t.ref)
			}
		}
		var existing []*Subscription
		var exists []bool
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			existing, err = entity.GetMany[Subscription](gctx, r.store, keys)
			return err
		})
		g.Go(func() (err error) {
			exists, err = r.collectionsExist(gctx, refs)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		created := r.now().UTC()
		seen := make(map[CollectionRef]bool, len(targets))
		var swaps []entity.Swap
		for i, t := range targets {
			switch {
			case t.err != nil:
				r.log.Info("subscription add failed, malformed identifier", "user_id", user, "collection", t.label)
				res.Record(bulk.Failed, t.label)
			case !exists[i]:
				r.log.Info("subscription add failed, collection not found", "user_id", user, "collection", t.label)
				res.Record(bulk.Failed, t.label)
			case existing[i] != nil || seen[t.ref]:
				r.log.Info("subscription add skipped, already watching", "user_id", user, "collection", t.label)
				res.Record(bulk.Skipped, t.label)
			default:
				seen[t.ref] = true
				swaps = append(swaps, entity.Swap{New: Subscription{
					UserID: user, Collection: t.ref, StartDate: start, Created: created,
				}})
				res.Record(bulk.Added, t.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}

// Remove unsubscribes user from every selected collection. Collections
// the user does not watch are skipped.
func (r *Registry) Remove(ctx context.Context, user string, sel Selection) (res bulk.Results, err error) {
	targets := sel.targets()
	ctx, span := r.span(ctx, "subscriptions.Remove", user, len(targets))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}

	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		keys := make([]entity.Key, len(targets))
		for i, t := range targets {
			if t.err == nil {
				keys[i] = Key(user, t.ref)
			}
		}
		existing, err := entity.GetMany[Subscription](ctx, r.store, keys)
		if err != nil {
			return err
		}
		seen := make(map[CollectionRef]bool, len(targets))
		var swaps []entity.Swap
		for i, t := range targets {
			switch {
			case t.err != nil:
				res.Record(bulk.Failed, t.label)
			case existing[i] == nil || seen[t.ref]:
				r.log.Info("subscription remove skipped, not watching", "user_id", user, "collection", t.label)
				res.Record(bulk.Skipped, t.label)
			default:
				seen[t.ref] = true
				swaps = append(swaps, entity.Swap{Old: *existing[i]})
				res.Record(bulk.Removed, t.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}

type reschedule struct {
	target
	raw   string
	start time.Time
}

func (s Schedule) entries() []reschedule {
	var out []reschedule
	add := func(kind CollectionKind, m map[string]string) {
		ids := make([]string, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			e := reschedule{target: targetFor(kind, id), raw: m[id]}
			if e.err == nil {
				e.start, e.err = catalog.ParseDate(m[id])
			}
			out = append(out, e)
		}
	}
	add(KindVolume, s.Volumes)
	add(KindArc, s.Arcs)
	return out
}

// Update moves the start date of existing subscriptions. Unknown
// subscriptions, malformed identifiers and unparseable dates fail; an
// unchanged date is skipped.
func (r *Registry) Update(ctx context.Context, user string, sched Schedule) (res bulk.Results, err error) {
	entries := sched.entries()
	ctx, span := r.span(ctx, "subscriptions.Update", user, len(entries))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}

	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		keys := make([]entity.Key, len(entries))
		for i, e := range entries {
			if e.err == nil {
				keys[i] = Key(user, e.ref)
			}
		}
		existing, err := entity.GetMany[Subscription](ctx, r.store, keys)
		if err != nil {
			return err
		}
		var swaps []entity.Swap
		for i, e := range entries {
			switch {
			case e.err != nil:
				r.log.Info("subscription update failed", "user_id", user, "collection", e.label, "start_date", e.raw, "error", e.err)
				res.Record(bulk.Failed, e.label)
			case existing[i] == nil:
				r.log.Info("subscription update failed, not watching", "user_id", user, "collection", e.label)
				res.Record(bulk.Failed, e.label)
			case existing[i].StartDate.Equal(e.start):
				res.Record(bulk.Skipped, e.label)
			default:
				next := *existing[i]
				next.StartDate = e.start
				swaps = append(swaps, entity.Swap{Old: *existing[i], New: next})
				r.log.Info("subscription start moved", "user_id", user, "collection", e.label, "start_date", e.start.Format(catalog.DateLayout))
				res.Record(bulk.Updated, e.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}

// Get returns the subscription of user to ref, or nil.
func (r *Registry) Get(ctx context.Context, user string, ref CollectionRef) (*Subscription, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	return entity.Get[Subscription](ctx, r.store, Key(user, ref))
}

// Lookup fetches the subscriptions of user to refs in one batch, in ref
// order with nil where the user does not watch the collection.
func (r *Registry) Lookup(ctx context.Context, user string, refs []CollectionRef) ([]*Subscription, error) {
	keys := make([]entity.Key, len(refs))
	for i, ref := range refs {
		if ref.validate() == nil {
			keys[i] = Key(user, ref)
		}
	}
	return entity.GetMany[Subscription](ctx, r.store, keys)
}

func byCollection(a, b *Subscription) int {
	if c := strings.Compare(string(a.Collection.Kind), string(b.Collection.Kind)); c != 0 {
		return c
	}
	return cmp.Compare(a.Collection.ID, b.Collection.ID)
}

func (r *Registry) query(user string, kind CollectionKind) entity.Query[Subscription] {
	q := entity.NewQuery[Subscription](KindSubscription, user).OrderBy("collection", byCollection)
	if kind != "" {
		q = q.Where(fmt.Sprintf("kind=%s", kind), func(s *Subscription) bool { return s.Collection.Kind == kind })
	}
	return q
}

// ForUser returns every subscription of user ordered by collection.
func (r *Registry) ForUser(ctx context.Context, user string) ([]*Subscription, error) {
	if user == "" {
		return nil, bulk.ErrNoUser
	}
	return entity.Run(ctx, r.store, r.query(user, ""))
}
