package pulls

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/subscriptions"
)

var tracer = otel.Tracer("github.com/user/pulldb/internal/pulls")

const defaultMaxRetries = 3

// Ledger reads and transitions pull records.
type Ledger struct {
	store    *entity.Store
	catalog  *catalog.Catalog
	registry *subscriptions.Registry
	now      func() time.Time
	retries  int
	log      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMaxRetries bounds how often one call is replayed after a concurrent
// call changed one of its records between read and commit.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retries = n
		}
	}
}

func NewLedger(s *entity.Store, c *catalog.Catalog, r *subscriptions.Registry, opts ...Option) *Ledger {
	l := &Ledger{store: s, catalog: c, registry: r, now: time.Now, retries: defaultMaxRetries, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) span(ctx context.Context, name, user string, items int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("user_id", user), attribute.Int("items", items))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// target is one requested issue. label is what the item is reported as:
// the canonical identifier, or the raw token when it does not parse.
type target struct {
	id    int64
	label string
	err   error
}

func targetsFor(raw []any) []target {
	out := make([]target, len(raw))
	for i, v := range raw {
		id, err := catalog.ParseID(v)
		if err != nil {
			out[i] = target{label: fmt.Sprint(v), err: err}
			continue
		}
		out[i] = target{id: id, label: catalog.FormatID(id)}
	}
	return out
}

// snapshot is the prefetched state of every issue a call touches.
type snapshot struct {
	pulls  map[int64]*Pull
	issues map[int64]*catalog.Issue
}

// prefetch reads the pulls of ids and, when withIssues is set, the issues
// too, all in one concurrent round-trip.
func (l *Ledger) prefetch(ctx context.Context, user string, ids []int64, withIssues bool) (snapshot, error) {
	keys := make([]entity.Key, len(ids))
	for i, id := range ids {
		keys[i] = Key(user, id)
	}
	var pulls []*Pull
	var issues []*catalog.Issue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pulls, err = entity.GetMany[Pull](gctx, l.store, keys)
		return err
	})
	if withIssues {
		g.Go(func() (err error) {
			issues, err = l.catalog.Issues(gctx, ids)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	snap := snapshot{pulls: make(map[int64]*Pull, len(ids)), issues: make(map[int64]*catalog.Issue, len(ids))}
	for i, id := range ids {
		if pulls[i] != nil {
			snap.pulls[id] = pulls[i]
		}
		if withIssues && issues[i] != nil {
			snap.issues[id] = issues[i]
		}
	}
	return snap, nil
}

func uniqueIDs(groups ...[]target) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, g := range groups {
		for _, t := range g {
			if t.err == nil && !seen[t.id] {
				seen[t.id] = true
				out = append(out, t.id)
			}
		}
	}
	return out
}

// Update applies a bulk request for user. Ops run in fixed order, each
// seeing the state left by the ones before it. Items whose issue is
// unknown, whose identifier is malformed, or that have no pull record
// fail; transitions that change nothing are skipped.
//
// The whole call commits as one conditional batch against the state it
// read. If another call changed any of those records first, the request
// is replayed from a fresh read.
func (l *Ledger) Update(ctx context.Context, user string, req Request) (res bulk.Results, err error) {
	ctx, span := l.span(ctx, "pulls.Update", user, req.size())
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}

	var plan [numOps][]target
	for _, op := range Ops() {
		plan[op] = targetsFor(req[op])
	}
	ids := uniqueIDs(plan[:]...)

	err = entity.Retry(ctx, l.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		snap, err := l.prefetch(ctx, user, ids, true)
		if err != nil {
			return err
		}

		working := make(map[int64]*Pull, len(snap.pulls))
		for id, p := range snap.pulls {
			cp := *p
			working[id] = &cp
		}
		for _, op := range Ops() {
			for _, t := range plan[op] {
				switch {
				case t.err != nil:
					l.log.Info("pull update failed, malformed identifier", "user_id", user, "op", op.String(), "issue_id", t.label)
					res.Record(bulk.Failed, t.label)
				case snap.issues[t.id] == nil:
					l.log.Info("pull update failed, issue not found", "user_id", user, "op", op.String(), "issue_id", t.id)
					res.Record(bulk.Failed, t.label)
				case working[t.id] == nil:
					l.log.Info("pull update failed, no pull record", "user_id", user, "op", op.String(), "issue_id", t.id)
					res.Record(bulk.Failed, t.label)
				case op.Apply(working[t.id]):
					l.log.Info("pull updated", "user_id", user, "op", op.String(), "issue_id", t.id)
					res.Record(bulk.Updated, t.label)
				default:
					res.Record(bulk.Skipped, t.label)
				}
			}
		}

		now := l.now().UTC()
		var swaps []entity.Swap
		for _, id := range ids {
			next, old := working[id], snap.pulls[id]
			if next == nil || *next == *old {
				continue
			}
			next.Updated = now
			swaps = append(swaps, entity.Swap{Old: *old, New: *next})
		}
		if len(swaps) == 0 {
			return nil
		}
		return l.store.Swap(ctx, swaps)
	})
	if entity.IsConflict(err) {
		l.log.Warn("pull update gave up after conflicts", "user_id", user, "attempts", l.retries)
	}
	return res, err
}

// Addition names an issue to add to a user's ledger and, optionally, the
// subscription it was found through.
type Addition struct {
	IssueID int64
	Source  subscriptions.CollectionRef
}

// Add creates New pull records for the given issues. Unknown issues fail;
// issues that already have a record are skipped. Each record is attributed
// to the user's subscription of the issue's volume, if any.
func (l *Ledger) Add(ctx context.Context, user string, ids []any) (bulk.Results, error) {
	return l.add(ctx, user, targetsFor(ids), nil)
}

// AddResolved is Add for issues already attributed to a subscription.
func (l *Ledger) AddResolved(ctx context.Context, user string, adds []Addition) (bulk.Results, error) {
	targets := make([]target, len(adds))
	sources := make(map[int64]subscriptions.CollectionRef, len(adds))
	for i, a := range adds {
		targets[i] = target{id: a.IssueID, label: catalog.FormatID(a.IssueID)}
		if a.IssueID <= 0 {
			targets[i].err = catalog.ErrInvalidID
		}
		if a.Source.ID > 0 {
			sources[a.IssueID] = a.Source
		}
	}
	return l.add(ctx, user, targets, sources)
}

func (l *Ledger) add(ctx context.Context, user string, targets []target, sources map[int64]subscriptions.CollectionRef) (res bulk.Results, err error) {
	ctx, span := l.span(ctx, "pulls.Add", user, len(targets))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}
	ids := uniqueIDs(targets)

	err = entity.Retry(ctx, l.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		snap, err := l.prefetch(ctx, user, ids, true)
		if err != nil {
			return err
		}
		watched, err := l.watchedVolumes(ctx, user, snap.issues)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		created := make(map[int64]bool)
		var swaps []entity.Swap
		for _, t := range targets {
			switch {
			case t.err != nil:
				res.Record(bulk.Failed, t.label)
			case snap.issues[t.id] == nil:
				l.log.Info("unable to add pull, issue not found", "user_id", user, "issue_id", t.id)
				res.Record(bulk.Failed, t.label)
			case snap.pulls[t.id] != nil || created[t.id]:
				l.log.Info("unable to add pull, already in ledger", "user_id", user, "issue_id", t.id)
				res.Record(bulk.Skipped, t.label)
			default:
				issue := snap.issues[t.id]
				p := Pull{
					UserID:   user,
					IssueID:  issue.ID,
					VolumeID: issue.VolumeID,
					PubDate:  issue.PubDate,
					Updated:  now,
				}
				if src, ok := sources[t.id]; ok {
					p.SubscriptionID = src.String()
				} else if sub := watched[issue.VolumeID]; sub != nil {
					p.SubscriptionID = sub.Collection.String()
				}
				created[t.id] = true
				swaps = append(swaps, entity.Swap{New: p})
				res.Record(bulk.Added, t.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return l.store.Swap(ctx, swaps)
	})
	return res, err
}

// watchedVolumes returns the user's subscriptions to the volumes of the
// given issues, keyed by volume.
func (l *Ledger) watchedVolumes(ctx context.Context, user string, issues map[int64]*catalog.Issue) (map[int64]*subscriptions.Subscription, error) {
	out := make(map[int64]*subscriptions.Subscription)
	if l.registry == nil || len(issues) == 0 {
		return out, nil
	}
	var refs []subscriptions.CollectionRef
	seen := make(map[int64]bool)
	for _, issue := range issues {
		if !seen[issue.VolumeID] {
			seen[issue.VolumeID] = true
			refs = append(refs, subscriptions.VolumeRef(issue.VolumeID))
		}
	}
	subs, err := l.registry.Lookup(ctx, user, refs)
	if err != nil {
		return nil, err
	}
	for i, s := range subs {
		if s != nil {
			out[refs[i].ID] = s
		}
	}
	return out, nil
}

// Remove deletes the pull records of the given issues. Issues without a
// record are skipped.
func (l *Ledger) Remove(ctx context.Context, user string, ids []any) (res bulk.Results, err error) {
	targets := targetsFor(ids)
	ctx, span := l.span(ctx, "pulls.Remove", user, len(targets))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}
	unique := uniqueIDs(targets)

	err = entity.Retry(ctx, l.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		snap, err := l.prefetch(ctx, user, unique, false)
		if err != nil {
			return err
		}
		removed := make(map[int64]bool)
		var swaps []entity.Swap
		for _, t := range targets {
			switch {
			case t.err != nil:
				res.Record(bulk.Failed, t.label)
			case snap.pulls[t.id] == nil || removed[t.id]:
				res.Record(bulk.Skipped, t.label)
			default:
				removed[t.id] = true
				swaps = append(swaps, entity.Swap{Old: *snap.pulls[t.id]})
				res.Record(bulk.Removed, t.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return l.store.Swap(ctx, swaps)
	})
	return res, err
}

// Weigh sets the ranking weight of pulled issues. Weights only mean
// something on pulled records, so anything else fails.
func (l *Ledger) Weigh(ctx context.Context, user string, weights map[string]float64) (res bulk.Results, err error) {
	ctx, span := l.span(ctx, "pulls.Weigh", user, len(weights))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	raw := make([]any, len(keys))
	for i, k := range keys {
		raw[i] = k
	}
	targets := targetsFor(raw)
	ids := uniqueIDs(targets)

	err = entity.Retry(ctx, l.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		snap, err := l.prefetch(ctx, user, ids, false)
		if err != nil {
			return err
		}
		now := l.now().UTC()
		var swaps []entity.Swap
		done := make(map[int64]bool)
		for i, t := range targets {
			p, weight := snap.pulls[t.id], weights[keys[i]]
			switch {
			case t.err != nil, p == nil, !p.Pulled:
				res.Record(bulk.Failed, t.label)
			case p.Weight == weight || done[t.id]:
				res.Record(bulk.Skipped, t.label)
			default:
				next := *p
				next.Weight, next.Updated = weight, now
				done[t.id] = true
				swaps = append(swaps, entity.Swap{Old: *p, New: next})
				res.Record(bulk.Updated, t.label)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return l.store.Swap(ctx, swaps)
	})
	return res, err
}

// Refresh repairs a legacy record: a missing volume back-reference is
// filled in from the issue, and flags violating the invariants are
// normalized. It returns the record and whether it was rewritten; a
// missing record is (nil, false, nil).
func (l *Ledger) Refresh(ctx context.Context, user string, issueID int64) (p *Pull, changed bool, err error) {
	ctx, span := l.span(ctx, "pulls.Refresh", user, 1)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return nil, false, bulk.ErrNoUser
	}

	err = entity.Retry(ctx, l.retries, func(ctx context.Context) error {
		p, changed = nil, false
		old, err := entity.Get[Pull](ctx, l.store, Key(user, issueID))
		if err != nil || old == nil {
			return err
		}
		next := *old
		if next.VolumeID == 0 || next.PubDate.IsZero() {
			issue, err := l.catalog.Issue(ctx, issueID)
			if err != nil {
				return err
			}
			if issue != nil {
				if next.VolumeID == 0 {
					l.log.Info("adding missing volume to pull", "user_id", user, "issue_id", issueID, "volume_id", issue.VolumeID)
					next.VolumeID = issue.VolumeID
				}
				if next.PubDate.IsZero() {
					next.PubDate = issue.PubDate
				}
			}
		}
		next.normalize()
		if next == *old {
			p = old
			return nil
		}
		next.Updated = l.now().UTC()
		if err := l.store.Swap(ctx, []entity.Swap{{Old: *old, New: next}}); err != nil {
			return err
		}
		p, changed = &next, true
		return nil
	})
	return p, changed, err
}
