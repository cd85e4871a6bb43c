// Package newissues finds the catalog issues that are new for a user:
// released inside one of their subscriptions after its start date, and
// not yet in their pull ledger.
package newissues

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/pulls"
	"github.com/user/pulldb/internal/subscriptions"
)

var tracer = otel.Tracer("github.com/user/pulldb/internal/newissues")

const defaultConcurrency = 8

// Found is a new issue and the subscription it was found through.
type Found struct {
	Issue        *catalog.Issue              `json:"issue"`
	VolumeID     int64                       `json:"volume_id"`
	Subscription subscriptions.CollectionRef `json:"subscription"`
}

type Resolver struct {
	store    *entity.Store
	catalog  *catalog.Catalog
	registry *subscriptions.Registry
	ledger   *pulls.Ledger
	limit    int
	log      *slog.Logger
}

type Option func(*Resolver)

// WithConcurrency bounds how many subscriptions are scanned at once.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.limit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

func NewResolver(s *entity.Store, c *catalog.Catalog, reg *subscriptions.Registry, l *pulls.Ledger, opts ...Option) *Resolver {
	r := &Resolver{store: s, catalog: c, registry: reg, ledger: l, limit: defaultConcurrency, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve scans every subscription of user concurrently and returns the
// new issues of all of them. An issue reachable through several
// subscriptions is reported once, for the first subscription in
// collection order. Subscriptions whose collection is gone contribute
// nothing.
func (r *Resolver) Resolve(ctx context.Context, user string) (found []Found, err error) {
	ctx, span := tracer.Start(ctx, "newissues.Resolve")
	defer func() {
		span.SetAttributes(attribute.String("user_id", user), attribute.Int("items", len(found)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	subs, err := r.registry.ForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	perSub := make([][]Found, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, sub := range subs {
		g.Go(func() error {
			out, err := r.scan(gctx, sub)
			if err != nil {
				return err
			}
			perSub[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	for _, out := range perSub {
		for _, f := range out {
			if !seen[f.Issue.ID] {
				seen[f.Issue.ID] = true
				found = append(found, f)
			}
		}
	}
	return found, nil
}

// scan returns the new issues of one subscription in publication order.
func (r *Resolver) scan(ctx context.Context, sub *subscriptions.Subscription) ([]Found, error) {
	var candidates []*catalog.Issue
	var err error
	switch sub.Collection.Kind {
	case subscriptions.KindVolume:
		candidates, err = r.volumeIssues(ctx, sub)
	case subscriptions.KindArc:
		candidates, err = r.catalog.ArcIssues(ctx, sub.Collection.ID, sub.StartDate)
	}
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	keys := make([]entity.Key, len(candidates))
	for i, issue := range candidates {
		keys[i] = pulls.Key(sub.UserID, issue.ID)
	}
	existing, err := entity.GetMany[pulls.Pull](ctx, r.store, keys)
	if err != nil {
		return nil, err
	}
	var out []Found
	for i, issue := range candidates {
		if existing[i] != nil {
			continue
		}
		out = append(out, Found{Issue: issue, VolumeID: issue.VolumeID, Subscription: sub.Collection})
	}
	r.log.Debug("scanned subscription", "user_id", sub.UserID, "collection", sub.Collection.String(),
		"candidates", len(candidates), "new", len(out))
	return out, nil
}

// volumeIssues reads the volume record beside its issue scan. Issues left
// behind by a deleted volume do not count.
func (r *Resolver) volumeIssues(ctx context.Context, sub *subscriptions.Subscription) ([]*catalog.Issue, error) {
	var (
		vol    *catalog.Volume
		issues []*catalog.Issue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		vol, err = r.catalog.Volume(gctx, sub.Collection.ID)
		return err
	})
	g.Go(func() (err error) {
		issues, err = r.catalog.VolumeIssues(gctx, sub.Collection.ID, sub.StartDate)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, nil
	}
	return issues, nil
}

// Materialize adds a New pull record for every issue Resolve finds,
// attributed to the subscription it was found through.
func (r *Resolver) Materialize(ctx context.Context, user string) (bulk.Results, error) {
	found, err := r.Resolve(ctx, user)
	if err != nil || len(found) == 0 {
		return bulk.Results{}, err
	}
	adds := make([]pulls.Addition, len(found))
	for i, f := range found {
		adds[i] = pulls.Addition{IssueID: f.Issue.ID, Source: f.Subscription}
	}
	return r.ledger.AddResolved(ctx, user, adds)
}
