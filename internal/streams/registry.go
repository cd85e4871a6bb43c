package streams

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
	"github.com/user/pulldb/internal/pulls"
)

var tracer = otel.Tracer("github.com/user/pulldb/internal/streams")

const defaultMaxRetries = 3

// Registry manages a user's streams and the pulls filed under them.
type Registry struct {
	store   *entity.Store
	catalog *catalog.Catalog
	now     func() time.Time
	retries int
	log     *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxRetries bounds how often a batch is replayed after a conflicting
// concurrent write.
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

// Add creates an empty stream per name. Existing names, and repeats within
// the call, are skipped; names that cannot be stored fail.
func (r *Registry) Add(ctx context.Context, user string, names []string) (res bulk.Results, err error) {
	ctx, span := r.span(ctx, "streams.Add", user, len(names))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}

	parsed := make([]string, len(names))
	keys := make([]entity.Key, len(names))
	for i, raw := range names {
		if name, err := ParseName(raw); err == nil {
			parsed[i] = name
			keys[i] = Key(user, name)
		}
	}
	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		existing, err := entity.GetMany[Stream](ctx, r.store, keys)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		created := make(map[string]bool)
		var swaps []entity.Swap
		for i, raw := range names {
			name := parsed[i]
			switch {
			case name == "":
				res.Record(bulk.Failed, raw)
			case existing[i] != nil || created[name]:
				res.Record(bulk.Skipped, name)
			default:
				created[name] = true
				swaps = append(swaps, entity.Swap{New: Stream{UserID: user, Name: name, Updated: now}})
				res.Record(bulk.Added, name)
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}

// Stream returns one of user's streams, or nil when it does not exist.
func (r *Registry) Stream(ctx context.Context, user, raw string) (*Stream, error) {
	if user == "" {
		return nil, bulk.ErrNoUser
	}
	name, err := ParseName(raw)
	if err != nil {
		return nil, err
	}
	return entity.Get[Stream](ctx, r.store, Key(user, name))
}

// known reports, per member kind, which of the referenced catalog records
// exist. The three lookups run concurrently.
func (r *Registry) known(ctx context.Context, ids map[Member][]int64) (map[Member]map[int64]bool, error) {
	var pubs []*catalog.Publisher
	var vols []*catalog.Volume
	var issues []*catalog.Issue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pubs, err = r.catalog.Publishers(gctx, ids[MemberPublisher])
		return err
	})
	g.Go(func() (err error) {
		vols, err = r.catalog.Volumes(gctx, ids[MemberVolume])
		return err
	})
	g.Go(func() (err error) {
		issues, err = r.catalog.Issues(gctx, ids[MemberIssue])
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := map[Member]map[int64]bool{
		MemberPublisher: {},
		MemberVolume:    {},
		MemberIssue:     {},
	}
	for i, p := range pubs {
		out[MemberPublisher][ids[MemberPublisher][i]] = p != nil
	}
	for i, v := range vols {
		out[MemberVolume][ids[MemberVolume][i]] = v != nil
	}
	for i, issue := range issues {
		out[MemberIssue][ids[MemberIssue][i]] = issue != nil
	}
	return out, nil
}

// Update applies membership edits to existing streams. Every edit gets its
// own result: updated when it changed the stream, skipped when the member
// was already there (or already gone), failed when the identifier is
// malformed or names an unknown catalog record. Changes to a missing
// stream fail under the stream's name. All touched streams commit
// together.
func (r *Registry) Update(ctx context.Context, user string, changes []Change) (res bulk.Results, err error) {
	ctx, span := r.span(ctx, "streams.Update", user, len(changes))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}

	names := make([]string, len(changes))
	var keys []entity.Key
	seen := make(map[string]bool)
	adds := make(map[Member][]int64)
	for i, c := range changes {
		name, err := ParseName(c.Name)
		if err != nil {
			continue
		}
		names[i] = name
		if !seen[name] {
			seen[name] = true
			keys = append(keys, Key(user, name))
		}
		for _, me := range c.edits() {
			for _, raw := range me.edit.Add {
				if id, err := catalog.ParseID(raw); err == nil {
					adds[me.member] = append(adds[me.member], id)
				}
			}
		}
	}

	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		var stored []*Stream
		var exists map[Member]map[int64]bool
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			stored, err = entity.GetMany[Stream](gctx, r.store, keys)
			return err
		})
		g.Go(func() (err error) {
			exists, err = r.known(gctx, adds)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		before := make(map[string]*Stream, len(stored))
		working := make(map[string]*Stream, len(stored))
		for _, s := range stored {
			if s != nil {
				before[s.Name] = s
				working[s.Name] = s.clone()
			}
		}
		changed := make(map[string]bool)
		for i, c := range changes {
			s := working[names[i]]
			if s == nil {
				r.log.Info("stream update failed, no such stream", "user_id", user, "stream", c.Name)
				res.Record(bulk.Failed, c.Name)
				continue
			}
			for _, me := range c.edits() {
				set := s.members(me.member)
				for _, raw := range me.edit.Add {
					label := editLabel(s.Name, me.member, raw, "add")
					id, err := catalog.ParseID(raw)
					switch {
					case err != nil, !exists[me.member][id]:
						res.Record(bulk.Failed, label)
					case slices.Contains(*set, id):
						res.Record(bulk.Skipped, label)
					default:
						*set = append(*set, id)
						changed[s.Name] = true
						res.Record(bulk.Updated, label)
					}
				}
				for _, raw := range me.edit.Delete {
					label := editLabel(s.Name, me.member, raw, "del")
					id, err := catalog.ParseID(raw)
					switch {
					case err != nil:
						res.Record(bulk.Failed, label)
					case !slices.Contains(*set, id):
						res.Record(bulk.Skipped, label)
					default:
						*set = slices.DeleteFunc(*set, func(v int64) bool { return v == id })
						changed[s.Name] = true
						res.Record(bulk.Updated, label)
					}
				}
			}
		}

		now := r.now().UTC()
		var swaps []entity.Swap
		for _, k := range keys {
			if !changed[k.ID] {
				continue
			}
			next := working[k.ID]
			next.Updated = now
			swaps = append(swaps, entity.Swap{Old: *before[k.ID], New: *next})
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}

// Refresh recounts the unread pulled issues filed under a stream and
// stores the count as its length. A missing stream is (nil, nil).
func (r *Registry) Refresh(ctx context.Context, user, raw string) (st *Stream, err error) {
	ctx, span := r.span(ctx, "streams.Refresh", user, 1)
	defer func() { endSpan(span, err) }()
	if user == "" {
		return nil, bulk.ErrNoUser
	}
	name, err := ParseName(raw)
	if err != nil {
		return nil, err
	}
	unread := entity.NewQuery[pulls.Pull](pulls.KindPull, user).
		Where("pulled=true", func(p *pulls.Pull) bool { return p.Pulled }).
		Where("ignored=false", func(p *pulls.Pull) bool { return !p.Ignored }).
		Where("read=false", func(p *pulls.Pull) bool { return !p.Read }).
		Where("stream="+name, func(p *pulls.Pull) bool { return p.StreamID == name })

	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		var n int
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			st, err = entity.Get[Stream](gctx, r.store, Key(user, name))
			return err
		})
		g.Go(func() (err error) {
			n, err = entity.Count(gctx, r.store, unread)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if st == nil || st.Length == n {
			return nil
		}
		next := *st
		next.Length = n
		next.Updated = r.now().UTC()
		if err := r.store.Swap(ctx, []entity.Swap{{Old: *st, New: next}}); err != nil {
			return err
		}
		st = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Assign files the given pulls under a stream. An empty name takes them
// out of whatever stream they are in. Issues with no pull record, or with
// malformed identifiers, fail; pulls already filed there are skipped.
func (r *Registry) Assign(ctx context.Context, user, stream string, ids []any) (res bulk.Results, err error) {
	ctx, span := r.span(ctx, "streams.Assign", user, len(ids))
	defer func() { endSpan(span, err) }()
	if user == "" {
		return res, bulk.ErrNoUser
	}
	name := ""
	if stream != "" {
		if name, err = ParseName(stream); err != nil {
			return res, err
		}
	}

	parsed := make([]int64, len(ids))
	keys := make([]entity.Key, len(ids))
	for i, raw := range ids {
		if id, err := catalog.ParseID(raw); err == nil {
			parsed[i] = id
			keys[i] = pulls.Key(user, id)
		}
	}
	err = entity.Retry(ctx, r.retries, func(ctx context.Context) error {
		res = bulk.Results{}
		var target *Stream
		var found []*pulls.Pull
		g, gctx := errgroup.WithContext(ctx)
		if name != "" {
			g.Go(func() (err error) {
				target, err = entity.Get[Stream](gctx, r.store, Key(user, name))
				return err
			})
		}
		g.Go(func() (err error) {
			found, err = entity.GetMany[pulls.Pull](gctx, r.store, keys)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if name != "" && target == nil {
			return fmt.Errorf("%w: %q", ErrStreamMissing, name)
		}

		now := r.now().UTC()
		filed := make(map[int64]bool)
		var swaps []entity.Swap
		for i, raw := range ids {
			p := found[i]
			switch {
			case parsed[i] == 0:
				res.Record(bulk.Failed, fmt.Sprint(raw))
			case p == nil:
				res.Record(bulk.Failed, catalog.FormatID(parsed[i]))
			case p.StreamID == name || filed[p.IssueID]:
				res.Record(bulk.Skipped, catalog.FormatID(parsed[i]))
			default:
				next := *p
				next.StreamID = name
				next.Updated = now
				filed[p.IssueID] = true
				swaps = append(swaps, entity.Swap{Old: *p, New: next})
				res.Record(bulk.Updated, catalog.FormatID(parsed[i]))
			}
		}
		if len(swaps) == 0 {
			return nil
		}
		return r.store.Swap(ctx, swaps)
	})
	return res, err
}
