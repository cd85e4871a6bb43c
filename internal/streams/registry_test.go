package streams_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/kvstore"
	"github.com/user/pulldb/internal/paging"
	"github.com/user/pulldb/internal/pulls"
	"github.com/user/pulldb/internal/streams"
)

const user = "alice"

type env struct {
	store   *entity.Store
	ledger  *pulls.Ledger
	streams *streams.Registry
}

func newEnv(t *testing.T, kind string) *env {
	t.Helper()
	b, err := kvstore.OpenMemory(kind)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	s := entity.NewStore(b)
	t.Cleanup(func() { _ = s.Close() })

	c := catalog.New(s)
	_, err = c.Load(context.Background(), catalog.Fixture{
		Publishers: []catalog.Publisher{{ID: 1, Name: "Image"}},
		Volumes:    []catalog.FixtureVolume{{ID: 10, Publisher: 1, Name: "Saga"}},
		Issues: []catalog.FixtureIssue{
			{ID: 101, Volume: 10, PubDate: "2020-01-01"},
			{ID: 102, Volume: 10, PubDate: "2020-01-02"},
			{ID: 103, Volume: 10, PubDate: "2020-01-03"},
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	clock := func() time.Time { return time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC) }
	return &env{
		store:   s,
		ledger:  pulls.NewLedger(s, c, nil),
		streams: streams.NewRegistry(s, c, streams.WithClock(clock)),
	}
}

func checkBucket(t *testing.T, res bulk.Results, b bulk.Bucket, want ...string) {
	t.Helper()
	got := res.Get(b)
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Errorf("%s = %v, want %v", b, got, want)
	}
}

func backends(t *testing.T, fn func(t *testing.T, e *env)) {
	for _, kind := range []string{kvstore.KindPebble, kvstore.KindBadger} {
		t.Run(kind, func(t *testing.T) { fn(t, newEnv(t, kind)) })
	}
}

func TestAddStreams(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		res, err := e.streams.Add(ctx, user, []string{"weekly", " weekly ", "  ", "later"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		checkBucket(t, res, bulk.Added, "weekly", "later")
		checkBucket(t, res, bulk.Skipped, "weekly")
		checkBucket(t, res, bulk.Failed, "  ")

		res, err = e.streams.Add(ctx, user, []string{"weekly"})
		if err != nil {
			t.Fatalf("second Add: %v", err)
		}
		checkBucket(t, res, bulk.Skipped, "weekly")

		if _, err := e.streams.Add(ctx, "", []string{"x"}); !errors.Is(err, bulk.ErrNoUser) {
			t.Errorf("Add without user err = %v, want ErrNoUser", err)
		}
	})
}

func TestUpdateStreams(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		if _, err := e.streams.Add(ctx, user, []string{"weekly"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		res, err := e.streams.Update(ctx, user, []streams.Change{
			{
				Name:       "weekly",
				Publishers: streams.Edit{Add: []any{1}},
				Volumes:    streams.Edit{Add: []any{10, 99, "x"}},
				Issues:     streams.Edit{Add: []any{"101"}, Delete: []any{103}},
			},
			{Name: "ghost", Issues: streams.Edit{Add: []any{101}}},
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		checkBucket(t, res, bulk.Updated,
			"stream/weekly/publisher/1/add", "stream/weekly/volume/10/add", "stream/weekly/issue/101/add")
		checkBucket(t, res, bulk.Failed,
			"stream/weekly/volume/99/add", "stream/weekly/volume/x/add", "ghost")
		checkBucket(t, res, bulk.Skipped, "stream/weekly/issue/103/del")

		st, err := e.streams.Stream(ctx, user, "weekly")
		if err != nil || st == nil {
			t.Fatalf("Stream = %v, %v", st, err)
		}
		if !slices.Equal(st.Publishers, []int64{1}) || !slices.Equal(st.Volumes, []int64{10}) || !slices.Equal(st.Issues, []int64{101}) {
			t.Errorf("stream = %+v", st)
		}

		res, err = e.streams.Update(ctx, user, []streams.Change{{
			Name:       "weekly",
			Publishers: streams.Edit{Add: []any{1}},
			Volumes:    streams.Edit{Delete: []any{10}},
		}})
		if err != nil {
			t.Fatalf("second Update: %v", err)
		}
		checkBucket(t, res, bulk.Skipped, "stream/weekly/publisher/1/add")
		checkBucket(t, res, bulk.Updated, "stream/weekly/volume/10/del")
	})
}

func TestGetAndListWithContext(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		stale := streams.Stream{UserID: user, Name: "weekly", Volumes: []int64{10}, Issues: []int64{101, 999}}
		if _, err := e.store.Put(ctx, stale); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := e.streams.Add(ctx, user, []string{"archive"}); err != nil {
			t.Fatalf("Add: %v", err)
		}

		got, err := e.streams.Get(ctx, user, "weekly", true)
		if err != nil || got == nil {
			t.Fatalf("Get = %v, %v", got, err)
		}
		if len(got.Volumes) != 1 || got.Volumes[0].Name != "Saga" || len(got.Issues) != 1 || got.Issues[0].ID != 101 {
			t.Errorf("hydrated stream = %+v", got)
		}
		bare, err := e.streams.Get(ctx, user, "weekly", false)
		if err != nil || bare == nil || bare.Volumes != nil {
			t.Errorf("bare Get = %+v, %v", bare, err)
		}
		if missing, err := e.streams.Get(ctx, user, "nope", true); err != nil || missing != nil {
			t.Errorf("missing Get = %+v, %v; want nil", missing, err)
		}

		page, err := e.streams.List(ctx, user, paging.Request{Limit: 1, Count: true, Context: true})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].Stream.Name != "archive" || !page.More || page.Total != 2 {
			t.Fatalf("first page = %+v", page)
		}
		next, err := e.streams.List(ctx, user, paging.Request{Limit: 1, Cursor: page.NextCursor, Context: true})
		if err != nil {
			t.Fatalf("List next: %v", err)
		}
		if len(next.Items) != 1 || next.Items[0].Stream.Name != "weekly" || len(next.Items[0].Issues) != 1 {
			t.Errorf("second page = %+v", next)
		}
	})
}

func TestAssignAndRefresh(t *testing.T) {
	backends(t, func(t *testing.T, e *env) {
		ctx := context.Background()
		if _, err := e.streams.Add(ctx, user, []string{"weekly"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if _, err := e.ledger.Add(ctx, user, []any{101, 102, 103}); err != nil {
			t.Fatalf("ledger.Add: %v", err)
		}
		if _, err := e.ledger.Update(ctx, user, pulls.Request{
			pulls.OpPull: {101, 102, 103},
			pulls.OpRead: {103},
		}); err != nil {
			t.Fatalf("ledger.Update: %v", err)
		}

		res, err := e.streams.Assign(ctx, user, "weekly", []any{101, "102", 103, 999, "bad"})
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		checkBucket(t, res, bulk.Updated, "101", "102", "103")
		checkBucket(t, res, bulk.Failed, "999", "bad")

		st, err := e.streams.Refresh(ctx, user, "weekly")
		if err != nil || st == nil {
			t.Fatalf("Refresh = %v, %v", st, err)
		}
		if st.Length != 2 {
			t.Errorf("length = %d, want 2 unread pulled issues", st.Length)
		}

		res, err = e.streams.Assign(ctx, user, "weekly", []any{101})
		if err != nil {
			t.Fatalf("Assign again: %v", err)
		}
		checkBucket(t, res, bulk.Skipped, "101")

		if _, err := e.streams.Assign(ctx, user, "", []any{102}); err != nil {
			t.Fatalf("Assign clear: %v", err)
		}
		entry, err := e.ledger.Get(ctx, user, 102, false)
		if err != nil || entry == nil || entry.Pull.StreamID != "" {
			t.Errorf("cleared pull = %+v, %v", entry, err)
		}
		if st, err = e.streams.Refresh(ctx, user, "weekly"); err != nil || st.Length != 1 {
			t.Errorf("Refresh after clear = %+v, %v; want length 1", st, err)
		}

		if _, err := e.streams.Assign(ctx, user, "ghost", []any{101}); !errors.Is(err, streams.ErrStreamMissing) {
			t.Errorf("Assign to missing stream err = %v, want ErrStreamMissing", err)
		}
		if st, err := e.streams.Refresh(ctx, user, "ghost"); err != nil || st != nil {
			t.Errorf("Refresh missing = %+v, %v; want nil", st, err)
		}
	})
}
