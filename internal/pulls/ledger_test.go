package pulls_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/kvstore"
	"github.com/user/pulldb/internal/paging"
	"github.com/user/pulldb/internal/pulls"
	"github.com/user/pulldb/internal/subscriptions"
)

const user = "alice"

type fixture struct {
	store    *entity.Store
	catalog  *catalog.Catalog
	registry *subscriptions.Registry
	ledger   *pulls.Ledger
}

func newFixture(t *testing.T, kind string) *fixture {
	t.Helper()
	b, err := kvstore.OpenMemory(kind)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	s := entity.NewStore(b)
	t.Cleanup(func() { _ = s.Close() })

	c := catalog.New(s)
	f := catalog.Fixture{
		Publishers: []catalog.Publisher{{ID: 1, Name: "Image"}},
		Volumes:    []catalog.FixtureVolume{{ID: 10, Publisher: 1, Name: "Saga"}, {ID: 20, Publisher: 1, Name: "Paper Girls"}},
	}
	for i := range 5 {
		f.Issues = append(f.Issues, catalog.FixtureIssue{
			ID: int64(101 + i), Volume: 10, Number: fmt.Sprint(i + 1),
			PubDate: time.Date(2020, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(catalog.DateLayout),
		})
	}
	f.Issues = append(f.Issues, catalog.FixtureIssue{ID: 201, Volume: 20, PubDate: "2019-06-01"})
	if _, err := c.Load(context.Background(), f); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := subscriptions.NewRegistry(s, c)
	return &fixture{store: s, catalog: c, registry: r, ledger: pulls.NewLedger(s, c, r)}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, kind := range []string{kvstore.KindPebble, kvstore.KindBadger} {
		t.Run(kind, func(t *testing.T) { fn(t, newFixture(t, kind)) })
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

func (f *fixture) mustAdd(t *testing.T, ids ...any) {
	t.Helper()
	if _, err := f.ledger.Add(context.Background(), user, ids); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func (f *fixture) pull(t *testing.T, id int64) *pulls.Pull {
	t.Helper()
	e, err := f.ledger.Get(context.Background(), user, id, false)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	if e == nil {
		return nil
	}
	return e.Pull
}

func TestAddClassifies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		f.mustAdd(t, 102)
		res, err := f.ledger.Add(context.Background(), user, []any{101, "102", 999, "nope", 101})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		checkBucket(t, res, bulk.Added, "101")
		checkBucket(t, res, bulk.Skipped, "102", "101")
		checkBucket(t, res, bulk.Failed, "999", "nope")

		p := f.pull(t, 101)
		if p == nil || p.State() != pulls.StateNew || p.VolumeID != 10 || p.PubDate.IsZero() {
			t.Errorf("added pull = %+v", p)
		}
	})
}

func TestAddAttributesSubscription(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	if _, err := f.registry.Add(ctx, user, subscriptions.Selection{Volumes: []any{10}}, time.Time{}); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}
	f.mustAdd(t, 101, 201)
	if got := f.pull(t, 101).SubscriptionID; got != "volume:10" {
		t.Errorf("subscription of 101 = %q, want volume:10", got)
	}
	if got := f.pull(t, 201).SubscriptionID; got != "" {
		t.Errorf("subscription of 201 = %q, want none", got)
	}
}

func TestPullTwiceSkips(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.mustAdd(t, 101)
		first, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpPull: {101}})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		checkBucket(t, first, bulk.Updated, "101")
		after := *f.pull(t, 101)

		second, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpPull: {"101"}})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		checkBucket(t, second, bulk.Skipped, "101")
		checkBucket(t, second, bulk.Updated)
		if again := *f.pull(t, 101); again != after {
			t.Errorf("state changed on skipped pull: %+v vs %+v", again, after)
		}
	})
}

func TestUpdateFailsWithoutRecordOrIssue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		res, err := f.ledger.Update(context.Background(), user, pulls.Request{
			pulls.OpRead: {103, 999, "x"},
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		checkBucket(t, res, bulk.Failed, "103", "999", "x")
		if p := f.pull(t, 103); p != nil {
			t.Errorf("read created a record: %+v", p)
		}
	})
}

func TestPullThenUnpullInOneCall(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		f.mustAdd(t, 101)
		res, err := f.ledger.Update(context.Background(), user, pulls.Request{
			pulls.OpUnpull: {101},
			pulls.OpPull:   {101},
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		checkBucket(t, res, bulk.Updated, "101", "101")
		if p := f.pull(t, 101); p.Pulled {
			t.Errorf("pull+unpull left %+v, want unpulled", p)
		}
	})
}

func TestLaterOpsSeeEarlierState(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	f.mustAdd(t, 101, 102)
	res, err := f.ledger.Update(context.Background(), user, pulls.Request{
		pulls.OpPull:   {101},
		pulls.OpRead:   {101, 102},
		pulls.OpIgnore: {102},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	checkBucket(t, res, bulk.Updated, "101", "101", "102", "102")
	if got := f.pull(t, 101).State(); got != pulls.StateRead {
		t.Errorf("101 = %s, want read", got)
	}
	if got := f.pull(t, 102).State(); got != pulls.StateIgnored {
		t.Errorf("102 = %s, want ignored", got)
	}
}

func TestInvariantsHoldAfterEveryOp(t *testing.T) {
	f := newFixture(t, kvstore.KindBadger)
	ctx := context.Background()
	ids := []any{101, 102, 103, 104, 105}
	f.mustAdd(t, ids...)
	ops := pulls.Ops()
	for round := range 12 {
		req := pulls.Request{}
		for i, id := range ids {
			op := ops[(round+i*5)%len(ops)]
			req[op] = append(req[op], id)
		}
		if _, err := f.ledger.Update(ctx, user, req); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		for _, id := range []int64{101, 102, 103, 104, 105} {
			p := f.pull(t, id)
			if p.Read && !p.Pulled {
				t.Errorf("round %d: issue %d read but not pulled", round, id)
			}
			if p.Ignored && p.Pulled {
				t.Errorf("round %d: issue %d ignored and pulled", round, id)
			}
		}
	}
}

func TestIgnoreUnignoreIsNotRestorative(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	f.mustAdd(t, 101)
	if _, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpRead: {101}}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpIgnore: {101}}); err != nil {
		t.Fatalf("ignore: %v", err)
	}
	res, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpUnignore: {101}})
	if err != nil {
		t.Fatalf("unignore: %v", err)
	}
	checkBucket(t, res, bulk.Updated, "101")
	p := f.pull(t, 101)
	if p.Pulled || p.Read || p.Ignored {
		t.Errorf("after unignore = %+v, want new", p)
	}
}

func TestConcurrentUpdatesConverge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.mustAdd(t, 101)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.ledger.Update(ctx, user, pulls.Request{pulls.OpRead: {101}})
			}()
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil && !entity.IsConflict(err) {
				t.Fatalf("Update: %v", err)
			}
		}
		if p := f.pull(t, 101); p.State() != pulls.StateRead {
			t.Errorf("state = %s, want read", p.State())
		}
	})
}

func TestRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		f.mustAdd(t, 101)
		res, err := f.ledger.Remove(context.Background(), user, []any{101, 102, "??"})
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		checkBucket(t, res, bulk.Removed, "101")
		checkBucket(t, res, bulk.Skipped, "102")
		checkBucket(t, res, bulk.Failed, "??")
		if p := f.pull(t, 101); p != nil {
			t.Errorf("removed pull still present: %+v", p)
		}
	})
}

func TestWeigh(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	f.mustAdd(t, 101, 102)
	if _, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpPull: {101}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	res, err := f.ledger.Weigh(ctx, user, map[string]float64{"101": 2.5, "102": 1, "104": 3})
	if err != nil {
		t.Fatalf("Weigh: %v", err)
	}
	checkBucket(t, res, bulk.Updated, "101")
	checkBucket(t, res, bulk.Failed, "102", "104")
	if w := f.pull(t, 101).Weight; w != 2.5 {
		t.Errorf("weight = %v, want 2.5", w)
	}
	if _, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpUnpull: {101}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if w := f.pull(t, 101).Weight; w != 0 {
		t.Errorf("weight after unpull = %v, want 0", w)
	}
}

func TestListPagesAndFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.mustAdd(t, 105, 103, 101, 104, 102)

		opts := pulls.ListOptions{Kind: pulls.ListAll, Request: paging.Request{Limit: 2}}
		var got []int64
		var mores []bool
		for range 3 {
			page, err := f.ledger.List(ctx, user, opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			for _, e := range page.Items {
				got = append(got, e.Pull.IssueID)
			}
			mores = append(mores, page.More)
			opts.Cursor = page.NextCursor
		}
		if !slices.Equal(got, []int64{101, 102, 103, 104, 105}) {
			t.Errorf("pages = %v, want by pubdate", got)
		}
		if !slices.Equal(mores, []bool{true, true, false}) {
			t.Errorf("more flags = %v", mores)
		}

		if _, err := f.ledger.Update(ctx, user, pulls.Request{
			pulls.OpPull: {101}, pulls.OpRead: {102}, pulls.OpIgnore: {103},
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		tests := []struct {
			opts pulls.ListOptions
			want []int64
		}{
			{pulls.ListOptions{Kind: pulls.ListNew}, []int64{104, 105}},
			{pulls.ListOptions{Kind: pulls.ListNew, All: true}, []int64{103, 104, 105}},
			{pulls.ListOptions{Kind: pulls.ListUnread}, []int64{101}},
			{pulls.ListOptions{Kind: pulls.ListIgnored}, []int64{103}},
			{pulls.ListOptions{Kind: pulls.ListAll, Reverse: true}, []int64{105, 104, 103, 102, 101}},
		}
		for _, tt := range tests {
			page, err := f.ledger.List(ctx, user, tt.opts)
			if err != nil {
				t.Fatalf("List(%+v): %v", tt.opts, err)
			}
			var ids []int64
			for _, e := range page.Items {
				ids = append(ids, e.Pull.IssueID)
			}
			if !slices.Equal(ids, tt.want) {
				t.Errorf("List(%s all=%v reverse=%v) = %v, want %v", tt.opts.Kind, tt.opts.All, tt.opts.Reverse, ids, tt.want)
			}
		}
	})
}

func TestListWeightedAndCollection(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	f.mustAdd(t, 101, 102, 201)
	if _, err := f.ledger.Update(ctx, user, pulls.Request{pulls.OpPull: {101, 102, 201}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.ledger.Weigh(ctx, user, map[string]float64{"101": 9, "102": 1, "201": 5}); err != nil {
		t.Fatalf("Weigh: %v", err)
	}
	page, err := f.ledger.List(ctx, user, pulls.ListOptions{Weighted: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []int64
	for _, e := range page.Items {
		ids = append(ids, e.Pull.IssueID)
	}
	if !slices.Equal(ids, []int64{102, 201, 101}) {
		t.Errorf("weighted = %v, want [102 201 101]", ids)
	}

	ref := subscriptions.VolumeRef(20)
	page, err = f.ledger.List(ctx, user, pulls.ListOptions{Collection: &ref, Request: paging.Request{Count: true}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Pull.IssueID != 201 || page.Total != 1 {
		t.Errorf("volume 20 pulls = %+v", page)
	}
}

func TestGetWithContext(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	if _, err := f.registry.Add(ctx, user, subscriptions.Selection{Volumes: []any{10}}, time.Time{}); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}
	f.mustAdd(t, 103)
	e, err := f.ledger.Get(ctx, user, 103, true)
	if err != nil || e == nil {
		t.Fatalf("Get = %v, %v", e, err)
	}
	if e.Issue == nil || e.Issue.ID != 103 {
		t.Errorf("issue = %+v", e.Issue)
	}
	if e.Volume == nil || e.Volume.ID != 10 {
		t.Errorf("volume = %+v", e.Volume)
	}
	if e.Subscription == nil || e.Subscription.Collection != subscriptions.VolumeRef(10) {
		t.Errorf("subscription = %+v", e.Subscription)
	}

	bare, err := f.ledger.Get(ctx, user, 103, false)
	if err != nil || bare.Issue != nil || bare.Volume != nil || bare.Subscription != nil {
		t.Errorf("bare entry = %+v, %v", bare, err)
	}
	if missing, err := f.ledger.Get(ctx, user, 104, true); err != nil || missing != nil {
		t.Errorf("missing = %+v, %v", missing, err)
	}
}

func TestRefreshRepairsLegacyRecord(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	ctx := context.Background()
	legacy := pulls.Pull{UserID: user, IssueID: 104, Pulled: true, Ignored: true, Read: true}
	if _, err := f.store.Put(ctx, legacy); err != nil {
		t.Fatalf("Put: %v", err)
	}

	page, err := f.ledger.List(ctx, user, pulls.ListOptions{Request: paging.Request{Context: true}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Volume == nil || page.Items[0].Volume.ID != 10 {
		t.Errorf("legacy hydration = %+v", page.Items)
	}

	p, changed, err := f.ledger.Refresh(ctx, user, 104)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed || p.VolumeID != 10 || p.PubDate.IsZero() || p.State() != pulls.StateIgnored {
		t.Errorf("refreshed = %+v (changed %v)", p, changed)
	}
	if _, changed, err := f.ledger.Refresh(ctx, user, 104); err != nil || changed {
		t.Errorf("second refresh changed=%v err=%v", changed, err)
	}
	if p, _, err := f.ledger.Refresh(ctx, user, 999); err != nil || p != nil {
		t.Errorf("refresh missing = %+v, %v", p, err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, kvstore.KindBadger)
	ctx := context.Background()
	f.mustAdd(t, 101, 102, 103, 104)
	if _, err := f.ledger.Update(ctx, user, pulls.Request{
		pulls.OpPull: {101}, pulls.OpRead: {102}, pulls.OpIgnore: {103},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := f.ledger.Stats(ctx, user)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := pulls.Counts{Ignored: 1, New: 1, Unread: 1, Read: 1, Total: 4}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestFetch(t *testing.T) {
	f := newFixture(t, kvstore.KindPebble)
	f.mustAdd(t, 101, 103)
	got, err := f.ledger.Fetch(context.Background(), user, []any{103, 102, "bad", 101})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 || got[0].IssueID != 103 || got[1].IssueID != 101 {
		t.Errorf("fetched = %+v", got)
	}
}
