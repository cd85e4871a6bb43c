package catalog_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/kvstore"
	"github.com/user/pulldb/internal/paging"
)

const fixtureYAML = `
publishers:
  - id: 10
    name: Image
volumes:
  - id: 100
    publisher: 10
    name: Saga
    start_year: 2012
    complete: true
    indexed: true
  - id: 200
    publisher: 10
    name: Monstress
issues:
  - id: 1001
    volume: 100
    number: "1"
    pubdate: 2019-12-31
  - id: 1002
    volume: 100
    number: "2"
    pubdate: 2020-01-01
  - id: 1003
    volume: 100
    number: "3"
    pubdate: 2020-01-02T10:30:00Z
  - id: 2001
    volume: 200
    number: "1"
    pubdate: 2020-02-01
arcs:
  - id: 300
    publisher: 10
    name: Crossover
    issues: [1003, 2001, 9999]
`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	b, err := kvstore.OpenMemory(kvstore.KindPebble)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	s := entity.NewStore(b)
	t.Cleanup(func() { _ = s.Close() })

	f, err := catalog.ParseFixture(strings.NewReader(fixtureYAML))
	if err != nil {
		t.Fatalf("ParseFixture: %v", err)
	}
	c := catalog.New(s)
	if _, err := c.Load(context.Background(), f); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func day(s string) time.Time {
	d, err := time.Parse(catalog.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func issueIDs(issues []*catalog.Issue) []int64 {
	out := make([]int64, len(issues))
	for i, issue := range issues {
		out[i] = issue.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{in: 42, want: 42, ok: true},
		{in: int64(7), want: 7, ok: true},
		{in: float64(12), want: 12, ok: true},
		{in: " 99 ", want: 99, ok: true},
		{in: 1.5},
		{in: "abc"},
		{in: 0},
		{in: "-3"},
		{in: true},
		{in: nil},
		{in: math.Pow(2, 63)},
		{in: math.Inf(1)},
		{in: math.NaN()},
	}
	for _, tt := range tests {
		got, err := catalog.ParseID(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseID(%v) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, catalog.ErrInvalidID) {
			t.Errorf("ParseID(%v) err = %v, want ErrInvalidID", tt.in, err)
		}
	}
}

func TestParseDate(t *testing.T) {
	got, err := catalog.ParseDate("2020-01-02T23:00:00-05:00")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	if want := day("2020-01-03"); !got.Equal(want) {
		t.Errorf("ParseDate = %v, want %v", got, want)
	}
	if _, err := catalog.ParseDate("next tuesday"); !errors.Is(err, catalog.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
}

func TestIssuesResolvesBareIdentifiers(t *testing.T) {
	c := testCatalog(t)
	got, err := c.Issues(context.Background(), []int64{2001, 5555, 1002})
	if err != nil {
		t.Fatalf("Issues: %v", err)
	}
	if got[0] == nil || got[0].VolumeID != 200 {
		t.Errorf("issue 2001 = %+v, want volume 200", got[0])
	}
	if got[1] != nil {
		t.Errorf("unknown issue = %+v, want nil", got[1])
	}
	if got[2] == nil || got[2].Number != "2" {
		t.Errorf("issue 1002 = %+v", got[2])
	}
}

func TestLookupIssuesFallsBackWhenReferenceIsStale(t *testing.T) {
	c := testCatalog(t)
	got, err := c.LookupIssues(context.Background(), []catalog.IssueLookup{
		{ID: 1001, VolumeID: 100},
		{ID: 2001, VolumeID: 100}, // stale: issue lives in 200
		{ID: 1002},
	})
	if err != nil {
		t.Fatalf("LookupIssues: %v", err)
	}
	for i, want := range []int64{1001, 2001, 1002} {
		if got[i] == nil || got[i].ID != want {
			t.Errorf("lookup %d = %+v, want issue %d", i, got[i], want)
		}
	}
}

func TestVolumeIssuesStrictlyAfter(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	all, err := c.VolumeIssues(ctx, 100, time.Time{})
	if err != nil {
		t.Fatalf("VolumeIssues: %v", err)
	}
	if got, want := issueIDs(all), []int64{1001, 1002, 1003}; !equalIDs(got, want) {
		t.Errorf("all issues = %v, want %v", got, want)
	}

	after, err := c.VolumeIssues(ctx, 100, day("2020-01-01"))
	if err != nil {
		t.Fatalf("VolumeIssues: %v", err)
	}
	if got, want := issueIDs(after), []int64{1003}; !equalIDs(got, want) {
		t.Errorf("issues after 2020-01-01 = %v, want %v", got, want)
	}

	none, err := c.VolumeIssues(ctx, 404, time.Time{})
	if err != nil || len(none) != 0 {
		t.Errorf("unknown volume = %v, %v; want empty", issueIDs(none), err)
	}
}

func TestArcIssues(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	got, err := c.ArcIssues(ctx, 300, day("2020-01-02"))
	if err != nil {
		t.Fatalf("ArcIssues: %v", err)
	}
	if ids, want := issueIDs(got), []int64{2001}; !equalIDs(ids, want) {
		t.Errorf("arc issues = %v, want %v", ids, want)
	}
	missing, err := c.ArcIssues(ctx, 404, time.Time{})
	if err != nil || missing != nil {
		t.Errorf("unknown arc = %v, %v; want nil", missing, err)
	}
}

func TestLoadMovesIssueBetweenVolumes(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	_, err := c.Load(ctx, catalog.Fixture{
		Issues: []catalog.FixtureIssue{{ID: 1001, Volume: 200, Number: "0", PubDate: "2019-12-31"}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	old, err := c.VolumeIssues(ctx, 100, time.Time{})
	if err != nil {
		t.Fatalf("VolumeIssues: %v", err)
	}
	if got, want := issueIDs(old), []int64{1002, 1003}; !equalIDs(got, want) {
		t.Errorf("volume 100 = %v, want %v", got, want)
	}
	moved, err := c.Issue(ctx, 1001)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if moved == nil || moved.VolumeID != 200 {
		t.Errorf("moved issue = %+v, want volume 200", moved)
	}
}

func TestLoadRejectsBadRecords(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Load(context.Background(), catalog.Fixture{
		Issues: []catalog.FixtureIssue{{ID: 5, Volume: 100, PubDate: "soon"}},
	})
	if !errors.Is(err, catalog.ErrInvalidDate) {
		t.Errorf("err = %v, want ErrInvalidDate", err)
	}
	_, err = c.Load(context.Background(), catalog.Fixture{Volumes: []catalog.FixtureVolume{{Name: "no id"}}})
	if !errors.Is(err, catalog.ErrInvalidID) {
		t.Errorf("err = %v, want ErrInvalidID", err)
	}
}

func TestParseFixtureRejectsUnknownFields(t *testing.T) {
	_, err := catalog.ParseFixture(strings.NewReader("volumes:\n  - id: 1\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestQueueAndStats(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	st, err := c.VolumeStats(ctx)
	if err != nil {
		t.Fatalf("VolumeStats: %v", err)
	}
	if want := (catalog.Stats{Queued: 1, ToIndex: 1, Total: 2}); st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}

	ok, err := c.Queue(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("Queue(100) = %v, %v", ok, err)
	}
	v, err := c.Volume(ctx, 100)
	if err != nil || v == nil || v.Complete {
		t.Errorf("volume after queue = %+v, %v; want incomplete", v, err)
	}
	if ok, err := c.Queue(ctx, 404); err != nil || ok {
		t.Errorf("Queue(404) = %v, %v; want false", ok, err)
	}

	arcs, err := c.ArcStats(ctx)
	if err != nil {
		t.Fatalf("ArcStats: %v", err)
	}
	if want := (catalog.Stats{Queued: 1, ToIndex: 1, Total: 1}); arcs != want {
		t.Errorf("arc stats = %+v, want %+v", arcs, want)
	}
}

func TestListVolumes(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	page, err := c.ListVolumes(ctx, catalog.VolumesAll, paging.Request{Limit: 1, Count: true, Context: true})
	if err != nil {
		t.Fatalf("ListVolumes: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Volume.ID != 100 || !page.More || page.Total != 2 {
		t.Fatalf("first page = %+v", page)
	}
	if p := page.Items[0].Publisher; p == nil || p.Name != "Image" {
		t.Errorf("publisher = %+v, want Image", p)
	}

	next, err := c.ListVolumes(ctx, catalog.VolumesAll, paging.Request{Limit: 1, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("ListVolumes next: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].Volume.ID != 200 || next.More {
		t.Errorf("second page = %+v", next)
	}
	if next.Items[0].Publisher != nil {
		t.Errorf("bare entry carries publisher %+v", next.Items[0].Publisher)
	}

	for _, list := range []catalog.VolumeList{catalog.VolumesQueued, catalog.VolumesToIndex} {
		page, err := c.ListVolumes(ctx, list, paging.Request{})
		if err != nil {
			t.Fatalf("ListVolumes(%s): %v", list, err)
		}
		if len(page.Items) != 1 || page.Items[0].Volume.ID != 200 {
			t.Errorf("%s = %+v, want volume 200", list, page.Items)
		}
	}

	if _, err := catalog.ParseVolumeList("shelved"); err == nil {
		t.Error("ParseVolumeList(shelved): expected error")
	}
}
