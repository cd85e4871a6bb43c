package catalog

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/user/pulldb/internal/entity"
)

// Fixture is a catalog snapshot in the YAML shape accepted by `pulldb seed`
// and the trusted seeding endpoint.
type Fixture struct {
	Publishers []Publisher     `yaml:"publishers"`
	Volumes    []FixtureVolume `yaml:"volumes"`
	Issues     []FixtureIssue  `yaml:"issues"`
	Arcs       []FixtureArc    `yaml:"arcs"`
}

type FixtureVolume struct {
	ID        int64  `yaml:"id"`
	Publisher int64  `yaml:"publisher"`
	Name      string `yaml:"name"`
	StartYear int    `yaml:"start_year"`
	Complete  bool   `yaml:"complete"`
	Indexed   bool   `yaml:"indexed"`
}

type FixtureIssue struct {
	ID       int64  `yaml:"id"`
	Volume   int64  `yaml:"volume"`
	Number   string `yaml:"number"`
	Title    string `yaml:"title"`
	PubDate  string `yaml:"pubdate"`
	Complete bool   `yaml:"complete"`
	Indexed  bool   `yaml:"indexed"`
}

type FixtureArc struct {
	ID        int64   `yaml:"id"`
	Publisher int64   `yaml:"publisher"`
	Name      string  `yaml:"name"`
	Issues    []int64 `yaml:"issues"`
	Complete  bool    `yaml:"complete"`
	Indexed   bool    `yaml:"indexed"`
}

// ParseFixture decodes a YAML catalog snapshot.
func ParseFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Fixture{}, fmt.Errorf("decode catalog fixture: %w", err)
	}
	return f, nil
}

// LoadResult counts the records written by Load.
type LoadResult struct {
	Publishers int `json:"publishers"`
	Volumes    int `json:"volumes"`
	Issues     int `json:"issues"`
	Arcs       int `json:"arcs"`
}

func (f Fixture) entities() ([]entity.Entity, error) {
	var out []entity.Entity
	for _, p := range f.Publishers {
		if p.ID <= 0 {
			return nil, fmt.Errorf("publisher %q: %w", p.Name, ErrInvalidID)
		}
		out = append(out, p)
	}
	for _, v := range f.Volumes {
		if v.ID <= 0 {
			return nil, fmt.Errorf("volume %q: %w", v.Name, ErrInvalidID)
		}
		out = append(out, Volume{
			ID: v.ID, PublisherID: v.Publisher, Name: v.Name, StartYear: v.StartYear,
			Complete: v.Complete, Indexed: v.Indexed,
		})
	}
	for _, i := range f.Issues {
		if i.ID <= 0 || i.Volume <= 0 {
			return nil, fmt.Errorf("issue %d of volume %d: %w", i.ID, i.Volume, ErrInvalidID)
		}
		pub, err := ParseDate(i.PubDate)
		if err != nil {
			return nil, fmt.Errorf("issue %d: %w", i.ID, err)
		}
		out = append(out,
			Issue{
				ID: i.ID, VolumeID: i.Volume, Number: i.Number, Title: i.Title, PubDate: pub,
				Complete: i.Complete, Indexed: i.Indexed,
			},
			issueLocator{ID: i.ID, VolumeID: i.Volume},
		)
	}
	for _, a := range f.Arcs {
		if a.ID <= 0 {
			return nil, fmt.Errorf("arc %q: %w", a.Name, ErrInvalidID)
		}
		out = append(out, StoryArc{
			ID: a.ID, PublisherID: a.Publisher, Name: a.Name, IssueIDs: a.Issues,
			Complete: a.Complete, Indexed: a.Indexed,
		})
	}
	return out, nil
}

// Load writes a fixture into the store in one batch. Issues that moved to
// a different volume since the last load lose their old record.
func (c *Catalog) Load(ctx context.Context, f Fixture) (LoadResult, error) {
	es, err := f.entities()
	if err != nil {
		return LoadResult{}, err
	}

	keys := make([]entity.Key, len(f.Issues))
	for i, issue := range f.Issues {
		keys[i] = locatorKey(issue.ID)
	}
	previous, err := entity.GetMany[issueLocator](ctx, c.store, keys)
	if err != nil {
		return LoadResult{}, err
	}
	var moved []entity.Key
	for i, issue := range f.Issues {
		if prev := previous[i]; prev != nil && prev.VolumeID != issue.Volume {
			moved = append(moved, IssueKey(prev.VolumeID, prev.ID))
		}
	}
	if len(moved) > 0 {
		if err := c.store.DeleteMany(ctx, moved); err != nil {
			return LoadResult{}, err
		}
	}
	if err := c.store.PutMany(ctx, es); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{
		Publishers: len(f.Publishers),
		Volumes:    len(f.Volumes),
		Issues:     len(f.Issues),
		Arcs:       len(f.Arcs),
	}, nil
}

// Queue marks a volume incomplete so the catalog sync refreshes it. It
// reports false when the volume is unknown.
func (c *Catalog) Queue(ctx context.Context, volumeID int64) (bool, error) {
	v, err := c.Volume(ctx, volumeID)
	if err != nil || v == nil {
		return false, err
	}
	if !v.Complete {
		return true, nil
	}
	v.Complete = false
	if _, err := c.store.Put(ctx, *v); err != nil {
		return false, err
	}
	return true, nil
}
