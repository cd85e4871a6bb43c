package catalog

import (
	"cmp"
	"context"
	"fmt"

	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/paging"
)

// VolumeList selects which volumes ListVolumes returns.
type VolumeList string

const (
	VolumesAll     VolumeList = "all"
	VolumesQueued  VolumeList = "queued"
	VolumesToIndex VolumeList = "toindex"
)

func ParseVolumeList(s string) (VolumeList, error) {
	switch l := VolumeList(s); l {
	case VolumesAll, VolumesQueued, VolumesToIndex:
		return l, nil
	case "":
		return VolumesAll, nil
	default:
		return "", fmt.Errorf("unknown volume list %q", s)
	}
}

// VolumeEntry is a volume with, when context was requested, its publisher.
type VolumeEntry struct {
	Volume    *Volume    `json:"volume"`
	Publisher *Publisher `json:"publisher,omitempty"`
}

func byVolumeID(a, b *Volume) int { return cmp.Compare(a.ID, b.ID) }

// ListVolumes returns one page of volumes in identifier order. Queued
// volumes are the incomplete ones; toindex volumes have not been indexed.
func (c *Catalog) ListVolumes(ctx context.Context, list VolumeList, req paging.Request) (paging.Page[VolumeEntry], error) {
	q := entity.NewQuery[Volume](KindVolume, "")
	switch list {
	case VolumesAll, "":
	case VolumesQueued:
		q = q.Where("complete=false", func(v *Volume) bool { return !v.Complete })
	case VolumesToIndex:
		q = q.Where("indexed=false", func(v *Volume) bool { return !v.Indexed })
	default:
		return paging.Page[VolumeEntry]{}, fmt.Errorf("unknown volume list %q", list)
	}
	return paging.Fetch(ctx, c.store, q.OrderBy("id", byVolumeID), req, c.withPublishers,
		func(v *Volume) VolumeEntry { return VolumeEntry{Volume: v} })
}

// withPublishers hydrates a page of volumes with one publisher batch.
func (c *Catalog) withPublishers(ctx context.Context, vols []*Volume) ([]VolumeEntry, error) {
	ids := make([]int64, len(vols))
	for i, v := range vols {
		ids[i] = v.PublisherID
	}
	pubs, err := c.Publishers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]VolumeEntry, len(vols))
	for i, v := range vols {
		out[i] = VolumeEntry{Volume: v, Publisher: pubs[i]}
	}
	return out, nil
}
