// Package bulk holds the classified outcome of a batch operation.
package bulk

import "errors"

// ErrNoUser is returned by per-user operations called without an identity.
var ErrNoUser = errors.New("user identity required")

// Bucket labels the outcome of one item of a batch.
type Bucket string

const (
	Added   Bucket = "added"
	Updated Bucket = "updated"
	Skipped Bucket = "skipped"
	Failed  Bucket = "failed"
	Removed Bucket = "removed"
)

// Buckets lists every bucket in reporting order.
var Buckets = []Bucket{Added, Updated, Skipped, Failed, Removed}

// Results is the response from a batch operation. Only buckets that
// received items are serialized.
type Results struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

func (r *Results) slot(b Bucket) *[]string {
	switch b {
	case Added:
		return &r.Added
	case Updated:
		return &r.Updated
	case Skipped:
		return &r.Skipped
	case Failed:
		return &r.Failed
	case Removed:
		return &r.Removed
	default:
		panic("bulk: unknown bucket " + string(b))
	}
}

// Record appends id to bucket b.
func (r *Results) Record(b Bucket, id string) {
	s := r.slot(b)
	*s = append(*s, id)
}

// Merge appends every item of o to r, bucket by bucket.
func (r *Results) Merge(o Results) {
	for _, b := range Buckets {
		s := r.slot(b)
		*s = append(*s, *o.slot(b)...)
	}
}

// Get returns the items classified into bucket b.
func (r Results) Get(b Bucket) []string {
	return *r.slot(b)
}

// Len returns the number of items classified into bucket b.
func (r Results) Len(b Bucket) int {
	return len(r.Get(b))
}

// Total returns the number of classified items across all buckets.
func (r Results) Total() int {
	n := 0
	for _, b := range Buckets {
		n += r.Len(b)
	}
	return n
}

// Each calls fn for every classified item in bucket order.
func (r Results) Each(fn func(b Bucket, id string)) {
	for _, b := range Buckets {
		for _, id := range r.Get(b) {
			fn(b, id)
		}
	}
}
