// Package subscriptions is the registry of the collections (volumes and
// story arcs) each user watches, and the date from which their issues
// count as new.
package subscriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
)

const KindSubscription entity.Kind = "subscription"

var (
	ErrInvalidCollection = errors.New("invalid collection reference")
	ErrInvalidDate       = catalog.ErrInvalidDate
)

// CollectionKind names what a subscription watches.
type CollectionKind string

const (
	KindVolume CollectionKind = "volume"
	KindArc    CollectionKind = "arc"
)

// CollectionRef points at a watched volume or story arc.
type CollectionRef struct {
	Kind CollectionKind `json:"kind"`
	ID   int64          `json:"id"`
}

func VolumeRef(id int64) CollectionRef { return CollectionRef{Kind: KindVolume, ID: id} }
func ArcRef(id int64) CollectionRef    { return CollectionRef{Kind: KindArc, ID: id} }

// String renders the reference as "volume:123" or "arc:45".
func (r CollectionRef) String() string {
	return string(r.Kind) + ":" + catalog.FormatID(r.ID)
}

func (r CollectionRef) validate() error {
	switch r.Kind {
	case KindVolume, KindArc:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidCollection, r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidCollection, r.ID)
	}
	return nil
}

// ParseCollectionRef parses the String form. A bare identifier is taken as
// a volume, the only collection older clients know about.
func ParseCollectionRef(s string) (CollectionRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		kind, id = string(KindVolume), kind
	}
	n, err := catalog.ParseID(id)
	if err != nil {
		return CollectionRef{}, fmt.Errorf("%w: %q", ErrInvalidCollection, s)
	}
	ref := CollectionRef{Kind: CollectionKind(kind), ID: n}
	if err := ref.validate(); err != nil {
		return CollectionRef{}, err
	}
	return ref, nil
}

// Subscription is one user's standing interest in a collection. Issues
// published strictly after StartDate are new for that user.
type Subscription struct {
	UserID     string        `json:"user_id"`
	Collection CollectionRef `json:"collection"`
	StartDate  time.Time     `json:"start_date"`
	Created    time.Time     `json:"created"`
}

func (s Subscription) EntityKey() entity.Key { return Key(s.UserID, s.Collection) }

// Key derives the storage key of the subscription of user to ref, so a
// user holds at most one subscription per collection.
func Key(user string, ref CollectionRef) entity.Key {
	return entity.NewKey(KindSubscription, user, ref.String())
}

// Selection names collections by raw identifier, the way callers send
// them. Identifiers may be integers or decimal strings.
type Selection struct {
	Volumes []any `json:"volumes,omitempty"`
	Arcs    []any `json:"arcs,omitempty"`
}

// Schedule maps raw collection identifiers to new start dates.
type Schedule struct {
	Volumes map[string]string `json:"volumes,omitempty"`
	Arcs    map[string]string `json:"arcs,omitempty"`
}

type target struct {
	ref   CollectionRef
	label string
	err   error
}

func targetFor(kind CollectionKind, raw any) target {
	id, err := catalog.ParseID(raw)
	if err != nil {
		return target{label: fmt.Sprintf("%s:%v", kind, raw), err: err}
	}
	ref := CollectionRef{Kind: kind, ID: id}
	return target{ref: ref, label: ref.String()}
}

func (s Selection) targets() []target {
	out := make([]target, 0, len(s.Volumes)+len(s.Arcs))
	for _, raw := range s.Volumes {
		out = append(out, targetFor(KindVolume, raw))
	}
	for _, raw := range s.Arcs {
		out = append(out, targetFor(KindArc, raw))
	}
	return out
}
