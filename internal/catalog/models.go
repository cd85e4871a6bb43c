// Package catalog is the read-mostly view of publishers, volumes, issues and
// story arcs. Records are produced by the catalog sync; the subscription and
// pull engine only reads them.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/user/pulldb/internal/entity"
)

const (
	KindPublisher entity.Kind = "publisher"
	KindVolume    entity.Kind = "volume"
	KindIssue     entity.Kind = "issue"
	KindIssueRef  entity.Kind = "issueref"
	KindStoryArc  entity.Kind = "arc"
)

// DateLayout is the wire format of publication and start dates.
const DateLayout = "2006-01-02"

var (
	ErrInvalidID   = errors.New("invalid catalog identifier")
	ErrInvalidDate = errors.New("invalid date")
)

type Publisher struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (p Publisher) EntityKey() entity.Key { return PublisherKey(p.ID) }

type Volume struct {
	ID          int64  `json:"id"`
	PublisherID int64  `json:"publisher_id,omitempty"`
	Name        string `json:"name"`
	StartYear   int    `json:"start_year,omitempty"`
	Complete    bool   `json:"complete"`
	Indexed     bool   `json:"indexed"`
}

func (v Volume) EntityKey() entity.Key { return VolumeKey(v.ID) }

// Issue is stored under its volume so a volume's issues are one ancestor
// scan. Lookups by bare identifier go through the issue locator.
type Issue struct {
	ID       int64     `json:"id"`
	VolumeID int64     `json:"volume_id"`
	Number   string    `json:"number,omitempty"`
	Title    string    `json:"title,omitempty"`
	PubDate  time.Time `json:"pubdate"`
	Complete bool      `json:"complete"`
	Indexed  bool      `json:"indexed"`
}

func (i Issue) EntityKey() entity.Key { return IssueKey(i.VolumeID, i.ID) }

// issueLocator maps a bare issue identifier to its owning volume.
type issueLocator struct {
	ID       int64 `json:"id"`
	VolumeID int64 `json:"volume_id"`
}

func (l issueLocator) EntityKey() entity.Key { return locatorKey(l.ID) }

type StoryArc struct {
	ID          int64   `json:"id"`
	PublisherID int64   `json:"publisher_id,omitempty"`
	Name        string  `json:"name"`
	IssueIDs    []int64 `json:"issue_ids,omitempty"`
	Complete    bool    `json:"complete"`
	Indexed     bool    `json:"indexed"`
}

func (a StoryArc) EntityKey() entity.Key { return ArcKey(a.ID) }

func PublisherKey(id int64) entity.Key {
	return entity.NewKey(KindPublisher, "", FormatID(id))
}

func VolumeKey(id int64) entity.Key {
	return entity.NewKey(KindVolume, "", FormatID(id))
}

func IssueKey(volumeID, id int64) entity.Key {
	return entity.NewKey(KindIssue, FormatID(volumeID), FormatID(id))
}

func ArcKey(id int64) entity.Key {
	return entity.NewKey(KindStoryArc, "", FormatID(id))
}

func locatorKey(id int64) entity.Key {
	return entity.NewKey(KindIssueRef, "", FormatID(id))
}

func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID accepts catalog identifiers as integers or decimal strings, the
// two shapes callers send them in.
func ParseID(v any) (int64, error) {
	var id int64
	switch t := v.(type) {
	case int:
		id = int64(t)
	case int64:
		id = t
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if math.IsInf(t, 0) || math.IsNaN(t) || t != math.Trunc(t) || t >= math.MaxInt64 || t <= 0 {
			return 0, fmt.Errorf("%w: %v", ErrInvalidID, t)
		}
		id = int64(t)
	case json.Number:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, t.String())
		}
		id = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, t)
		}
		id = n
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidID, v)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return id, nil
}

// ParseDate parses a calendar date. RFC 3339 timestamps are accepted and
// truncated to their UTC date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(DateLayout, s); err == nil {
		return d, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return Day(ts), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// Day truncates t to midnight UTC of its UTC date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
