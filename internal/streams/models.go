// Package streams manages reading streams: named, per-user collections of
// publishers, volumes and issues that pulls can be filed under.
package streams

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/entity"
)

const KindStream entity.Kind = "stream"

var (
	ErrInvalidName   = errors.New("invalid stream name")
	ErrStreamMissing = errors.New("stream not found")
)

// Stream is stored under its user, keyed by name.
type Stream struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Publishers []int64 `json:"publishers,omitempty"`
	Volumes    []int64 `json:"volumes,omitempty"`
	Issues     []int64 `json:"issues,omitempty"`
	// Length is the number of unread pulled issues filed under the stream
	// when it was last refreshed.
	Length  int       `json:"length"`
	Updated time.Time `json:"updated"`
}

func (s Stream) EntityKey() entity.Key { return Key(s.UserID, s.Name) }

func Key(user, name string) entity.Key {
	return entity.NewKey(KindStream, user, name)
}

func (s *Stream) clone() *Stream {
	cp := *s
	cp.Publishers = slices.Clone(s.Publishers)
	cp.Volumes = slices.Clone(s.Volumes)
	cp.Issues = slices.Clone(s.Issues)
	return &cp
}

// ParseName trims a stream name and rejects ones that cannot be stored.
func ParseName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	return name, nil
}

// Member names the three kinds of catalog record a stream can hold.
type Member string

const (
	MemberPublisher Member = "publisher"
	MemberVolume    Member = "volume"
	MemberIssue     Member = "issue"
)

func (s *Stream) members(m Member) *[]int64 {
	switch m {
	case MemberPublisher:
		return &s.Publishers
	case MemberVolume:
		return &s.Volumes
	default:
		return &s.Issues
	}
}

// Edit adds and removes members of one kind.
type Edit struct {
	Add    []any `json:"add,omitempty"`
	Delete []any `json:"delete,omitempty"`
}

// Change is one stream's set of edits. Edits apply in publisher, volume,
// issue order, additions before deletions.
type Change struct {
	Name       string `json:"name"`
	Publishers Edit   `json:"publishers"`
	Volumes    Edit   `json:"volumes"`
	Issues     Edit   `json:"issues"`
}

type memberEdit struct {
	member Member
	edit   Edit
}

func (c Change) edits() []memberEdit {
	return []memberEdit{
		{MemberPublisher, c.Publishers},
		{MemberVolume, c.Volumes},
		{MemberIssue, c.Issues},
	}
}

// editLabel is the result label of one edit: stream/{name}/{member}/{id}/{add|del}.
func editLabel(name string, m Member, raw any, verb string) string {
	id := fmt.Sprint(raw)
	if n, err := catalog.ParseID(raw); err == nil {
		id = catalog.FormatID(n)
	}
	return fmt.Sprintf("stream/%s/%s/%s/%s", name, m, id, verb)
}
