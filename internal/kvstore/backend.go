// Package kvstore provides the ordered key/value backends the entity store
// is written against. Two interchangeable implementations exist: Pebble
// (default) and Badger.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("kvstore: key not found")
	// ErrConflict is returned by Apply when a checked mutation no longer
	// matches the stored value. Nothing is written.
	ErrConflict = errors.New("kvstore: conditional write conflict")
)

// Backend kinds accepted by Open and OpenMemory.
const (
	KindPebble = "pebble"
	KindBadger = "badger"
)

// Mutation is one write inside an atomic Apply.
//
// When Check is set the whole Apply only commits if the value currently
// stored under Key equals Expect. A nil Expect means the key must be absent.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
	Check  bool
	Expect []byte
}

// Backend is an ordered key/value store.
type Backend interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Scan calls fn for every key with the given prefix in ascending key
	// order. The slices passed to fn are owned by the caller.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	// Apply commits all mutations atomically.
	Apply(ctx context.Context, muts []Mutation) error
	Close() error
}

// Open opens a persistent backend of the given kind rooted at dir.
func Open(kind, dir string, noSync bool) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindPebble:
		return openPebble(dir, noSync)
	case KindBadger:
		return openBadger(dir, noSync)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// OpenMemory opens a throwaway in-memory backend of the given kind.
func OpenMemory(kind string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindPebble:
		return openPebbleMemory()
	case KindBadger:
		return openBadgerMemory()
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// checkMatches reports whether the stored value satisfies m's expectation.
func checkMatches(m Mutation, stored []byte, found bool) bool {
	if m.Expect == nil {
		return !found
	}
	return found && bytes.Equal(stored, m.Expect)
}
