// Package entity implements the keyed-entity store contract on top of an
// ordered key/value backend: get/put/delete by key, batched variants,
// conditional batch writes, and ancestor queries with cursor pagination.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/user/pulldb/internal/kvstore"
)

const defaultFanout = 16

// Store is the entity data access layer.
type Store struct {
	b      kvstore.Backend
	fanout int
}

// Option configures a Store.
type Option func(*Store)

// WithConcurrency bounds the number of in-flight reads of one GetMany.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fanout = n
		}
	}
}

// NewStore creates a Store over the given backend.
func NewStore(b kvstore.Backend, opts ...Option) *Store {
	s := &Store{b: b, fanout: defaultFanout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.b.Close()
}

func encode(e Entity) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EntityKey(), err)
	}
	return b, nil
}

func decode[T any](key Key, raw []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Get returns the entity stored under key, or nil when it is absent.
func Get[T any](ctx context.Context, s *Store, key Key) (*T, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	raw, err := s.b.Get(ctx, key.bytes())
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return decode[T](key, raw)
}

// GetMany fetches all keys concurrently and returns the results in key
// order, with nil for absent entities. Zero keys yield nil without a read.
// The first failed read fails the whole call.
func GetMany[T any](ctx context.Context, s *Store, keys []Key) ([]*T, error) {
	out := make([]*T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, key := range keys {
		if key.IsZero() {
			continue
		}
		g.Go(func() error {
			v, err := Get[T](gctx, s, key)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes one entity and returns its key.
func (s *Store) Put(ctx context.Context, e Entity) (Key, error) {
	if err := s.PutMany(ctx, []Entity{e}); err != nil {
		return Key{}, err
	}
	return e.EntityKey(), nil
}

// PutMany writes all entities in one atomic batch.
func (s *Store) PutMany(ctx context.Context, es []Entity) error {
	muts := make([]kvstore.Mutation, 0, len(es))
	for _, e := range es {
		key := e.EntityKey()
		if err := key.validate(); err != nil {
			return err
		}
		raw, err := encode(e)
		if err != nil {
			return err
		}
		muts = append(muts, kvstore.Mutation{Key: key.bytes(), Value: raw})
	}
	if err := s.b.Apply(ctx, muts); err != nil {
		return unavailable("put", err)
	}
	return nil
}

// DeleteMany removes all keys in one atomic batch. Absent keys are ignored.
func (s *Store) DeleteMany(ctx context.Context, keys []Key) error {
	muts := make([]kvstore.Mutation, 0, len(keys))
	for _, key := range keys {
		if err := key.validate(); err != nil {
			return err
		}
		muts = append(muts, kvstore.Mutation{Key: key.bytes(), Delete: true})
	}
	if err := s.b.Apply(ctx, muts); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Swap is one conditional write. Old is the state the caller last read
// (nil when it read nothing); New is the state to write (nil deletes).
type Swap struct {
	Old Entity
	New Entity
}

func (w Swap) key() (Key, error) {
	switch {
	case w.New != nil:
		return w.New.EntityKey(), nil
	case w.Old != nil:
		return w.Old.EntityKey(), nil
	default:
		return Key{}, errors.New("swap without old or new entity")
	}
}

// Swap commits every write in one batch, but only if every stored entity
// still matches its Old state. On a mismatch nothing is written and the
// returned error satisfies IsConflict.
func (s *Store) Swap(ctx context.Context, swaps []Swap) error {
	muts := make([]kvstore.Mutation, 0, len(swaps))
	for _, w := range swaps {
		key, err := w.key()
		if err != nil {
			return err
		}
		if err := key.validate(); err != nil {
			return err
		}
		m := kvstore.Mutation{Key: key.bytes(), Check: true}
		if w.Old != nil {
			if m.Expect, err = encode(w.Old); err != nil {
				return err
			}
		}
		if w.New == nil {
			m.Delete = true
		} else if m.Value, err = encode(w.New); err != nil {
			return err
		}
		muts = append(muts, m)
	}
	err := s.b.Apply(ctx, muts)
	if errors.Is(err, kvstore.ErrConflict) {
		return &StoreError{Code: ErrorCodeConflict, Op: "swap", Err: err}
	}
	if err != nil {
		return unavailable("swap", err)
	}
	return nil
}

type scanned[T any] struct {
	key   Key
	value *T
}

func scan[T any](ctx context.Context, s *Store, prefix []byte) ([]scanned[T], error) {
	var out []scanned[T]
	err := s.b.Scan(ctx, prefix, func(k, v []byte) error {
		key, ok := keyFromBytes(k)
		if !ok {
			return fmt.Errorf("malformed key %q", k)
		}
		value, err := decode[T](key, v)
		if err != nil {
			return err
		}
		out = append(out, scanned[T]{key: key, value: value})
		return nil
	})
	if err != nil {
		return nil, unavailable("query", err)
	}
	return out, nil
}
