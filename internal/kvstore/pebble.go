package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/user/pulldb/internal/kv"
)

// pebbleBackend serializes Apply through a single writer lock so that the
// checks and the batch commit observe the same state.
type pebbleBackend struct {
	db     *pebble.DB
	noSync bool
	mu     sync.Mutex
}

func openPebble(dir string, noSync bool) (*pebbleBackend, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &pebbleBackend{db: db, noSync: noSync}, nil
}

func openPebbleMemory() (*pebbleBackend, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open pebble memory store: %w", err)
	}
	return &pebbleBackend{db: db, noSync: true}, nil
}

func (s *pebbleBackend) syncOpt() *pebble.WriteOptions {
	if s.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *pebbleBackend) Close() error {
	return s.db.Close()
}

func (s *pebbleBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

func (s *pebbleBackend) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kv.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleBackend) Apply(ctx context.Context, muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range muts {
		if !m.Check {
			continue
		}
		stored, err := s.Get(ctx, m.Key)
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if !checkMatches(m, stored, found) {
			return ErrConflict
		}
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, m := range muts {
		var err error
		if m.Delete {
			err = batch.Delete(m.Key, pebble.NoSync)
		} else {
			err = batch.Set(m.Key, m.Value, pebble.NoSync)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(s.syncOpt())
}
