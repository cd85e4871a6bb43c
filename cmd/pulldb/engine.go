package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/pulldb/internal/catalog"
	"github.com/user/pulldb/internal/config"
	"github.com/user/pulldb/internal/entity"
	"github.com/user/pulldb/internal/journal"
	"github.com/user/pulldb/internal/kvstore"
	"github.com/user/pulldb/internal/newissues"
	"github.com/user/pulldb/internal/pulls"
	"github.com/user/pulldb/internal/server"
	"github.com/user/pulldb/internal/streams"
	"github.com/user/pulldb/internal/subscriptions"
)

// engine is the wired component graph over one data directory.
type engine struct {
	store    *entity.Store
	catalog  *catalog.Catalog
	registry *subscriptions.Registry
	ledger   *pulls.Ledger
	resolver *newissues.Resolver
	streams  *streams.Registry
	journal  *journal.Journal
}

func openEngine(cfg *config.Config) (*engine, error) {
	b, err := kvstore.Open(cfg.Backend, cfg.DataDir, cfg.NoSync)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	s := entity.NewStore(b, entity.WithConcurrency(cfg.Engine.Concurrency))
	log := slog.Default()

	c := catalog.New(s)
	reg := subscriptions.NewRegistry(s, c,
		subscriptions.WithLogger(log),
		subscriptions.WithMaxRetries(cfg.Engine.MaxRetries),
	)
	l := pulls.NewLedger(s, c, reg,
		pulls.WithLogger(log),
		pulls.WithMaxRetries(cfg.Engine.MaxRetries),
	)
	e := &engine{
		store:    s,
		catalog:  c,
		registry: reg,
		ledger:   l,
		resolver: newissues.NewResolver(s, c, reg, l,
			newissues.WithConcurrency(cfg.Engine.Concurrency),
			newissues.WithLogger(log),
		),
		streams: streams.NewRegistry(s, c,
			streams.WithLogger(log),
			streams.WithMaxRetries(cfg.Engine.MaxRetries),
		),
	}
	if cfg.Journal {
		j, err := journal.Open(cfg.DataDir)
		if err != nil {
			s.Close()
			return nil, err
		}
		e.journal = j
	}
	return e, nil
}

func (e *engine) deps() server.Deps {
	return server.Deps{
		Catalog:  e.catalog,
		Registry: e.registry,
		Ledger:   e.ledger,
		Resolver: e.resolver,
		Streams:  e.streams,
		Journal:  e.journal,
	}
}

func (e *engine) Close() error {
	var errs []error
	if e.journal != nil {
		errs = append(errs, e.journal.Close())
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
