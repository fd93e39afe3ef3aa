// Package store is the public entry point to the storage backends. It maps
// a backend name to its implementation and keeps the implementations
// internal.
//
// Example:
//
//	s, err := store.Open(ctx, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".cheap",
//	})
//	if err != nil {
//	    return err
//	}
//	defer s.Detach()
package store

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/cheap/internal/backend"
	"github.com/mesh-intelligence/cheap/internal/mysql"
	"github.com/mesh-intelligence/cheap/internal/postgres"
	"github.com/mesh-intelligence/cheap/internal/sqlite"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Option configures a store created by New or Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes backend logs to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a detached store for the named backend. Call Attach with a
// Config naming the same backend.
func New(name string, opts ...Option) (types.Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	bopts := []backend.Option{backend.WithLogger(o.logger)}

	switch name {
	case types.BackendSQLite:
		return sqlite.NewBackend(bopts...), nil
	case types.BackendPostgres:
		return postgres.NewBackend(bopts...), nil
	case types.BackendMySQL:
		return mysql.NewBackend(bopts...), nil
	case "":
		return nil, types.ErrBackendEmpty
	}
	return nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, name)
}

// Open creates the store selected by cfg.Backend and attaches it.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (types.Store, error) {
	s, err := New(cfg.Backend, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Attach(ctx, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Replicate saves a copy of c to every dao concurrently. Each save is
// independent: one failing does not undo the others, and the first error is
// returned once all have finished. c itself is not modified. Copies carry
// c's revision, so replicas are usually MIRROR or CACHE catalogs, whose
// saves skip the revision check.
func Replicate(ctx context.Context, c *types.Catalog, daos ...types.DAO) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var g errgroup.Group
	for _, dao := range daos {
		cp := c.Clone()
		g.Go(func() error {
			if err := dao.SaveCatalog(ctx, cp); err != nil {
				return fmt.Errorf("replicate catalog %s: %w", c.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
