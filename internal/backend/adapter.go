// Package backend implements the storage contract once over database/sql.
// A Dialect supplies the per-engine details (driver, DSN, column types,
// error classification); the Adapter supplies the lifecycle, the bounded
// pool, transactions, retries, the schema manager and the DAO.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mesh-intelligence/cheap/internal/retry"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

var _ types.Store = (*Adapter)(nil)

// Adapter is a types.Store for one Dialect. It is safe for concurrent use;
// every operation holds a pool slot for its whole duration.
type Adapter struct {
	dialect Dialect
	log     *slog.Logger

	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	slots    *semaphore.Weighted

	// audit mirrors cheap_schema.audit: whether catalog rows carry
	// created_at/updated_at.
	audit atomic.Bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// New creates a detached adapter; call Attach before use.
func New(d Dialect, opts ...Option) *Adapter {
	a := &Adapter{dialect: d, log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("backend", d.Name())
	return a
}

// Backend returns the dialect name.
func (a *Adapter) Backend() string { return a.dialect.Name() }

// Attach opens the pool and checks any existing schema. A stored schema of a
// different version fails with SchemaVersionMismatchError and leaves the
// adapter detached.
func (a *Adapter) Attach(ctx context.Context, config types.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Backend != a.dialect.Name() {
		return fmt.Errorf("%w: %s adapter cannot attach to %q", types.ErrBackendUnknown, a.dialect.Name(), config.Backend)
	}
	config = config.WithDefaults()

	dsn, err := a.dialect.DSN(config)
	if err != nil {
		return err
	}
	db, err := sql.Open(a.dialect.DriverName(), dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.dialect.Name(), err)
	}
	db.SetMaxOpenConns(config.Pool.MaxOpenConns)
	db.SetMaxIdleConns(config.Pool.MaxIdleConns)
	db.SetConnMaxLifetime(config.Pool.ConnMaxLifetime)

	a.db = db
	a.config = config
	a.slots = semaphore.NewWeighted(int64(config.Pool.MaxOpenConns))

	err = a.withRetry(ctx, "ping", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err == nil {
		err = a.checkSchema(ctx)
	}
	if err != nil {
		db.Close()
		a.db, a.slots = nil, nil
		return err
	}

	a.attached = true
	a.log.Info("attached", "max_open_conns", config.Pool.MaxOpenConns, "audit", a.audit.Load())
	return nil
}

// checkSchema loads the audit flag and verifies the version of an existing
// schema. A missing schema is fine; CreateSchema makes one.
func (a *Adapter) checkSchema(ctx context.Context) error {
	version, audit, ok, err := a.readSchemaRow(ctx, a.db)
	if err != nil || !ok {
		return err
	}
	if version != types.SchemaVersion {
		return &types.SchemaVersionMismatchError{Found: version, Expected: types.SchemaVersion}
	}
	a.audit.Store(audit)
	return nil
}

// Detach closes the pool. Operations still running finish first. Detach is
// idempotent.
func (a *Adapter) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.attached {
		return nil
	}
	a.attached = false
	db := a.db
	a.db, a.slots = nil, nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", a.dialect.Name(), err)
	}
	a.log.Info("detached")
	return nil
}

// run executes fn with a pool slot, retrying transient failures. The read
// lock is held throughout so Detach waits for in-flight work.
func (a *Adapter) run(ctx context.Context, op string, fn func(ctx context.Context, db *sql.DB) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.attached {
		return types.ErrDetached
	}
	if err := a.acquire(ctx); err != nil {
		return err
	}
	defer a.slots.Release(1)

	db := a.db
	return a.withRetry(ctx, op, func(ctx context.Context) error {
		return fn(ctx, db)
	})
}

func (a *Adapter) acquire(ctx context.Context) error {
	wait, cancel := context.WithTimeout(ctx, a.config.Pool.AcquireTimeout)
	defer cancel()
	if err := a.slots.Acquire(wait, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &types.PoolTimeoutError{Backend: a.dialect.Name(), Timeout: a.config.Pool.AcquireTimeout}
	}
	return nil
}

func (a *Adapter) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opts := retry.Options{
		MaxRetries:     a.config.Retry.MaxRetries,
		InitialBackoff: a.config.Retry.InitialBackoff,
		MaxBackoff:     a.config.Retry.MaxBackoff,
	}
	isTransient := func(err error) bool { return transient(a.dialect, err) }

	err := retry.Do(ctx, opts, isTransient, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && isTransient(err) {
			a.log.Warn("transient failure", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})

	var ex *retry.ExhaustedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ex):
		return &types.StorageUnavailableError{Backend: a.dialect.Name(), Attempts: ex.Attempts, Err: ex.Err}
	case a.dialect.IsMissingTable(err):
		return fmt.Errorf("%s: %w: %w", op, &types.NotFoundError{Kind: "schema", Key: a.dialect.Name()}, err)
	}
	return err
}

// tx wraps *sql.Tx so queries are rebound once per dialect.
type tx struct {
	*sql.Tx
	d Dialect
}

func (t tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.ExecContext(ctx, rebind(t.d.Dollar(), q), args...)
}

func (t tx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(ctx, rebind(t.d.Dollar(), q), args...)
}

func (t tx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.QueryRowContext(ctx, rebind(t.d.Dollar(), q), args...)
}

func (t tx) prepare(ctx context.Context, q string) (*sql.Stmt, error) {
	return t.PrepareContext(ctx, rebind(t.d.Dollar(), q))
}

// each runs q and calls scan once per row. Rows are drained before each
// returns, so the connection is free for the next statement.
func (t tx) each(ctx context.Context, q string, args []any, scan func(rows *sql.Rows) error) error {
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// inTx runs fn in a transaction that is committed only if fn succeeds. Each
// retry gets a fresh transaction.
func (a *Adapter) inTx(ctx context.Context, op string, readOnly bool, fn func(ctx context.Context, t tx) error) error {
	return a.run(ctx, op, func(ctx context.Context, db *sql.DB) error {
		sqlTx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		defer sqlTx.Rollback()

		if err := fn(ctx, tx{Tx: sqlTx, d: a.dialect}); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}
