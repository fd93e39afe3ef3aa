// Package postgres is the PostgreSQL backend, using pgx through its
// database/sql driver.
package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/mesh-intelligence/cheap/internal/backend"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// SQLSTATE codes the dialect reacts to.
const (
	codeUniqueViolation      = "23505"
	codeUndefinedTable       = "42P01"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
)

// Dialect describes PostgreSQL to backend.Adapter.
type Dialect struct{}

var _ backend.Dialect = Dialect{}

// NewBackend creates a detached PostgreSQL store.
func NewBackend(opts ...backend.Option) *backend.Adapter {
	return backend.New(Dialect{}, opts...)
}

func (Dialect) Name() string         { return types.BackendPostgres }
func (Dialect) DriverName() string   { return "pgx" }
func (Dialect) Dollar() bool         { return true }
func (Dialect) TableOptions() string { return "" }
func (Dialect) ForUpdate() string    { return " FOR UPDATE" }

func (Dialect) Columns() backend.ColumnTypes {
	return backend.ColumnTypes{
		ID:      "UUID",
		Name:    "TEXT",
		Text:    "TEXT",
		Int:     "BIGINT",
		Float:   "DOUBLE PRECISION",
		Bool:    "BOOLEAN",
		Numeric: "NUMERIC",
		Time:    "TIMESTAMPTZ",
		Blob:    "BYTEA",
	}
}

// DSN checks that the connection string parses; pgx accepts both URL and
// keyword/value forms.
func (Dialect) DSN(cfg types.Config) (string, error) {
	if _, err := pgx.ParseConfig(cfg.DSN); err != nil {
		return "", fmt.Errorf("postgres dsn: %w", err)
	}
	return cfg.DSN, nil
}

func (Dialect) EncodeTime(t time.Time) any { return t.UTC() }

func pgError(err error) (*pgconn.PgError, bool) {
	var pe *pgconn.PgError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsTransient covers lost connections (class 08), operator shutdowns
// (57P0x), serialization and deadlock aborts, and connection exhaustion.
func (Dialect) IsTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	pe, ok := pgError(err)
	if !ok {
		return false
	}
	switch pe.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeTooManyConnections:
		return true
	}
	return strings.HasPrefix(pe.Code, "08") || strings.HasPrefix(pe.Code, "57P0")
}

func (Dialect) IsUniqueViolation(err error) bool {
	pe, ok := pgError(err)
	return ok && pe.Code == codeUniqueViolation
}

func (Dialect) IsMissingTable(err error) bool {
	pe, ok := pgError(err)
	return ok && pe.Code == codeUndefinedTable
}
