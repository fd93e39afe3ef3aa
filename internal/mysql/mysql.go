// Package mysql is the MySQL backend, built on go-sql-driver/mysql.
// Tables use InnoDB with the binary utf8mb4 collation so names and
// directory keys compare byte for byte, as on the other backends.
package mysql

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mesh-intelligence/cheap/internal/backend"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Server error numbers the dialect reacts to.
const (
	errDuplicateEntry  = 1062
	errNoSuchTable     = 1146
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errTooManyConns    = 1040
	errServerShutdown  = 1053
)

// Dialect describes MySQL to backend.Adapter.
type Dialect struct{}

var _ backend.Dialect = Dialect{}

// NewBackend creates a detached MySQL store.
func NewBackend(opts ...backend.Option) *backend.Adapter {
	return backend.New(Dialect{}, opts...)
}

func (Dialect) Name() string       { return types.BackendMySQL }
func (Dialect) DriverName() string { return "mysql" }
func (Dialect) Dollar() bool       { return false }
func (Dialect) ForUpdate() string  { return " FOR UPDATE" }

// TableOptions selects a binary collation. utf8mb4_bin is PAD SPACE, so key
// columns only hold names that the types package has checked for trailing
// spaces.
func (Dialect) TableOptions() string {
	return " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin"
}

func (Dialect) Columns() backend.ColumnTypes {
	return backend.ColumnTypes{
		ID:   "CHAR(36)",
		Name: "VARCHAR(255)",
		Text: "LONGTEXT",
		Int:  "BIGINT",
		// DOUBLE keeps every float64 bit; FLOAT would round.
		Float: "DOUBLE",
		Bool:  "BOOLEAN",
		// DECIMAL caps precision at 65 digits, so arbitrary-precision
		// numbers are kept in canonical text form.
		Numeric: "LONGTEXT",
		Time:    "DATETIME(6)",
		Blob:    "LONGBLOB",
	}
}

// DSN forces the session settings the layout relies on: DATETIME columns
// scanned as UTC time.Time, and UPDATE reporting matched rather than changed
// rows so the revision check sees no-op updates.
func (Dialect) DSN(cfg types.Config) (string, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return "", fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.ClientFoundRows = true
	mc.Collation = "utf8mb4_bin"
	return mc.FormatDSN(), nil
}

func (Dialect) EncodeTime(t time.Time) any { return t.UTC() }

func number(err error) (uint16, bool) {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return 0, false
	}
	return me.Number, true
}

func (Dialect) IsTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	n, ok := number(err)
	if !ok {
		return false
	}
	switch n {
	case errLockWaitTimeout, errDeadlock, errTooManyConns, errServerShutdown:
		return true
	}
	return false
}

func (Dialect) IsUniqueViolation(err error) bool {
	n, ok := number(err)
	return ok && n == errDuplicateEntry
}

func (Dialect) IsMissingTable(err error) bool {
	n, ok := number(err)
	return ok && n == errNoSuchTable
}
