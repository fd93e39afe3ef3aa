// Package sqlite is the embedded SQLite backend, built on the pure-Go
// modernc.org/sqlite driver.
//
// Connections are opened with:
//   - WAL mode, so readers run alongside the single writer
//   - busy_timeout=5000, so a writer waits for the lock instead of failing
//   - foreign_keys=ON, so declared foreign keys are enforced
//   - _txlock=immediate, so write transactions take the lock at BEGIN
package sqlite

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/cheap/internal/backend"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// FileName is the database file created in Config.DataDir when no DSN is
// given.
const FileName = "cheap.db"

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// Dialect describes SQLite to backend.Adapter.
type Dialect struct{}

var _ backend.Dialect = Dialect{}

// NewBackend creates a detached SQLite store.
func NewBackend(opts ...backend.Option) *backend.Adapter {
	return backend.New(Dialect{}, opts...)
}

func (Dialect) Name() string       { return types.BackendSQLite }
func (Dialect) DriverName() string { return "sqlite" }
func (Dialect) Dollar() bool       { return false }
func (Dialect) TableOptions() string {
	return ""
}

// ForUpdate is empty: _txlock=immediate already serialises writers.
func (Dialect) ForUpdate() string { return "" }

func (Dialect) Columns() backend.ColumnTypes {
	return backend.ColumnTypes{
		ID:      "TEXT",
		Name:    "TEXT",
		Text:    "TEXT",
		Int:     "INTEGER",
		Float:   "REAL",
		Bool:    "INTEGER",
		Numeric: "TEXT",
		Time:    "TEXT",
		Blob:    "BLOB",
	}
}

// DSN resolves the database path and appends the connection pragmas. An
// explicit DSN wins over DataDir; DataDir is created if missing.
func (Dialect) DSN(cfg types.Config) (string, error) {
	path := cfg.DSN
	if path == "" {
		dir := cfg.DataDir
		if dir == "" {
			dir = "."
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(dir, FileName)
	}
	if strings.Contains(path, "_pragma=") || strings.Contains(path, "_txlock=") {
		return path, nil
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + pragmas, nil
}

// EncodeTime stores times as fixed-width text so they sort and compare
// lexically.
func (Dialect) EncodeTime(t time.Time) any {
	return t.UTC().Format(types.TimeLayout)
}

func code(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func (Dialect) IsTransient(err error) bool {
	c, ok := code(err)
	if !ok {
		return false
	}
	switch c & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (Dialect) IsUniqueViolation(err error) bool {
	c, ok := code(err)
	return ok && (c == sqlite3.SQLITE_CONSTRAINT_UNIQUE || c == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func (Dialect) IsMissingTable(err error) bool {
	c, ok := code(err)
	return ok && c&0xff == sqlite3.SQLITE_ERROR && strings.Contains(err.Error(), "no such table")
}
