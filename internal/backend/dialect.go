package backend

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Dialect is everything the Adapter needs to know about one SQL engine.
// Queries are written once with ? placeholders and rebound per dialect.
type Dialect interface {
	// Name is the backend name, one of the types.Backend* constants.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// DSN turns a validated Config into a driver connection string.
	DSN(cfg types.Config) (string, error)
	// Dollar reports whether placeholders are $1, $2, ... instead of ?.
	Dollar() bool
	Columns() ColumnTypes
	// TableOptions is appended to every CREATE TABLE statement.
	TableOptions() string
	// ForUpdate is appended to row-locking SELECTs; empty where the
	// transaction itself holds the write lock.
	ForUpdate() string
	// EncodeTime converts a UTC DATE_TIME or audit timestamp to a driver
	// argument.
	EncodeTime(t time.Time) any

	IsTransient(err error) bool
	IsUniqueViolation(err error) bool
	IsMissingTable(err error) bool
}

// ColumnTypes maps the logical column families of the layout to native SQL
// types.
type ColumnTypes struct {
	ID      string
	Name    string
	Text    string
	Int     string
	Float   string
	Bool    string
	Numeric string
	Time    string
	Blob    string
}

// rebind rewrites ? placeholders to $n. Queries in this package never carry
// a literal question mark.
func rebind(dollar bool, q string) string {
	if !dollar || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// transient classifies failures that are worth retrying on any backend:
// dropped connections and network errors. Dialect-specific codes are added
// by Dialect.IsTransient. Context errors never are.
func transient(d Dialect, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return d.IsTransient(err)
}

// ParseTime decodes a time column scanned into an any: drivers hand back
// time.Time, or text in types.TimeLayout.
func ParseTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return types.ParseTime(v)
	case []byte:
		return types.ParseTime(string(v))
	default:
		return time.Time{}, errors.New("unsupported time column value")
	}
}
