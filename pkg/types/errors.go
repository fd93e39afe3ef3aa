package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error categories. Every typed error below matches exactly one of these
// with errors.Is, so callers can branch on the category without caring about
// the concrete struct.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrCatalogNotFound       = errors.New("catalog not found")
	ErrConflict              = errors.New("concurrent write conflict")
	ErrCycle                 = errors.New("tree cycle")
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
	ErrSchemaExists          = errors.New("schema already exists")
	ErrUnsupportedType       = errors.New("unsupported property type")
	ErrPoolTimeout           = errors.New("connection pool timeout")
	ErrStorageUnavailable    = errors.New("storage unavailable")
)

// Adapter lifecycle errors.
var (
	ErrDetached        = errors.New("adapter is detached")
	ErrAlreadyAttached = errors.New("adapter is already attached")
)

// ValidationError reports a value or structure that violates its schema.
// It is never retried.
type ValidationError struct {
	Field  string // Offending name or path, e.g. "person.age".
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// invalidf builds a ValidationError for field.
func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity, aspect, hierarchy, key or node.
type NotFoundError struct {
	Kind string // "entity", "aspect", "hierarchy", "key", "node", "aspect def", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CatalogNotFoundError reports a catalog id with no stored catalog.
type CatalogNotFoundError struct {
	ID uuid.UUID
}

func (e *CatalogNotFoundError) Error() string {
	return fmt.Sprintf("catalog %s not found", e.ID)
}

func (e *CatalogNotFoundError) Is(target error) bool {
	return target == ErrCatalogNotFound || target == ErrNotFound
}

// ConflictError reports a concurrent writer on the same catalog. The caller
// may reload and retry.
type ConflictError struct {
	CatalogID uuid.UUID
	Revision  int64 // Revision the writer expected to replace.
	Reason    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict saving catalog %s at revision %d: %s", e.CatalogID, e.Revision, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// CycleError reports a TREE mutation that would make a node its own ancestor.
// The tree is left unmodified.
type CycleError struct {
	Hierarchy string
	Parent    uuid.UUID
	Child     uuid.UUID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("tree %q: %s is an ancestor of %s", e.Hierarchy, e.Child, e.Parent)
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// SchemaVersionMismatchError reports a stored schema written by a different
// version of this module.
type SchemaVersionMismatchError struct {
	Found    int
	Expected int
}

func (e *SchemaVersionMismatchError) Error() string {
	return fmt.Sprintf("schema version %d does not match expected version %d", e.Found, e.Expected)
}

func (e *SchemaVersionMismatchError) Is(target error) bool { return target == ErrSchemaVersionMismatch }

// SchemaExistsError reports CreateSchema on a populated schema without
// SchemaOptions.Overwrite.
type SchemaExistsError struct {
	Backend  string
	Catalogs int64
}

func (e *SchemaExistsError) Error() string {
	return fmt.Sprintf("%s schema already holds %d catalog(s); set overwrite to recreate it", e.Backend, e.Catalogs)
}

func (e *SchemaExistsError) Is(target error) bool { return target == ErrSchemaExists }

// UnsupportedTypeError reports a property value whose type tag is not one of
// the known PropertyTypes.
type UnsupportedTypeError struct {
	Type PropertyType
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported property type %q", string(e.Type))
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

// PoolTimeoutError reports that no connection became available within the
// configured acquire timeout.
type PoolTimeoutError struct {
	Backend string
	Timeout time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("%s: no connection available within %s", e.Backend, e.Timeout)
}

func (e *PoolTimeoutError) Is(target error) bool { return target == ErrPoolTimeout }

// StorageUnavailableError wraps the last transient failure once the retry
// budget is exhausted.
type StorageUnavailableError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *StorageUnavailableError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageUnavailableError) Unwrap() error { return e.Err }
