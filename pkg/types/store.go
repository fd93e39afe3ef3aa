package types

import "context"

// Store is a storage backend: a DAO and a SchemaManager behind an explicit
// attach/detach lifecycle. Callers attach to a backend, run operations, and
// detach when done; there is no process-wide connection state.
type Store interface {
	DAO
	SchemaManager

	// Attach opens the connection pool described by config and verifies the
	// stored schema version, if any. Returns ErrAlreadyAttached if called
	// while attached.
	Attach(ctx context.Context, config Config) error

	// Detach closes the pool. Idempotent. After Detach every operation
	// returns ErrDetached.
	Detach() error

	// Backend returns the configured backend name.
	Backend() string
}
