package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DAO persists catalogs. Every backend implements it with identical
// observable behavior. A Catalog passed in or returned is owned by the caller;
// implementations keep no reference to it.
type DAO interface {
	// SaveCatalog writes the whole catalog graph in one transaction. A catalog
	// with Revision 0 is inserted; otherwise the stored row must still be at
	// c.Revision or the save fails with ConflictError (MIRROR and CACHE
	// catalogs skip that check). On success c.Revision and any newly
	// assigned local ids are updated in place.
	SaveCatalog(ctx context.Context, c *Catalog) error

	// LoadCatalog reconstructs a catalog. Returns CatalogNotFoundError if
	// absent and SchemaVersionMismatchError if it was written by a different
	// schema version.
	LoadCatalog(ctx context.Context, id uuid.UUID) (*Catalog, error)

	// DeleteCatalog removes a catalog and everything it owns. It returns the
	// number of rows removed, 0 when the catalog does not exist.
	DeleteCatalog(ctx context.Context, id uuid.UUID) (int64, error)

	CatalogExists(ctx context.Context, id uuid.UUID) (bool, error)

	// ListCatalogs summarises every stored catalog, ordered by id.
	ListCatalogs(ctx context.Context) ([]CatalogSummary, error)

	// ListAspectDefs returns the aspect defs of a stored catalog by name.
	ListAspectDefs(ctx context.Context, catalogID uuid.UUID) ([]*AspectDef, error)

	// GetAspectDef returns NotFoundError if the def is not declared.
	GetAspectDef(ctx context.Context, catalogID uuid.UUID, name string) (*AspectDef, error)

	// AddAspectDef declares a new aspect def on a stored catalog, or replaces
	// an existing one with a strictly additive newer version. It bumps the
	// catalog revision.
	AddAspectDef(ctx context.Context, catalogID uuid.UUID, def *AspectDef) error
}

// SchemaManager owns the lifecycle of the persisted layout.
type SchemaManager interface {
	// CreateSchema creates every table. On an existing but empty schema it
	// does nothing; on a populated one it fails with SchemaExistsError unless
	// opts.Overwrite is set, in which case the schema is dropped first.
	CreateSchema(ctx context.Context, opts SchemaOptions) error
	// DropSchema removes every table. Dropping an absent schema succeeds.
	DropSchema(ctx context.Context) error
	// TruncateSchema removes all rows and keeps the tables.
	TruncateSchema(ctx context.Context) error
	SchemaExists(ctx context.Context) (bool, error)
	// SchemaVersion returns the stored layout version, or 0 without a schema.
	SchemaVersion(ctx context.Context) (int, error)
}

// SchemaOptions controls CreateSchema.
type SchemaOptions struct {
	// IncludeAudit adds created_at and updated_at columns to catalog rows.
	IncludeAudit bool
	// IncludeForeignKeys declares foreign keys from owned rows to their
	// catalog and entity.
	IncludeForeignKeys bool
	// Overwrite drops a populated schema instead of failing.
	Overwrite bool
}

// CatalogSummary describes a stored catalog without loading its content.
type CatalogSummary struct {
	ID          uuid.UUID      `json:"id"`
	Species     CatalogSpecies `json:"species"`
	Version     string         `json:"version"`
	Revision    int64          `json:"revision"`
	Upstream    *uuid.UUID     `json:"upstream,omitempty"`
	Entities    int64          `json:"entities"`
	AspectDefs  int64          `json:"aspect_defs"`
	Hierarchies int64          `json:"hierarchies"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}
