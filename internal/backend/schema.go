package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Table names, parents before children. Drop and truncate walk it backwards.
const (
	tableSchema        = "cheap_schema"
	tableCatalog       = "catalog"
	tableAspectDef     = "aspect_def"
	tablePropertyDef   = "property_def"
	tableHierarchyDef  = "hierarchy_def"
	tableEntity        = "entity"
	tableAspect        = "aspect"
	tablePropertyValue = "property_value"
	tableList          = "hierarchy_list"
	tableSet           = "hierarchy_set"
	tableDirectory     = "hierarchy_directory"
	tableTree          = "hierarchy_tree"
	tableAspectMap     = "hierarchy_aspect_map"
)

var allTables = []string{
	tableSchema, tableCatalog, tableAspectDef, tablePropertyDef, tableHierarchyDef,
	tableEntity, tableAspect, tablePropertyValue,
	tableList, tableSet, tableDirectory, tableTree, tableAspectMap,
}

// contentTables hold rows owned by a catalog, keyed by catalog_id.
var contentTables = allTables[2:]

// ddl renders the CREATE TABLE statements for the given options. Column
// families follow ColumnTypes so every backend stores identical values.
func ddl(d Dialect, opts types.SchemaOptions) []string {
	c := d.Columns()
	opt := d.TableOptions()
	fk := func(cols, ref string) string {
		if !opts.IncludeForeignKeys {
			return ""
		}
		return fmt.Sprintf(",\n    FOREIGN KEY (%s) REFERENCES %s ON DELETE CASCADE", cols, ref)
	}
	toCatalog := fk("catalog_id", "catalog (global_id)")
	toEntity := fk("catalog_id, entity_id", "entity (catalog_id, global_id)")

	audit := ""
	if opts.IncludeAudit {
		audit = fmt.Sprintf(",\n    created_at %s NOT NULL,\n    updated_at %s NOT NULL", c.Time, c.Time)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cheap_schema (
    id %[1]s NOT NULL PRIMARY KEY,
    schema_version %[1]s NOT NULL,
    audit %[2]s NOT NULL,
    foreign_keys %[2]s NOT NULL
)`, c.Int, c.Bool),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS catalog (
    global_id %[1]s NOT NULL PRIMARY KEY,
    species %[2]s NOT NULL,
    version %[2]s NOT NULL,
    schema_version %[3]s NOT NULL,
    catalog_def_hash %[2]s NOT NULL,
    revision %[3]s NOT NULL,
    upstream_id %[1]s%[4]s
)`, c.ID, c.Name, c.Int, audit),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS aspect_def (
    catalog_id %[1]s NOT NULL,
    name %[2]s NOT NULL,
    def_version %[3]s NOT NULL,
    read_only %[4]s NOT NULL,
    PRIMARY KEY (catalog_id, name)%[5]s
)`, c.ID, c.Name, c.Int, c.Bool, toCatalog),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS property_def (
    catalog_id %[1]s NOT NULL,
    aspect_def_name %[2]s NOT NULL,
    name %[2]s NOT NULL,
    ordinal %[3]s NOT NULL,
    type %[2]s NOT NULL,
    required %[4]s NOT NULL,
    read_only %[4]s NOT NULL,
    default_value %[5]s,
    PRIMARY KEY (catalog_id, aspect_def_name, name)%[6]s
)`, c.ID, c.Name, c.Int, c.Bool, c.Text, fk("catalog_id, aspect_def_name", "aspect_def (catalog_id, name)")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_def (
    catalog_id %[1]s NOT NULL,
    name %[2]s NOT NULL,
    type %[2]s NOT NULL,
    PRIMARY KEY (catalog_id, name)%[3]s
)`, c.ID, c.Name, toCatalog),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity (
    catalog_id %[1]s NOT NULL,
    global_id %[1]s NOT NULL,
    local_id %[2]s NOT NULL,
    PRIMARY KEY (catalog_id, global_id),
    UNIQUE (catalog_id, local_id)%[3]s
)`, c.ID, c.Int, toCatalog),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS aspect (
    catalog_id %[1]s NOT NULL,
    entity_id %[1]s NOT NULL,
    aspect_name %[2]s NOT NULL,
    PRIMARY KEY (catalog_id, entity_id, aspect_name)%[3]s
)`, c.ID, c.Name, toEntity),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS property_value (
    catalog_id %[1]s NOT NULL,
    entity_id %[1]s NOT NULL,
    aspect_name %[2]s NOT NULL,
    name %[2]s NOT NULL,
    type %[2]s NOT NULL,
    value_null %[3]s NOT NULL,
    value_int %[4]s,
    value_float %[5]s,
    value_bool %[3]s,
    value_text %[6]s,
    value_numeric %[7]s,
    value_time %[8]s,
    value_uuid %[1]s,
    value_blob %[9]s,
    PRIMARY KEY (catalog_id, entity_id, aspect_name, name)%[10]s
)`, c.ID, c.Name, c.Bool, c.Int, c.Float, c.Text, c.Numeric, c.Time, c.Blob,
			fk("catalog_id, entity_id, aspect_name", "aspect (catalog_id, entity_id, aspect_name)")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_list (
    catalog_id %[1]s NOT NULL,
    hierarchy_name %[2]s NOT NULL,
    ordinal %[3]s NOT NULL,
    entity_id %[1]s NOT NULL,
    PRIMARY KEY (catalog_id, hierarchy_name, ordinal)%[4]s
)`, c.ID, c.Name, c.Int, toEntity),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_set (
    catalog_id %[1]s NOT NULL,
    hierarchy_name %[2]s NOT NULL,
    entity_id %[1]s NOT NULL,
    PRIMARY KEY (catalog_id, hierarchy_name, entity_id)%[3]s
)`, c.ID, c.Name, toEntity),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_directory (
    catalog_id %[1]s NOT NULL,
    hierarchy_name %[2]s NOT NULL,
    entry_key %[2]s NOT NULL,
    entity_id %[1]s NOT NULL,
    PRIMARY KEY (catalog_id, hierarchy_name, entry_key)%[3]s
)`, c.ID, c.Name, toEntity),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_tree (
    catalog_id %[1]s NOT NULL,
    hierarchy_name %[2]s NOT NULL,
    entity_id %[1]s NOT NULL,
    parent_id %[1]s,
    ordinal %[3]s NOT NULL,
    PRIMARY KEY (catalog_id, hierarchy_name, entity_id)%[4]s
)`, c.ID, c.Name, c.Int, toEntity),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hierarchy_aspect_map (
    catalog_id %[1]s NOT NULL,
    hierarchy_name %[2]s NOT NULL,
    entity_id %[1]s NOT NULL,
    aspect_name %[2]s NOT NULL,
    PRIMARY KEY (catalog_id, hierarchy_name, entity_id)%[3]s
)`, c.ID, c.Name, fk("catalog_id, entity_id, aspect_name", "aspect (catalog_id, entity_id, aspect_name)")),
	}
	for i := range stmts {
		stmts[i] += opt
	}
	return stmts
}

// readSchemaRow reads cheap_schema. ok is false when the table is missing.
func (a *Adapter) readSchemaRow(ctx context.Context, db *sql.DB) (version int, audit, ok bool, err error) {
	row := db.QueryRowContext(ctx, "SELECT schema_version, audit FROM cheap_schema WHERE id = 1")
	switch err = row.Scan(&version, &audit); {
	case err == nil:
		return version, audit, true, nil
	case errors.Is(err, sql.ErrNoRows), a.dialect.IsMissingTable(err):
		return 0, false, false, nil
	}
	return 0, false, false, fmt.Errorf("read %s: %w", tableSchema, err)
}

// CreateSchema creates every table and records the schema version. Tables
// are created with IF NOT EXISTS so a retried attempt resumes where a failed
// one stopped.
func (a *Adapter) CreateSchema(ctx context.Context, opts types.SchemaOptions) error {
	exists, err := a.SchemaExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		n, err := a.countCatalogs(ctx)
		if err != nil {
			return err
		}
		if n == 0 && !opts.Overwrite {
			return nil
		}
		if n > 0 && !opts.Overwrite {
			return &types.SchemaExistsError{Backend: a.dialect.Name(), Catalogs: n}
		}
		if err := a.DropSchema(ctx); err != nil {
			return err
		}
	}

	err = a.run(ctx, "create schema", func(ctx context.Context, db *sql.DB) error {
		for _, stmt := range ddl(a.dialect, opts) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
		}
		_, err := db.ExecContext(ctx,
			rebind(a.dialect.Dollar(), "INSERT INTO cheap_schema (id, schema_version, audit, foreign_keys) VALUES (1, ?, ?, ?)"),
			types.SchemaVersion, opts.IncludeAudit, opts.IncludeForeignKeys)
		if err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.audit.Store(opts.IncludeAudit)
	a.log.Info("schema created", "version", types.SchemaVersion, "audit", opts.IncludeAudit, "foreign_keys", opts.IncludeForeignKeys)
	return nil
}

// DropSchema drops every table, children first.
func (a *Adapter) DropSchema(ctx context.Context) error {
	err := a.run(ctx, "drop schema", func(ctx context.Context, db *sql.DB) error {
		for i := len(allTables) - 1; i >= 0; i-- {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+allTables[i]); err != nil {
				return fmt.Errorf("drop %s: %w", allTables[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.audit.Store(false)
	a.log.Info("schema dropped")
	return nil
}

// TruncateSchema deletes every catalog and its content, keeping the tables
// and the schema version row.
func (a *Adapter) TruncateSchema(ctx context.Context) error {
	err := a.inTx(ctx, "truncate schema", false, func(ctx context.Context, t tx) error {
		for i := len(allTables) - 1; i >= 1; i-- {
			if _, err := t.exec(ctx, "DELETE FROM "+allTables[i]); err != nil {
				return fmt.Errorf("truncate %s: %w", allTables[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.log.Info("schema truncated")
	return nil
}

func (a *Adapter) SchemaExists(ctx context.Context) (bool, error) {
	v, err := a.SchemaVersion(ctx)
	return v > 0, err
}

func (a *Adapter) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := a.run(ctx, "schema version", func(ctx context.Context, db *sql.DB) error {
		v, _, _, err := a.readSchemaRow(ctx, db)
		version = v
		return err
	})
	return version, err
}

func (a *Adapter) countCatalogs(ctx context.Context) (int64, error) {
	var n int64
	err := a.run(ctx, "count catalogs", func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM catalog").Scan(&n)
	})
	return n, err
}
