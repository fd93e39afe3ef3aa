package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// SaveCatalog writes the whole catalog in one transaction: the catalog row
// is inserted or updated under the revision check, then every owned row is
// replaced.
func (a *Adapter) SaveCatalog(ctx context.Context, c *types.Catalog) error {
	if c == nil {
		return &types.ValidationError{Field: "catalog", Reason: "nil catalog"}
	}
	if err := c.Validate(); err != nil {
		return err
	}
	defHash := digest.CatalogDef(c.Def()).String()

	var (
		revision int64
		assigned map[uuid.UUID]int64
	)
	err := a.inTx(ctx, "save catalog", false, func(ctx context.Context, t tx) error {
		stored, exists, err := a.lockCatalog(ctx, t, c.ID)
		if err != nil {
			return err
		}
		if !c.Species.IsReadOnly() {
			switch {
			case c.Revision == 0 && exists:
				return &types.ConflictError{CatalogID: c.ID, Revision: stored, Reason: "catalog already exists"}
			case c.Revision != 0 && !exists:
				return &types.ConflictError{CatalogID: c.ID, Revision: c.Revision, Reason: "catalog no longer exists"}
			case exists && stored != c.Revision:
				return &types.ConflictError{CatalogID: c.ID, Revision: stored, Reason: fmt.Sprintf("saved from stale revision %d", c.Revision)}
			}
		}

		now := time.Now().UTC()
		var upstream any
		if c.Upstream != nil {
			upstream = c.Upstream.String()
		}
		revision = stored + 1
		if exists {
			q := "UPDATE catalog SET species = ?, version = ?, schema_version = ?, catalog_def_hash = ?, revision = ?, upstream_id = ?"
			args := []any{string(c.Species), c.Version, types.SchemaVersion, defHash, revision, upstream}
			if a.audit.Load() {
				q += ", updated_at = ?"
				args = append(args, a.dialect.EncodeTime(now))
			}
			q += " WHERE global_id = ? AND revision = ?"
			args = append(args, c.ID.String(), stored)
			res, err := t.exec(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("update catalog: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return &types.ConflictError{CatalogID: c.ID, Revision: stored, Reason: "concurrent update"}
			}
		} else {
			cols := "global_id, species, version, schema_version, catalog_def_hash, revision, upstream_id"
			args := []any{c.ID.String(), string(c.Species), c.Version, types.SchemaVersion, defHash, revision, upstream}
			if a.audit.Load() {
				cols += ", created_at, updated_at"
				args = append(args, a.dialect.EncodeTime(now), a.dialect.EncodeTime(now))
			}
			q := "INSERT INTO catalog (" + cols + ") VALUES (" + placeholders(len(args)) + ")"
			if _, err := t.exec(ctx, q, args...); err != nil {
				if a.dialect.IsUniqueViolation(err) {
					return &types.ConflictError{CatalogID: c.ID, Reason: "catalog already exists"}
				}
				return fmt.Errorf("insert catalog: %w", err)
			}
		}

		var floor sql.NullInt64
		if err := t.queryRow(ctx, "SELECT MAX(local_id) FROM entity WHERE catalog_id = ?", c.ID.String()).Scan(&floor); err != nil {
			return fmt.Errorf("read local ids: %w", err)
		}
		if err := deleteContent(ctx, t, c.ID); err != nil {
			return err
		}
		assigned, err = a.insertContent(ctx, t, c, floor.Int64)
		return err
	})
	if err != nil {
		return err
	}

	c.Revision = revision
	for id, local := range assigned {
		if e, err := c.Entity(id); err == nil {
			e.LocalID = &local
		}
	}
	a.log.Debug("catalog saved", "catalog_id", c.ID, "revision", revision, "entities", c.EntityCount())
	return nil
}

// lockCatalog reads the stored revision, locking the row where the dialect
// supports it.
func (a *Adapter) lockCatalog(ctx context.Context, t tx, id uuid.UUID) (int64, bool, error) {
	var rev int64
	err := t.queryRow(ctx, "SELECT revision FROM catalog WHERE global_id = ?"+a.dialect.ForUpdate(), id.String()).Scan(&rev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("lock catalog: %w", err)
	}
	return rev, true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// deleteContent removes every row a catalog owns, children first.
func deleteContent(ctx context.Context, t tx, id uuid.UUID) error {
	for i := len(contentTables) - 1; i >= 0; i-- {
		if _, err := t.exec(ctx, "DELETE FROM "+contentTables[i]+" WHERE catalog_id = ?", id.String()); err != nil {
			return fmt.Errorf("clear %s: %w", contentTables[i], err)
		}
	}
	return nil
}

// insertContent writes definitions, entities, aspects, values and
// hierarchies. Entities without a local id get ids above floor and above any
// id already in c; the assignments are returned for the caller to apply
// after commit.
func (a *Adapter) insertContent(ctx context.Context, t tx, c *types.Catalog, floor int64) (map[uuid.UUID]int64, error) {
	cid := c.ID.String()
	ins := newInserter(ctx, t)
	defer ins.close()

	for _, ad := range c.Def().AspectDefs() {
		if err := insertAspectDef(ins, cid, ad); err != nil {
			return nil, err
		}
	}
	for _, hd := range c.Def().HierarchyDefs() {
		if err := ins.exec("INSERT INTO hierarchy_def (catalog_id, name, type) VALUES (?, ?, ?)", cid, hd.Name, hd.Type.Code()); err != nil {
			return nil, fmt.Errorf("insert hierarchy def %q: %w", hd.Name, err)
		}
	}

	entities := c.Entities()
	next := floor
	for _, e := range entities {
		if e.LocalID != nil {
			next = max(next, *e.LocalID)
		}
	}
	assigned := make(map[uuid.UUID]int64)
	for _, e := range entities {
		local := int64(0)
		if e.LocalID != nil {
			local = *e.LocalID
		} else {
			next++
			local = next
			assigned[e.ID] = local
		}
		eid := e.ID.String()
		if err := ins.exec("INSERT INTO entity (catalog_id, global_id, local_id) VALUES (?, ?, ?)", cid, eid, local); err != nil {
			return nil, fmt.Errorf("insert entity %s: %w", e.ID, err)
		}
		for _, asp := range e.Aspects() {
			if err := ins.exec("INSERT INTO aspect (catalog_id, entity_id, aspect_name) VALUES (?, ?, ?)", cid, eid, asp.Name()); err != nil {
				return nil, fmt.Errorf("insert aspect %s/%s: %w", e.ID, asp.Name(), err)
			}
			for _, p := range asp.Properties() {
				vals, err := encodeValue(a.dialect, p.Value)
				if err != nil {
					return nil, fmt.Errorf("entity %s aspect %q property %q: %w", e.ID, asp.Name(), p.Name, err)
				}
				args := append([]any{cid, eid, asp.Name(), p.Name}, vals...)
				err = ins.exec("INSERT INTO property_value (catalog_id, entity_id, aspect_name, name, "+valueColumns+") VALUES ("+placeholders(len(args))+")", args...)
				if err != nil {
					return nil, fmt.Errorf("insert property %s/%s.%s: %w", e.ID, asp.Name(), p.Name, err)
				}
			}
		}
	}

	for _, h := range c.Hierarchies() {
		if err := insertHierarchy(ins, cid, h); err != nil {
			return nil, fmt.Errorf("insert hierarchy %q: %w", h.Name(), err)
		}
	}
	return assigned, nil
}

func insertAspectDef(ins *inserter, cid string, ad *types.AspectDef) error {
	if err := ins.exec("INSERT INTO aspect_def (catalog_id, name, def_version, read_only) VALUES (?, ?, ?, ?)", cid, ad.Name, ad.Version, ad.ReadOnly); err != nil {
		return fmt.Errorf("insert aspect def %q: %w", ad.Name, err)
	}
	for i, p := range ad.Properties {
		// Defaults are stored in their canonical text form; BLOB takes none.
		var def sql.NullString
		if p.HasDefault() {
			def = sql.NullString{String: p.Default.String(), Valid: true}
		}
		err := ins.exec("INSERT INTO property_def (catalog_id, aspect_def_name, name, ordinal, type, required, read_only, default_value) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			cid, ad.Name, p.Name, i, p.Type.Code(), p.Required, p.ReadOnly, def)
		if err != nil {
			return fmt.Errorf("insert property def %s.%s: %w", ad.Name, p.Name, err)
		}
	}
	return nil
}

func insertHierarchy(ins *inserter, cid string, h *types.Hierarchy) error {
	name := h.Name()
	switch c := h.Content.(type) {
	case *types.EntityList:
		for i, id := range c.IDs() {
			if err := ins.exec("INSERT INTO hierarchy_list (catalog_id, hierarchy_name, ordinal, entity_id) VALUES (?, ?, ?, ?)", cid, name, i, id.String()); err != nil {
				return err
			}
		}
	case *types.EntitySet:
		for _, id := range c.IDs() {
			if err := ins.exec("INSERT INTO hierarchy_set (catalog_id, hierarchy_name, entity_id) VALUES (?, ?, ?)", cid, name, id.String()); err != nil {
				return err
			}
		}
	case *types.EntityDirectory:
		for _, k := range c.Keys() {
			id, _ := c.Get(k)
			if err := ins.exec("INSERT INTO hierarchy_directory (catalog_id, hierarchy_name, entry_key, entity_id) VALUES (?, ?, ?, ?)", cid, name, k, id.String()); err != nil {
				return err
			}
		}
	case *types.EntityTree:
		return c.Walk(func(id uuid.UUID, _ int) error {
			parent, err := c.Parent(id)
			if err != nil {
				return err
			}
			var parentArg any
			ordinal := 0
			if parent != uuid.Nil {
				parentArg = parent.String()
				siblings, err := c.Children(parent)
				if err != nil {
					return err
				}
				ordinal = slices.Index(siblings, id)
			}
			return ins.exec("INSERT INTO hierarchy_tree (catalog_id, hierarchy_name, entity_id, parent_id, ordinal) VALUES (?, ?, ?, ?, ?)",
				cid, name, id.String(), parentArg, ordinal)
		})
	case *types.AspectMap:
		for _, id := range c.Keys() {
			aspect, _ := c.Get(id)
			if err := ins.exec("INSERT INTO hierarchy_aspect_map (catalog_id, hierarchy_name, entity_id, aspect_name) VALUES (?, ?, ?, ?)", cid, name, id.String(), aspect); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown content %T", h.Content)
	}
	return nil
}

// inserter caches one prepared statement per query text for the life of a
// transaction.
type inserter struct {
	ctx   context.Context
	t     tx
	stmts map[string]*sql.Stmt
}

func newInserter(ctx context.Context, t tx) *inserter {
	return &inserter{ctx: ctx, t: t, stmts: make(map[string]*sql.Stmt)}
}

func (in *inserter) exec(q string, args ...any) error {
	stmt, ok := in.stmts[q]
	if !ok {
		var err error
		if stmt, err = in.t.prepare(in.ctx, q); err != nil {
			return err
		}
		in.stmts[q] = stmt
	}
	_, err := stmt.ExecContext(in.ctx, args...)
	return err
}

func (in *inserter) close() {
	for _, s := range in.stmts {
		s.Close()
	}
}

// LoadCatalog reads the catalog row, its definitions and its content in one
// read-only transaction and validates the result.
func (a *Adapter) LoadCatalog(ctx context.Context, id uuid.UUID) (*types.Catalog, error) {
	var c *types.Catalog
	err := a.inTx(ctx, "load catalog", true, func(ctx context.Context, t tx) error {
		var err error
		c, err = loadCatalog(ctx, t, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log.Debug("catalog loaded", "catalog_id", id, "revision", c.Revision)
	return c, nil
}

func loadCatalog(ctx context.Context, t tx, id uuid.UUID) (*types.Catalog, error) {
	cid := id.String()
	var (
		species, version, defHash string
		schemaVersion             int
		revision                  int64
		upstream                  sql.NullString
	)
	err := t.queryRow(ctx, "SELECT species, version, schema_version, catalog_def_hash, revision, upstream_id FROM catalog WHERE global_id = ?", cid).
		Scan(&species, &version, &schemaVersion, &defHash, &revision, &upstream)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.CatalogNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if schemaVersion != types.SchemaVersion {
		return nil, &types.SchemaVersionMismatchError{Found: schemaVersion, Expected: types.SchemaVersion}
	}

	def, err := loadCatalogDef(ctx, t, cid)
	if err != nil {
		return nil, err
	}
	if got := digest.CatalogDef(def).String(); got != defHash {
		return nil, fmt.Errorf("catalog %s: stored definition hash %s does not match %s: %w", id, defHash, got, types.ErrSchemaVersionMismatch)
	}
	sp, err := types.ParseSpecies(species)
	if err != nil {
		return nil, err
	}
	c, err := types.NewCatalogWithID(id, sp, version, def)
	if err != nil {
		return nil, err
	}
	c.Revision = revision
	if upstream.Valid {
		up, err := uuid.Parse(upstream.String)
		if err != nil {
			return nil, fmt.Errorf("catalog upstream: %w", err)
		}
		c.Upstream = &up
	}

	if err := loadEntities(ctx, t, c); err != nil {
		return nil, err
	}
	if err := loadHierarchies(ctx, t, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("stored catalog %s is invalid: %w", id, err)
	}
	return c, nil
}

func loadAspectDefs(ctx context.Context, t tx, cid string, only string) ([]*types.AspectDef, error) {
	q := "SELECT name, def_version, read_only FROM aspect_def WHERE catalog_id = ?"
	args := []any{cid}
	if only != "" {
		q += " AND name = ?"
		args = append(args, only)
	}
	var defs []*types.AspectDef
	byName := map[string]*types.AspectDef{}
	err := t.each(ctx, q+" ORDER BY name", args, func(rows *sql.Rows) error {
		d := &types.AspectDef{}
		if err := rows.Scan(&d.Name, &d.Version, &d.ReadOnly); err != nil {
			return err
		}
		defs = append(defs, d)
		byName[d.Name] = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read aspect defs: %w", err)
	}

	q = "SELECT aspect_def_name, name, type, required, read_only, default_value FROM property_def WHERE catalog_id = ?"
	if only != "" {
		q += " AND aspect_def_name = ?"
	}
	err = t.each(ctx, q+" ORDER BY aspect_def_name, ordinal", args, func(rows *sql.Rows) error {
		var (
			aspect, code string
			def          sql.NullString
			p            types.PropertyDef
		)
		if err := rows.Scan(&aspect, &p.Name, &code, &p.Required, &p.ReadOnly, &def); err != nil {
			return err
		}
		pt, err := types.PropertyTypeFromCode(code)
		if err != nil {
			return err
		}
		p.Type = pt
		if def.Valid {
			if p.Default, err = types.ParseValue(pt, def.String); err != nil {
				return fmt.Errorf("property def %s.%s default: %w", aspect, p.Name, err)
			}
		}
		d, ok := byName[aspect]
		if !ok {
			return fmt.Errorf("property def %s.%s has no aspect def", aspect, p.Name)
		}
		d.Properties = append(d.Properties, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read property defs: %w", err)
	}
	return defs, nil
}

func loadCatalogDef(ctx context.Context, t tx, cid string) (*types.CatalogDef, error) {
	aspects, err := loadAspectDefs(ctx, t, cid, "")
	if err != nil {
		return nil, err
	}
	var hierarchies []types.HierarchyDef
	err = t.each(ctx, "SELECT name, type FROM hierarchy_def WHERE catalog_id = ? ORDER BY name", []any{cid}, func(rows *sql.Rows) error {
		var name, code string
		if err := rows.Scan(&name, &code); err != nil {
			return err
		}
		ht, err := types.ParseHierarchyType(code)
		if err != nil {
			return err
		}
		hierarchies = append(hierarchies, types.HierarchyDef{Name: name, Type: ht})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read hierarchy defs: %w", err)
	}
	return types.NewCatalogDef(aspects, hierarchies)
}

func loadEntities(ctx context.Context, t tx, c *types.Catalog) error {
	args := []any{c.ID.String()}
	err := t.each(ctx, "SELECT global_id, local_id FROM entity WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var (
			gid   string
			local int64
		)
		if err := rows.Scan(&gid, &local); err != nil {
			return err
		}
		id, err := uuid.Parse(gid)
		if err != nil {
			return err
		}
		e, err := c.AddEntity(id)
		if err != nil {
			return err
		}
		e.LocalID = &local
		return nil
	})
	if err != nil {
		return fmt.Errorf("read entities: %w", err)
	}

	err = t.each(ctx, "SELECT entity_id, aspect_name FROM aspect WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var eid, name string
		if err := rows.Scan(&eid, &name); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		_, err = c.AttachAspect(id, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("read aspects: %w", err)
	}

	err = t.each(ctx, "SELECT entity_id, aspect_name, name, "+valueColumns+" FROM property_value WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var (
			eid, aspect, name string
			sv                scannedValue
		)
		if err := rows.Scan(append([]any{&eid, &aspect, &name}, sv.dest()...)...); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		v, err := sv.decode()
		if err != nil {
			return fmt.Errorf("%s/%s.%s: %w", eid, aspect, name, err)
		}
		e, err := c.Entity(id)
		if err != nil {
			return err
		}
		asp, ok := e.Aspect(aspect)
		if !ok {
			return fmt.Errorf("property %s/%s.%s has no aspect row", eid, aspect, name)
		}
		return asp.Set(name, v)
	})
	if err != nil {
		return fmt.Errorf("read property values: %w", err)
	}
	return nil
}

type treeRow struct {
	id, parent uuid.UUID
	ordinal    int
}

func loadHierarchies(ctx context.Context, t tx, c *types.Catalog) error {
	args := []any{c.ID.String()}

	err := t.each(ctx, "SELECT hierarchy_name, entity_id FROM hierarchy_list WHERE catalog_id = ? ORDER BY hierarchy_name, ordinal", args, func(rows *sql.Rows) error {
		var name, eid string
		if err := rows.Scan(&name, &eid); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		l, err := c.List(name)
		if err != nil {
			return err
		}
		return l.Append(id)
	})
	if err != nil {
		return fmt.Errorf("read lists: %w", err)
	}

	err = t.each(ctx, "SELECT hierarchy_name, entity_id FROM hierarchy_set WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var name, eid string
		if err := rows.Scan(&name, &eid); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		s, err := c.Set(name)
		if err != nil {
			return err
		}
		_, err = s.Add(id)
		return err
	})
	if err != nil {
		return fmt.Errorf("read sets: %w", err)
	}

	err = t.each(ctx, "SELECT hierarchy_name, entry_key, entity_id FROM hierarchy_directory WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var name, key, eid string
		if err := rows.Scan(&name, &key, &eid); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		d, err := c.Directory(name)
		if err != nil {
			return err
		}
		_, _, err = d.Put(key, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("read directories: %w", err)
	}

	trees := map[string][]treeRow{}
	err = t.each(ctx, "SELECT hierarchy_name, entity_id, parent_id, ordinal FROM hierarchy_tree WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var (
			name, eid string
			parent    sql.NullString
			r         treeRow
		)
		if err := rows.Scan(&name, &eid, &parent, &r.ordinal); err != nil {
			return err
		}
		var err error
		if r.id, err = uuid.Parse(eid); err != nil {
			return err
		}
		if parent.Valid {
			if r.parent, err = uuid.Parse(parent.String); err != nil {
				return err
			}
		}
		trees[name] = append(trees[name], r)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read trees: %w", err)
	}
	for name, nodes := range trees {
		tr, err := c.Tree(name)
		if err != nil {
			return err
		}
		if err := buildTree(tr, nodes); err != nil {
			return fmt.Errorf("tree %q: %w", name, err)
		}
	}

	err = t.each(ctx, "SELECT hierarchy_name, entity_id, aspect_name FROM hierarchy_aspect_map WHERE catalog_id = ?", args, func(rows *sql.Rows) error {
		var name, eid, aspect string
		if err := rows.Scan(&name, &eid, &aspect); err != nil {
			return err
		}
		id, err := uuid.Parse(eid)
		if err != nil {
			return err
		}
		m, err := c.AspectMap(name)
		if err != nil {
			return err
		}
		return m.Put(id, aspect)
	})
	if err != nil {
		return fmt.Errorf("read aspect maps: %w", err)
	}
	return nil
}

// buildTree rebuilds a tree from stored rows, root first and each parent's
// children in ordinal order.
func buildTree(tr *types.EntityTree, nodes []treeRow) error {
	children := map[uuid.UUID][]treeRow{}
	var roots []treeRow
	for _, n := range nodes {
		if n.parent == uuid.Nil {
			roots = append(roots, n)
			continue
		}
		children[n.parent] = append(children[n.parent], n)
	}
	if len(roots) != 1 {
		return fmt.Errorf("want one root, found %d", len(roots))
	}
	if err := tr.SetRoot(roots[0].id); err != nil {
		return err
	}
	queue := []uuid.UUID{roots[0].id}
	placed := 1
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		kids := children[parent]
		slices.SortFunc(kids, func(x, y treeRow) int { return x.ordinal - y.ordinal })
		for _, k := range kids {
			if err := tr.AddChild(parent, k.id); err != nil {
				return err
			}
			queue = append(queue, k.id)
			placed++
		}
	}
	if placed != len(nodes) {
		return fmt.Errorf("%d nodes are unreachable from the root", len(nodes)-placed)
	}
	return nil
}

// DeleteCatalog removes the catalog row and everything it owns. The count
// covers every deleted row.
func (a *Adapter) DeleteCatalog(ctx context.Context, id uuid.UUID) (int64, error) {
	var total int64
	err := a.inTx(ctx, "delete catalog", false, func(ctx context.Context, t tx) error {
		total = 0
		for i := len(contentTables) - 1; i >= 0; i-- {
			res, err := t.exec(ctx, "DELETE FROM "+contentTables[i]+" WHERE catalog_id = ?", id.String())
			if err != nil {
				return fmt.Errorf("delete %s: %w", contentTables[i], err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		res, err := t.exec(ctx, "DELETE FROM catalog WHERE global_id = ?", id.String())
		if err != nil {
			return fmt.Errorf("delete catalog: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			total = 0
			return nil
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		a.log.Debug("catalog deleted", "catalog_id", id, "rows", total)
	}
	return total, nil
}

// CatalogExists reports whether a catalog with id is stored.
func (a *Adapter) CatalogExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := a.inTx(ctx, "catalog exists", true, func(ctx context.Context, t tx) error {
		var one int
		err := t.queryRow(ctx, "SELECT 1 FROM catalog WHERE global_id = ?", id.String()).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			exists = false
			return nil
		case err != nil:
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// ListCatalogs summarises every catalog ordered by id, with entity and
// definition counts.
func (a *Adapter) ListCatalogs(ctx context.Context) ([]types.CatalogSummary, error) {
	var out []types.CatalogSummary
	audit := a.audit.Load()
	err := a.inTx(ctx, "list catalogs", true, func(ctx context.Context, t tx) error {
		out = nil
		q := "SELECT global_id, species, version, revision, upstream_id"
		if audit {
			q += ", updated_at"
		}
		err := t.each(ctx, q+" FROM catalog ORDER BY global_id", nil, func(rows *sql.Rows) error {
			var (
				s        types.CatalogSummary
				gid, sp  string
				upstream sql.NullString
				updated  any
			)
			dest := []any{&gid, &sp, &s.Version, &s.Revision, &upstream}
			if audit {
				dest = append(dest, &updated)
			}
			if err := rows.Scan(dest...); err != nil {
				return err
			}
			var err error
			if s.ID, err = uuid.Parse(gid); err != nil {
				return err
			}
			s.Species = types.CatalogSpecies(sp)
			if upstream.Valid {
				up, err := uuid.Parse(upstream.String)
				if err != nil {
					return err
				}
				s.Upstream = &up
			}
			if updated != nil {
				tm, err := ParseTime(updated)
				if err != nil {
					return err
				}
				s.UpdatedAt = &tm
			}
			out = append(out, s)
			return nil
		})
		if err != nil {
			return fmt.Errorf("read catalogs: %w", err)
		}

		counts := []struct {
			table string
			set   func(s *types.CatalogSummary, n int64)
		}{
			{tableEntity, func(s *types.CatalogSummary, n int64) { s.Entities = n }},
			{tableAspectDef, func(s *types.CatalogSummary, n int64) { s.AspectDefs = n }},
			{tableHierarchyDef, func(s *types.CatalogSummary, n int64) { s.Hierarchies = n }},
		}
		index := make(map[string]int, len(out))
		for i, s := range out {
			index[s.ID.String()] = i
		}
		for _, cnt := range counts {
			err := t.each(ctx, "SELECT catalog_id, COUNT(*) FROM "+cnt.table+" GROUP BY catalog_id", nil, func(rows *sql.Rows) error {
				var (
					cid string
					n   int64
				)
				if err := rows.Scan(&cid, &n); err != nil {
					return err
				}
				if i, ok := index[normalizeID(cid)]; ok {
					cnt.set(&out[i], n)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("count %s: %w", cnt.table, err)
			}
		}
		return nil
	})
	return out, err
}

// normalizeID lowercases a stored id so it matches uuid.UUID.String.
func normalizeID(s string) string {
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return s
}

// ListAspectDefs returns CatalogNotFoundError for an unknown catalog.
func (a *Adapter) ListAspectDefs(ctx context.Context, catalogID uuid.UUID) ([]*types.AspectDef, error) {
	var defs []*types.AspectDef
	err := a.inTx(ctx, "list aspect defs", true, func(ctx context.Context, t tx) error {
		if err := requireCatalog(ctx, t, catalogID); err != nil {
			return err
		}
		var err error
		defs, err = loadAspectDefs(ctx, t, catalogID.String(), "")
		return err
	})
	return defs, err
}

// GetAspectDef returns one aspect def of a stored catalog, or a
// NotFoundError.
func (a *Adapter) GetAspectDef(ctx context.Context, catalogID uuid.UUID, name string) (*types.AspectDef, error) {
	var def *types.AspectDef
	err := a.inTx(ctx, "get aspect def", true, func(ctx context.Context, t tx) error {
		if err := requireCatalog(ctx, t, catalogID); err != nil {
			return err
		}
		defs, err := loadAspectDefs(ctx, t, catalogID.String(), name)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return &types.NotFoundError{Kind: "aspect def", Key: name}
		}
		def = defs[0]
		return nil
	})
	return def, err
}

// AddAspectDef declares def on a stored catalog or replaces the stored def of
// the same name with a superseding version, then refreshes the definition
// hash and bumps the revision. Re-adding an identical def changes nothing.
func (a *Adapter) AddAspectDef(ctx context.Context, catalogID uuid.UUID, def *types.AspectDef) error {
	if def == nil {
		return &types.ValidationError{Field: "aspect def", Reason: "nil aspect def"}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	cid := catalogID.String()
	changed := false
	err := a.inTx(ctx, "add aspect def", false, func(ctx context.Context, t tx) error {
		changed = false
		stored, exists, err := a.lockCatalog(ctx, t, catalogID)
		if err != nil {
			return err
		}
		if !exists {
			return &types.CatalogNotFoundError{ID: catalogID}
		}
		current, err := loadAspectDefs(ctx, t, cid, def.Name)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			if current[0].Equal(def) {
				return nil
			}
			if err := def.Supersedes(current[0]); err != nil {
				return err
			}
			if _, err := t.exec(ctx, "DELETE FROM property_def WHERE catalog_id = ? AND aspect_def_name = ?", cid, def.Name); err != nil {
				return fmt.Errorf("replace aspect def: %w", err)
			}
			if _, err := t.exec(ctx, "DELETE FROM aspect_def WHERE catalog_id = ? AND name = ?", cid, def.Name); err != nil {
				return fmt.Errorf("replace aspect def: %w", err)
			}
		}
		ins := newInserter(ctx, t)
		defer ins.close()
		if err := insertAspectDef(ins, cid, def); err != nil {
			return err
		}

		full, err := loadCatalogDef(ctx, t, cid)
		if err != nil {
			return err
		}
		q := "UPDATE catalog SET catalog_def_hash = ?, revision = ?"
		args := []any{digest.CatalogDef(full).String(), stored + 1}
		if a.audit.Load() {
			q += ", updated_at = ?"
			args = append(args, a.dialect.EncodeTime(time.Now().UTC()))
		}
		args = append(args, cid)
		if _, err := t.exec(ctx, q+" WHERE global_id = ?", args...); err != nil {
			return fmt.Errorf("update catalog: %w", err)
		}
		changed = true
		return nil
	})
	if err == nil && changed {
		a.log.Debug("aspect def added", "catalog_id", catalogID, "aspect", def.Name, "version", def.Version)
	}
	return err
}

func requireCatalog(ctx context.Context, t tx, id uuid.UUID) error {
	var one int
	err := t.queryRow(ctx, "SELECT 1 FROM catalog WHERE global_id = ?", id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.CatalogNotFoundError{ID: id}
	}
	return err
}
