// Package backendtest is the conformance suite every storage backend runs.
// A backend's test file supplies a function that returns an attached store
// on an empty database; Run drives the whole DAO and SchemaManager contract
// against it.
package backendtest

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/cheap/pkg/digest"
	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Opener returns an attached store on an empty database. The suite detaches
// it when the test ends.
type Opener func(t *testing.T) types.Store

// Run executes every conformance test against stores from open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s types.Store)
	}{
		{"SchemaLifecycle", testSchemaLifecycle},
		{"RoundTrip", testRoundTrip},
		{"RoundTripEmpty", testRoundTripEmpty},
		{"Update", testUpdate},
		{"Conflict", testConflict},
		{"ReadOnlySpeciesLastWriteWins", testLastWriteWins},
		{"Delete", testDelete},
		{"List", testList},
		{"AspectDefs", testAspectDefs},
		{"DefinitionAttributes", testDefinitionAttributes},
		{"PortableInputs", testPortableInputs},
		{"CancelledSaveRollsBack", testCancelledSave},
		{"Detached", testDetached},
		{"ConcurrentSaves", testConcurrentSaves},
		{"ConcurrentConflict", testConcurrentConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Detach() })
			tt.fn(t, s)
		})
	}
}

// EveryType declares one optional property of each type after a required
// integer.
var EveryType = types.MustAspectDef("every",
	types.PropertyDef{Name: "int", Type: types.TypeInteger, Required: true},
	types.PropertyDef{Name: "float", Type: types.TypeFloat},
	types.PropertyDef{Name: "bool", Type: types.TypeBoolean},
	types.PropertyDef{Name: "string", Type: types.TypeString},
	types.PropertyDef{Name: "text", Type: types.TypeText},
	types.PropertyDef{Name: "bigint", Type: types.TypeBigInteger},
	types.PropertyDef{Name: "decimal", Type: types.TypeBigDecimal},
	types.PropertyDef{Name: "time", Type: types.TypeDateTime},
	types.PropertyDef{Name: "uri", Type: types.TypeURI},
	types.PropertyDef{Name: "uuid", Type: types.TypeUUID},
	types.PropertyDef{Name: "clob", Type: types.TypeCLOB},
	types.PropertyDef{Name: "blob", Type: types.TypeBLOB},
)

var person = types.MustAspectDef("person",
	types.PropertyDef{Name: "name", Type: types.TypeString, Required: true},
	types.PropertyDef{Name: "age", Type: types.TypeInteger},
)

// FullCatalog builds a catalog holding every property type and one populated
// hierarchy of each kind.
func FullCatalog(t *testing.T, species types.CatalogSpecies) *types.Catalog {
	t.Helper()
	def, err := types.NewCatalogDef([]*types.AspectDef{EveryType, person}, []types.HierarchyDef{
		{Name: "list", Type: types.HierarchyList},
		{Name: "set", Type: types.HierarchySet},
		{Name: "dir", Type: types.HierarchyDirectory},
		{Name: "tree", Type: types.HierarchyTree},
		{Name: "map", Type: types.HierarchyAspectMap},
	})
	require.NoError(t, err)
	c, err := types.NewCatalog(species, "1.0.0", def)
	require.NoError(t, err)

	huge, ok := new(big.Int).SetString("-98765432109876543210987654321", 10)
	require.True(t, ok)

	var ids []uuid.UUID
	for i := range 5 {
		e := c.NewEntity()
		ids = append(ids, e.ID)
		_, err := c.SetProperties(e.ID, "every", map[string]types.Value{
			"int":     types.Int(int64(i)*1_000_000_007 - 1<<62),
			"float":   types.Float(1.0 / float64(i+3)),
			"bool":    types.Bool(i%2 == 1),
			"string":  types.String("ünïcødé ✓ " + string(rune('a'+i))),
			"text":    types.Text("line one\nline two\ttabbed"),
			"bigint":  types.BigInt(huge),
			"decimal": types.BigDecimal(decimal.RequireFromString("-0.000123456789012345678901")),
			"time":    types.DateTime(time.Date(1969, 7, 20, 20, 17, 40, 654321000, time.UTC)),
			"uri":     types.URI("urn:isbn:0451450523"),
			"uuid":    types.UUID(e.ID),
			"clob":    types.Null(types.TypeCLOB),
			"blob":    types.Blob([]byte{0, byte(i), 0x7f, 0xff}),
		})
		require.NoError(t, err)
		if i < 2 {
			_, err = c.SetProperties(e.ID, "person", map[string]types.Value{
				"name": types.String("person " + string(rune('A'+i))),
			})
			require.NoError(t, err)
		}
	}

	l, _ := c.List("list")
	for _, i := range []int{3, 0, 3, 1} {
		require.NoError(t, l.Append(ids[i]))
	}
	s, _ := c.Set("set")
	for _, i := range []int{4, 2} {
		_, err := s.Add(ids[i])
		require.NoError(t, err)
	}
	d, _ := c.Directory("dir")
	_, _, err = d.Put("zeta", ids[0])
	require.NoError(t, err)
	_, _, err = d.Put("alpha", ids[4])
	require.NoError(t, err)
	tr, _ := c.Tree("tree")
	require.NoError(t, tr.SetRoot(ids[2]))
	require.NoError(t, tr.AddChild(ids[2], ids[4]))
	require.NoError(t, tr.AddChild(ids[2], ids[0]))
	require.NoError(t, tr.AddChild(ids[0], ids[1]))
	require.NoError(t, tr.AddChild(ids[4], ids[3]))
	m, _ := c.AspectMap("map")
	require.NoError(t, m.Put(ids[0], "person"))
	require.NoError(t, m.Put(ids[3], "every"))
	return c
}

// SmallCatalog has one aspect def and n people.
func SmallCatalog(t *testing.T, n int) *types.Catalog {
	t.Helper()
	def, err := types.NewCatalogDef([]*types.AspectDef{person}, []types.HierarchyDef{{Name: "people", Type: types.HierarchyList}})
	require.NoError(t, err)
	c, err := types.NewCatalog(types.SpeciesSource, "1", def)
	require.NoError(t, err)
	l, _ := c.List("people")
	for i := range n {
		e := c.NewEntity()
		_, err := c.SetProperties(e.ID, "person", map[string]types.Value{
			"name": types.String("p"),
			"age":  types.Int(int64(i)),
		})
		require.NoError(t, err)
		require.NoError(t, l.Append(e.ID))
	}
	return c
}

func createSchema(t *testing.T, s types.Store) {
	t.Helper()
	require.NoError(t, s.CreateSchema(context.Background(), types.SchemaOptions{IncludeAudit: true, IncludeForeignKeys: true}))
}

func testSchemaLifecycle(t *testing.T, s types.Store) {
	ctx := context.Background()

	ok, err := s.SchemaExists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = s.LoadCatalog(ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrNotFound, "load without a schema")

	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{}))
	ok, err = s.SchemaExists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SchemaVersion, v)

	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{}), "empty schema is reused")

	c := SmallCatalog(t, 2)
	require.NoError(t, s.SaveCatalog(ctx, c))

	err = s.CreateSchema(ctx, types.SchemaOptions{})
	assert.ErrorIs(t, err, types.ErrSchemaExists)
	var exists *types.SchemaExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, int64(1), exists.Catalogs)

	require.NoError(t, s.TruncateSchema(ctx))
	found, err := s.CatalogExists(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, found)
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SchemaVersion, v, "truncate keeps the version row")

	c.Revision = 0
	require.NoError(t, s.SaveCatalog(ctx, c))
	require.NoError(t, s.CreateSchema(ctx, types.SchemaOptions{Overwrite: true, IncludeAudit: true}))
	list, err := s.ListCatalogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DropSchema(ctx))
	require.NoError(t, s.DropSchema(ctx), "dropping an absent schema succeeds")
	ok, err = s.SchemaExists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRoundTrip(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := FullCatalog(t, types.SpeciesSource)
	up := uuid.New()
	c.Upstream = &up
	want := digest.MustCatalog(c)

	require.NoError(t, s.SaveCatalog(ctx, c))
	assert.Equal(t, int64(1), c.Revision)
	seen := map[int64]bool{}
	for _, e := range c.Entities() {
		require.NotNil(t, e.LocalID, "local id assigned on first save")
		assert.False(t, seen[*e.LocalID])
		seen[*e.LocalID] = true
	}

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, want, digest.MustCatalog(got))
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Species, got.Species)
	assert.Equal(t, c.Version, got.Version)
	assert.Equal(t, int64(1), got.Revision)
	require.NotNil(t, got.Upstream)
	assert.Equal(t, up, *got.Upstream)
	for _, e := range c.Entities() {
		ge, err := got.Entity(e.ID)
		require.NoError(t, err)
		require.NotNil(t, ge.LocalID)
		assert.Equal(t, *e.LocalID, *ge.LocalID)
	}

	l, err := got.List("list")
	require.NoError(t, err)
	wl, _ := c.List("list")
	assert.Equal(t, wl.IDs(), l.IDs(), "list order and duplicates kept")

	tr, err := got.Tree("tree")
	require.NoError(t, err)
	wt, _ := c.Tree("tree")
	root, _ := wt.Root()
	gotRoot, ok := tr.Root()
	require.True(t, ok)
	assert.Equal(t, root, gotRoot)
	wantKids, _ := wt.Children(root)
	gotKids, err := tr.Children(root)
	require.NoError(t, err)
	assert.Equal(t, wantKids, gotKids, "child order kept")

	second, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, want, digest.MustCatalog(second), "loads are repeatable")
}

func testRoundTripEmpty(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c, err := types.NewCatalog(types.SpeciesSink, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveCatalog(ctx, c))

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(c), digest.MustCatalog(got))
	assert.Zero(t, got.EntityCount())
	assert.Nil(t, got.Upstream)
}

func testUpdate(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := SmallCatalog(t, 3)
	require.NoError(t, s.SaveCatalog(ctx, c))
	ids := make(map[uuid.UUID]int64)
	var highest int64
	for _, e := range c.Entities() {
		ids[e.ID] = *e.LocalID
		highest = max(highest, *e.LocalID)
	}

	loaded, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	victim := loaded.Entities()[0].ID
	require.NoError(t, loaded.RemoveEntity(victim, types.Detach))
	added := loaded.NewEntity()
	_, err = loaded.SetProperties(added.ID, "person", map[string]types.Value{"name": types.String("new")})
	require.NoError(t, err)
	loaded.Version = "2"
	require.NoError(t, s.SaveCatalog(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Revision)
	require.NotNil(t, added.LocalID)
	assert.Greater(t, *added.LocalID, highest, "new local ids never reuse old ones")

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(loaded), digest.MustCatalog(got))
	assert.False(t, got.HasEntity(victim))
	assert.Equal(t, "2", got.Version)
	for id, local := range ids {
		if id == victim {
			continue
		}
		e, err := got.Entity(id)
		require.NoError(t, err)
		assert.Equal(t, local, *e.LocalID, "local ids are stable")
	}
}

func testConflict(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := SmallCatalog(t, 1)
	require.NoError(t, s.SaveCatalog(ctx, c))

	a, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	b, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)

	a.Version = "a"
	require.NoError(t, s.SaveCatalog(ctx, a))

	b.Version = "b"
	err = s.SaveCatalog(ctx, b)
	require.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, int64(1), b.Revision, "failed save leaves the revision alone")

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Version)

	dup := c.Clone()
	dup.Revision = 0
	assert.ErrorIs(t, s.SaveCatalog(ctx, dup), types.ErrConflict, "insert over an existing catalog")

	ghost := SmallCatalog(t, 1)
	ghost.Revision = 3
	assert.ErrorIs(t, s.SaveCatalog(ctx, ghost), types.ErrConflict, "update of a missing catalog")
}

func testLastWriteWins(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	src := SmallCatalog(t, 2)
	mirror, err := src.Derive(types.SpeciesMirror)
	require.NoError(t, err)
	require.NoError(t, s.SaveCatalog(ctx, mirror))

	stale := mirror.Clone()
	stale.Revision = 0
	require.NoError(t, s.SaveCatalog(ctx, mirror))
	stale.Version = "stale"
	require.NoError(t, s.SaveCatalog(ctx, stale), "replicas overwrite without a revision check")

	got, err := s.LoadCatalog(ctx, mirror.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale", got.Version)
	assert.Equal(t, int64(3), got.Revision)

	srcDigest, err := digest.Content(src)
	require.NoError(t, err)
	gotDigest, err := digest.Content(got)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, gotDigest)
}

func testDelete(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	keep := SmallCatalog(t, 2)
	gone := FullCatalog(t, types.SpeciesSource)
	require.NoError(t, s.SaveCatalog(ctx, keep))
	require.NoError(t, s.SaveCatalog(ctx, gone))

	n, err := s.DeleteCatalog(ctx, gone.ID)
	require.NoError(t, err)
	assert.Greater(t, n, int64(1))

	ok, err := s.CatalogExists(ctx, gone.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.LoadCatalog(ctx, gone.ID)
	assert.ErrorIs(t, err, types.ErrCatalogNotFound)

	n, err = s.DeleteCatalog(ctx, gone.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.LoadCatalog(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(keep), digest.MustCatalog(got), "other catalogs untouched")
}

func testList(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	list, err := s.ListCatalogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	a := SmallCatalog(t, 3)
	b := FullCatalog(t, types.SpeciesSource)
	require.NoError(t, s.SaveCatalog(ctx, a))
	require.NoError(t, s.SaveCatalog(ctx, b))

	list, err = s.ListCatalogs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Negative(t, types.CompareIDs(list[0].ID, list[1].ID), "ordered by id")

	byID := map[uuid.UUID]types.CatalogSummary{}
	for _, sum := range list {
		byID[sum.ID] = sum
	}
	sa := byID[a.ID]
	assert.Equal(t, int64(3), sa.Entities)
	assert.Equal(t, int64(1), sa.AspectDefs)
	assert.Equal(t, int64(1), sa.Hierarchies)
	assert.Equal(t, int64(1), sa.Revision)
	assert.Equal(t, types.SpeciesSource, sa.Species)
	require.NotNil(t, sa.UpdatedAt, "audit columns are on")

	sb := byID[b.ID]
	assert.Equal(t, int64(5), sb.Entities)
	assert.Equal(t, int64(2), sb.AspectDefs)
	assert.Equal(t, int64(5), sb.Hierarchies)
}

func testAspectDefs(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := SmallCatalog(t, 1)
	require.NoError(t, s.SaveCatalog(ctx, c))

	defs, err := s.ListAspectDefs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.True(t, person.Equal(defs[0]))

	got, err := s.GetAspectDef(ctx, c.ID, "person")
	require.NoError(t, err)
	assert.True(t, person.Equal(got))

	_, err = s.GetAspectDef(ctx, c.ID, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.ListAspectDefs(ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrCatalogNotFound)

	require.NoError(t, s.AddAspectDef(ctx, c.ID, EveryType))
	require.NoError(t, s.AddAspectDef(ctx, c.ID, EveryType), "identical def is a no-op")

	next, err := person.Extend(types.PropertyDef{Name: "email", Type: types.TypeURI})
	require.NoError(t, err)
	require.NoError(t, s.AddAspectDef(ctx, c.ID, next))

	bad := next.Clone()
	bad.Version++
	bad.Properties = bad.Properties[1:]
	assert.ErrorIs(t, s.AddAspectDef(ctx, c.ID, bad), types.ErrValidation)
	assert.ErrorIs(t, s.AddAspectDef(ctx, uuid.New(), EveryType), types.ErrCatalogNotFound)

	defs, err = s.ListAspectDefs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "every", defs[0].Name)
	assert.True(t, next.Equal(defs[1]))

	loaded, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Revision, "each change bumps the revision")
	d, ok := loaded.Def().AspectDef("person")
	require.True(t, ok)
	assert.Equal(t, next.Version, d.Version)
	e := loaded.Entities()[0]
	a, ok := e.Aspect("person")
	require.True(t, ok)
	require.NoError(t, a.Set("email", types.URI("mailto:p@example.com")))
	require.NoError(t, s.SaveCatalog(ctx, loaded), "stored aspects follow the new def")

	assert.ErrorIs(t, s.SaveCatalog(ctx, c), types.ErrConflict, "old copy is stale")
}

func testDetached(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach(), "detach is idempotent")

	_, err := s.LoadCatalog(ctx, uuid.New())
	assert.ErrorIs(t, err, types.ErrDetached)
	assert.ErrorIs(t, s.SaveCatalog(ctx, SmallCatalog(t, 1)), types.ErrDetached)
	_, err = s.ListCatalogs(ctx)
	assert.ErrorIs(t, err, types.ErrDetached)
	_, err = s.SchemaExists(ctx)
	assert.ErrorIs(t, err, types.ErrDetached)
}

func testConcurrentSaves(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	const n = 8
	cats := make([]*types.Catalog, n)
	for i := range cats {
		cats[i] = SmallCatalog(t, 4)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range cats {
		g.Go(func() error { return s.SaveCatalog(gctx, c) })
	}
	require.NoError(t, g.Wait())

	list, err := s.ListCatalogs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, n)
	for _, c := range cats {
		got, err := s.LoadCatalog(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, digest.MustCatalog(c), digest.MustCatalog(got))
	}
}

func testConcurrentConflict(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := SmallCatalog(t, 2)
	require.NoError(t, s.SaveCatalog(ctx, c))

	const writers = 4
	var won, lost atomic.Int32
	var g errgroup.Group
	for i := range writers {
		cp := c.Clone()
		cp.Version = string(rune('a' + i))
		g.Go(func() error {
			err := s.SaveCatalog(ctx, cp)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, types.ErrConflict):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load(), "exactly one writer from the same revision wins")
	assert.Equal(t, int32(writers-1), lost.Load())

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
}

var (
	settings = types.MustAspectDef("settings",
		types.PropertyDef{Name: "theme", Type: types.TypeString, Default: types.String("dark")},
		types.PropertyDef{Name: "retries", Type: types.TypeInteger, Required: true, Default: types.Int(3)},
		types.PropertyDef{Name: "ratio", Type: types.TypeBigDecimal, Default: types.BigDecimal(decimal.RequireFromString("0.125"))},
		types.PropertyDef{Name: "since", Type: types.TypeDateTime, Default: types.DateTime(time.Date(2001, 2, 3, 4, 5, 6, 7000, time.UTC))},
		types.PropertyDef{Name: "owner", Type: types.TypeUUID, ReadOnly: true},
	)
	badge = &types.AspectDef{Name: "badge", Version: 1, ReadOnly: true, Properties: []types.PropertyDef{
		{Name: "serial", Type: types.TypeString, Required: true},
	}}
)

func testDefinitionAttributes(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	def, err := types.NewCatalogDef([]*types.AspectDef{settings, badge}, nil)
	require.NoError(t, err)
	c, err := types.NewCatalog(types.SpeciesSource, "1", def)
	require.NoError(t, err)
	e := c.NewEntity()
	owner := uuid.New()
	_, err = c.SetProperties(e.ID, "settings", map[string]types.Value{"owner": types.UUID(owner)})
	require.NoError(t, err)
	_, err = c.SetProperties(e.ID, "badge", map[string]types.Value{"serial": types.String("B-1")})
	require.NoError(t, err)
	require.NoError(t, s.SaveCatalog(ctx, c))

	defs, err := s.ListAspectDefs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.True(t, badge.Equal(defs[0]), "read-only flag stored")
	assert.True(t, settings.Equal(defs[1]), "defaults and read-only properties stored")

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(c), digest.MustCatalog(got))

	ge, err := got.Entity(e.ID)
	require.NoError(t, err)
	a, ok := ge.Aspect("settings")
	require.True(t, ok)
	assert.Equal(t, 1, a.Len(), "defaults are not stored as values")
	v, ok := a.Get("retries")
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Int())
	v, ok = a.Get("ratio")
	require.True(t, ok)
	assert.Equal(t, "0.125", v.String())

	assert.ErrorIs(t, a.Set("owner", types.UUID(uuid.New())), types.ErrValidation, "read-only value survives a load")
	assert.ErrorIs(t, a.Unset("owner"), types.ErrValidation)
	require.NoError(t, a.Set("theme", types.String("light")))
	b, ok := ge.Aspect("badge")
	require.True(t, ok)
	assert.ErrorIs(t, b.Set("serial", types.String("B-2")), types.ErrValidation)

	require.NoError(t, s.SaveCatalog(ctx, got))
	again, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	ae, _ := again.Entity(e.ID)
	a, _ = ae.Aspect("settings")
	v, _ = a.Get("theme")
	assert.Equal(t, "light", v.Str())
	v, _ = a.Get("owner")
	assert.Equal(t, owner, v.UUID())
}

// testPortableInputs saves the edge inputs every backend must store
// identically, and checks that the ones some engines would alter are
// rejected before any write.
func testPortableInputs(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	notes := types.MustAspectDef("notes", types.PropertyDef{Name: "body", Type: types.TypeText})
	def, err := types.NewCatalogDef([]*types.AspectDef{notes}, []types.HierarchyDef{{Name: "dir", Type: types.HierarchyDirectory}})
	require.NoError(t, err)
	version := strings.Repeat("\U0001D11E", types.MaxNameLength)
	c, err := types.NewCatalog(types.SpeciesSource, version, def)
	require.NoError(t, err)

	d, _ := c.Directory("dir")
	keys := []string{"a", "A", " a", "a b", "ä"}
	for _, k := range keys {
		e := c.NewEntity()
		_, err := c.SetProperties(e.ID, "notes", map[string]types.Value{"body": types.Text("trailing  ")})
		require.NoError(t, err)
		_, _, err = d.Put(k, e.ID)
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveCatalog(ctx, c))

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustCatalog(c), digest.MustCatalog(got))
	assert.Equal(t, version, got.Version)
	gd, err := got.Directory("dir")
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, gd.Keys(), "keys differing in case or spacing stay distinct")

	c.Version = version + "x"
	assert.ErrorIs(t, s.SaveCatalog(ctx, c), types.ErrValidation, "version longer than a name column")
	_, err = types.NewCatalog(types.SpeciesSource, version+"x", def)
	assert.ErrorIs(t, err, types.ErrValidation)
	c.Version = "1"

	e := c.Entities()[0]
	a, ok := e.Aspect("notes")
	require.True(t, ok)
	assert.ErrorIs(t, a.Set("body", types.Text("a\x00b")), types.ErrValidation, "NUL in text")
	_, _, err = d.Put("a ", e.ID)
	assert.ErrorIs(t, err, types.ErrValidation, "trailing space in a key")
	assert.Equal(t, int64(1), c.Revision)

	again, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Revision, "rejected inputs wrote nothing")
}

func testCancelledSave(t *testing.T, s types.Store) {
	ctx := context.Background()
	createSchema(t, s)

	c := SmallCatalog(t, 500)
	require.NoError(t, s.SaveCatalog(ctx, c))
	before := digest.MustCatalog(c)

	next := c.Clone()
	next.Version = "2"
	l, _ := next.List("people")
	added := next.NewEntity()
	_, err := next.SetProperties(added.ID, "person", map[string]types.Value{"name": types.String("late")})
	require.NoError(t, err)
	require.NoError(t, l.Append(added.ID))

	err = s.SaveCatalog(cancelAfter(ctx, 200), next)
	require.Error(t, err, "the context ends while rows are being rewritten")
	assert.Equal(t, int64(1), next.Revision, "failed save leaves the revision alone")
	assert.Nil(t, added.LocalID, "no local id is handed out by a failed save")

	got, err := s.LoadCatalog(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, before, digest.MustCatalog(got), "no partial writes")

	require.NoError(t, s.SaveCatalog(ctx, next))
	assert.Equal(t, int64(2), next.Revision)
}

// pollCtx reports cancellation once Done or Err has been called n times.
// database/sql polls the context before every statement, so the save fails
// partway through its transaction without depending on timing.
type pollCtx struct {
	context.Context
	mu     sync.Mutex
	left   int
	done   chan struct{}
	closed bool
}

func cancelAfter(parent context.Context, n int) *pollCtx {
	return &pollCtx{Context: parent, left: n, done: make(chan struct{})}
}

func (c *pollCtx) poll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.left--
		if c.left <= 0 {
			c.closed = true
			close(c.done)
		}
	}
	return c.closed
}

func (c *pollCtx) Done() <-chan struct{} {
	c.poll()
	return c.done
}

func (c *pollCtx) Err() error {
	if c.poll() {
		return context.Canceled
	}
	return nil
}
