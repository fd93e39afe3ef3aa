package digest

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

var (
	personDef = types.MustAspectDef("person",
		types.PropertyDef{Name: "name", Type: types.TypeString, Required: true},
		types.PropertyDef{Name: "age", Type: types.TypeInteger},
	)
	idA   = uuid.MustParse("0190a4d2-0000-7000-8000-00000000000a")
	idB   = uuid.MustParse("0190a4d2-0000-7000-8000-00000000000b")
	idC   = uuid.MustParse("0190a4d2-0000-7000-8000-00000000000c")
	catID = uuid.MustParse("0190a4d2-0000-7000-8000-0000000000ff")
)

type person struct {
	id   uuid.UUID
	name string
	age  int64
}

// buildCatalog creates a catalog holding people in the given insertion
// order, a SET of all of them and a DIRECTORY keyed by name.
func buildCatalog(t *testing.T, people ...person) *types.Catalog {
	t.Helper()
	def, err := types.NewCatalogDef([]*types.AspectDef{personDef}, []types.HierarchyDef{
		{Name: "everyone", Type: types.HierarchySet},
		{Name: "by-name", Type: types.HierarchyDirectory},
	})
	require.NoError(t, err)
	c, err := types.NewCatalogWithID(catID, types.SpeciesSource, "1.0.0", def)
	require.NoError(t, err)

	set, err := c.Set("everyone")
	require.NoError(t, err)
	dir, err := c.Directory("by-name")
	require.NoError(t, err)
	for _, p := range people {
		_, err := c.AddEntity(p.id)
		require.NoError(t, err)
		_, err = c.SetProperties(p.id, "person", map[string]types.Value{
			"name": types.String(p.name),
			"age":  types.Int(p.age),
		})
		require.NoError(t, err)
		_, err = set.Add(p.id)
		require.NoError(t, err)
		_, _, err = dir.Put(p.name, p.id)
		require.NoError(t, err)
	}
	return c
}

var (
	alice = person{idA, "alice", 30}
	bob   = person{idB, "bob", 40}
	carol = person{idC, "carol", 50}
)

func TestCatalogDeterministic(t *testing.T) {
	c1 := buildCatalog(t, alice, bob, carol)
	c2 := buildCatalog(t, carol, alice, bob)

	d1, err := Catalog(c1)
	require.NoError(t, err)
	again, err := Catalog(c1)
	require.NoError(t, err)
	d2, err := Catalog(c2)
	require.NoError(t, err)

	assert.Equal(t, d1, again, "repeated computation")
	assert.Equal(t, d1, d2, "insertion order must not matter")
	assert.False(t, d1.IsZero())
}

func TestCatalogIgnoresBookkeeping(t *testing.T) {
	c := buildCatalog(t, alice, bob)
	before := MustCatalog(c)

	c.Revision = 12
	up := uuid.New()
	c.Upstream = &up
	local := int64(99)
	e, err := c.Entity(idA)
	require.NoError(t, err)
	e.LocalID = &local

	assert.Equal(t, before, MustCatalog(c))
}

func TestMutationIsolation(t *testing.T) {
	c := buildCatalog(t, alice, bob)
	ea, _ := c.Entity(idA)
	eb, _ := c.Entity(idB)
	aspectA, _ := ea.Aspect("person")

	beforeAspect, err := Aspect(aspectA)
	require.NoError(t, err)
	beforeA, err := Entity(ea)
	require.NoError(t, err)
	beforeB, err := Entity(eb)
	require.NoError(t, err)
	beforeCat := MustCatalog(c)

	require.NoError(t, aspectA.Set("age", types.Int(31)))

	afterAspect, err := Aspect(aspectA)
	require.NoError(t, err)
	afterA, err := Entity(ea)
	require.NoError(t, err)
	afterB, err := Entity(eb)
	require.NoError(t, err)

	assert.NotEqual(t, beforeAspect, afterAspect)
	assert.NotEqual(t, beforeA, afterA)
	assert.NotEqual(t, beforeCat, MustCatalog(c))
	assert.Equal(t, beforeB, afterB, "unrelated entity is unaffected")
}

func TestSpeciesAndContent(t *testing.T) {
	c := buildCatalog(t, alice, bob)
	m, err := c.Derive(types.SpeciesMirror)
	require.NoError(t, err)

	assert.NotEqual(t, MustCatalog(c), MustCatalog(m))

	cc, err := Content(c)
	require.NoError(t, err)
	mc, err := Content(m)
	require.NoError(t, err)
	assert.Equal(t, cc, mc)
}

func TestPropertyEncoding(t *testing.T) {
	mustProp := func(name string, v types.Value) Digest {
		d, err := Property(name, v)
		require.NoError(t, err)
		return d
	}

	t.Run("length prefixes separate fields", func(t *testing.T) {
		assert.NotEqual(t, mustProp("ab", types.String("c")), mustProp("a", types.String("bc")))
	})
	t.Run("null differs from empty", func(t *testing.T) {
		assert.NotEqual(t, mustProp("p", types.Null(types.TypeString)), mustProp("p", types.String("")))
		assert.NotEqual(t, mustProp("p", types.Null(types.TypeBLOB)), mustProp("p", types.Blob(nil)))
	})
	t.Run("type tag is part of the digest", func(t *testing.T) {
		assert.NotEqual(t, mustProp("p", types.String("x")), mustProp("p", types.Text("x")))
	})
	t.Run("equal decimals hash equally", func(t *testing.T) {
		a := types.BigDecimal(decimal.RequireFromString("1.50"))
		b := types.BigDecimal(decimal.RequireFromString("1.5"))
		assert.Equal(t, mustProp("p", a), mustProp("p", b))
	})
	t.Run("times hash in UTC", func(t *testing.T) {
		loc := time.FixedZone("X", -5*60*60)
		local := time.Date(2024, 3, 1, 7, 0, 0, 0, loc)
		assert.Equal(t, mustProp("p", types.DateTime(local)), mustProp("p", types.DateTime(local.UTC())))
	})
	t.Run("every type hashes", func(t *testing.T) {
		for _, v := range []types.Value{
			types.Float(2.5), types.Bool(true), types.URI("urn:x"), types.CLOB("c"),
			types.BigInt(big.NewInt(-3)), types.UUID(idA), types.Blob([]byte{0}),
		} {
			_, err := Property("p", v)
			assert.NoError(t, err, v.Type())
		}
	})
	t.Run("unknown type is unsupported", func(t *testing.T) {
		_, err := Property("p", types.Value{})
		assert.ErrorIs(t, err, types.ErrUnsupportedType)
	})
}

func TestHierarchyOrderSemantics(t *testing.T) {
	newCat := func(ht types.HierarchyType) *types.Catalog {
		def, err := types.NewCatalogDef(nil, []types.HierarchyDef{{Name: "h", Type: ht}})
		require.NoError(t, err)
		c, err := types.NewCatalogWithID(catID, types.SpeciesSource, "1", def)
		require.NoError(t, err)
		for _, id := range []uuid.UUID{idA, idB, idC} {
			_, err := c.AddEntity(id)
			require.NoError(t, err)
		}
		return c
	}
	hier := func(c *types.Catalog) Digest {
		h, err := c.Hierarchy("h")
		require.NoError(t, err)
		d, err := Hierarchy(h)
		require.NoError(t, err)
		return d
	}

	t.Run("list order matters", func(t *testing.T) {
		c1, c2 := newCat(types.HierarchyList), newCat(types.HierarchyList)
		l1, _ := c1.List("h")
		l2, _ := c2.List("h")
		require.NoError(t, l1.Append(idA))
		require.NoError(t, l1.Append(idB))
		require.NoError(t, l2.Append(idB))
		require.NoError(t, l2.Append(idA))
		assert.NotEqual(t, hier(c1), hier(c2))
	})

	t.Run("set order does not", func(t *testing.T) {
		c1, c2 := newCat(types.HierarchySet), newCat(types.HierarchySet)
		s1, _ := c1.Set("h")
		s2, _ := c2.Set("h")
		for _, id := range []uuid.UUID{idA, idB, idC} {
			_, _ = s1.Add(id)
		}
		for _, id := range []uuid.UUID{idC, idB, idA} {
			_, _ = s2.Add(id)
		}
		assert.Equal(t, hier(c1), hier(c2))
	})

	t.Run("tree shape matters", func(t *testing.T) {
		c1, c2 := newCat(types.HierarchyTree), newCat(types.HierarchyTree)
		t1, _ := c1.Tree("h")
		t2, _ := c2.Tree("h")
		require.NoError(t, t1.SetRoot(idA))
		require.NoError(t, t1.AddChild(idA, idB))
		require.NoError(t, t1.AddChild(idA, idC))
		require.NoError(t, t2.SetRoot(idA))
		require.NoError(t, t2.AddChild(idA, idB))
		require.NoError(t, t2.AddChild(idB, idC))
		assert.NotEqual(t, hier(c1), hier(c2))
	})
}

func TestParse(t *testing.T) {
	d := MustCatalog(buildCatalog(t, alice))
	got, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = Parse("abcd")
	assert.Error(t, err)
	_, err = Parse("zz")
	assert.Error(t, err)
}

func TestAspectDefAttributes(t *testing.T) {
	base := AspectDef(personDef)

	ro := personDef.Clone()
	ro.ReadOnly = true
	assert.NotEqual(t, base, AspectDef(ro), "aspect read-only flag")

	withDefault := personDef.Clone()
	withDefault.Properties[1].Default = types.Int(18)
	d18 := AspectDef(withDefault)
	assert.NotEqual(t, base, d18, "default value")
	withDefault.Properties[1].Default = types.Int(21)
	assert.NotEqual(t, d18, AspectDef(withDefault), "default values differ")

	roProp := personDef.Clone()
	roProp.Properties[0].ReadOnly = true
	assert.NotEqual(t, base, AspectDef(roProp), "property read-only flag")

	a := types.MustAspectDef("n", types.PropertyDef{Name: "x", Type: types.TypeBigDecimal, Default: types.BigDecimal(decimal.RequireFromString("2.50"))})
	b := types.MustAspectDef("n", types.PropertyDef{Name: "x", Type: types.TypeBigDecimal, Default: types.BigDecimal(decimal.RequireFromString("2.5"))})
	assert.Equal(t, AspectDef(a), AspectDef(b), "equal defaults digest equally")
}
