package types

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var personDef = MustAspectDef("person",
	PropertyDef{Name: "name", Type: TypeString, Required: true},
	PropertyDef{Name: "age", Type: TypeInteger},
)

// newTestCatalog builds a SOURCE catalog with the person aspect and one
// hierarchy of every type, named after the type.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	var hs []HierarchyDef
	for _, ht := range HierarchyTypes {
		hs = append(hs, HierarchyDef{Name: string(ht), Type: ht})
	}
	def, err := NewCatalogDef([]*AspectDef{personDef}, hs)
	require.NoError(t, err)
	c, err := NewCatalog(SpeciesSource, "1.0.0", def)
	require.NoError(t, err)
	return c
}

func addPerson(t *testing.T, c *Catalog, name string, age int64) *Entity {
	t.Helper()
	e := c.NewEntity()
	_, err := c.SetProperties(e.ID, "person", map[string]Value{"name": String(name), "age": Int(age)})
	require.NoError(t, err)
	return e
}

func TestNewCatalogCreatesHierarchies(t *testing.T) {
	c := newTestCatalog(t)

	hs := c.Hierarchies()
	require.Len(t, hs, len(HierarchyTypes))
	for _, h := range hs {
		assert.Equal(t, HierarchyType(h.Name()), h.Content.Type())
	}

	_, err := c.List("SET")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.Hierarchy("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogDefRejectsDuplicates(t *testing.T) {
	_, err := NewCatalogDef([]*AspectDef{personDef, personDef}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewCatalogDef(nil, []HierarchyDef{{Name: "h", Type: HierarchySet}, {Name: "h", Type: HierarchyList}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewCatalogDef(nil, []HierarchyDef{{Name: "h", Type: "GRAPH"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCatalogAspects(t *testing.T) {
	tests := []struct {
		name  string
		check func(t *testing.T, c *Catalog, e *Entity)
	}{
		{
			name: "set and read back",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				a, ok := e.Aspect("person")
				require.True(t, ok)
				v, ok := a.Get("name")
				require.True(t, ok)
				assert.Equal(t, "Alice", v.Str())
				assert.Equal(t, []string{"person"}, e.AspectNames())
			},
		},
		{
			name: "undeclared aspect rejected",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				_, err := c.AttachAspect(e.ID, "address")
				assert.ErrorIs(t, err, ErrValidation)
			},
		},
		{
			name: "wrong type rejected without coercion",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				a, _ := e.Aspect("person")
				assert.ErrorIs(t, a.Set("age", String("30")), ErrValidation)
				assert.ErrorIs(t, a.Set("height", Int(180)), ErrValidation)
			},
		},
		{
			name: "required property cannot be unset",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				a, _ := e.Aspect("person")
				assert.ErrorIs(t, a.Unset("name"), ErrValidation)
				assert.NoError(t, a.Unset("age"))
				assert.NoError(t, c.Validate())
			},
		},
		{
			name: "missing required property fails validation",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				other := c.NewEntity()
				_, err := c.AttachAspect(other.ID, "person")
				require.NoError(t, err)
				assert.ErrorIs(t, c.Validate(), ErrValidation)
			},
		},
		{
			name: "remove aspect referenced by aspect map fails",
			check: func(t *testing.T, c *Catalog, e *Entity) {
				m, err := c.AspectMap("ASPECT_MAP")
				require.NoError(t, err)
				require.NoError(t, m.Put(e.ID, "person"))
				assert.ErrorIs(t, c.RemoveAspect(e.ID, "person"), ErrValidation)
				m.Remove(e.ID)
				assert.NoError(t, c.RemoveAspect(e.ID, "person"))
				assert.False(t, e.HasAspect("person"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCatalog(t)
			e := addPerson(t, c, "Alice", 30)
			tt.check(t, c, e)
		})
	}
}

func TestCatalogEntities(t *testing.T) {
	c := newTestCatalog(t)
	e := addPerson(t, c, "Alice", 30)

	_, err := c.AddEntity(e.ID)
	assert.ErrorIs(t, err, ErrValidation, "duplicate global id")

	_, err = c.AddEntity(uuid.Nil)
	assert.ErrorIs(t, err, ErrValidation)

	f := addPerson(t, c, "Bob", 40)
	one := int64(1)
	e.LocalID, f.LocalID = &one, &one
	assert.ErrorIs(t, c.Validate(), ErrValidation, "duplicate local id")
	two := int64(2)
	f.LocalID = &two
	assert.NoError(t, c.Validate())

	ids := c.Entities()
	require.Len(t, ids, 2)
	assert.Equal(t, -1, CompareIDs(ids[0].ID, ids[1].ID))
}

func TestRemoveEntityReferencedByHierarchy(t *testing.T) {
	c := newTestCatalog(t)
	e := addPerson(t, c, "Alice", 30)
	f := addPerson(t, c, "Bob", 40)

	l, _ := c.List("LIST")
	require.NoError(t, l.Append(e.ID))
	require.NoError(t, l.Append(f.ID))
	require.NoError(t, l.Append(e.ID))
	d, _ := c.Directory("DIRECTORY")
	_, _, err := d.Put("alice", e.ID)
	require.NoError(t, err)
	tr, _ := c.Tree("TREE")
	require.NoError(t, tr.SetRoot(f.ID))
	require.NoError(t, tr.AddChild(f.ID, e.ID))

	assert.ErrorIs(t, c.RemoveEntity(e.ID), ErrValidation)
	assert.True(t, c.HasEntity(e.ID))

	require.NoError(t, c.RemoveEntity(e.ID, Detach))
	assert.False(t, c.HasEntity(e.ID))
	assert.Equal(t, []uuid.UUID{f.ID}, l.IDs())
	assert.False(t, d.HasKey("alice"))
	assert.Equal(t, 1, tr.Len())
	assert.NoError(t, c.Validate())

	assert.ErrorIs(t, c.RemoveEntity(e.ID), ErrNotFound)
}

func TestExtendAspectDef(t *testing.T) {
	c := newTestCatalog(t)
	e := addPerson(t, c, "Alice", 30)

	_, err := c.ExtendAspectDef("person", PropertyDef{Name: "email", Type: TypeString, Required: true})
	assert.ErrorIs(t, err, ErrValidation, "added properties must be optional")
	_, err = c.ExtendAspectDef("person", PropertyDef{Name: "age", Type: TypeFloat})
	assert.ErrorIs(t, err, ErrValidation, "existing names cannot be redefined")

	next, err := c.ExtendAspectDef("person", PropertyDef{Name: "email", Type: TypeString})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)

	a, _ := e.Aspect("person")
	require.NoError(t, a.Set("email", String("alice@example.com")))
	assert.NoError(t, c.Validate())

	_, err = c.ExtendAspectDef("address")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAspectDefSupersedes(t *testing.T) {
	next, err := personDef.Extend(PropertyDef{Name: "email", Type: TypeString})
	require.NoError(t, err)

	tests := []struct {
		name string
		def  *AspectDef
		ok   bool
	}{
		{"extension", next, true},
		{"same version", personDef, false},
		{"other name", &AspectDef{Name: "pet", Version: 2}, false},
		{"dropped property", &AspectDef{Name: "person", Version: 2, Properties: personDef.Properties[:1]}, false},
		{"retyped property", &AspectDef{Name: "person", Version: 2, Properties: []PropertyDef{
			{Name: "name", Type: TypeText, Required: true},
			{Name: "age", Type: TypeInteger},
		}}, false},
		{"required addition", &AspectDef{Name: "person", Version: 3, Properties: append(personDef.Clone().Properties,
			PropertyDef{Name: "email", Type: TypeString, Required: true})}, false},
		{"changed default", &AspectDef{Name: "person", Version: 2, Properties: []PropertyDef{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "age", Type: TypeInteger, Default: Int(1)},
		}}, false},
		{"made read-only", &AspectDef{Name: "person", Version: 2, ReadOnly: true, Properties: personDef.Clone().Properties}, false},
		{"addition with default", &AspectDef{Name: "person", Version: 2, Properties: append(personDef.Clone().Properties,
			PropertyDef{Name: "email", Type: TypeString, Default: String("none")})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Supersedes(personDef)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestSpecies(t *testing.T) {
	tests := []struct {
		species    CatalogSpecies
		readOnly   bool
		replica    bool
		canDiverge bool
	}{
		{SpeciesSource, false, false, false},
		{SpeciesSink, false, false, false},
		{SpeciesMirror, true, true, false},
		{SpeciesCache, true, true, true},
		{SpeciesClone, false, true, true},
		{SpeciesFork, false, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.species), func(t *testing.T) {
			assert.Equal(t, tt.readOnly, tt.species.IsReadOnly())
			assert.Equal(t, tt.replica, tt.species.IsReplica())
			assert.Equal(t, tt.canDiverge, tt.species.CanDiverge())
			got, err := ParseSpecies(string(tt.species))
			require.NoError(t, err)
			assert.Equal(t, tt.species, got)
		})
	}
	_, err := ParseSpecies("ORIGIN")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCloneAndDerive(t *testing.T) {
	c := newTestCatalog(t)
	e := addPerson(t, c, "Alice", 30)
	local := int64(7)
	e.LocalID = &local
	s, _ := c.Set("SET")
	_, err := s.Add(e.ID)
	require.NoError(t, err)

	cl := c.Clone()
	a, _ := cl.entities[e.ID].Aspect("person")
	require.NoError(t, a.Set("age", Int(31)))
	orig, _ := e.Aspect("person")
	v, _ := orig.Get("age")
	assert.Equal(t, int64(30), v.Int(), "clone shares no aspect state")

	m, err := c.Derive(SpeciesMirror)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, m.ID)
	require.NotNil(t, m.Upstream)
	assert.Equal(t, c.ID, *m.Upstream)
	assert.Zero(t, m.Revision)
	me, err := m.Entity(e.ID)
	require.NoError(t, err)
	assert.Nil(t, me.LocalID)
	ms, _ := m.Set("SET")
	assert.True(t, ms.Contains(e.ID))
	assert.NoError(t, m.Validate())
}

func TestAspectDefaults(t *testing.T) {
	def := MustAspectDef("prefs",
		PropertyDef{Name: "theme", Type: TypeString, Required: true, Default: String("dark")},
		PropertyDef{Name: "size", Type: TypeInteger},
	)
	a := newAspect(def, NewID())

	v, ok := a.Get("theme")
	require.True(t, ok, "unset property falls back to its default")
	assert.Equal(t, "dark", v.Str())
	_, ok = a.Get("size")
	assert.False(t, ok)
	assert.NoError(t, a.Validate(), "a default satisfies a required property")
	assert.Empty(t, a.Properties(), "defaults are not values")

	require.NoError(t, a.Set("theme", String("light")))
	v, _ = a.Get("theme")
	assert.Equal(t, "light", v.Str())
}

func TestReadOnlyProperties(t *testing.T) {
	def := MustAspectDef("doc",
		PropertyDef{Name: "id", Type: TypeUUID, ReadOnly: true},
		PropertyDef{Name: "title", Type: TypeString},
	)
	a := newAspect(def, NewID())
	require.NoError(t, a.Set("id", UUID(NewID())), "first write is allowed")
	assert.ErrorIs(t, a.Set("id", UUID(NewID())), ErrValidation)
	assert.ErrorIs(t, a.Unset("id"), ErrValidation)
	require.NoError(t, a.Set("title", String("a")))
	require.NoError(t, a.Set("title", String("b")))

	frozen := &AspectDef{Name: "stamp", Version: 1, ReadOnly: true, Properties: []PropertyDef{
		{Name: "at", Type: TypeInteger},
	}}
	require.NoError(t, frozen.Validate())
	b := newAspect(frozen, NewID())
	assert.NoError(t, b.Unset("at"), "nothing set yet")
	require.NoError(t, b.Set("at", Int(1)))
	assert.ErrorIs(t, b.Set("at", Int(2)), ErrValidation, "read-only def covers every property")

	next, err := frozen.Extend(PropertyDef{Name: "by", Type: TypeString})
	require.NoError(t, err)
	assert.True(t, next.ReadOnly, "extension keeps the flag")
	assert.False(t, next.Equal(frozen))
}

func TestCatalogVersionLimits(t *testing.T) {
	long := strings.Repeat("v", MaxNameLength)
	c, err := NewCatalog(SpeciesSource, long, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Validate())

	_, err = NewCatalog(SpeciesSource, long+"v", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewCatalog(SpeciesSource, "1\x00", nil)
	assert.ErrorIs(t, err, ErrValidation)

	c.Version = long + "v"
	assert.ErrorIs(t, c.Validate(), ErrValidation)
	c.Version = ""
	assert.NoError(t, c.Validate(), "an empty version is allowed")
}
