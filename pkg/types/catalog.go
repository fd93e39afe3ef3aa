package types

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// SchemaVersion is the version of the persisted layout written by this
// module. Stores written under any other version are rejected.
const SchemaVersion = 1

// CatalogSpecies describes a catalog's role relative to other catalogs.
type CatalogSpecies string

// Catalog species.
const (
	SpeciesSource CatalogSpecies = "SOURCE"
	SpeciesSink   CatalogSpecies = "SINK"
	SpeciesMirror CatalogSpecies = "MIRROR"
	SpeciesCache  CatalogSpecies = "CACHE"
	SpeciesClone  CatalogSpecies = "CLONE"
	SpeciesFork   CatalogSpecies = "FORK"
)

var knownSpecies = []CatalogSpecies{
	SpeciesSource, SpeciesSink, SpeciesMirror, SpeciesCache, SpeciesClone, SpeciesFork,
}

// Valid reports whether s is a known species.
func (s CatalogSpecies) Valid() bool { return slices.Contains(knownSpecies, s) }

func (s CatalogSpecies) String() string { return string(s) }

// IsReadOnly reports species that only receive content from their upstream.
// Saves of these species are last-write-wins.
func (s CatalogSpecies) IsReadOnly() bool { return s == SpeciesMirror || s == SpeciesCache }

// IsReplica reports species that copy another catalog.
func (s CatalogSpecies) IsReplica() bool {
	return s == SpeciesMirror || s == SpeciesCache || s == SpeciesClone
}

// CanDiverge reports species whose content may differ from their upstream.
func (s CatalogSpecies) CanDiverge() bool {
	return s == SpeciesClone || s == SpeciesFork || s == SpeciesCache
}

// ParseSpecies accepts a species name in any case.
func ParseSpecies(v string) (CatalogSpecies, error) {
	s := CatalogSpecies(strings.ToUpper(v))
	if !s.Valid() {
		return "", invalidf("species", "unknown catalog species %q", v)
	}
	return s, nil
}

// CatalogDef declares the aspect and hierarchy definitions of a catalog.
// Catalogs sharing a CatalogDef are structurally compatible.
type CatalogDef struct {
	aspectDefs    map[string]*AspectDef
	hierarchyDefs map[string]HierarchyDef
}

// NewCatalogDef builds a definition from its parts.
func NewCatalogDef(aspects []*AspectDef, hierarchies []HierarchyDef) (*CatalogDef, error) {
	d := &CatalogDef{
		aspectDefs:    make(map[string]*AspectDef, len(aspects)),
		hierarchyDefs: make(map[string]HierarchyDef, len(hierarchies)),
	}
	for _, a := range aspects {
		if err := d.addAspectDef(a); err != nil {
			return nil, err
		}
	}
	for _, h := range hierarchies {
		if err := h.Validate(); err != nil {
			return nil, err
		}
		if _, dup := d.hierarchyDefs[h.Name]; dup {
			return nil, invalidf(h.Name, "duplicate hierarchy def")
		}
		d.hierarchyDefs[h.Name] = h
	}
	return d, nil
}

func (d *CatalogDef) addAspectDef(a *AspectDef) error {
	if a == nil {
		return invalidf("aspect", "nil aspect def")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if _, dup := d.aspectDefs[a.Name]; dup {
		return invalidf(a.Name, "duplicate aspect def")
	}
	d.aspectDefs[a.Name] = a.Clone()
	return nil
}

// AspectDef returns the aspect def called name.
func (d *CatalogDef) AspectDef(name string) (*AspectDef, bool) {
	a, ok := d.aspectDefs[name]
	return a, ok
}

// HierarchyDef returns the hierarchy def called name.
func (d *CatalogDef) HierarchyDef(name string) (HierarchyDef, bool) {
	h, ok := d.hierarchyDefs[name]
	return h, ok
}

// AspectDefs returns the aspect defs sorted by name.
func (d *CatalogDef) AspectDefs() []*AspectDef {
	out := slices.Collect(maps.Values(d.aspectDefs))
	slices.SortFunc(out, func(a, b *AspectDef) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// HierarchyDefs returns the hierarchy defs sorted by name.
func (d *CatalogDef) HierarchyDefs() []HierarchyDef {
	out := slices.Collect(maps.Values(d.hierarchyDefs))
	slices.SortFunc(out, func(a, b HierarchyDef) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Clone returns a deep copy.
func (d *CatalogDef) Clone() *CatalogDef {
	c := &CatalogDef{
		aspectDefs:    make(map[string]*AspectDef, len(d.aspectDefs)),
		hierarchyDefs: maps.Clone(d.hierarchyDefs),
	}
	for k, v := range d.aspectDefs {
		c.aspectDefs[k] = v.Clone()
	}
	return c
}

// RemoveOption modifies Catalog.RemoveEntity.
type RemoveOption int

const (
	// Detach strips the entity from every hierarchy before removing it.
	// Tree nodes are removed with their subtrees.
	Detach RemoveOption = iota + 1
)

// Catalog is the aggregate root: a definition plus the live entities and
// hierarchies. A Catalog is owned by one caller at a time.
type Catalog struct {
	ID      uuid.UUID
	Species CatalogSpecies
	Version string
	// Upstream is the catalog this one derives from, if any.
	Upstream *uuid.UUID
	// Revision is the stored revision this value was loaded from or last
	// saved as. Zero means never saved.
	Revision int64

	def         *CatalogDef
	entities    map[uuid.UUID]*Entity
	hierarchies map[string]*Hierarchy
}

// NewCatalog creates an empty catalog with a fresh id. One hierarchy is
// created per HierarchyDef in def. def is copied.
func NewCatalog(species CatalogSpecies, version string, def *CatalogDef) (*Catalog, error) {
	return NewCatalogWithID(NewID(), species, version, def)
}

// NewCatalogWithID is NewCatalog with a caller-chosen id.
func NewCatalogWithID(id uuid.UUID, species CatalogSpecies, version string, def *CatalogDef) (*Catalog, error) {
	if id == uuid.Nil {
		return nil, invalidf("catalog id", "must not be nil")
	}
	if !species.Valid() {
		return nil, invalidf("species", "unknown catalog species %q", string(species))
	}
	if err := validVersion(version); err != nil {
		return nil, err
	}
	if def == nil {
		def, _ = NewCatalogDef(nil, nil)
	}
	c := &Catalog{
		ID:          id,
		Species:     species,
		Version:     version,
		def:         def.Clone(),
		entities:    make(map[uuid.UUID]*Entity),
		hierarchies: make(map[string]*Hierarchy),
	}
	for _, hd := range c.def.HierarchyDefs() {
		c.hierarchies[hd.Name] = &Hierarchy{Def: hd, Content: newContent(c, hd)}
	}
	return c, nil
}

// Def returns the catalog's definition. Callers must not modify it; use
// AddAspectDef and ExtendAspectDef.
func (c *Catalog) Def() *CatalogDef { return c.def }

// AddAspectDef adds a new aspect definition to the catalog.
func (c *Catalog) AddAspectDef(a *AspectDef) error {
	return c.def.addAspectDef(a)
}

// ExtendAspectDef appends optional properties to an existing aspect def and
// rebinds every attached aspect to the new version.
func (c *Catalog) ExtendAspectDef(name string, props ...PropertyDef) (*AspectDef, error) {
	cur, ok := c.def.aspectDefs[name]
	if !ok {
		return nil, &NotFoundError{Kind: "aspect def", Key: name}
	}
	next, err := cur.Extend(props...)
	if err != nil {
		return nil, err
	}
	c.def.aspectDefs[name] = next
	for _, e := range c.entities {
		if a, ok := e.aspects[name]; ok {
			a.def = next
		}
	}
	return next, nil
}

// NewEntity adds an entity with a fresh id.
func (c *Catalog) NewEntity() *Entity {
	e, _ := c.AddEntity(NewID())
	return e
}

// AddEntity adds an entity with the given id. Ids are unique per catalog.
func (c *Catalog) AddEntity(id uuid.UUID) (*Entity, error) {
	if id == uuid.Nil {
		return nil, invalidf("entity id", "must not be nil")
	}
	if _, dup := c.entities[id]; dup {
		return nil, invalidf(id.String(), "entity already exists")
	}
	e := newEntity(id)
	c.entities[id] = e
	return e, nil
}

// HasEntity reports whether the catalog holds an entity with id.
func (c *Catalog) HasEntity(id uuid.UUID) bool {
	_, ok := c.entities[id]
	return ok
}

// Entity returns the entity with id, or a NotFoundError.
func (c *Catalog) Entity(id uuid.UUID) (*Entity, error) {
	e, ok := c.entities[id]
	if !ok {
		return nil, &NotFoundError{Kind: "entity", Key: id.String()}
	}
	return e, nil
}

// Entities returns all entities sorted with CompareIDs.
func (c *Catalog) Entities() []*Entity {
	out := slices.Collect(maps.Values(c.entities))
	slices.SortFunc(out, func(a, b *Entity) int { return CompareIDs(a.ID, b.ID) })
	return out
}

// EntityCount returns the number of entities.
func (c *Catalog) EntityCount() int { return len(c.entities) }

// RemoveEntity deletes an entity and its aspects. While any hierarchy still
// references the entity it fails with ValidationError, unless Detach is
// passed.
func (c *Catalog) RemoveEntity(id uuid.UUID, opts ...RemoveOption) error {
	if _, ok := c.entities[id]; !ok {
		return &NotFoundError{Kind: "entity", Key: id.String()}
	}
	detach := slices.Contains(opts, Detach)
	for _, h := range c.Hierarchies() {
		if !h.Content.Contains(id) {
			continue
		}
		if !detach {
			return invalidf(id.String(), "entity is referenced by hierarchy %q", h.Name())
		}
		h.Content.detach(id)
	}
	delete(c.entities, id)
	return nil
}

// AttachAspect returns the entity's aspect called name, creating an empty
// one bound to the catalog's AspectDef when it is not attached yet.
func (c *Catalog) AttachAspect(entityID uuid.UUID, name string) (*Aspect, error) {
	e, err := c.Entity(entityID)
	if err != nil {
		return nil, err
	}
	if a, ok := e.aspects[name]; ok {
		return a, nil
	}
	def, ok := c.def.aspectDefs[name]
	if !ok {
		return nil, invalidf(name, "aspect def not declared in catalog")
	}
	a := newAspect(def, entityID)
	e.aspects[name] = a
	return a, nil
}

// SetProperties attaches aspect name to the entity if needed and sets every
// given value. It stops at the first invalid value.
func (c *Catalog) SetProperties(entityID uuid.UUID, name string, values map[string]Value) (*Aspect, error) {
	a, err := c.AttachAspect(entityID, name)
	if err != nil {
		return nil, err
	}
	keys := slices.Sorted(maps.Keys(values))
	for _, k := range keys {
		if err := a.Set(k, values[k]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// RemoveAspect detaches aspect name from the entity. It fails while an
// ASPECT_MAP hierarchy points at that aspect.
func (c *Catalog) RemoveAspect(entityID uuid.UUID, name string) error {
	e, err := c.Entity(entityID)
	if err != nil {
		return err
	}
	if _, ok := e.aspects[name]; !ok {
		return &NotFoundError{Kind: "aspect", Key: entityID.String() + "/" + name}
	}
	for _, h := range c.Hierarchies() {
		if m, ok := h.Content.(*AspectMap); ok && m.references(entityID, name) {
			return invalidf(name, "aspect is referenced by hierarchy %q", h.Name())
		}
	}
	delete(e.aspects, name)
	return nil
}

// Hierarchy returns the hierarchy called name, or a NotFoundError.
func (c *Catalog) Hierarchy(name string) (*Hierarchy, error) {
	h, ok := c.hierarchies[name]
	if !ok {
		return nil, &NotFoundError{Kind: "hierarchy", Key: name}
	}
	return h, nil
}

// Hierarchies returns all hierarchies sorted by name.
func (c *Catalog) Hierarchies() []*Hierarchy {
	out := slices.Collect(maps.Values(c.hierarchies))
	slices.SortFunc(out, func(a, b *Hierarchy) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

func hierarchyAs[T Content](c *Catalog, name string, want HierarchyType) (T, error) {
	var zero T
	h, err := c.Hierarchy(name)
	if err != nil {
		return zero, err
	}
	content, ok := h.Content.(T)
	if !ok {
		return zero, invalidf(name, "hierarchy is %s, not %s", h.Type(), want)
	}
	return content, nil
}

// List returns the LIST hierarchy called name.
func (c *Catalog) List(name string) (*EntityList, error) {
	return hierarchyAs[*EntityList](c, name, HierarchyList)
}

// Set returns the SET hierarchy called name.
func (c *Catalog) Set(name string) (*EntitySet, error) {
	return hierarchyAs[*EntitySet](c, name, HierarchySet)
}

// Directory returns the DIRECTORY hierarchy called name.
func (c *Catalog) Directory(name string) (*EntityDirectory, error) {
	return hierarchyAs[*EntityDirectory](c, name, HierarchyDirectory)
}

// Tree returns the TREE hierarchy called name.
func (c *Catalog) Tree(name string) (*EntityTree, error) {
	return hierarchyAs[*EntityTree](c, name, HierarchyTree)
}

// AspectMap returns the ASPECT_MAP hierarchy called name.
func (c *Catalog) AspectMap(name string) (*AspectMap, error) {
	return hierarchyAs[*AspectMap](c, name, HierarchyAspectMap)
}

// Validate checks every model invariant: aspect conformance, unique local
// ids, hierarchy references and tree shape.
func (c *Catalog) Validate() error {
	if c.ID == uuid.Nil {
		return invalidf("catalog id", "must not be nil")
	}
	if !c.Species.Valid() {
		return invalidf("species", "unknown catalog species %q", string(c.Species))
	}
	if err := validVersion(c.Version); err != nil {
		return err
	}
	locals := make(map[int64]uuid.UUID)
	for _, e := range c.Entities() {
		if e.LocalID != nil {
			if other, dup := locals[*e.LocalID]; dup {
				return invalidf(e.ID.String(), "local id %d already used by %s", *e.LocalID, other)
			}
			locals[*e.LocalID] = e.ID
		}
		for _, a := range e.Aspects() {
			def, ok := c.def.aspectDefs[a.Name()]
			if !ok {
				return invalidf(a.Name(), "aspect def not declared in catalog")
			}
			if !def.Equal(a.def) {
				return invalidf(a.Name(), "aspect is bound to def version %d, catalog has %d", a.def.Version, def.Version)
			}
			if a.EntityID != e.ID {
				return invalidf(a.Name(), "aspect belongs to %s, attached to %s", a.EntityID, e.ID)
			}
			if err := a.Validate(); err != nil {
				return fmt.Errorf("entity %s: %w", e.ID, err)
			}
		}
	}
	for _, hd := range c.def.HierarchyDefs() {
		h, ok := c.hierarchies[hd.Name]
		if !ok || h.Content == nil || h.Content.Type() != hd.Type {
			return invalidf(hd.Name, "hierarchy missing or of the wrong type")
		}
		if err := h.Content.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy that shares no mutable state with c.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{
		ID:          c.ID,
		Species:     c.Species,
		Version:     c.Version,
		Revision:    c.Revision,
		def:         c.def.Clone(),
		entities:    make(map[uuid.UUID]*Entity, len(c.entities)),
		hierarchies: make(map[string]*Hierarchy, len(c.hierarchies)),
	}
	if c.Upstream != nil {
		up := *c.Upstream
		out.Upstream = &up
	}
	for id, e := range c.entities {
		ne := newEntity(id)
		if e.LocalID != nil {
			l := *e.LocalID
			ne.LocalID = &l
		}
		for name, a := range e.aspects {
			def := out.def.aspectDefs[name]
			if def == nil {
				def = a.def.Clone()
			}
			na := newAspect(def, id)
			maps.Copy(na.values, a.values)
			ne.aspects[name] = na
		}
		out.entities[id] = ne
	}
	for name, h := range c.hierarchies {
		out.hierarchies[name] = &Hierarchy{Def: h.Def, Content: h.Content.clone(out)}
	}
	return out
}

// validVersion bounds a catalog version to what every backend stores in its
// name columns.
func validVersion(v string) error {
	if utf8.RuneCountInString(v) > MaxNameLength {
		return invalidf("version", "longer than %d characters", MaxNameLength)
	}
	return validText("version", v)
}

// Derive copies c into a new catalog of the given species whose Upstream is
// c. The copy gets a fresh id, has never been saved and carries no local ids.
func (c *Catalog) Derive(species CatalogSpecies) (*Catalog, error) {
	if !species.Valid() {
		return nil, invalidf("species", "unknown catalog species %q", string(species))
	}
	out := c.Clone()
	out.ID = NewID()
	out.Species = species
	out.Revision = 0
	up := c.ID
	out.Upstream = &up
	for _, e := range out.entities {
		e.LocalID = nil
	}
	return out, nil
}
