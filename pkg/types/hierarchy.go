package types

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// HierarchyType selects the content shape of a hierarchy.
type HierarchyType string

const (
	HierarchyList      HierarchyType = "LIST"
	HierarchySet       HierarchyType = "SET"
	HierarchyDirectory HierarchyType = "DIRECTORY"
	HierarchyTree      HierarchyType = "TREE"
	HierarchyAspectMap HierarchyType = "ASPECT_MAP"
)

// HierarchyTypes lists every hierarchy type.
var HierarchyTypes = []HierarchyType{
	HierarchyList, HierarchySet, HierarchyDirectory, HierarchyTree, HierarchyAspectMap,
}

var hierarchyTypeCodes = map[HierarchyType]string{
	HierarchyList:      "EL",
	HierarchySet:       "ES",
	HierarchyDirectory: "ED",
	HierarchyTree:      "ET",
	HierarchyAspectMap: "AM",
}

func (t HierarchyType) Valid() bool {
	_, ok := hierarchyTypeCodes[t]
	return ok
}

// Code returns the two-letter storage code.
func (t HierarchyType) Code() string { return hierarchyTypeCodes[t] }

func (t HierarchyType) String() string { return string(t) }

// ParseHierarchyType accepts a type name or its storage code.
func ParseHierarchyType(s string) (HierarchyType, error) {
	if t := HierarchyType(s); t.Valid() {
		return t, nil
	}
	for t, c := range hierarchyTypeCodes {
		if c == s {
			return t, nil
		}
	}
	return "", invalidf("hierarchy type", "unknown hierarchy type %q", s)
}

// HierarchyDef names a hierarchy and fixes its type.
type HierarchyDef struct {
	Name string
	Type HierarchyType
}

func (d HierarchyDef) Validate() error {
	if err := validName("hierarchy", d.Name); err != nil {
		return err
	}
	if !d.Type.Valid() {
		return invalidf(d.Name, "unknown hierarchy type %q", string(d.Type))
	}
	return nil
}

// Content is the live state of a hierarchy. It is implemented only by
// *EntityList, *EntitySet, *EntityDirectory, *EntityTree and *AspectMap;
// switch on the concrete type to reach the type-specific operations.
type Content interface {
	Type() HierarchyType
	Len() int
	// Contains reports whether id is referenced anywhere in the content.
	Contains(id uuid.UUID) bool
	// Validate checks structural invariants and that every referenced entity
	// exists in the owning catalog.
	Validate() error

	detach(id uuid.UUID)
	clone(cat *Catalog) Content
}

// Hierarchy pairs a definition with its content.
type Hierarchy struct {
	Def     HierarchyDef
	Content Content
}

func (h *Hierarchy) Name() string        { return h.Def.Name }
func (h *Hierarchy) Type() HierarchyType { return h.Def.Type }

func newContent(cat *Catalog, def HierarchyDef) Content {
	base := hierarchyBase{cat: cat, name: def.Name}
	switch def.Type {
	case HierarchyList:
		return &EntityList{hierarchyBase: base}
	case HierarchySet:
		return &EntitySet{hierarchyBase: base, ids: make(map[uuid.UUID]struct{})}
	case HierarchyDirectory:
		return &EntityDirectory{hierarchyBase: base, entries: make(map[string]uuid.UUID)}
	case HierarchyTree:
		return &EntityTree{hierarchyBase: base, nodes: make(map[uuid.UUID]*treeNode)}
	case HierarchyAspectMap:
		return &AspectMap{hierarchyBase: base, entries: make(map[uuid.UUID]string)}
	default:
		panic(fmt.Sprintf("types: unknown hierarchy type %q", string(def.Type)))
	}
}

// hierarchyBase carries the back-reference used for existence checks.
type hierarchyBase struct {
	cat  *Catalog
	name string
}

// Name returns the owning hierarchy's name.
func (b hierarchyBase) Name() string { return b.name }

func (b hierarchyBase) requireEntity(id uuid.UUID) error {
	if !b.cat.HasEntity(id) {
		return &NotFoundError{Kind: "entity", Key: id.String()}
	}
	return nil
}

// EntityList is an ordered sequence of entity ids. Duplicates are allowed.
type EntityList struct {
	hierarchyBase
	ids []uuid.UUID
}

func (l *EntityList) Type() HierarchyType { return HierarchyList }
func (l *EntityList) Len() int            { return len(l.ids) }

func (l *EntityList) Contains(id uuid.UUID) bool { return l.IndexOf(id) >= 0 }

// Append adds id at the end.
func (l *EntityList) Append(id uuid.UUID) error {
	if err := l.requireEntity(id); err != nil {
		return err
	}
	l.ids = append(l.ids, id)
	return nil
}

// InsertAt inserts id before position i; i == Len appends.
func (l *EntityList) InsertAt(i int, id uuid.UUID) error {
	if i < 0 || i > len(l.ids) {
		return invalidf(l.name, "index %d out of range [0,%d]", i, len(l.ids))
	}
	if err := l.requireEntity(id); err != nil {
		return err
	}
	l.ids = slices.Insert(l.ids, i, id)
	return nil
}

// RemoveAt removes and returns the id at position i.
func (l *EntityList) RemoveAt(i int) (uuid.UUID, error) {
	if i < 0 || i >= len(l.ids) {
		return uuid.Nil, invalidf(l.name, "index %d out of range [0,%d)", i, len(l.ids))
	}
	id := l.ids[i]
	l.ids = slices.Delete(l.ids, i, i+1)
	return id, nil
}

// Remove drops the first occurrence of id and reports whether one existed.
func (l *EntityList) Remove(id uuid.UUID) bool {
	i := l.IndexOf(id)
	if i < 0 {
		return false
	}
	l.ids = slices.Delete(l.ids, i, i+1)
	return true
}

// IndexOf returns the position of the first occurrence of id, or -1.
func (l *EntityList) IndexOf(id uuid.UUID) int { return slices.Index(l.ids, id) }

func (l *EntityList) At(i int) (uuid.UUID, error) {
	if i < 0 || i >= len(l.ids) {
		return uuid.Nil, invalidf(l.name, "index %d out of range [0,%d)", i, len(l.ids))
	}
	return l.ids[i], nil
}

// IDs returns a copy of the sequence.
func (l *EntityList) IDs() []uuid.UUID { return slices.Clone(l.ids) }

func (l *EntityList) Validate() error {
	for _, id := range l.ids {
		if err := l.requireEntity(id); err != nil {
			return fmt.Errorf("hierarchy %q: %w", l.name, err)
		}
	}
	return nil
}

func (l *EntityList) detach(id uuid.UUID) {
	l.ids = slices.DeleteFunc(l.ids, func(x uuid.UUID) bool { return x == id })
}

func (l *EntityList) clone(cat *Catalog) Content {
	return &EntityList{hierarchyBase: hierarchyBase{cat: cat, name: l.name}, ids: slices.Clone(l.ids)}
}

// EntitySet is an unordered collection of unique entity ids.
type EntitySet struct {
	hierarchyBase
	ids map[uuid.UUID]struct{}
}

func (s *EntitySet) Type() HierarchyType { return HierarchySet }
func (s *EntitySet) Len() int            { return len(s.ids) }

func (s *EntitySet) Contains(id uuid.UUID) bool {
	_, ok := s.ids[id]
	return ok
}

// Add inserts id and reports whether it was newly added. Adding a member
// again is a no-op.
func (s *EntitySet) Add(id uuid.UUID) (bool, error) {
	if err := s.requireEntity(id); err != nil {
		return false, err
	}
	if s.Contains(id) {
		return false, nil
	}
	s.ids[id] = struct{}{}
	return true, nil
}

// Remove deletes id and reports whether it was present. Removing an absent
// id is a no-op.
func (s *EntitySet) Remove(id uuid.UUID) bool {
	if !s.Contains(id) {
		return false
	}
	delete(s.ids, id)
	return true
}

// IDs returns the members sorted with CompareIDs.
func (s *EntitySet) IDs() []uuid.UUID {
	out := slices.Collect(maps.Keys(s.ids))
	SortIDs(out)
	return out
}

func (s *EntitySet) Validate() error {
	for id := range s.ids {
		if err := s.requireEntity(id); err != nil {
			return fmt.Errorf("hierarchy %q: %w", s.name, err)
		}
	}
	return nil
}

func (s *EntitySet) detach(id uuid.UUID) { delete(s.ids, id) }

func (s *EntitySet) clone(cat *Catalog) Content {
	return &EntitySet{hierarchyBase: hierarchyBase{cat: cat, name: s.name}, ids: maps.Clone(s.ids)}
}

// EntityDirectory maps string keys to entity ids.
type EntityDirectory struct {
	hierarchyBase
	entries map[string]uuid.UUID
}

func (d *EntityDirectory) Type() HierarchyType { return HierarchyDirectory }
func (d *EntityDirectory) Len() int            { return len(d.entries) }

func (d *EntityDirectory) Contains(id uuid.UUID) bool {
	for _, v := range d.entries {
		if v == id {
			return true
		}
	}
	return false
}

// Put binds key to id, overwriting any previous binding. It returns the
// previous id and whether one existed.
func (d *EntityDirectory) Put(key string, id uuid.UUID) (uuid.UUID, bool, error) {
	if err := validName("directory key", key); err != nil {
		return uuid.Nil, false, err
	}
	if err := d.requireEntity(id); err != nil {
		return uuid.Nil, false, err
	}
	prev, had := d.entries[key]
	d.entries[key] = id
	return prev, had, nil
}

// Get returns the id bound to key, or a NotFoundError.
func (d *EntityDirectory) Get(key string) (uuid.UUID, error) {
	id, ok := d.entries[key]
	if !ok {
		return uuid.Nil, &NotFoundError{Kind: "key", Key: key}
	}
	return id, nil
}

// HasKey reports whether key is bound.
func (d *EntityDirectory) HasKey(key string) bool {
	_, ok := d.entries[key]
	return ok
}

// Remove unbinds key and reports whether it was bound.
func (d *EntityDirectory) Remove(key string) bool {
	if _, ok := d.entries[key]; !ok {
		return false
	}
	delete(d.entries, key)
	return true
}

// Keys returns the bound keys in byte order.
func (d *EntityDirectory) Keys() []string {
	out := slices.Collect(maps.Keys(d.entries))
	slices.Sort(out)
	return out
}

func (d *EntityDirectory) Validate() error {
	for k, id := range d.entries {
		if err := validName("directory key", k); err != nil {
			return fmt.Errorf("hierarchy %q: %w", d.name, err)
		}
		if err := d.requireEntity(id); err != nil {
			return fmt.Errorf("hierarchy %q: %w", d.name, err)
		}
	}
	return nil
}

func (d *EntityDirectory) detach(id uuid.UUID) {
	maps.DeleteFunc(d.entries, func(_ string, v uuid.UUID) bool { return v == id })
}

func (d *EntityDirectory) clone(cat *Catalog) Content {
	return &EntityDirectory{hierarchyBase: hierarchyBase{cat: cat, name: d.name}, entries: maps.Clone(d.entries)}
}

// AspectMap records, per entity, which of its aspects is the one of interest
// for this hierarchy.
type AspectMap struct {
	hierarchyBase
	entries map[uuid.UUID]string
}

func (m *AspectMap) Type() HierarchyType { return HierarchyAspectMap }
func (m *AspectMap) Len() int            { return len(m.entries) }

func (m *AspectMap) Contains(id uuid.UUID) bool {
	_, ok := m.entries[id]
	return ok
}

// Put maps id to aspectName. The entity must already carry that aspect.
func (m *AspectMap) Put(id uuid.UUID, aspectName string) error {
	e, err := m.cat.Entity(id)
	if err != nil {
		return err
	}
	if !e.HasAspect(aspectName) {
		return &NotFoundError{Kind: "aspect", Key: id.String() + "/" + aspectName}
	}
	m.entries[id] = aspectName
	return nil
}

// Get returns the aspect name mapped for id.
func (m *AspectMap) Get(id uuid.UUID) (string, error) {
	name, ok := m.entries[id]
	if !ok {
		return "", &NotFoundError{Kind: "entity", Key: id.String()}
	}
	return name, nil
}

// Remove drops the mapping for id and reports whether one existed.
func (m *AspectMap) Remove(id uuid.UUID) bool {
	if !m.Contains(id) {
		return false
	}
	delete(m.entries, id)
	return true
}

// Keys returns the mapped entity ids sorted with CompareIDs.
func (m *AspectMap) Keys() []uuid.UUID {
	out := slices.Collect(maps.Keys(m.entries))
	SortIDs(out)
	return out
}

// references reports whether the map points at aspect name of entity id.
func (m *AspectMap) references(id uuid.UUID, name string) bool {
	n, ok := m.entries[id]
	return ok && n == name
}

func (m *AspectMap) Validate() error {
	for id, name := range m.entries {
		e, err := m.cat.Entity(id)
		if err != nil {
			return fmt.Errorf("hierarchy %q: %w", m.name, err)
		}
		if !e.HasAspect(name) {
			return fmt.Errorf("hierarchy %q: %w", m.name, &NotFoundError{Kind: "aspect", Key: id.String() + "/" + name})
		}
	}
	return nil
}

func (m *AspectMap) detach(id uuid.UUID) { delete(m.entries, id) }

func (m *AspectMap) clone(cat *Catalog) Content {
	return &AspectMap{hierarchyBase: hierarchyBase{cat: cat, name: m.name}, entries: maps.Clone(m.entries)}
}

var (
	_ Content = (*EntityList)(nil)
	_ Content = (*EntitySet)(nil)
	_ Content = (*EntityDirectory)(nil)
	_ Content = (*EntityTree)(nil)
	_ Content = (*AspectMap)(nil)
)
