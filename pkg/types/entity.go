package types

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Entity is an addressable record. ID is its primary identity; LocalID is
// assigned by a storage backend on first save and stays stable afterwards.
// Aspects are attached through the owning Catalog so they always conform to
// its CatalogDef.
type Entity struct {
	ID      uuid.UUID
	LocalID *int64
	aspects map[string]*Aspect
}

func newEntity(id uuid.UUID) *Entity {
	return &Entity{ID: id, aspects: make(map[string]*Aspect)}
}

// Aspect returns the attached aspect called name.
func (e *Entity) Aspect(name string) (*Aspect, bool) {
	a, ok := e.aspects[name]
	return a, ok
}

func (e *Entity) HasAspect(name string) bool {
	_, ok := e.aspects[name]
	return ok
}

// Aspects returns the attached aspects sorted by name.
func (e *Entity) Aspects() []*Aspect {
	out := make([]*Aspect, 0, len(e.aspects))
	for _, a := range e.aspects {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *Aspect) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

// AspectNames returns the attached aspect names, sorted.
func (e *Entity) AspectNames() []string {
	out := make([]string, 0, len(e.aspects))
	for name := range e.aspects {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// CompareIDs orders ids by their canonical string form, which matches byte
// order. Every sorted id listing in the module uses it.
func CompareIDs(a, b uuid.UUID) int {
	return strings.Compare(a.String(), b.String())
}

// SortIDs sorts ids in place with CompareIDs.
func SortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, CompareIDs)
}

// NewID returns a time-ordered (v7) identifier, falling back to v4.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
