// Package digest computes deterministic SHA-256 content digests for the
// CHEAP model. Two semantically equal objects always produce the same digest
// regardless of map iteration order, insertion order, storage backend or
// process.
//
// Encoding rules: every digest starts with a domain tag naming the object
// kind; variable-length fields are prefixed with their length as an 8-byte
// little-endian integer; fixed-width numerics are little-endian; unordered
// collections are sorted (names by byte order, ids with types.CompareIDs)
// before hashing. A catalog's entity digests are ordered by entity id, not
// by digest value.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

// Size is the length of a digest in bytes.
const Size = sha256.Size

// Digest is a SHA-256 content digest.
type Digest [Size]byte

// String returns the lowercase hex form.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// Parse decodes the hex form produced by String.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parse digest: %w", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("parse digest: got %d bytes, want %d", len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}

// Domain tags keep digests of different kinds from colliding.
const (
	tagProperty     = "cheap/property/v1"
	tagAspect       = "cheap/aspect/v1"
	tagEntity       = "cheap/entity/v1"
	tagHierarchy    = "cheap/hierarchy/v1"
	tagAspectDef    = "cheap/aspect-def/v1"
	tagHierarchyDef = "cheap/hierarchy-def/v1"
	tagCatalogDef   = "cheap/catalog-def/v1"
	tagCatalog      = "cheap/catalog/v1"
	tagContent      = "cheap/content/v1"
)

type writer struct {
	h   hash.Hash
	buf [8]byte
}

func newWriter(tag string) *writer {
	w := &writer{h: sha256.New()}
	w.str(tag)
	return w
}

func (w *writer) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	w.h.Write(w.buf[:])
}

func (w *writer) byte1(b byte) { w.h.Write([]byte{b}) }

func (w *writer) flag(b bool) {
	if b {
		w.byte1(1)
	} else {
		w.byte1(0)
	}
}

func (w *writer) bytes(b []byte) {
	w.u64(uint64(len(b)))
	w.h.Write(b)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

func (w *writer) id(id uuid.UUID) { w.h.Write(id[:]) }

func (w *writer) digest(d Digest) { w.h.Write(d[:]) }

func (w *writer) sum() Digest {
	var d Digest
	w.h.Sum(d[:0])
	return d
}

// Property digests (name, type code, null marker, canonical value). It fails
// with UnsupportedTypeError for a value outside the known property types.
func Property(name string, v types.Value) (Digest, error) {
	if !v.Type().Valid() {
		return Digest{}, &types.UnsupportedTypeError{Type: v.Type()}
	}
	w := newWriter(tagProperty)
	w.str(name)
	w.str(v.Type().Code())
	if v.IsNull() {
		w.byte1(0)
		return w.sum(), nil
	}
	w.byte1(1)
	switch v.Type() {
	case types.TypeInteger:
		w.u64(uint64(v.Int()))
	case types.TypeFloat:
		w.u64(math.Float64bits(v.Float()))
	case types.TypeBoolean:
		w.flag(v.Bool())
	case types.TypeString, types.TypeText, types.TypeURI, types.TypeCLOB:
		w.str(v.Str())
	case types.TypeBigInteger, types.TypeBigDecimal, types.TypeDateTime:
		// String is the canonical text form: base-10 digits, the shortest
		// decimal without trailing zeros, or types.TimeLayout.
		w.str(v.String())
	case types.TypeUUID:
		w.id(v.UUID())
	case types.TypeBLOB:
		w.bytes(v.Bytes())
	}
	return w.sum(), nil
}

// Aspect digests the aspect name and its property digests sorted by name.
func Aspect(a *types.Aspect) (Digest, error) {
	props := a.Properties()
	slices.SortFunc(props, func(x, y types.Property) int { return strings.Compare(x.Name, y.Name) })

	w := newWriter(tagAspect)
	w.str(a.Name())
	w.u64(uint64(len(props)))
	for _, p := range props {
		d, err := Property(p.Name, p.Value)
		if err != nil {
			return Digest{}, fmt.Errorf("aspect %q: %w", a.Name(), err)
		}
		w.digest(d)
	}
	return w.sum(), nil
}

// Entity digests the global id and the aspect digests sorted by name. The
// backend-scoped local id is not part of the content.
func Entity(e *types.Entity) (Digest, error) {
	aspects := e.Aspects()
	w := newWriter(tagEntity)
	w.id(e.ID)
	w.u64(uint64(len(aspects)))
	for _, a := range aspects {
		d, err := Aspect(a)
		if err != nil {
			return Digest{}, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		w.digest(d)
	}
	return w.sum(), nil
}

// Hierarchy digests name, type code and content: LIST in stored order, SET
// sorted, DIRECTORY by key, TREE in pre-order with child counts, ASPECT_MAP
// sorted by entity id.
func Hierarchy(h *types.Hierarchy) (Digest, error) {
	w := newWriter(tagHierarchy)
	w.str(h.Name())
	w.str(h.Type().Code())
	w.u64(uint64(h.Content.Len()))

	switch c := h.Content.(type) {
	case *types.EntityList:
		for _, id := range c.IDs() {
			w.id(id)
		}
	case *types.EntitySet:
		for _, id := range c.IDs() {
			w.id(id)
		}
	case *types.EntityDirectory:
		for _, k := range c.Keys() {
			id, _ := c.Get(k)
			w.str(k)
			w.id(id)
		}
	case *types.EntityTree:
		err := c.Walk(func(id uuid.UUID, _ int) error {
			kids, err := c.Children(id)
			if err != nil {
				return err
			}
			w.id(id)
			w.u64(uint64(len(kids)))
			return nil
		})
		if err != nil {
			return Digest{}, fmt.Errorf("hierarchy %q: %w", h.Name(), err)
		}
	case *types.AspectMap:
		for _, id := range c.Keys() {
			name, _ := c.Get(id)
			w.id(id)
			w.str(name)
		}
	default:
		return Digest{}, fmt.Errorf("hierarchy %q: unknown content %T", h.Name(), h.Content)
	}
	return w.sum(), nil
}

// AspectDef digests name, version, the read-only flag and the ordered
// property defs. A property def contributes its name, type code, flags and,
// when it has one, the Property digest of its default.
func AspectDef(d *types.AspectDef) Digest {
	w := newWriter(tagAspectDef)
	w.str(d.Name)
	w.u64(uint64(d.Version))
	w.flag(d.ReadOnly)
	w.u64(uint64(len(d.Properties)))
	for _, p := range d.Properties {
		w.str(p.Name)
		w.str(p.Type.Code())
		w.flag(p.Required)
		w.flag(p.ReadOnly)
		w.flag(p.HasDefault())
		if p.HasDefault() {
			// A default that fails to digest also fails PropertyDef.Validate,
			// so defs inside a CatalogDef always digest.
			dd, _ := Property(p.Name, p.Default)
			w.digest(dd)
		}
	}
	return w.sum()
}

func HierarchyDef(d types.HierarchyDef) Digest {
	w := newWriter(tagHierarchyDef)
	w.str(d.Name)
	w.str(d.Type.Code())
	return w.sum()
}

// CatalogDef digests the aspect defs and hierarchy defs, each sorted by name.
func CatalogDef(d *types.CatalogDef) Digest {
	w := newWriter(tagCatalogDef)
	ads := d.AspectDefs()
	w.u64(uint64(len(ads)))
	for _, ad := range ads {
		w.digest(AspectDef(ad))
	}
	hds := d.HierarchyDefs()
	w.u64(uint64(len(hds)))
	for _, hd := range hds {
		w.digest(HierarchyDef(hd))
	}
	return w.sum()
}

// Catalog digests species, version, the CatalogDef digest, entity digests
// sorted by entity id and hierarchy digests sorted by name. The catalog id,
// Upstream and Revision are identity and bookkeeping, not content.
func Catalog(c *types.Catalog) (Digest, error) {
	w := newWriter(tagCatalog)
	w.str(string(c.Species))
	w.str(c.Version)
	if err := writeContent(w, c); err != nil {
		return Digest{}, err
	}
	return w.sum(), nil
}

// Content is Catalog without species and version. A replica and its
// upstream have equal Content digests when they hold the same data.
func Content(c *types.Catalog) (Digest, error) {
	w := newWriter(tagContent)
	if err := writeContent(w, c); err != nil {
		return Digest{}, err
	}
	return w.sum(), nil
}

func writeContent(w *writer, c *types.Catalog) error {
	w.digest(CatalogDef(c.Def()))

	entities := c.Entities()
	w.u64(uint64(len(entities)))
	for _, e := range entities {
		d, err := Entity(e)
		if err != nil {
			return err
		}
		w.digest(d)
	}

	hs := c.Hierarchies()
	w.u64(uint64(len(hs)))
	for _, h := range hs {
		d, err := Hierarchy(h)
		if err != nil {
			return err
		}
		w.digest(d)
	}
	return nil
}

// MustCatalog is Catalog for catalogs already known to be valid.
func MustCatalog(c *types.Catalog) Digest {
	d, err := Catalog(c)
	if err != nil {
		panic(err)
	}
	return d
}
