package types

import (
	"slices"

	"github.com/google/uuid"
)

// AspectDef is the schema of a named aspect: an ordered list of property
// definitions. Definitions only evolve additively (see Extend). A ReadOnly
// def treats every one of its properties as ReadOnly.
type AspectDef struct {
	Name       string
	Version    int
	ReadOnly   bool
	Properties []PropertyDef
}

// NewAspectDef builds a version 1 definition and validates it.
func NewAspectDef(name string, props ...PropertyDef) (*AspectDef, error) {
	d := &AspectDef{Name: name, Version: 1, Properties: slices.Clone(props)}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// MustAspectDef is NewAspectDef for static definitions; it panics on error.
func MustAspectDef(name string, props ...PropertyDef) *AspectDef {
	d, err := NewAspectDef(name, props...)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate checks the name, the version and every property def, and rejects
// duplicate property names.
func (d *AspectDef) Validate() error {
	if err := validName("aspect", d.Name); err != nil {
		return err
	}
	if d.Version < 1 {
		return invalidf(d.Name, "version must be at least 1")
	}
	seen := make(map[string]bool, len(d.Properties))
	for _, p := range d.Properties {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return invalidf(d.Name+"."+p.Name, "duplicate property")
		}
		seen[p.Name] = true
	}
	return nil
}

// Property returns the def for name.
func (d *AspectDef) Property(name string) (PropertyDef, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDef{}, false
}

// Extend returns a copy of d with props appended and Version incremented.
// New properties must be optional and must not reuse an existing name, so
// every aspect valid under d stays valid under the result.
func (d *AspectDef) Extend(props ...PropertyDef) (*AspectDef, error) {
	next := d.Clone()
	next.Version++
	for _, p := range props {
		if _, ok := d.Property(p.Name); ok {
			return nil, invalidf(d.Name+"."+p.Name, "property already defined")
		}
		if p.Required {
			return nil, invalidf(d.Name+"."+p.Name, "added properties must be optional")
		}
		next.Properties = append(next.Properties, p)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Supersedes checks that d is a strictly additive evolution of old: same
// name, a higher version, old's properties as an unchanged prefix, and only
// optional properties after it.
func (d *AspectDef) Supersedes(old *AspectDef) error {
	if d.Name != old.Name {
		return invalidf(d.Name, "cannot replace aspect def %q", old.Name)
	}
	if d.Version <= old.Version {
		return invalidf(d.Name, "version %d does not supersede %d", d.Version, old.Version)
	}
	if d.ReadOnly != old.ReadOnly {
		return invalidf(d.Name, "read-only flag cannot change")
	}
	if len(d.Properties) < len(old.Properties) || !slices.EqualFunc(d.Properties[:len(old.Properties)], old.Properties, PropertyDef.Equal) {
		return invalidf(d.Name, "existing properties cannot change")
	}
	for _, p := range d.Properties[len(old.Properties):] {
		if p.Required {
			return invalidf(d.Name+"."+p.Name, "added properties must be optional")
		}
	}
	return nil
}

// Equal compares name, version, the read-only flag and the ordered
// property list.
func (d *AspectDef) Equal(o *AspectDef) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Name == o.Name && d.Version == o.Version && d.ReadOnly == o.ReadOnly &&
		slices.EqualFunc(d.Properties, o.Properties, PropertyDef.Equal)
}

// Clone returns a copy that shares no slice with d. Values are immutable,
// so defaults are shared.
func (d *AspectDef) Clone() *AspectDef {
	return &AspectDef{Name: d.Name, Version: d.Version, ReadOnly: d.ReadOnly, Properties: slices.Clone(d.Properties)}
}

func (d *AspectDef) readOnly(p PropertyDef) bool { return d.ReadOnly || p.ReadOnly }

// Aspect is one entity's instance of an AspectDef. Properties that were
// never set are absent; a required property must be set to a non-null value
// before the owning catalog validates.
type Aspect struct {
	EntityID uuid.UUID
	def      *AspectDef
	values   map[string]Value
}

func newAspect(def *AspectDef, entityID uuid.UUID) *Aspect {
	return &Aspect{EntityID: entityID, def: def, values: make(map[string]Value)}
}

// Name returns the name of the aspect's def.
func (a *Aspect) Name() string { return a.def.Name }

// Def returns the def the aspect is bound to.
func (a *Aspect) Def() *AspectDef { return a.def }

// Len returns the number of set properties.
func (a *Aspect) Len() int { return len(a.values) }

// Set stores v under name after checking it against the def. A read-only
// property accepts one Set and rejects every later one.
func (a *Aspect) Set(name string, v Value) error {
	pd, ok := a.def.Property(name)
	if !ok {
		return invalidf(a.def.Name+"."+name, "no such property in aspect def")
	}
	if err := pd.Check(v); err != nil {
		return err
	}
	if _, set := a.values[name]; set && a.def.readOnly(pd) {
		return invalidf(a.def.Name+"."+name, "read-only property is already set")
	}
	a.values[name] = v
	return nil
}

// Unset removes name. Required properties and read-only properties that
// hold a value cannot be unset.
func (a *Aspect) Unset(name string) error {
	pd, ok := a.def.Property(name)
	if !ok {
		return &NotFoundError{Kind: "property", Key: a.def.Name + "." + name}
	}
	if pd.Required {
		return invalidf(a.def.Name+"."+name, "required property cannot be unset")
	}
	if _, set := a.values[name]; set && a.def.readOnly(pd) {
		return invalidf(a.def.Name+"."+name, "read-only property cannot be unset")
	}
	delete(a.values, name)
	return nil
}

// Get returns the value stored under name, or the property's default when
// it was never set.
func (a *Aspect) Get(name string) (Value, bool) {
	if v, ok := a.values[name]; ok {
		return v, true
	}
	if pd, ok := a.def.Property(name); ok && pd.HasDefault() {
		return pd.Default, true
	}
	return Value{}, false
}

// Properties returns the set properties in def order. Defaults of unset
// properties are not included.
func (a *Aspect) Properties() []Property {
	out := make([]Property, 0, len(a.values))
	for _, pd := range a.def.Properties {
		if v, ok := a.values[pd.Name]; ok {
			out = append(out, Property{Name: pd.Name, Value: v})
		}
	}
	return out
}

// Validate checks every stored value and that required properties are set
// or have a default.
func (a *Aspect) Validate() error {
	for name, v := range a.values {
		pd, ok := a.def.Property(name)
		if !ok {
			return invalidf(a.def.Name+"."+name, "no such property in aspect def")
		}
		if err := pd.Check(v); err != nil {
			return err
		}
	}
	for _, pd := range a.def.Properties {
		if _, ok := a.values[pd.Name]; pd.Required && !ok && !pd.HasDefault() {
			return invalidf(a.def.Name+"."+pd.Name, "required property is missing")
		}
	}
	return nil
}

// Equal compares name, entity and values.
func (a *Aspect) Equal(o *Aspect) bool {
	if a.EntityID != o.EntityID || a.Name() != o.Name() || len(a.values) != len(o.values) {
		return false
	}
	for k, v := range a.values {
		ov, ok := o.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
