// Package codec converts catalogs and aspect definitions to and from JSON.
// Decoding what Encode produced yields a catalog with the same content digest.
//
// Value encoding by property type: INTEGER, FLOAT and BOOLEAN are JSON
// scalars; the string kinds are JSON strings; BIG_INTEGER and BIG_DECIMAL are
// decimal strings; DATE_TIME uses types.TimeLayout; UUID is the hyphenated
// string; BLOB is standard base64. Null is JSON null.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

type propertyDefJSON struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Required bool            `json:"required,omitempty"`
	ReadOnly bool            `json:"read_only,omitempty"`
	Default  json.RawMessage `json:"default,omitempty"`
}

type aspectDefJSON struct {
	Name       string            `json:"name"`
	Version    int               `json:"version"`
	ReadOnly   bool              `json:"read_only,omitempty"`
	Properties []propertyDefJSON `json:"properties"`
}

type hierarchyDefJSON struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

type entityJSON struct {
	ID      string                          `json:"id"`
	LocalID *int64                          `json:"local_id,omitempty"`
	Aspects map[string]map[string]valueJSON `json:"aspects,omitempty"`
}

type treeNodeJSON struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

type aspectRefJSON struct {
	Entity string `json:"entity"`
	Aspect string `json:"aspect"`
}

// hierarchyJSON carries exactly one content field, chosen by Type.
type hierarchyJSON struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	IDs     []string          `json:"ids,omitempty"`
	Entries map[string]string `json:"entries,omitempty"`
	Nodes   []treeNodeJSON    `json:"nodes,omitempty"`
	Aspects []aspectRefJSON   `json:"aspects,omitempty"`
}

type catalogJSON struct {
	ID            string             `json:"id"`
	Species       string             `json:"species"`
	Version       string             `json:"version"`
	Upstream      string             `json:"upstream,omitempty"`
	Revision      int64              `json:"revision"`
	AspectDefs    []aspectDefJSON    `json:"aspect_defs"`
	HierarchyDefs []hierarchyDefJSON `json:"hierarchy_defs"`
	Entities      []entityJSON       `json:"entities"`
	Hierarchies   []hierarchyJSON    `json:"hierarchies"`
}

// MarshalCatalog encodes c as indented JSON. Collections are emitted in
// sorted order so equal catalogs encode to equal bytes.
func MarshalCatalog(c *types.Catalog) ([]byte, error) {
	doc, err := catalogToJSON(c)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

// EncodeCatalog writes the MarshalCatalog form of c to w.
func EncodeCatalog(w io.Writer, c *types.Catalog) error {
	data, err := MarshalCatalog(c)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// UnmarshalCatalog decodes and validates a catalog.
func UnmarshalCatalog(data []byte) (*types.Catalog, error) {
	var doc catalogJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return catalogFromJSON(doc)
}

// DecodeCatalog reads one catalog document from r.
func DecodeCatalog(r io.Reader) (*types.Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return UnmarshalCatalog(data)
}

// MarshalAspectDef encodes a single aspect definition.
func MarshalAspectDef(d *types.AspectDef) ([]byte, error) {
	doc, err := aspectDefToJSON(d)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(doc, "", "  ")
}

// UnmarshalAspectDef decodes and validates an aspect definition. A missing
// version defaults to 1.
func UnmarshalAspectDef(data []byte) (*types.AspectDef, error) {
	var doc aspectDefJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding aspect def: %w", err)
	}
	return aspectDefFromJSON(doc)
}

func aspectDefToJSON(d *types.AspectDef) (aspectDefJSON, error) {
	out := aspectDefJSON{
		Name:       d.Name,
		Version:    d.Version,
		ReadOnly:   d.ReadOnly,
		Properties: make([]propertyDefJSON, 0, len(d.Properties)),
	}
	for _, p := range d.Properties {
		pj := propertyDefJSON{Name: p.Name, Type: string(p.Type), Required: p.Required, ReadOnly: p.ReadOnly}
		if p.HasDefault() {
			raw, err := MarshalValue(p.Default)
			if err != nil {
				return aspectDefJSON{}, fmt.Errorf("aspect def %q property %q default: %w", d.Name, p.Name, err)
			}
			pj.Default = raw
		}
		out.Properties = append(out.Properties, pj)
	}
	return out, nil
}

func aspectDefFromJSON(doc aspectDefJSON) (*types.AspectDef, error) {
	d := &types.AspectDef{Name: doc.Name, Version: doc.Version, ReadOnly: doc.ReadOnly}
	if d.Version == 0 {
		d.Version = 1
	}
	for _, p := range doc.Properties {
		t, err := types.ParsePropertyType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("aspect def %q: %w", doc.Name, err)
		}
		pd := types.PropertyDef{Name: p.Name, Type: t, Required: p.Required, ReadOnly: p.ReadOnly}
		if len(p.Default) > 0 {
			if pd.Default, err = UnmarshalValue(t, p.Default); err != nil {
				return nil, fmt.Errorf("aspect def %q property %q default: %w", doc.Name, p.Name, err)
			}
		}
		d.Properties = append(d.Properties, pd)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func catalogToJSON(c *types.Catalog) (catalogJSON, error) {
	doc := catalogJSON{
		ID:            c.ID.String(),
		Species:       string(c.Species),
		Version:       c.Version,
		Revision:      c.Revision,
		AspectDefs:    []aspectDefJSON{},
		HierarchyDefs: []hierarchyDefJSON{},
		Entities:      []entityJSON{},
		Hierarchies:   []hierarchyJSON{},
	}
	if c.Upstream != nil {
		doc.Upstream = c.Upstream.String()
	}
	for _, ad := range c.Def().AspectDefs() {
		adj, err := aspectDefToJSON(ad)
		if err != nil {
			return catalogJSON{}, err
		}
		doc.AspectDefs = append(doc.AspectDefs, adj)
	}
	for _, hd := range c.Def().HierarchyDefs() {
		doc.HierarchyDefs = append(doc.HierarchyDefs, hierarchyDefJSON{Name: hd.Name, Type: string(hd.Type)})
	}

	for _, e := range c.Entities() {
		ej := entityJSON{ID: e.ID.String(), LocalID: e.LocalID}
		for _, a := range e.Aspects() {
			if ej.Aspects == nil {
				ej.Aspects = map[string]map[string]valueJSON{}
			}
			props := map[string]valueJSON{}
			for _, p := range a.Properties() {
				raw, err := MarshalValue(p.Value)
				if err != nil {
					return doc, fmt.Errorf("entity %s aspect %q property %q: %w", e.ID, a.Name(), p.Name, err)
				}
				props[p.Name] = valueJSON{Type: string(p.Value.Type()), Value: raw}
			}
			ej.Aspects[a.Name()] = props
		}
		doc.Entities = append(doc.Entities, ej)
	}

	for _, h := range c.Hierarchies() {
		hj, err := hierarchyToJSON(h)
		if err != nil {
			return doc, err
		}
		doc.Hierarchies = append(doc.Hierarchies, hj)
	}
	return doc, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func hierarchyToJSON(h *types.Hierarchy) (hierarchyJSON, error) {
	hj := hierarchyJSON{Name: h.Name(), Type: string(h.Type())}
	switch c := h.Content.(type) {
	case *types.EntityList:
		hj.IDs = idStrings(c.IDs())
	case *types.EntitySet:
		hj.IDs = idStrings(c.IDs())
	case *types.EntityDirectory:
		if c.Len() > 0 {
			hj.Entries = make(map[string]string, c.Len())
		}
		for _, k := range c.Keys() {
			id, _ := c.Get(k)
			hj.Entries[k] = id.String()
		}
	case *types.EntityTree:
		err := c.Walk(func(id uuid.UUID, _ int) error {
			parent, err := c.Parent(id)
			if err != nil {
				return err
			}
			n := treeNodeJSON{ID: id.String()}
			if parent != uuid.Nil {
				n.Parent = parent.String()
			}
			hj.Nodes = append(hj.Nodes, n)
			return nil
		})
		if err != nil {
			return hj, fmt.Errorf("hierarchy %q: %w", h.Name(), err)
		}
	case *types.AspectMap:
		for _, id := range c.Keys() {
			name, _ := c.Get(id)
			hj.Aspects = append(hj.Aspects, aspectRefJSON{Entity: id.String(), Aspect: name})
		}
	default:
		return hj, fmt.Errorf("hierarchy %q: unknown content %T", h.Name(), h.Content)
	}
	return hj, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &types.ValidationError{Field: field, Reason: fmt.Sprintf("invalid uuid %q", s)}
	}
	return id, nil
}

func catalogFromJSON(doc catalogJSON) (*types.Catalog, error) {
	id, err := parseID("id", doc.ID)
	if err != nil {
		return nil, err
	}
	species, err := types.ParseSpecies(doc.Species)
	if err != nil {
		return nil, err
	}

	var ads []*types.AspectDef
	for _, a := range doc.AspectDefs {
		ad, err := aspectDefFromJSON(a)
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	var hds []types.HierarchyDef
	for _, h := range doc.HierarchyDefs {
		ht, err := types.ParseHierarchyType(h.Type)
		if err != nil {
			return nil, err
		}
		hds = append(hds, types.HierarchyDef{Name: h.Name, Type: ht})
	}
	def, err := types.NewCatalogDef(ads, hds)
	if err != nil {
		return nil, err
	}

	c, err := types.NewCatalogWithID(id, species, doc.Version, def)
	if err != nil {
		return nil, err
	}
	c.Revision = doc.Revision
	if doc.Upstream != "" {
		up, err := parseID("upstream", doc.Upstream)
		if err != nil {
			return nil, err
		}
		c.Upstream = &up
	}

	for _, ej := range doc.Entities {
		eid, err := parseID("entity", ej.ID)
		if err != nil {
			return nil, err
		}
		e, err := c.AddEntity(eid)
		if err != nil {
			return nil, err
		}
		e.LocalID = ej.LocalID
		for name, props := range ej.Aspects {
			a, err := c.AttachAspect(eid, name)
			if err != nil {
				return nil, err
			}
			for pname, vj := range props {
				t, err := types.ParsePropertyType(vj.Type)
				if err != nil {
					return nil, err
				}
				v, err := UnmarshalValue(t, vj.Value)
				if err != nil {
					return nil, fmt.Errorf("entity %s aspect %q property %q: %w", eid, name, pname, err)
				}
				if err := a.Set(pname, v); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, hj := range doc.Hierarchies {
		if err := hierarchyFromJSON(c, hj); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func hierarchyFromJSON(c *types.Catalog, hj hierarchyJSON) error {
	h, err := c.Hierarchy(hj.Name)
	if err != nil {
		return err
	}
	if string(h.Type()) != hj.Type {
		return &types.ValidationError{Field: hj.Name, Reason: fmt.Sprintf("declared as %s, encoded as %s", h.Type(), hj.Type)}
	}
	switch content := h.Content.(type) {
	case *types.EntityList:
		for _, s := range hj.IDs {
			id, err := parseID(hj.Name, s)
			if err != nil {
				return err
			}
			if err := content.Append(id); err != nil {
				return err
			}
		}
	case *types.EntitySet:
		for _, s := range hj.IDs {
			id, err := parseID(hj.Name, s)
			if err != nil {
				return err
			}
			if _, err := content.Add(id); err != nil {
				return err
			}
		}
	case *types.EntityDirectory:
		for k, s := range hj.Entries {
			id, err := parseID(hj.Name, s)
			if err != nil {
				return err
			}
			if _, _, err := content.Put(k, id); err != nil {
				return err
			}
		}
	case *types.EntityTree:
		// Nodes are in pre-order, so each parent precedes its children and
		// sibling order is preserved by appending.
		for _, n := range hj.Nodes {
			id, err := parseID(hj.Name, n.ID)
			if err != nil {
				return err
			}
			if n.Parent == "" {
				if err := content.SetRoot(id); err != nil {
					return err
				}
				continue
			}
			parent, err := parseID(hj.Name, n.Parent)
			if err != nil {
				return err
			}
			if err := content.AddChild(parent, id); err != nil {
				return err
			}
		}
	case *types.AspectMap:
		for _, ref := range hj.Aspects {
			id, err := parseID(hj.Name, ref.Entity)
			if err != nil {
				return err
			}
			if err := content.Put(id, ref.Aspect); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarshalValue encodes the payload of v as a JSON value.
func MarshalValue(v types.Value) (json.RawMessage, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if v.IsNull() {
		return json.RawMessage("null"), nil
	}
	var payload any
	switch v.Type() {
	case types.TypeInteger:
		payload = v.Int()
	case types.TypeFloat:
		payload = v.Float()
	case types.TypeBoolean:
		payload = v.Bool()
	case types.TypeBLOB:
		payload = base64.StdEncoding.EncodeToString(v.Bytes())
	default:
		payload = v.String()
	}
	return json.Marshal(payload)
}

// UnmarshalValue decodes a payload written by MarshalValue for type t.
func UnmarshalValue(t types.PropertyType, raw json.RawMessage) (types.Value, error) {
	if !t.Valid() {
		return types.Value{}, &types.UnsupportedTypeError{Type: t}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return types.Null(t), nil
	}
	switch t {
	case types.TypeInteger, types.TypeFloat:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
		}
		if t == types.TypeInteger {
			i, err := strconv.ParseInt(n.String(), 10, 64)
			if err != nil {
				return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
			}
			return types.Int(i), nil
		}
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
		}
		return types.Float(f), nil
	case types.TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
		}
		return types.Bool(b), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
	}
	if t == types.TypeBLOB {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return types.Value{}, &types.ValidationError{Field: string(t), Reason: err.Error()}
		}
		return types.Blob(b), nil
	}
	return types.ParseValue(t, s)
}
