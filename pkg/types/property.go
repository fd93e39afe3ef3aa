package types

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PropertyType tags the kind of value a property holds.
type PropertyType string

// Property types. Each has a fixed three-letter storage code.
const (
	TypeInteger    PropertyType = "INTEGER"
	TypeFloat      PropertyType = "FLOAT"
	TypeBoolean    PropertyType = "BOOLEAN"
	TypeString     PropertyType = "STRING"
	TypeText       PropertyType = "TEXT"
	TypeBigInteger PropertyType = "BIG_INTEGER"
	TypeBigDecimal PropertyType = "BIG_DECIMAL"
	TypeDateTime   PropertyType = "DATE_TIME"
	TypeURI        PropertyType = "URI"
	TypeUUID       PropertyType = "UUID"
	TypeCLOB       PropertyType = "CLOB"
	TypeBLOB       PropertyType = "BLOB"
)

// PropertyTypes lists every supported type in declaration order.
var PropertyTypes = []PropertyType{
	TypeInteger, TypeFloat, TypeBoolean, TypeString, TypeText, TypeBigInteger,
	TypeBigDecimal, TypeDateTime, TypeURI, TypeUUID, TypeCLOB, TypeBLOB,
}

var propertyTypeCodes = map[PropertyType]string{
	TypeInteger:    "INT",
	TypeFloat:      "FLT",
	TypeBoolean:    "BLN",
	TypeString:     "STR",
	TypeText:       "TXT",
	TypeBigInteger: "BGI",
	TypeBigDecimal: "BGF",
	TypeDateTime:   "DAT",
	TypeURI:        "URI",
	TypeUUID:       "UID",
	TypeCLOB:       "CLB",
	TypeBLOB:       "BLB",
}

// TimeLayout is the single ISO-8601 profile used wherever a DATE_TIME is
// rendered as text: UTC, microsecond precision, literal Z.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Range of DATE_TIME years every backend can store.
const (
	MinYear = 1000
	MaxYear = 9999
)

// Valid reports whether t is one of the supported property types.
func (t PropertyType) Valid() bool {
	_, ok := propertyTypeCodes[t]
	return ok
}

// Code returns the three-letter storage code, or "" for an unknown type.
func (t PropertyType) Code() string {
	return propertyTypeCodes[t]
}

func (t PropertyType) String() string { return string(t) }

// PropertyTypeFromCode maps a storage code back to its type.
func PropertyTypeFromCode(code string) (PropertyType, error) {
	for t, c := range propertyTypeCodes {
		if c == code {
			return t, nil
		}
	}
	return "", &UnsupportedTypeError{Type: PropertyType(code)}
}

// ParsePropertyType accepts either the type name ("INTEGER") or its storage
// code ("INT").
func ParsePropertyType(s string) (PropertyType, error) {
	if t := PropertyType(s); t.Valid() {
		return t, nil
	}
	return PropertyTypeFromCode(s)
}

// Value is a typed property value. The zero Value has no type and fails
// Validate with UnsupportedTypeError. Values are immutable; constructors copy
// mutable inputs.
type Value struct {
	typ  PropertyType
	null bool
	i    int64
	f    float64
	b    bool
	s    string
	bi   *big.Int
	dec  decimal.Decimal
	t    time.Time
	u    uuid.UUID
	blob []byte
}

// Int returns an INTEGER value.
func Int(v int64) Value { return Value{typ: TypeInteger, i: v} }

// Bool returns a BOOLEAN value.
func Bool(v bool) Value { return Value{typ: TypeBoolean, b: v} }

// String returns a STRING value.
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Text returns a TEXT value.
func Text(v string) Value { return Value{typ: TypeText, s: v} }

// URI returns a URI value. It is parsed by Validate, not here.
func URI(v string) Value { return Value{typ: TypeURI, s: v} }

// CLOB returns a CLOB value.
func CLOB(v string) Value { return Value{typ: TypeCLOB, s: v} }

// UUID returns a UUID value.
func UUID(v uuid.UUID) Value { return Value{typ: TypeUUID, u: v} }

// Null returns the null value of type t.
func Null(t PropertyType) Value { return Value{typ: t, null: true} }

// Float stores negative zero as zero so that every backend round-trips it.
func Float(v float64) Value {
	if v == 0 {
		v = 0
	}
	return Value{typ: TypeFloat, f: v}
}

// BigInt copies v. A nil v yields a null BIG_INTEGER.
func BigInt(v *big.Int) Value {
	if v == nil {
		return Null(TypeBigInteger)
	}
	return Value{typ: TypeBigInteger, bi: new(big.Int).Set(v)}
}

// BigDecimal returns a BIG_DECIMAL value.
func BigDecimal(v decimal.Decimal) Value { return Value{typ: TypeBigDecimal, dec: v} }

// DateTime normalises v to UTC and truncates it to microseconds, the finest
// precision every backend keeps.
func DateTime(v time.Time) Value {
	return Value{typ: TypeDateTime, t: v.UTC().Truncate(time.Microsecond)}
}

// Blob copies v. A nil v is stored as an empty, non-null blob.
func Blob(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{typ: TypeBLOB, blob: cp}
}

// ParseValue decodes the canonical text form produced by Value.String.
func ParseValue(t PropertyType, s string) (Value, error) {
	switch t {
	case TypeInteger:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, invalidf(string(t), "parse %q: %v", s, err)
		}
		return Int(v), nil
	case TypeFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, invalidf(string(t), "parse %q: %v", s, err)
		}
		return Float(v), nil
	case TypeBoolean:
		switch s {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return Value{}, invalidf(string(t), "parse %q: want true or false", s)
	case TypeString:
		return String(s), nil
	case TypeText:
		return Text(s), nil
	case TypeURI:
		return URI(s), nil
	case TypeCLOB:
		return CLOB(s), nil
	case TypeBigInteger:
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return Value{}, invalidf(string(t), "parse %q", s)
		}
		return Value{typ: t, bi: v}, nil
	case TypeBigDecimal:
		v, err := decimal.NewFromString(s)
		if err != nil {
			return Value{}, invalidf(string(t), "parse %q: %v", s, err)
		}
		return BigDecimal(v), nil
	case TypeDateTime:
		v, err := ParseTime(s)
		if err != nil {
			return Value{}, invalidf(string(t), "%v", err)
		}
		return DateTime(v), nil
	case TypeUUID:
		v, err := uuid.Parse(s)
		if err != nil {
			return Value{}, invalidf(string(t), "parse %q: %v", s, err)
		}
		return UUID(v), nil
	case TypeBLOB:
		return Value{}, invalidf(string(t), "blobs have no text form")
	default:
		return Value{}, &UnsupportedTypeError{Type: t}
	}
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if v, err := time.Parse(TimeLayout, s); err == nil {
		return v, nil
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return v.UTC(), nil
}

func (v Value) Type() PropertyType { return v.typ }
func (v Value) IsNull() bool       { return v.null }

func (v Value) Int() int64               { return v.i }
func (v Value) Float() float64           { return v.f }
func (v Value) Bool() bool               { return v.b }
func (v Value) Str() string              { return v.s }
func (v Value) Decimal() decimal.Decimal { return v.dec }
func (v Value) Time() time.Time          { return v.t }
func (v Value) UUID() uuid.UUID          { return v.u }

// BigInt returns a copy of the BIG_INTEGER payload, or nil.
func (v Value) BigInt() *big.Int {
	if v.bi == nil {
		return nil
	}
	return new(big.Int).Set(v.bi)
}

// Bytes returns a copy of the BLOB payload.
func (v Value) Bytes() []byte {
	if v.typ != TypeBLOB || v.null {
		return nil
	}
	cp := make([]byte, len(v.blob))
	copy(cp, v.blob)
	return cp
}

// Interface returns the payload as a plain Go value, or nil when null.
func (v Value) Interface() any {
	if v.null {
		return nil
	}
	switch v.typ {
	case TypeInteger:
		return v.i
	case TypeFloat:
		return v.f
	case TypeBoolean:
		return v.b
	case TypeString, TypeText, TypeURI, TypeCLOB:
		return v.s
	case TypeBigInteger:
		return v.BigInt()
	case TypeBigDecimal:
		return v.dec
	case TypeDateTime:
		return v.t
	case TypeUUID:
		return v.u
	case TypeBLOB:
		return v.Bytes()
	default:
		return nil
	}
}

// String renders the canonical text form. BLOB has none and renders as a
// length summary.
func (v Value) String() string {
	if v.null {
		return "null"
	}
	switch v.typ {
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeBoolean:
		if v.b {
			return "true"
		}
		return "false"
	case TypeString, TypeText, TypeURI, TypeCLOB:
		return v.s
	case TypeBigInteger:
		if v.bi == nil {
			return "0"
		}
		return v.bi.String()
	case TypeBigDecimal:
		return v.dec.String()
	case TypeDateTime:
		return v.t.Format(TimeLayout)
	case TypeUUID:
		return v.u.String()
	case TypeBLOB:
		return fmt.Sprintf("<%d bytes>", len(v.blob))
	default:
		return fmt.Sprintf("<%s>", string(v.typ))
	}
}

// Equal reports whether v and o have the same type and payload. BIG_DECIMAL
// compares numerically, so 1.50 equals 1.5.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	switch v.typ {
	case TypeInteger:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	case TypeBoolean:
		return v.b == o.b
	case TypeString, TypeText, TypeURI, TypeCLOB:
		return v.s == o.s
	case TypeBigInteger:
		if v.bi == nil || o.bi == nil {
			return v.bi == o.bi
		}
		return v.bi.Cmp(o.bi) == 0
	case TypeBigDecimal:
		return v.dec.Equal(o.dec)
	case TypeDateTime:
		return v.t.Equal(o.t)
	case TypeUUID:
		return v.u == o.u
	case TypeBLOB:
		return bytes.Equal(v.blob, o.blob)
	default:
		return false
	}
}

// Validate checks that the payload is storable identically on every backend.
func (v Value) Validate() error {
	if !v.typ.Valid() {
		return &UnsupportedTypeError{Type: v.typ}
	}
	if v.null {
		return nil
	}
	switch v.typ {
	case TypeFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return invalidf(string(v.typ), "NaN and infinities are not storable")
		}
	case TypeString, TypeText, TypeCLOB:
		if err := validText(string(v.typ), v.s); err != nil {
			return err
		}
	case TypeURI:
		if v.s == "" {
			return invalidf(string(v.typ), "empty URI")
		}
		if err := validText(string(v.typ), v.s); err != nil {
			return err
		}
		if _, err := url.Parse(v.s); err != nil {
			return invalidf(string(v.typ), "%v", err)
		}
	case TypeBigInteger:
		if v.bi == nil {
			return invalidf(string(v.typ), "missing value")
		}
	case TypeDateTime:
		if y := v.t.Year(); y < MinYear || y > MaxYear {
			return invalidf(string(v.typ), "year %d outside %d..%d", y, MinYear, MaxYear)
		}
	}
	return nil
}

// PropertyDef is a named, typed field of an AspectDef. Required properties
// reject null values. ReadOnly properties can be set once and are fixed
// after that. Default, when it has a type, is what Aspect.Get returns for an
// unset property; the zero Value means no default.
type PropertyDef struct {
	Name     string
	Type     PropertyType
	Required bool
	ReadOnly bool
	Default  Value
}

// HasDefault reports whether d declares a default value.
func (d PropertyDef) HasDefault() bool { return d.Default.Type() != "" }

// Equal compares every field. Defaults compare with Value.Equal.
func (d PropertyDef) Equal(o PropertyDef) bool {
	if d.Name != o.Name || d.Type != o.Type || d.Required != o.Required || d.ReadOnly != o.ReadOnly {
		return false
	}
	if d.HasDefault() != o.HasDefault() {
		return false
	}
	return !d.HasDefault() || d.Default.Equal(o.Default)
}

// Validate checks the def itself. A default must be a non-null value of the
// property's type; BLOB properties have no text form and take no default.
func (d PropertyDef) Validate() error {
	if err := validName("property", d.Name); err != nil {
		return err
	}
	if !d.Type.Valid() {
		return &UnsupportedTypeError{Type: d.Type}
	}
	if !d.HasDefault() {
		return nil
	}
	if d.Type == TypeBLOB {
		return invalidf(d.Name, "BLOB properties cannot declare a default")
	}
	if d.Default.IsNull() {
		return invalidf(d.Name, "default must not be null")
	}
	if err := d.Check(d.Default); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	return nil
}

// Check reports whether v may be stored under d.
func (d PropertyDef) Check(v Value) error {
	if v.Type() != d.Type {
		if !v.Type().Valid() {
			return &UnsupportedTypeError{Type: v.Type()}
		}
		return invalidf(d.Name, "got %s, want %s", v.Type(), d.Type)
	}
	if v.IsNull() && d.Required {
		return invalidf(d.Name, "required property is null")
	}
	if err := v.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return invalidf(d.Name, "%s", ve.Reason)
		}
		return err
	}
	return nil
}

// Property is a named value read from an Aspect.
type Property struct {
	Name  string
	Value Value
}

// MaxNameLength bounds names and directory keys.
const MaxNameLength = 255

// validName accepts non-empty text of at most MaxNameLength characters
// without a trailing space. Names are key columns, and MySQL's PAD SPACE
// collations compare "a" and "a " as equal.
func validName(kind, name string) error {
	if name == "" {
		return invalidf(kind, "name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return invalidf(kind, "name longer than %d characters", MaxNameLength)
	}
	if err := validText(kind, name); err != nil {
		return err
	}
	if strings.HasSuffix(name, " ") {
		return invalidf(kind, "name must not end with a space")
	}
	return nil
}

// validText accepts valid UTF-8 without NUL characters, which PostgreSQL
// text columns cannot hold.
func validText(kind, s string) error {
	if !utf8.ValidString(s) {
		return invalidf(kind, "not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return invalidf(kind, "contains a NUL character")
	}
	return nil
}
