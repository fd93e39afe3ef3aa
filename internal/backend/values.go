package backend

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/cheap/pkg/types"
)

// valueColumns is the property_value column list after the key columns.
const valueColumns = "type, value_null, value_int, value_float, value_bool, value_text, value_numeric, value_time, value_uuid, value_blob"

// encodeValue returns the arguments for valueColumns. Exactly one value_*
// column is non-null for a non-null value; a null value sets only the type
// code and value_null.
func encodeValue(d Dialect, v types.Value) ([]any, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	args := make([]any, 10)
	args[0] = v.Type().Code()
	args[1] = v.IsNull()
	if v.IsNull() {
		return args, nil
	}
	switch v.Type() {
	case types.TypeInteger:
		args[2] = v.Int()
	case types.TypeFloat:
		args[3] = v.Float()
	case types.TypeBoolean:
		args[4] = v.Bool()
	case types.TypeString, types.TypeText, types.TypeURI, types.TypeCLOB:
		args[5] = v.Str()
	case types.TypeBigInteger, types.TypeBigDecimal:
		args[6] = v.String()
	case types.TypeDateTime:
		args[7] = d.EncodeTime(v.Time())
	case types.TypeUUID:
		args[8] = v.UUID().String()
	case types.TypeBLOB:
		args[9] = v.Bytes()
	}
	return args, nil
}

// scannedValue receives one row of valueColumns.
type scannedValue struct {
	code    string
	null    bool
	i       sql.NullInt64
	f       sql.NullFloat64
	b       sql.NullBool
	text    sql.NullString
	numeric sql.NullString
	time    any
	uuid    sql.NullString
	blob    []byte
}

func (s *scannedValue) dest() []any {
	return []any{&s.code, &s.null, &s.i, &s.f, &s.b, &s.text, &s.numeric, &s.time, &s.uuid, &s.blob}
}

// decode rebuilds the typed value. A populated row whose column for its type
// is NULL is corrupt and reported as such.
func (s *scannedValue) decode() (types.Value, error) {
	t, err := types.PropertyTypeFromCode(s.code)
	if err != nil {
		return types.Value{}, err
	}
	if s.null {
		return types.Null(t), nil
	}
	missing := func() (types.Value, error) {
		return types.Value{}, fmt.Errorf("property_value of type %s has no stored value", t)
	}
	switch t {
	case types.TypeInteger:
		if !s.i.Valid {
			return missing()
		}
		return types.Int(s.i.Int64), nil
	case types.TypeFloat:
		if !s.f.Valid {
			return missing()
		}
		return types.Float(s.f.Float64), nil
	case types.TypeBoolean:
		if !s.b.Valid {
			return missing()
		}
		return types.Bool(s.b.Bool), nil
	case types.TypeString, types.TypeText, types.TypeURI, types.TypeCLOB:
		if !s.text.Valid {
			return missing()
		}
		return types.ParseValue(t, s.text.String)
	case types.TypeBigInteger, types.TypeBigDecimal:
		if !s.numeric.Valid {
			return missing()
		}
		return types.ParseValue(t, s.numeric.String)
	case types.TypeDateTime:
		if s.time == nil {
			return missing()
		}
		tm, err := ParseTime(s.time)
		if err != nil {
			return types.Value{}, err
		}
		return types.DateTime(tm), nil
	case types.TypeUUID:
		if !s.uuid.Valid {
			return missing()
		}
		id, err := uuid.Parse(s.uuid.String)
		if err != nil {
			return types.Value{}, fmt.Errorf("property_value uuid: %w", err)
		}
		return types.UUID(id), nil
	case types.TypeBLOB:
		return types.Blob(s.blob), nil
	}
	return types.Value{}, &types.UnsupportedTypeError{Type: t}
}
