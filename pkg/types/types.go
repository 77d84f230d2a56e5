// Package types defines the SQL-side type model used by the conversion
// layer: type descriptors, row descriptors, and the datum representation
// that crosses the host/engine boundary.
//
// Type identifiers are Postgres wire OIDs, taken from pgx/v5/pgtype so the
// catalog stays wire-compatible. Pseudo-type OIDs not exported by pgtype
// (void, trigger) are defined here.
package types

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
)

// Datum is a database value in its Go representation: bool, int64,
// float64, string, decimal.Decimal, time.Time, or *Row for composites.
// NULL is carried by an accompanying flag, never by a nil Datum.
type Datum interface{}

// Pseudo-type OIDs not covered by pgtype.
const (
	VoidOID    uint32 = 2278
	TriggerOID uint32 = 2279
)

// Kind classifies a type for conversion purposes.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindNumeric
	KindText
	KindJSON
	KindTimestamp
	KindRow
	KindVoid
	KindTrigger
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindNumeric:
		return "numeric"
	case KindText:
		return "text"
	case KindJSON:
		return "json"
	case KindTimestamp:
		return "timestamp"
	case KindRow:
		return "row"
	case KindVoid:
		return "void"
	case KindTrigger:
		return "trigger"
	default:
		return "unknown"
	}
}

// TypeDesc describes one argument, return, or column type for the duration
// of a single invocation. Descriptors referencing composite types embed the
// row descriptor resolved at creation time and must not be cached across
// calls.
type TypeDesc struct {
	OID  uint32
	Kind Kind
	Name string

	// Row is set for composite types (Kind == KindRow).
	Row *RowDesc
}

// ColumnDesc describes a column in a row descriptor.
type ColumnDesc struct {
	Name    string
	Type    TypeDesc
	Ordinal int
}

// RowDesc describes the shape of a row: an ordered, named column list.
// Scalar marks a descriptor with a single anonymous column whose values
// are accepted directly rather than as named object properties.
type RowDesc struct {
	Columns []ColumnDesc
	Scalar  bool
}

// Row is one materialized row: values plus null flags, column order
// matching the descriptor.
type Row struct {
	Values []Datum
	Nulls  []bool
}

// NewRow allocates an all-NULL row of n columns.
func NewRow(n int) *Row {
	return &Row{
		Values: make([]Datum, n),
		Nulls:  make([]bool, n),
	}
}

// CompositeResolver resolves a composite type OID to its row descriptor.
type CompositeResolver interface {
	CompositeDesc(oid uint32) (*RowDesc, bool)
}

// IsPseudo reports whether the OID names a pseudo-type (a catalog marker
// that cannot be used as an ordinary value type).
func IsPseudo(oid uint32) bool {
	switch oid {
	case VoidOID, TriggerOID, pgtype.RecordOID:
		return true
	}
	return false
}

// AllowedPseudoReturn reports whether a pseudo-type OID may appear as a
// function return type: trigger, record, and void only.
func AllowedPseudoReturn(oid uint32) bool {
	switch oid {
	case TriggerOID, pgtype.RecordOID, VoidOID:
		return true
	}
	return false
}

// TypeName returns a readable name for an OID, for diagnostics.
func TypeName(oid uint32) string {
	switch oid {
	case pgtype.BoolOID:
		return "boolean"
	case pgtype.Int2OID:
		return "smallint"
	case pgtype.Int4OID:
		return "integer"
	case pgtype.Int8OID:
		return "bigint"
	case pgtype.Float4OID:
		return "real"
	case pgtype.Float8OID:
		return "double precision"
	case pgtype.NumericOID:
		return "numeric"
	case pgtype.TextOID:
		return "text"
	case pgtype.VarcharOID:
		return "varchar"
	case pgtype.JSONOID:
		return "json"
	case pgtype.DateOID:
		return "date"
	case pgtype.TimestampOID:
		return "timestamp"
	case pgtype.TimestamptzOID:
		return "timestamptz"
	case pgtype.RecordOID:
		return "record"
	case VoidOID:
		return "void"
	case TriggerOID:
		return "trigger"
	default:
		return "unknown"
	}
}

// Describe builds a per-invocation type descriptor for an OID. Composite
// OIDs are resolved through reg; an unresolvable composite is an error.
func Describe(oid uint32, reg CompositeResolver) (TypeDesc, error) {
	td := TypeDesc{OID: oid, Name: TypeName(oid)}

	switch oid {
	case pgtype.BoolOID:
		td.Kind = KindBool
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		td.Kind = KindInt
	case pgtype.Float4OID, pgtype.Float8OID:
		td.Kind = KindFloat
	case pgtype.NumericOID:
		td.Kind = KindNumeric
	case pgtype.TextOID, pgtype.VarcharOID:
		td.Kind = KindText
	case pgtype.JSONOID:
		td.Kind = KindJSON
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		td.Kind = KindTimestamp
	case VoidOID:
		td.Kind = KindVoid
	case TriggerOID:
		td.Kind = KindTrigger
	case pgtype.RecordOID:
		td.Kind = KindRow
	default:
		if reg != nil {
			if desc, ok := reg.CompositeDesc(oid); ok {
				td.Kind = KindRow
				td.Row = desc
				return td, nil
			}
		}
		return td, plerrors.Newf(plerrors.ErrCodeCatalogInvalid,
			"unsupported type oid %d", oid).
			WithOp("types.Describe").
			Err()
	}

	return td, nil
}

// NormalizeDatum coerces a raw value (e.g. from database/sql scanning)
// into the canonical Datum representation for the descriptor.
func NormalizeDatum(v interface{}, td TypeDesc) (Datum, bool) {
	if v == nil {
		return nil, true
	}
	switch td.Kind {
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, false
		case int64:
			return x != 0, false
		}
	case KindInt:
		switch x := v.(type) {
		case int64:
			return x, false
		case int:
			return int64(x), false
		case float64:
			return int64(x), false
		}
	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x, false
		case int64:
			return float64(x), false
		}
	case KindNumeric:
		switch x := v.(type) {
		case decimal.Decimal:
			return x, false
		case string:
			if d, err := decimal.NewFromString(x); err == nil {
				return d, false
			}
		case float64:
			return decimal.NewFromFloat(x), false
		case int64:
			return decimal.NewFromInt(x), false
		}
	case KindText, KindJSON:
		switch x := v.(type) {
		case string:
			return x, false
		case []byte:
			return string(x), false
		}
	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, false
		case string:
			if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return t, false
			}
		}
	case KindRow:
		if r, ok := v.(*Row); ok {
			return r, false
		}
	}
	return v, false
}
