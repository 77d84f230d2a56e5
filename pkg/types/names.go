package types

import "github.com/jackc/pgx/v5/pgtype"

// oidsByName maps readable type names (and common aliases) to OIDs, the
// reverse of TypeName. Used when function signatures arrive as text.
var oidsByName = map[string]uint32{
	"boolean":          pgtype.BoolOID,
	"bool":             pgtype.BoolOID,
	"smallint":         pgtype.Int2OID,
	"int2":             pgtype.Int2OID,
	"integer":          pgtype.Int4OID,
	"int":              pgtype.Int4OID,
	"int4":             pgtype.Int4OID,
	"bigint":           pgtype.Int8OID,
	"int8":             pgtype.Int8OID,
	"real":             pgtype.Float4OID,
	"float4":           pgtype.Float4OID,
	"double precision": pgtype.Float8OID,
	"float8":           pgtype.Float8OID,
	"numeric":          pgtype.NumericOID,
	"decimal":          pgtype.NumericOID,
	"text":             pgtype.TextOID,
	"varchar":          pgtype.VarcharOID,
	"json":             pgtype.JSONOID,
	"date":             pgtype.DateOID,
	"timestamp":        pgtype.TimestampOID,
	"timestamptz":      pgtype.TimestamptzOID,
	"record":           pgtype.RecordOID,
	"void":             VoidOID,
	"trigger":          TriggerOID,
}

// OIDByName resolves a readable type name to its OID.
func OIDByName(name string) (uint32, bool) {
	oid, ok := oidsByName[name]
	return oid, ok
}
