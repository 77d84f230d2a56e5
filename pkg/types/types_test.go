package types

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
)

func TestIsPseudo(t *testing.T) {
	tests := []struct {
		oid  uint32
		want bool
	}{
		{VoidOID, true},
		{TriggerOID, true},
		{pgtype.RecordOID, true},
		{pgtype.Int4OID, false},
		{pgtype.TextOID, false},
	}
	for _, tt := range tests {
		if got := IsPseudo(tt.oid); got != tt.want {
			t.Errorf("IsPseudo(%d) = %v, want %v", tt.oid, got, tt.want)
		}
	}
}

func TestAllowedPseudoReturn(t *testing.T) {
	for _, oid := range []uint32{VoidOID, TriggerOID, pgtype.RecordOID} {
		if !AllowedPseudoReturn(oid) {
			t.Errorf("AllowedPseudoReturn(%d) = false, want true", oid)
		}
	}
	if AllowedPseudoReturn(pgtype.Int4OID) {
		t.Error("AllowedPseudoReturn(int4) = true, want false")
	}
}

func TestDescribeScalars(t *testing.T) {
	tests := []struct {
		oid  uint32
		kind Kind
	}{
		{pgtype.BoolOID, KindBool},
		{pgtype.Int2OID, KindInt},
		{pgtype.Int4OID, KindInt},
		{pgtype.Int8OID, KindInt},
		{pgtype.Float8OID, KindFloat},
		{pgtype.NumericOID, KindNumeric},
		{pgtype.TextOID, KindText},
		{pgtype.VarcharOID, KindText},
		{pgtype.JSONOID, KindJSON},
		{pgtype.TimestampOID, KindTimestamp},
		{VoidOID, KindVoid},
		{TriggerOID, KindTrigger},
	}
	for _, tt := range tests {
		td, err := Describe(tt.oid, nil)
		if err != nil {
			t.Fatalf("Describe(%d): %v", tt.oid, err)
		}
		if td.Kind != tt.kind {
			t.Errorf("Describe(%d).Kind = %v, want %v", tt.oid, td.Kind, tt.kind)
		}
	}
}

type fakeResolver struct {
	oid  uint32
	desc *RowDesc
}

func (r *fakeResolver) CompositeDesc(oid uint32) (*RowDesc, bool) {
	if oid == r.oid {
		return r.desc, true
	}
	return nil, false
}

func TestDescribeComposite(t *testing.T) {
	desc := &RowDesc{Columns: []ColumnDesc{
		{Name: "id", Type: TypeDesc{OID: pgtype.Int4OID, Kind: KindInt}},
	}}
	reg := &fakeResolver{oid: 70000, desc: desc}

	td, err := Describe(70000, reg)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if td.Kind != KindRow || td.Row != desc {
		t.Errorf("composite not resolved: %+v", td)
	}

	_, err = Describe(70001, reg)
	if err == nil {
		t.Fatal("Describe(unknown) succeeded, want error")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeCatalogInvalid {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestNormalizeDatum(t *testing.T) {
	intTD := TypeDesc{Kind: KindInt}
	boolTD := TypeDesc{Kind: KindBool}
	numTD := TypeDesc{Kind: KindNumeric}
	textTD := TypeDesc{Kind: KindText}
	tsTD := TypeDesc{Kind: KindTimestamp}

	if d, isNull := NormalizeDatum(nil, intTD); !isNull || d != nil {
		t.Error("nil did not normalize to NULL")
	}
	if d, _ := NormalizeDatum(int64(7), intTD); d.(int64) != 7 {
		t.Errorf("int64 = %v", d)
	}
	if d, _ := NormalizeDatum(int64(1), boolTD); d.(bool) != true {
		t.Errorf("bool from int64 = %v", d)
	}
	if d, _ := NormalizeDatum("12.50", numTD); !d.(decimal.Decimal).Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("numeric from string = %v", d)
	}
	if d, _ := NormalizeDatum([]byte("hi"), textTD); d.(string) != "hi" {
		t.Errorf("text from bytes = %v", d)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if d, _ := NormalizeDatum(now, tsTD); !d.(time.Time).Equal(now) {
		t.Errorf("timestamp = %v", d)
	}
}

func TestOIDByName(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
	}{
		{"int4", pgtype.Int4OID},
		{"integer", pgtype.Int4OID},
		{"text", pgtype.TextOID},
		{"trigger", TriggerOID},
		{"void", VoidOID},
	}
	for _, tt := range tests {
		oid, ok := OIDByName(tt.name)
		if !ok || oid != tt.oid {
			t.Errorf("OIDByName(%q) = %d, %v; want %d", tt.name, oid, ok, tt.oid)
		}
	}
	if _, ok := OIDByName("no-such-type"); ok {
		t.Error("OIDByName accepted an unknown name")
	}
}

func TestNewRow(t *testing.T) {
	row := NewRow(3)
	if len(row.Values) != 3 || len(row.Nulls) != 3 {
		t.Fatalf("NewRow(3) = %d values, %d nulls", len(row.Values), len(row.Nulls))
	}
}
