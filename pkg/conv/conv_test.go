package conv

import (
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/types"
)

func scalarTD(oid uint32, kind types.Kind) types.TypeDesc {
	return types.TypeDesc{OID: oid, Kind: kind, Name: types.TypeName(oid)}
}

func testRowDesc() *types.RowDesc {
	return &types.RowDesc{Columns: []types.ColumnDesc{
		{Name: "id", Type: scalarTD(pgtype.Int4OID, types.KindInt), Ordinal: 0},
		{Name: "name", Type: scalarTD(pgtype.TextOID, types.KindText), Ordinal: 1},
		{Name: "score", Type: scalarTD(pgtype.Float8OID, types.KindFloat), Ordinal: 2},
	}}
}

func TestScalarRoundTrip(t *testing.T) {
	vm := goja.New()

	tests := []struct {
		name   string
		td     types.TypeDesc
		datum  types.Datum
		isNull bool
	}{
		{"bool", scalarTD(pgtype.BoolOID, types.KindBool), true, false},
		{"int", scalarTD(pgtype.Int8OID, types.KindInt), int64(42), false},
		{"float", scalarTD(pgtype.Float8OID, types.KindFloat), 2.5, false},
		{"text", scalarTD(pgtype.TextOID, types.KindText), "hello", false},
		{"null", scalarTD(pgtype.TextOID, types.KindText), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ToValue(vm, tt.datum, tt.isNull, tt.td)
			if err != nil {
				t.Fatalf("ToValue: %v", err)
			}
			d, isNull, err := ToDatum(vm, v, tt.td)
			if err != nil {
				t.Fatalf("ToDatum: %v", err)
			}
			if isNull != tt.isNull {
				t.Fatalf("isNull = %v, want %v", isNull, tt.isNull)
			}
			if !tt.isNull && d != tt.datum {
				t.Errorf("round trip = %v, want %v", d, tt.datum)
			}
		})
	}
}

func TestNumericConversion(t *testing.T) {
	vm := goja.New()
	td := scalarTD(pgtype.NumericOID, types.KindNumeric)

	in := decimal.RequireFromString("12.50")
	v, err := ToValue(vm, in, false, td)
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	d, _, err := ToDatum(vm, v, td)
	if err != nil {
		t.Fatalf("ToDatum: %v", err)
	}
	if !d.(decimal.Decimal).Equal(in) {
		t.Errorf("numeric round trip = %v, want %v", d, in)
	}

	if _, _, err := ToDatum(vm, vm.ToValue("not a number"), td); err == nil {
		t.Error("invalid numeric accepted")
	}
}

func TestJSONConversion(t *testing.T) {
	vm := goja.New()
	td := scalarTD(pgtype.JSONOID, types.KindJSON)

	v, err := ToValue(vm, `{"a":[1,2]}`, false, td)
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		t.Fatalf("json did not convert to an object: %v", v)
	}
	if got := obj.Get("a"); got == nil {
		t.Fatal("parsed json missing property")
	}

	d, _, err := ToDatum(vm, v, td)
	if err != nil {
		t.Fatalf("ToDatum: %v", err)
	}
	if !strings.Contains(d.(string), `"a"`) {
		t.Errorf("serialized json = %q", d)
	}

	if _, err := ToValue(vm, "{broken", false, td); err == nil {
		t.Error("invalid json accepted")
	}
}

func TestTimestampConversion(t *testing.T) {
	vm := goja.New()
	td := scalarTD(pgtype.TimestampOID, types.KindTimestamp)

	in := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	v, err := ToValue(vm, in, false, td)
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	d, _, err := ToDatum(vm, v, td)
	if err != nil {
		t.Fatalf("ToDatum: %v", err)
	}
	if !d.(time.Time).Equal(in) {
		t.Errorf("timestamp round trip = %v, want %v", d, in)
	}

	// Bare dates parse too.
	d, _, err = ToDatum(vm, vm.ToValue("2025-03-14"), td)
	if err != nil {
		t.Fatalf("ToDatum(date string): %v", err)
	}
	if d.(time.Time).Year() != 2025 {
		t.Errorf("date parse = %v", d)
	}

	if _, _, err := ToDatum(vm, vm.ToValue("yesterday-ish"), td); err == nil {
		t.Error("unparseable timestamp accepted")
	}
}

func TestRowRoundTripWithNulls(t *testing.T) {
	vm := goja.New()
	c, err := NewConverter(vm, testRowDesc())
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	row := types.NewRow(3)
	row.Values[0] = int64(7)
	row.Values[1] = "alice"
	row.Nulls[2] = true

	v, err := c.ToValue(row)
	if err != nil {
		t.Fatalf("ToValue: %v", err)
	}
	back, err := c.ToRow(v)
	if err != nil {
		t.Fatalf("ToRow: %v", err)
	}

	if back.Values[0].(int64) != 7 || back.Values[1].(string) != "alice" {
		t.Errorf("values not preserved: %+v", back)
	}
	if !back.Nulls[2] || back.Nulls[0] || back.Nulls[1] {
		t.Errorf("null flags not preserved: %v", back.Nulls)
	}
}

func TestMissingPropertyBecomesNull(t *testing.T) {
	vm := goja.New()
	c, err := NewConverter(vm, testRowDesc())
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	v, err := vm.RunString(`({id: 1})`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	row, err := c.ToRow(v)
	if err != nil {
		t.Fatalf("ToRow: %v", err)
	}
	if row.Nulls[0] {
		t.Error("present property converted to NULL")
	}
	if !row.Nulls[1] || !row.Nulls[2] {
		t.Errorf("missing properties not NULL: %v", row.Nulls)
	}
}

func TestNonObjectRowIsError(t *testing.T) {
	vm := goja.New()
	c, err := NewConverter(vm, testRowDesc())
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	_, err = c.ToRow(vm.ToValue(42))
	if err == nil {
		t.Fatal("non-object accepted for a multi-column row")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeConvertRow {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestScalarDescriptor(t *testing.T) {
	vm := goja.New()
	desc := &types.RowDesc{
		Columns: []types.ColumnDesc{{Name: "value", Type: scalarTD(pgtype.Int8OID, types.KindInt)}},
		Scalar:  true,
	}
	c, err := NewConverter(vm, desc)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	row, err := c.ToRow(vm.ToValue(9))
	if err != nil {
		t.Fatalf("ToRow: %v", err)
	}
	if row.Values[0].(int64) != 9 {
		t.Errorf("scalar row = %+v", row)
	}
}

func TestNestedComposite(t *testing.T) {
	vm := goja.New()
	inner := &types.RowDesc{Columns: []types.ColumnDesc{
		{Name: "x", Type: scalarTD(pgtype.Int4OID, types.KindInt)},
	}}
	outer := &types.RowDesc{Columns: []types.ColumnDesc{
		{Name: "label", Type: scalarTD(pgtype.TextOID, types.KindText)},
		{Name: "point", Type: types.TypeDesc{
			OID: 70000, Kind: types.KindRow, Name: "point", Row: inner,
		}},
	}}

	c, err := NewConverter(vm, outer)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	v, err := vm.RunString(`({label: "p", point: {x: 3}})`)
	if err != nil {
		t.Fatalf("RunString: %v", err)
	}
	row, err := c.ToRow(v)
	if err != nil {
		t.Fatalf("ToRow: %v", err)
	}
	nested, ok := row.Values[1].(*types.Row)
	if !ok {
		t.Fatalf("nested composite = %T", row.Values[1])
	}
	if nested.Values[0].(int64) != 3 {
		t.Errorf("nested value = %v", nested.Values[0])
	}
}

type collectSink struct {
	rows []*types.Row
}

func (s *collectSink) Put(desc *types.RowDesc, row *types.Row) error {
	s.rows = append(s.rows, row)
	return nil
}

func TestToDatumSet(t *testing.T) {
	vm := goja.New()
	desc := &types.RowDesc{
		Columns: []types.ColumnDesc{{Name: "n", Type: scalarTD(pgtype.Int8OID, types.KindInt)}},
		Scalar:  true,
	}
	c, err := NewConverter(vm, desc)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	t.Run("undefined yields no rows", func(t *testing.T) {
		sink := &collectSink{}
		n, err := c.ToDatumSet(goja.Undefined(), sink)
		if err != nil {
			t.Fatalf("ToDatumSet: %v", err)
		}
		if n != 0 || len(sink.rows) != 0 {
			t.Errorf("got %d rows, want 0", len(sink.rows))
		}
	})

	t.Run("array yields rows in order", func(t *testing.T) {
		v, err := vm.RunString(`[3, 1, 2]`)
		if err != nil {
			t.Fatalf("RunString: %v", err)
		}
		sink := &collectSink{}
		n, err := c.ToDatumSet(v, sink)
		if err != nil {
			t.Fatalf("ToDatumSet: %v", err)
		}
		if n != 3 {
			t.Fatalf("n = %d, want 3", n)
		}
		want := []int64{3, 1, 2}
		for i, row := range sink.rows {
			if row.Values[0].(int64) != want[i] {
				t.Errorf("row %d = %v, want %d", i, row.Values[0], want[i])
			}
		}
	})

	t.Run("single value yields one row", func(t *testing.T) {
		sink := &collectSink{}
		n, err := c.ToDatumSet(vm.ToValue(5), sink)
		if err != nil {
			t.Fatalf("ToDatumSet: %v", err)
		}
		if n != 1 || len(sink.rows) != 1 {
			t.Fatalf("got %d rows, want 1", len(sink.rows))
		}
		if sink.rows[0].Values[0].(int64) != 5 {
			t.Errorf("row = %v", sink.rows[0].Values[0])
		}
	})
}
