// Package conv converts values between the host datum representation and
// engine (JavaScript) values.
//
// Conversion is driven entirely by type descriptors resolved per
// invocation, never by runtime inspection of the engine value alone. The
// engine-to-host direction is permissive: undefined and null both map to
// NULL, numbers are coerced through the engine's standard conversions,
// and unparseable values fail with a conversion error rather than a
// panic.
package conv

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/types"
)

// timestampLayouts are accepted when a timestamp arrives as a string.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToValue converts one scalar datum into an engine value.
func ToValue(vm *goja.Runtime, datum types.Datum, isNull bool, td types.TypeDesc) (goja.Value, error) {
	if isNull {
		return goja.Null(), nil
	}

	switch td.Kind {
	case types.KindBool:
		if b, ok := datum.(bool); ok {
			return vm.ToValue(b), nil
		}
	case types.KindInt:
		if n, ok := datum.(int64); ok {
			return vm.ToValue(n), nil
		}
	case types.KindFloat:
		if f, ok := datum.(float64); ok {
			return vm.ToValue(f), nil
		}
	case types.KindNumeric:
		if d, ok := datum.(decimal.Decimal); ok {
			f, _ := d.Float64()
			return vm.ToValue(f), nil
		}
	case types.KindText:
		if s, ok := datum.(string); ok {
			return vm.ToValue(s), nil
		}
	case types.KindJSON:
		if s, ok := datum.(string); ok {
			var parsed interface{}
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return nil, plerrors.Wrap(err, plerrors.ErrCodeConvertValue,
					"invalid json value").
					WithOp("conv.ToValue").
					Err()
			}
			return vm.ToValue(parsed), nil
		}
	case types.KindTimestamp:
		if t, ok := datum.(time.Time); ok {
			return vm.ToValue(t.UTC().Format(time.RFC3339Nano)), nil
		}
	case types.KindRow:
		if r, ok := datum.(*types.Row); ok {
			if td.Row == nil {
				return nil, plerrors.New(plerrors.ErrCodeConvertRow,
					"composite value without row descriptor").
					WithOp("conv.ToValue").
					Err()
			}
			c, err := NewConverter(vm, td.Row)
			if err != nil {
				return nil, err
			}
			return c.ToValue(r)
		}
	case types.KindVoid:
		return goja.Undefined(), nil
	}

	return nil, plerrors.Newf(plerrors.ErrCodeConvertValue,
		"cannot convert %T to %s", datum, td.Name).
		WithOp("conv.ToValue").
		Err()
}

// ToDatum converts one engine value into a scalar datum. Undefined and
// null both map to NULL.
func ToDatum(vm *goja.Runtime, v goja.Value, td types.TypeDesc) (types.Datum, bool, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, true, nil
	}

	switch td.Kind {
	case types.KindBool:
		return v.ToBoolean(), false, nil
	case types.KindInt:
		return v.ToInteger(), false, nil
	case types.KindFloat:
		return v.ToFloat(), false, nil
	case types.KindNumeric:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, false, plerrors.Wrapf(err, plerrors.ErrCodeConvertValue,
				"cannot convert %q to numeric", v.String()).
				WithOp("conv.ToDatum").
				Err()
		}
		return d, false, nil
	case types.KindText:
		return v.String(), false, nil
	case types.KindJSON:
		exported := v.Export()
		data, err := json.Marshal(exported)
		if err != nil {
			return nil, false, plerrors.Wrap(err, plerrors.ErrCodeConvertValue,
				"cannot serialize value to json").
				WithOp("conv.ToDatum").
				Err()
		}
		return string(data), false, nil
	case types.KindTimestamp:
		return timestampDatum(v)
	case types.KindRow:
		if td.Row == nil {
			return nil, false, plerrors.New(plerrors.ErrCodeConvertRow,
				"composite value without row descriptor").
				WithOp("conv.ToDatum").
				Err()
		}
		c, err := NewConverter(vm, td.Row)
		if err != nil {
			return nil, false, err
		}
		row, err := c.ToRow(v)
		if err != nil {
			return nil, false, err
		}
		return row, false, nil
	case types.KindVoid:
		return nil, true, nil
	}

	return nil, false, plerrors.Newf(plerrors.ErrCodeConvertValue,
		"unsupported target type %s", td.Name).
		WithOp("conv.ToDatum").
		Err()
}

func timestampDatum(v goja.Value) (types.Datum, bool, error) {
	// Date objects export as time.Time; strings are parsed.
	if t, ok := v.Export().(time.Time); ok {
		return t, false, nil
	}
	s := v.String()
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, nil
		}
	}
	return nil, false, plerrors.Newf(plerrors.ErrCodeConvertValue,
		"cannot convert %q to timestamp", s).
		WithOp("conv.timestampDatum").
		Err()
}

// Converter converts between rows and engine values for one row
// descriptor. Converters hold per-invocation descriptors and must not be
// cached across calls.
type Converter struct {
	vm     *goja.Runtime
	desc   *types.RowDesc
	scalar bool
}

// NewConverter creates a converter for a row descriptor. A descriptor
// marked Scalar converts its single column directly rather than through
// named object properties.
func NewConverter(vm *goja.Runtime, desc *types.RowDesc) (*Converter, error) {
	if desc == nil || len(desc.Columns) == 0 {
		return nil, plerrors.New(plerrors.ErrCodeConvertRow,
			"empty row descriptor").
			WithOp("conv.NewConverter").
			Err()
	}
	if desc.Scalar && len(desc.Columns) != 1 {
		return nil, plerrors.New(plerrors.ErrCodeConvertRow,
			"scalar descriptor must have exactly one column").
			WithOp("conv.NewConverter").
			Err()
	}
	return &Converter{vm: vm, desc: desc, scalar: desc.Scalar}, nil
}

// Desc returns the converter's row descriptor.
func (c *Converter) Desc() *types.RowDesc {
	return c.desc
}

// ToValue converts one row into an engine value: an object with one
// property per column, or the bare column value for a scalar descriptor.
func (c *Converter) ToValue(row *types.Row) (goja.Value, error) {
	if c.scalar {
		return ToValue(c.vm, row.Values[0], row.Nulls[0], c.desc.Columns[0].Type)
	}

	obj := c.vm.NewObject()
	for i, col := range c.desc.Columns {
		v, err := ToValue(c.vm, row.Values[i], row.Nulls[i], col.Type)
		if err != nil {
			return nil, err
		}
		if err := obj.Set(col.Name, v); err != nil {
			return nil, plerrors.Wrapf(err, plerrors.ErrCodeConvertRow,
				"failed to set property %q", col.Name).
				WithOp("Converter.ToValue").
				Err()
		}
	}
	return obj, nil
}

// ToRow converts one engine value into a row. For non-scalar descriptors
// the value must be an object; properties that are missing, undefined, or
// null become NULL columns.
func (c *Converter) ToRow(v goja.Value) (*types.Row, error) {
	row := types.NewRow(len(c.desc.Columns))

	if c.scalar {
		d, isNull, err := ToDatum(c.vm, v, c.desc.Columns[0].Type)
		if err != nil {
			return nil, err
		}
		row.Values[0], row.Nulls[0] = d, isNull
		return row, nil
	}

	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		for i := range row.Nulls {
			row.Nulls[i] = true
		}
		return row, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, plerrors.Newf(plerrors.ErrCodeConvertRow,
			"value is not an object for a %d-column result", len(c.desc.Columns)).
			WithOp("Converter.ToRow").
			Err()
	}

	for i, col := range c.desc.Columns {
		pv := obj.Get(col.Name)
		d, isNull, err := ToDatum(c.vm, pv, col.Type)
		if err != nil {
			return nil, plerrors.Wrapf(err, plerrors.ErrCodeConvertRow,
				"column %q", col.Name).
				WithOp("Converter.ToRow").
				Err()
		}
		row.Values[i], row.Nulls[i] = d, isNull
	}
	return row, nil
}

// RowPutter receives rows materialized by ToDatumSet.
type RowPutter interface {
	Put(desc *types.RowDesc, row *types.Row) error
}

// ToDatumSet materializes a set-returning result into a row putter:
// undefined yields no rows, an array yields one row per element in
// order, any other value yields a single row.
func (c *Converter) ToDatumSet(v goja.Value, sink RowPutter) (int, error) {
	if v == nil || goja.IsUndefined(v) {
		return 0, nil
	}

	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Array" {
		length := int(obj.Get("length").ToInteger())
		for i := 0; i < length; i++ {
			row, err := c.ToRow(obj.Get(strconv.Itoa(i)))
			if err != nil {
				return i, err
			}
			if err := sink.Put(c.desc, row); err != nil {
				return i, err
			}
		}
		return length, nil
	}

	row, err := c.ToRow(v)
	if err != nil {
		return 0, err
	}
	if err := sink.Put(c.desc, row); err != nil {
		return 0, err
	}
	return 1, nil
}
