package lrsrpc

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Upload contract column names for the point-event domain.
const (
	ColRouteID = "ROUTEID"
	ColLat     = "LAT"
	ColLon     = "LON"
)

// SchemaContract is the fixed, ordered column layout declared once per
// session for the upload direction. Every batch sent under a session must
// match it exactly; conformance is enforced by explicit coercion in
// [SchemaContract.Conform], never by per-chunk inference.
type SchemaContract struct {
	schema *arrow.Schema
}

// NewSchemaContract declares a contract over an ordered field list.
func NewSchemaContract(fields []arrow.Field) *SchemaContract {
	return &SchemaContract{schema: arrow.NewSchema(fields, nil)}
}

// PointContract returns the upload contract for point events:
// ROUTEID utf8, LAT float64, LON float64.
func PointContract() *SchemaContract {
	return NewSchemaContract([]arrow.Field{
		{Name: ColRouteID, Type: arrow.BinaryTypes.String},
		{Name: ColLat, Type: arrow.PrimitiveTypes.Float64},
		{Name: ColLon, Type: arrow.PrimitiveTypes.Float64},
	})
}

// Schema returns the contract's Arrow schema.
func (c *SchemaContract) Schema() *arrow.Schema {
	return c.schema
}

// Matches reports whether a batch structurally equals the contract:
// same column count, names, and types, in order.
func (c *SchemaContract) Matches(batch arrow.RecordBatch) bool {
	return batch.Schema().Equal(c.schema)
}

// Conform rebuilds a source batch into a batch that structurally equals the
// contract. Source columns are located by contract name, or through aliases
// (contract name -> source column name) when the source uses different
// headers. Extra source columns are dropped; a missing required column or an
// unsupported cast is a *SchemaError. Column values are cast to the exact
// declared types so batches from sources with heterogeneous precision cannot
// diverge mid-session.
func (c *SchemaContract) Conform(mem memory.Allocator, batch arrow.RecordBatch, aliases map[string]string) (arrow.RecordBatch, error) {
	cols := make([]arrow.Array, c.schema.NumFields())
	release := func(n int) {
		for i := range n {
			cols[i].Release()
		}
	}
	for i := range c.schema.NumFields() {
		f := c.schema.Field(i)
		src, err := findColumn(batch, f.Name, aliases)
		if err != nil {
			release(i)
			return nil, err
		}
		arr, err := castColumn(mem, src, f.Type)
		if err != nil {
			release(i)
			return nil, &SchemaError{
				Phase:  PhaseSend,
				Reason: fmt.Sprintf("column %s: %v", f.Name, err),
			}
		}
		cols[i] = arr
	}
	out := array.NewRecordBatch(c.schema, cols, batch.NumRows())
	release(len(cols))
	return out, nil
}

// findColumn locates a source column by contract name or alias.
func findColumn(batch arrow.RecordBatch, name string, aliases map[string]string) (arrow.Array, error) {
	want := name
	if alias, ok := aliases[name]; ok && alias != "" {
		want = alias
	}
	for ci := range batch.NumCols() {
		if batch.ColumnName(int(ci)) == want {
			return batch.Column(int(ci)), nil
		}
	}
	return nil, &SchemaError{
		Phase:  PhaseSend,
		Reason: fmt.Sprintf("required column %s (source %s) not found", name, want),
	}
}

// castColumn coerces an array to the declared contract type. When the source
// already has the exact type the array is retained and reused.
func castColumn(mem memory.Allocator, src arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(src.DataType(), dt) {
		src.Retain()
		return src, nil
	}

	switch dt.ID() {
	case arrow.FLOAT64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		switch col := src.(type) {
		case *array.Float32:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(float64(col.Value(i)))
			}
		case *array.Int64:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(float64(col.Value(i)))
			}
		case *array.Int32:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(float64(col.Value(i)))
			}
		default:
			return nil, fmt.Errorf("cannot cast %s to float64", src.DataType())
		}
		return b.NewArray(), nil

	case arrow.STRING:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		switch col := src.(type) {
		case *array.LargeString:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(col.Value(i))
			}
		case *array.Int64:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(strconv.FormatInt(col.Value(i), 10))
			}
		case *array.Int32:
			for i := range col.Len() {
				if col.IsNull(i) {
					b.AppendNull()
					continue
				}
				b.Append(strconv.FormatInt(int64(col.Value(i)), 10))
			}
		default:
			return nil, fmt.Errorf("cannot cast %s to utf8", src.DataType())
		}
		return b.NewArray(), nil

	default:
		return nil, fmt.Errorf("unsupported contract type %s", dt)
	}
}
