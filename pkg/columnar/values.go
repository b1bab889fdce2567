package columnar

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/shopspring/decimal"
)

// extractValue converts the arrow value at index into a plain Go value.
// Timestamps become UTC time.Time; a timestamp type without a zone is
// interpreted as UTC.
func extractValue(arr arrow.Array, index int) any {
	if arr.IsNull(index) {
		return nil
	}

	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(index)
	case *array.Int8:
		return a.Value(index)
	case *array.Int16:
		return a.Value(index)
	case *array.Int32:
		return a.Value(index)
	case *array.Int64:
		return a.Value(index)
	case *array.Uint8:
		return a.Value(index)
	case *array.Uint16:
		return a.Value(index)
	case *array.Uint32:
		return a.Value(index)
	case *array.Uint64:
		return a.Value(index)
	case *array.Float32:
		return a.Value(index)
	case *array.Float64:
		return a.Value(index)
	case *array.String:
		return a.Value(index)
	case *array.LargeString:
		return a.Value(index)
	case *array.Binary:
		return string(a.Value(index))
	case *array.Date32:
		return a.Value(index).ToTime()
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(index).ToTime(unit)
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return decimal.NewFromBigInt(a.Value(index).BigInt(), -scale)
	case *array.Dictionary:
		return extractValue(a.Dictionary(), a.GetValueIndex(index))
	default:
		return nil
	}
}
