// Package converter turns database/sql results into JSON-ready values and
// Apache Arrow records.
package converter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Family groups database type names that share one Go and Arrow representation.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyInt
	FamilyUint
	FamilyFloat
	FamilyDecimal
	FamilyBool
	FamilyBinary
	FamilyTemporal
	FamilyText
)

var familyByType = map[string]Family{
	"TINYINT":          FamilyInt,
	"SMALLINT":         FamilyInt,
	"MEDIUMINT":        FamilyInt,
	"INT":              FamilyInt,
	"INTEGER":          FamilyInt,
	"BIGINT":           FamilyInt,
	"YEAR":             FamilyInt,
	"INT2":             FamilyInt,
	"INT4":             FamilyInt,
	"INT8":             FamilyInt,
	"SERIAL":           FamilyInt,
	"BIGSERIAL":        FamilyInt,
	"FLOAT":            FamilyFloat,
	"DOUBLE":           FamilyFloat,
	"DOUBLE PRECISION": FamilyFloat,
	"REAL":             FamilyFloat,
	"FLOAT4":           FamilyFloat,
	"FLOAT8":           FamilyFloat,
	"DECIMAL":          FamilyDecimal,
	"NUMERIC":          FamilyDecimal,
	"BOOL":             FamilyBool,
	"BOOLEAN":          FamilyBool,
	"BLOB":             FamilyBinary,
	"TINYBLOB":         FamilyBinary,
	"MEDIUMBLOB":       FamilyBinary,
	"LONGBLOB":         FamilyBinary,
	"BINARY":           FamilyBinary,
	"VARBINARY":        FamilyBinary,
	"BYTEA":            FamilyBinary,
	"BIT":              FamilyBinary,
	"GEOMETRY":         FamilyBinary,
	"DATE":             FamilyTemporal,
	"TIME":             FamilyTemporal,
	"DATETIME":         FamilyTemporal,
	"TIMESTAMP":        FamilyTemporal,
	"TIMESTAMPTZ":      FamilyTemporal,
	"CHAR":             FamilyText,
	"VARCHAR":          FamilyText,
	"TEXT":             FamilyText,
	"TINYTEXT":         FamilyText,
	"MEDIUMTEXT":       FamilyText,
	"LONGTEXT":         FamilyText,
	"JSON":             FamilyText,
	"JSONB":            FamilyText,
	"ENUM":             FamilyText,
	"SET":              FamilyText,
	"UUID":             FamilyText,
	"BPCHAR":           FamilyText,
}

// TypeFamily classifies a driver-reported database type name. Parameterized
// names such as VARCHAR(20) and unsigned integer names are understood.
func TypeFamily(dbType string) Family {
	name := strings.ToUpper(strings.TrimSpace(dbType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}

	unsigned := false
	if rest, ok := strings.CutPrefix(name, "UNSIGNED "); ok {
		name, unsigned = rest, true
	}

	f, ok := familyByType[name]
	if !ok {
		return FamilyUnknown
	}
	if unsigned && f == FamilyInt {
		return FamilyUint
	}
	return f
}

// NormalizeValue converts a scanned driver value into the value exposed to
// callers. Text-protocol bytes are decoded according to the column type;
// integers widen to int64 and floats to float64.
func NormalizeValue(dbType string, v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return decodeBytes(TypeFamily(dbType), val)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return uint64(val)
	case uint8:
		return uint64(val)
	case uint16:
		return uint64(val)
	case uint32:
		return uint64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

func decodeBytes(family Family, b []byte) interface{} {
	s := string(b)
	switch family {
	case FamilyInt:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case FamilyUint:
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	case FamilyFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case FamilyBool:
		if v, err := strconv.ParseBool(s); err == nil {
			return v
		}
	case FamilyBinary:
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	return s
}

// ArrowType picks the Arrow type for a column. When the database type is not
// recognized the Go type of sample, a normalized value, decides.
func ArrowType(dbType string, sample interface{}) arrow.DataType {
	switch TypeFamily(dbType) {
	case FamilyInt:
		return arrow.PrimitiveTypes.Int64
	case FamilyUint:
		return arrow.PrimitiveTypes.Uint64
	case FamilyFloat:
		return arrow.PrimitiveTypes.Float64
	case FamilyBool:
		return arrow.FixedWidthTypes.Boolean
	case FamilyBinary:
		return arrow.BinaryTypes.Binary
	case FamilyDecimal, FamilyTemporal, FamilyText:
		return arrow.BinaryTypes.String
	}

	switch sample.(type) {
	case int64:
		return arrow.PrimitiveTypes.Int64
	case uint64:
		return arrow.PrimitiveTypes.Uint64
	case float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case []byte:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// FormatValue renders any normalized value as text.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
