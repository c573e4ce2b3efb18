package callable

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// Decoder turns a driver-native value into its canonical form, given the
// descriptor of the column or parameter it came from. Result columns and
// output parameters go through the same Decoder.
type Decoder interface {
	Decode(v any, col database.ColumnDescriptor) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(v any, col database.ColumnDescriptor) (any, error)

func (f DecoderFunc) Decode(v any, col database.ColumnDescriptor) (any, error) {
	return f(v, col)
}

// DefaultDecoder converts by the descriptor's type class:
//
//	integer   -> int64
//	float     -> float64
//	decimal   -> decimal.Decimal
//	boolean   -> bool
//	string    -> string
//	binary    -> []byte
//	date/time -> RFC 3339 string
//
// Values of unknown type pass through, except []byte which becomes a string
// and driver.Valuer which is unwrapped. nil always decodes to nil.
type DefaultDecoder struct{}

func (DefaultDecoder) Decode(v any, col database.ColumnDescriptor) (any, error) {
	v, err := unwrap(v)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	var out any
	switch col.Type.Class() {
	case database.ClassInteger:
		out, err = toInt64(v)
	case database.ClassFloat:
		out, err = toFloat64(v)
	case database.ClassDecimal:
		out, err = toDecimal(v)
	case database.ClassBoolean:
		out, err = toBool(v)
	case database.ClassString:
		out = toString(v)
	case database.ClassBinary:
		out, err = toBytes(v)
	case database.ClassDate, database.ClassTime, database.ClassTimestamp:
		out = toTimeString(v)
	default:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput,
			fmt.Sprintf("cannot decode %T as %s for %q", v, col.Type, col.Name), err)
	}
	return out, nil
}

// unwrap resolves driver.Valuer wrappers (sql.NullInt64, pgtype values...).
func unwrap(v any) (any, error) {
	for i := 0; i < 4; i++ {
		valuer, ok := v.(driver.Valuer)
		if !ok {
			return v, nil
		}
		if _, isDec := v.(decimal.Decimal); isDec {
			return v, nil
		}
		next, err := valuer.Value()
		if err != nil {
			return nil, err
		}
		v = next
	}
	return v, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case float32:
		return toInt64(float64(n))
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case decimal.Decimal:
		if !n.IsInteger() {
			return 0, fmt.Errorf("%s is not an integer", n)
		}
		return n.IntPart(), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		i, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		return float64(i), nil
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case []byte:
		return decimal.NewFromString(strings.TrimSpace(string(n)))
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromInt(i), nil
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case []byte:
		return parseBool(string(b))
	case string:
		return parseBool(b)
	default:
		i, err := toInt64(v)
		if err != nil {
			return false, err
		}
		return i != 0, nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y", "YES", "T", "ON":
		return true, nil
	case "N", "NO", "F", "OFF":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case [16]byte:
		return uuid.UUID(s).String()
	case uuid.UUID:
		return s.String()
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case [16]byte:
		return b[:], nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func toTimeString(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return v
	}
}
