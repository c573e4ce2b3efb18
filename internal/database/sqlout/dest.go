package sqlout

import (
	"database/sql"
	"fmt"

	"github.com/koustreak/callsql/internal/database"
)

// NewDest allocates the sql.Out destination for an output of type typ. The
// nullable wrappers keep a NULL output distinguishable from a zero value.
func NewDest(typ database.SQLType) any {
	switch typ.Class() {
	case database.ClassInteger:
		return &sql.NullInt64{}
	case database.ClassFloat:
		return &sql.NullFloat64{}
	case database.ClassBoolean:
		return &sql.NullBool{}
	case database.ClassBinary:
		return new([]byte)
	case database.ClassDate, database.ClassTime, database.ClassTimestamp:
		return &sql.NullTime{}
	default:
		// decimals travel as text to keep their precision
		return &sql.NullString{}
	}
}

// assignInput seeds an INOUT destination with the caller's input value.
func assignInput(dest, v any) error {
	switch d := dest.(type) {
	case *[]byte:
		switch b := v.(type) {
		case []byte:
			*d = append([]byte(nil), b...)
		case string:
			*d = []byte(b)
		default:
			return fmt.Errorf("cannot use %T as binary input", v)
		}
		return nil
	case sql.Scanner:
		return d.Scan(v)
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
}
