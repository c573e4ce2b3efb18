package database

import (
	"strconv"
	"strings"
)

// Standard SQL type codes, numerically identical to the java.sql.Types table
// so numeric out-parameter descriptors carry the same meaning across drivers.
const (
	TypeBit                   = -7
	TypeTinyInt               = -6
	TypeSmallInt              = 5
	TypeInteger               = 4
	TypeBigInt                = -5
	TypeFloat                 = 6
	TypeReal                  = 7
	TypeDouble                = 8
	TypeNumeric               = 2
	TypeDecimal               = 3
	TypeChar                  = 1
	TypeVarchar               = 12
	TypeLongVarchar           = -1
	TypeDate                  = 91
	TypeTime                  = 92
	TypeTimestamp             = 93
	TypeBinary                = -2
	TypeVarBinary             = -3
	TypeLongVarBinary         = -4
	TypeNull                  = 0
	TypeOther                 = 1111
	TypeBlob                  = 2004
	TypeClob                  = 2005
	TypeBoolean               = 16
	TypeNChar                 = -15
	TypeNVarchar              = -9
	TypeLongNVarchar          = -16
	TypeNClob                 = 2011
	TypeSQLXML                = 2009
	TypeRefCursor             = 2012
	TypeTimeWithTimezone      = 2013
	TypeTimestampWithTimezone = 2014
)

// TypeClass groups SQL types by the canonical Go value they decode to.
type TypeClass int

const (
	ClassUnknown TypeClass = iota
	ClassInteger
	ClassFloat
	ClassDecimal
	ClassBoolean
	ClassString
	ClassBinary
	ClassDate
	ClassTime
	ClassTimestamp
	ClassCursor
)

func (c TypeClass) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassFloat:
		return "float"
	case ClassDecimal:
		return "decimal"
	case ClassBoolean:
		return "boolean"
	case ClassString:
		return "string"
	case ClassBinary:
		return "binary"
	case ClassDate:
		return "date"
	case ClassTime:
		return "time"
	case ClassTimestamp:
		return "timestamp"
	case ClassCursor:
		return "cursor"
	default:
		return "unknown"
	}
}

// SQLType identifies a parameter or column type. Code is one of the Type*
// constants (TypeOther for vendor types), Name the standard or vendor name.
// The zero value means "type not known".
type SQLType struct {
	Code int
	Name string
}

type standardType struct {
	name  string
	class TypeClass
}

var standardTypes = map[int]standardType{
	TypeBit:                   {"BIT", ClassBoolean},
	TypeTinyInt:               {"TINYINT", ClassInteger},
	TypeSmallInt:              {"SMALLINT", ClassInteger},
	TypeInteger:               {"INTEGER", ClassInteger},
	TypeBigInt:                {"BIGINT", ClassInteger},
	TypeFloat:                 {"FLOAT", ClassFloat},
	TypeReal:                  {"REAL", ClassFloat},
	TypeDouble:                {"DOUBLE", ClassFloat},
	TypeNumeric:               {"NUMERIC", ClassDecimal},
	TypeDecimal:               {"DECIMAL", ClassDecimal},
	TypeChar:                  {"CHAR", ClassString},
	TypeVarchar:               {"VARCHAR", ClassString},
	TypeLongVarchar:           {"LONGVARCHAR", ClassString},
	TypeDate:                  {"DATE", ClassDate},
	TypeTime:                  {"TIME", ClassTime},
	TypeTimestamp:             {"TIMESTAMP", ClassTimestamp},
	TypeBinary:                {"BINARY", ClassBinary},
	TypeVarBinary:             {"VARBINARY", ClassBinary},
	TypeLongVarBinary:         {"LONGVARBINARY", ClassBinary},
	TypeNull:                  {"NULL", ClassUnknown},
	TypeOther:                 {"OTHER", ClassUnknown},
	TypeBlob:                  {"BLOB", ClassBinary},
	TypeClob:                  {"CLOB", ClassString},
	TypeBoolean:               {"BOOLEAN", ClassBoolean},
	TypeNChar:                 {"NCHAR", ClassString},
	TypeNVarchar:              {"NVARCHAR", ClassString},
	TypeLongNVarchar:          {"LONGNVARCHAR", ClassString},
	TypeNClob:                 {"NCLOB", ClassString},
	TypeSQLXML:                {"SQLXML", ClassString},
	TypeRefCursor:             {"REF_CURSOR", ClassCursor},
	TypeTimeWithTimezone:      {"TIME_WITH_TIMEZONE", ClassTime},
	TypeTimestampWithTimezone: {"TIMESTAMP_WITH_TIMEZONE", ClassTimestamp},
}

var standardByName = func() map[string]int {
	m := make(map[string]int, len(standardTypes))
	for code, st := range standardTypes {
		m[st.name] = code
	}
	return m
}()

// vendorClasses maps lower-cased engine type names to their class.
var vendorClasses = map[string]TypeClass{
	// integers
	"int": ClassInteger, "int2": ClassInteger, "int4": ClassInteger, "int8": ClassInteger,
	"integer": ClassInteger, "smallint": ClassInteger, "bigint": ClassInteger, "tinyint": ClassInteger,
	"mediumint": ClassInteger, "serial": ClassInteger, "bigserial": ClassInteger, "year": ClassInteger,
	"pls_integer": ClassInteger, "binary_integer": ClassInteger,
	// floats
	"float": ClassFloat, "float4": ClassFloat, "float8": ClassFloat, "real": ClassFloat,
	"double": ClassFloat, "double precision": ClassFloat, "binary_float": ClassFloat, "binary_double": ClassFloat,
	// exact numerics
	"numeric": ClassDecimal, "decimal": ClassDecimal, "number": ClassDecimal,
	"money": ClassDecimal, "smallmoney": ClassDecimal,
	// booleans
	"bool": ClassBoolean, "boolean": ClassBoolean, "bit": ClassBoolean,
	// text
	"char": ClassString, "varchar": ClassString, "text": ClassString, "nchar": ClassString,
	"nvarchar": ClassString, "ntext": ClassString, "bpchar": ClassString, "varchar2": ClassString,
	"nvarchar2": ClassString, "clob": ClassString, "nclob": ClassString, "character": ClassString,
	"character varying": ClassString, "uuid": ClassString, "uniqueidentifier": ClassString,
	"json": ClassString, "jsonb": ClassString, "xml": ClassString, "enum": ClassString, "set": ClassString,
	"tinytext": ClassString, "mediumtext": ClassString, "longtext": ClassString, "name": ClassString,
	"sysname": ClassString, "rowid": ClassString,
	// binary
	"bytea": ClassBinary, "binary": ClassBinary, "varbinary": ClassBinary, "blob": ClassBinary,
	"raw": ClassBinary, "long raw": ClassBinary, "image": ClassBinary, "tinyblob": ClassBinary,
	"mediumblob": ClassBinary, "longblob": ClassBinary,
	// temporal
	"date": ClassDate,
	"time": ClassTime, "timetz": ClassTime, "time with time zone": ClassTime,
	"time without time zone": ClassTime,

	"timestamp": ClassTimestamp, "timestamptz": ClassTimestamp, "datetime": ClassTimestamp,
	"datetime2": ClassTimestamp, "smalldatetime": ClassTimestamp, "datetimeoffset": ClassTimestamp,
	"timestamp with time zone": ClassTimestamp, "timestamp without time zone": ClassTimestamp,
	"timestamp with local time zone": ClassTimestamp,
	// cursors
	"refcursor": ClassCursor, "ref cursor": ClassCursor, "sys_refcursor": ClassCursor, "cursor": ClassCursor,
	"ref_cursor": ClassCursor,
}

// TypeForCode returns the standard type for code. ok is false for codes
// outside the standard table; the returned type then carries the bare code.
func TypeForCode(code int) (SQLType, bool) {
	st, ok := standardTypes[code]
	if !ok {
		return SQLType{Code: code}, false
	}
	return SQLType{Code: code, Name: st.name}, true
}

// TypeForName resolves name against the standard table (case-insensitive).
// Any other name is kept verbatim as a vendor type with code TypeOther.
func TypeForName(name string) SQLType {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return SQLType{}
	}
	if code, ok := standardByName[strings.ToUpper(trimmed)]; ok {
		return SQLType{Code: code, Name: standardTypes[code].name}
	}
	return SQLType{Code: TypeOther, Name: trimmed}
}

// IsZero reports whether the type is unknown.
func (t SQLType) IsZero() bool {
	return t.Code == 0 && t.Name == ""
}

// Class classifies the type, by code for standard types and by name for
// vendor types.
func (t SQLType) Class() TypeClass {
	if st, ok := standardTypes[t.Code]; ok && t.Code != TypeOther && t.Code != TypeNull {
		return st.class
	}
	name := strings.ToLower(strings.TrimSpace(t.Name))
	// strip length / precision, e.g. "varchar(20)" or "number(10,2)"
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimPrefix(name, "unsigned ")
	name = strings.TrimSuffix(name, " unsigned")
	if c, ok := vendorClasses[name]; ok {
		return c
	}
	if c, ok := vendorClasses[strings.ReplaceAll(name, "_", " ")]; ok {
		return c
	}
	return ClassUnknown
}

func (t SQLType) String() string {
	switch {
	case t.Name != "":
		return t.Name
	case t.Code != 0:
		if st, ok := standardTypes[t.Code]; ok {
			return st.name
		}
		return "TYPE(" + strconv.Itoa(t.Code) + ")"
	default:
		return "UNKNOWN"
	}
}

// ColumnDescriptor is the metadata used to decode a raw driver value.
type ColumnDescriptor struct {
	Name string
	Type SQLType
}

// ParamMode is the declared direction of a procedure parameter.
type ParamMode int

const (
	ParamModeUnknown ParamMode = iota
	ParamModeIn
	ParamModeOut
	ParamModeInOut
)

// ParseParamMode maps the catalog spellings (IN, OUT, INOUT, IN/OUT) to a mode.
func ParseParamMode(s string) ParamMode {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "IN":
		return ParamModeIn
	case "OUT":
		return ParamModeOut
	case "INOUT", "IN/OUT":
		return ParamModeInOut
	default:
		return ParamModeUnknown
	}
}

// ParamInfo describes one placeholder position of a prepared call.
type ParamInfo struct {
	Position int // 1-based
	Name     string
	Type     SQLType
	Mode     ParamMode
}
