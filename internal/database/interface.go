package database

import "context"

// DB is a pooled handle on one database. Layers above this package talk only
// to this interface; they never import an engine package directly.
type DB interface {
	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Acquire borrows a connection from the pool. The caller must Release it.
	Acquire(ctx context.Context) (PooledConn, error)

	// Close releases all resources held by the connection pool.
	Close()
}

// Conn is the capability a callable execution needs from a borrowed
// connection. It is not safe for concurrent use.
type Conn interface {
	// PrepareCall compiles sql into a callable statement scoped to the
	// connection. Callers must Close the returned statement.
	PrepareCall(ctx context.Context, sql string) (CallableStatement, error)
}

// PooledConn is a Conn obtained from DB.Acquire.
type PooledConn interface {
	Conn

	// Release returns the connection to its pool.
	Release()
}

// CallableStatement is a prepared stored-procedure invocation with 1-based
// positional parameters.
//
// The call sequence is: options, ParameterMetadata (optional), SetObject /
// SetNull / RegisterOutParameter, Execute, then ResultSet / MoreResults while
// result sets remain, then Object for registered outputs, then Close.
type CallableStatement interface {
	// SetFetchSize hints how many rows the driver should fetch per round trip.
	// Drivers without such a knob ignore it.
	SetFetchSize(n int)

	// ParameterMetadata describes the placeholders of the call.
	ParameterMetadata(ctx context.Context) (ParameterMetadata, error)

	// SetObject binds v as the input value at pos. typ may be the zero type.
	SetObject(pos int, v any, typ SQLType) error

	// SetNull binds SQL NULL at pos.
	SetNull(pos int, typ SQLType) error

	// RegisterOutParameter marks pos as an output of type typ. Combined with
	// SetObject on the same position it becomes an INOUT parameter.
	RegisterOutParameter(pos int, typ SQLType) error

	// Execute runs the call and reports whether the first result is a result set.
	Execute(ctx context.Context) (bool, error)

	// ResultSet returns the current result set. It must be fully consumed and
	// closed before MoreResults is called.
	ResultSet() (ResultSet, error)

	// MoreResults advances to the next result and reports whether it is a
	// result set.
	MoreResults(ctx context.Context) (bool, error)

	// Object returns the value of the registered output at pos. A nested
	// cursor is returned as a ResultSet owned by the caller.
	Object(ctx context.Context, pos int) (any, error)

	// Close releases the statement and any cursor still open.
	Close() error
}

// ResultSet is one tabular result of a call.
// Callers must always call Close() when done, even on error.
type ResultSet interface {
	// Columns describes the columns in order.
	Columns() ([]ColumnDescriptor, error)

	// Next advances to the next row.
	// Returns false when no more rows exist or on error.
	Next() bool

	// Values returns the current row's raw driver values.
	Values() ([]any, error)

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases the cursor.
	Close() error
}

// ParameterMetadata describes the placeholders of a prepared call.
type ParameterMetadata interface {
	// Count returns the number of placeholders.
	Count() int

	// Param returns the description of the 1-based position pos.
	Param(pos int) (ParamInfo, bool)
}
