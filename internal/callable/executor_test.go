package callable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/database/dbtest"
	"github.com/koustreak/callsql/internal/errs"
)

func usersResult() dbtest.Result {
	return dbtest.Result{
		Columns: []database.ColumnDescriptor{
			dbtest.Column("id", database.TypeInteger),
			dbtest.Column("name", database.TypeVarchar),
		},
		Rows: [][]any{
			{int32(1), []byte("ada")},
			{int32(2), []byte("grace")},
		},
	}
}

func ordersResult() dbtest.Result {
	return dbtest.Result{
		Columns: []database.ColumnDescriptor{
			dbtest.Column("total", database.TypeDecimal),
		},
		Rows: [][]any{{"10.50"}},
	}
}

func run(t *testing.T, script dbtest.Script, spec CallSpec, opts ...Option) (*ResultSet, *dbtest.Conn, error) {
	t.Helper()
	conn := dbtest.NewConn(script)
	rs, err := NewExecutor(opts...).Execute(context.Background(), conn, spec)
	return rs, conn, err
}

func TestExecute_WorkedExample(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{2: int64(42)}},
		CallSpec{
			SQL: "{call proc(?,?)}",
			In:  []any{5, nil},
			Out: []OutParam{None(), TypeName("INTEGER")},
		},
	)

	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Empty(t, rs.Columns)
	assert.Empty(t, rs.Results)
	assert.Equal(t, []any{nil, int64(42)}, rs.Output)
	assert.Nil(t, rs.Next)

	stmt := conn.Statements()[0]
	assert.Equal(t, 5, stmt.Inputs[1])
	assert.NotContains(t, stmt.Inputs, 2, "output-only position must not be bound as input")
	assert.Equal(t, database.TypeInteger, stmt.Outs[2].Code)
	assert.Zero(t, conn.Tracker.Leaks())
}

func TestExecute_ReturnValueEscape(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: int64(99)}},
		CallSpec{
			SQL: "{? = call order_total(?)}",
			In:  []any{nil, 7},
			Out: []OutParam{TypeName("INTEGER"), None()},
		},
	)

	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, []any{int64(99), nil}, rs.Output)
	stmt := conn.Statements()[0]
	assert.Equal(t, 7, stmt.Inputs[2])
	assert.Zero(t, conn.Tracker.Leaks())
}

func TestExecute_NoResultsNoOutputs(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Results: []dbtest.Result{{UpdateCount: true}}},
		CallSpec{SQL: "{call touch(?)}", In: []any{1}},
	)

	require.NoError(t, err)
	assert.Nil(t, rs)
	assert.Zero(t, conn.Tracker.Leaks())
}

func TestExecute_ResultSetsWithoutOutputs(t *testing.T) {
	tests := []struct {
		name    string
		results []dbtest.Result
		pages   int
	}{
		{"one", []dbtest.Result{usersResult()}, 1},
		{"two", []dbtest.Result{usersResult(), ordersResult()}, 2},
		{"update count between", []dbtest.Result{usersResult(), {UpdateCount: true}, ordersResult()}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, conn, err := run(t, dbtest.Script{Results: tt.results}, CallSpec{SQL: "{call report()}"})

			require.NoError(t, err)
			require.NotNil(t, rs)
			assert.Equal(t, tt.pages, rs.Len())
			for p := rs; p != nil; p = p.Next {
				assert.Nil(t, p.Output)
			}
			assert.Equal(t, []string{"id", "name"}, rs.Columns)
			assert.Equal(t, [][]any{{int64(1), "ada"}, {int64(2), "grace"}}, rs.Results)
			assert.Zero(t, conn.Tracker.Leaks())
		})
	}
}

func TestExecute_OutputsWithoutResultSets(t *testing.T) {
	rs, _, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: "ok", 2: int64(7), 3: true}},
		CallSpec{
			SQL: "{call status(?, ?, ?)}",
			Out: []OutParam{TypeCode(database.TypeVarchar), TypeCode(database.TypeBigInt), TypeName("BOOLEAN")},
		},
	)

	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, []string{}, rs.Columns)
	assert.Equal(t, [][]any{}, rs.Results)
	assert.Equal(t, []any{"ok", int64(7), true}, rs.Output)
}

func TestExecute_OutputsOnFirstPageOnly(t *testing.T) {
	rs, _, err := run(t,
		dbtest.Script{
			Results: []dbtest.Result{usersResult(), ordersResult(), usersResult()},
			Outputs: map[int]any{1: int64(3)},
		},
		CallSpec{SQL: "{call report(?)}", Out: []OutParam{TypeName("INTEGER")}},
	)

	require.NoError(t, err)
	require.Equal(t, 3, rs.Len())
	assert.Equal(t, []any{int64(3)}, rs.Output)
	assert.Nil(t, rs.Next.Output)
	assert.Nil(t, rs.Next.Next.Output)
	assert.Equal(t, [][]any{{decimal.RequireFromString("10.50")}}, rs.Next.Results)
}

func TestExecute_UnrequestedOutputIsNil(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: "ignored", 2: "kept"}},
		CallSpec{
			SQL: "{call pair(?, ?)}",
			Out: []OutParam{None(), TypeName("VARCHAR")},
		},
	)

	require.NoError(t, err)
	assert.Equal(t, []any{nil, "kept"}, rs.Output)
	assert.NotContains(t, conn.Statements()[0].Calls, "Object(1)")
}

func TestExecute_NullOutput(t *testing.T) {
	rs, _, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: nil}},
		CallSpec{SQL: "{call maybe(?)}", Out: []OutParam{TypeName("INTEGER")}},
	)

	require.NoError(t, err)
	assert.Equal(t, []any{nil}, rs.Output)
}

func TestExecute_NestedCursorOutput(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{2: usersResult()}},
		CallSpec{
			SQL: "{call open_users(?, ?)}",
			In:  []any{"active"},
			Out: []OutParam{None(), TypeCode(database.TypeRefCursor)},
		},
	)

	require.NoError(t, err)
	require.Len(t, rs.Output, 2)
	nested, ok := rs.Output[1].(map[string]any)
	require.True(t, ok, "cursor output must be rendered, got %T", rs.Output[1])
	assert.Equal(t, []string{"id", "name"}, nested["columnNames"])
	assert.Equal(t, 2, nested["numColumns"])
	assert.Equal(t, 2, nested["numRows"])
	assert.Equal(t, [][]any{{int64(1), "ada"}, {int64(2), "grace"}}, nested["results"])
	assert.Zero(t, conn.Tracker.Leaks())
}

func TestExecute_InOutParameter(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: int64(11)}},
		CallSpec{SQL: "{call incr(?)}", In: []any{10}, Out: []OutParam{TypeName("INTEGER")}},
	)

	require.NoError(t, err)
	assert.Equal(t, []any{int64(11)}, rs.Output)
	stmt := conn.Statements()[0]
	assert.Equal(t, 10, stmt.Inputs[1])
	assert.Contains(t, stmt.Outs, 1)
}

func TestExecute_NilInputBindsNull(t *testing.T) {
	_, conn, err := run(t, dbtest.Script{}, CallSpec{SQL: "{call f(?, ?)}", In: []any{nil, "x"}})

	require.NoError(t, err)
	stmt := conn.Statements()[0]
	assert.Contains(t, stmt.Calls, "SetNull(1)")
	assert.Contains(t, stmt.Calls, "SetObject(2)")
}

func TestExecute_InferredOutputReadsMetadataOnce(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{
			Params: database.ParamList{
				{Position: 1, Name: "total", Type: database.SQLType{Code: database.TypeNumeric, Name: "NUMERIC"}, Mode: database.ParamModeOut},
				{Position: 2, Name: "cnt", Type: database.SQLType{Code: database.TypeInteger, Name: "INTEGER"}, Mode: database.ParamModeOut},
			},
			Outputs: map[int]any{1: "12.30", 2: "4"},
		},
		CallSpec{SQL: "{call totals(?, ?)}", Out: []OutParam{Inferred(), Inferred()}},
	)

	require.NoError(t, err)
	assert.Equal(t, []any{decimal.RequireFromString("12.30"), int64(4)}, rs.Output)
	assert.Equal(t, 1, conn.Statements()[0].MetadataCalls)
}

func TestExecute_ExplicitTypesSkipMetadata(t *testing.T) {
	_, conn, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: int64(1)}},
		CallSpec{SQL: "{call f(?)}", Out: []OutParam{TypeCode(database.TypeInteger)}},
	)

	require.NoError(t, err)
	assert.Zero(t, conn.Statements()[0].MetadataCalls)
}

func TestExecute_DecodesByDeclaredType(t *testing.T) {
	// the driver hands back text; the declared type wins
	rs, _, err := run(t,
		dbtest.Script{Outputs: map[int]any{1: []byte("42")}},
		CallSpec{SQL: "{call f(?)}", Out: []OutParam{TypeName("INTEGER")}},
	)

	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, rs.Output)
}

func TestExecute_AppliesOptionsBeforeBinding(t *testing.T) {
	_, conn, err := run(t,
		dbtest.Script{},
		CallSpec{SQL: "{call f(?)}", In: []any{1}},
		WithStatementOptions(database.StatementOptions{FetchSize: 500}),
	)

	require.NoError(t, err)
	stmt := conn.Statements()[0]
	assert.Equal(t, 500, stmt.FetchSize)
	assert.Equal(t, "SetFetchSize(500)", stmt.Calls[0])
}

func TestExecute_MaxRows(t *testing.T) {
	rs, conn, err := run(t,
		dbtest.Script{Results: []dbtest.Result{usersResult()}},
		CallSpec{SQL: "{call users()}"},
		WithStatementOptions(database.StatementOptions{MaxRows: 1}),
	)

	require.NoError(t, err)
	assert.Len(t, rs.Results, 1)
	assert.Zero(t, conn.Tracker.Leaks())
}

func TestExecute_CustomDecoder(t *testing.T) {
	upper := DecoderFunc(func(v any, col database.ColumnDescriptor) (any, error) {
		return col.Name, nil
	})
	rs, _, err := run(t,
		dbtest.Script{Results: []dbtest.Result{usersResult()}},
		CallSpec{SQL: "{call users()}"},
		WithDecoder(upper),
	)

	require.NoError(t, err)
	assert.Equal(t, []any{"id", "name"}, rs.Results[0])
}

func TestExecute_FailuresReleaseEverything(t *testing.T) {
	boom := errors.New("driver exploded")
	withRows := []dbtest.Result{usersResult(), ordersResult()}

	tests := []struct {
		name   string
		script dbtest.Script
		spec   CallSpec
	}{
		{"prepare", dbtest.Script{PrepareErr: boom}, CallSpec{SQL: "{call f()}"}},
		{"metadata", dbtest.Script{MetadataErr: boom}, CallSpec{SQL: "{call f(?)}", Out: []OutParam{Inferred()}}},
		{"bind", dbtest.Script{BindErr: boom}, CallSpec{SQL: "{call f(?)}", In: []any{1}}},
		{"execute", dbtest.Script{ExecuteErr: boom}, CallSpec{SQL: "{call f()}"}},
		{"rows", dbtest.Script{Results: []dbtest.Result{usersResult(), {Columns: ordersResult().Columns, Err: boom}}}, CallSpec{SQL: "{call f()}"}},
		{"more results", dbtest.Script{Results: withRows, MoreErr: boom}, CallSpec{SQL: "{call f()}"}},
		{"object", dbtest.Script{Results: withRows, ObjectErr: boom}, CallSpec{SQL: "{call f(?)}", Out: []OutParam{TypeName("INTEGER")}}},
		{"close", dbtest.Script{Results: withRows, CloseErr: boom}, CallSpec{SQL: "{call f()}"}},
		{"decode", dbtest.Script{Outputs: map[int]any{1: "not a number"}}, CallSpec{SQL: "{call f(?)}", Out: []OutParam{TypeName("INTEGER")}}},
		{"position out of range", dbtest.Script{}, CallSpec{SQL: "{call f(?)}", In: []any{1, 2}}},
		{"malformed escape", dbtest.Script{}, CallSpec{SQL: "{? = call}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, conn, err := run(t, tt.script, tt.spec)

			require.Error(t, err)
			assert.Nil(t, rs)
			assert.True(t, errs.IsExecutionFailed(err), "got %v", err)
			assert.Zero(t, conn.Tracker.Leaks(), "handles left open")
			for _, stmt := range conn.Statements() {
				assert.True(t, stmt.Closed)
			}
		})
	}
}

func TestExecute_ErrorKeepsDriverCause(t *testing.T) {
	cause := errs.Wrap(errs.ErrKindNotFound, "no such procedure", errors.New("42883"))
	_, _, err := run(t, dbtest.Script{ExecuteErr: cause}, CallSpec{SQL: "{call missing()}"})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, errs.ErrKindNotFound, errs.CauseKind(err))
}

func TestExecute_HonoursQueryTimeout(t *testing.T) {
	conn := dbtest.NewConn(dbtest.Script{})
	exec := NewExecutor(WithStatementOptions(database.StatementOptions{QueryTimeout: time.Nanosecond}))

	var deadline time.Time
	_, err := exec.Execute(context.Background(), deadlineConn{conn, &deadline}, CallSpec{SQL: "{call f()}"})

	require.NoError(t, err)
	assert.False(t, deadline.IsZero(), "call context must carry the query timeout")
}

// deadlineConn records the deadline of the context the call is prepared with.
type deadlineConn struct {
	*dbtest.Conn
	deadline *time.Time
}

func (c deadlineConn) PrepareCall(ctx context.Context, sql string) (database.CallableStatement, error) {
	*c.deadline, _ = ctx.Deadline()
	return c.Conn.PrepareCall(ctx, sql)
}
