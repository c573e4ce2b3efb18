package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// fakeRows is an in-memory pgx.Rows.
type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	err    error

	i      int
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.data[r.i-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for j, d := range dest {
		switch p := d.(type) {
		case *[]string:
			*p = row[j].([]string)
		case *int:
			*p = row[j].(int)
		default:
			return fmt.Errorf("unsupported scan target %T", d)
		}
	}
	return nil
}

// fakeSession records what a statement sends and answers from canned rows:
// catalog for the pg_proc lookup, cursor for FETCH, call for everything else.
type fakeSession struct {
	desc    *pgconn.StatementDescription
	catalog *fakeRows
	call    *fakeRows
	cursor  *fakeRows

	callErr error
	inTx    bool
	closed  bool
	tm      *pgtype.Map

	prepared    string
	queries     []string
	callArgs    []any
	execs       []string
	deallocated []string
}

func newSession(desc *pgconn.StatementDescription) *fakeSession {
	return &fakeSession{desc: desc, tm: pgtype.NewMap()}
}

func (f *fakeSession) Prepare(_ context.Context, _, sql string) (*pgconn.StatementDescription, error) {
	f.prepared = sql
	return f.desc, nil
}

func (f *fakeSession) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, sql)
	switch {
	case sql == procArgsQuery:
		if f.catalog == nil {
			return &fakeRows{}, nil
		}
		return f.catalog, nil
	case strings.HasPrefix(sql, "FETCH ALL FROM "):
		return f.cursor, nil
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	f.callArgs = args
	if f.call == nil {
		return &fakeRows{}, nil
	}
	return f.call, nil
}

func (f *fakeSession) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	switch sql {
	case "BEGIN":
		f.inTx = true
	case "COMMIT":
		f.inTx = false
	}
	return pgconn.NewCommandTag(sql), nil
}

func (f *fakeSession) Deallocate(_ context.Context, name string) error {
	f.deallocated = append(f.deallocated, name)
	return nil
}

func (f *fakeSession) TypeMap() *pgtype.Map { return f.tm }
func (f *fakeSession) IsClosed() bool       { return f.closed }
func (f *fakeSession) InTx() bool           { return f.inTx }

func field(name string, oid uint32) pgconn.FieldDescription {
	return pgconn.FieldDescription{Name: name, DataTypeOID: oid}
}

func twoIntParams() *pgconn.StatementDescription {
	return &pgconn.StatementDescription{
		ParamOIDs: []uint32{pgtype.Int4OID, pgtype.Int4OID},
		Fields:    []pgconn.FieldDescription{field("a", pgtype.Int4OID), field("b", pgtype.Int4OID)},
	}
}

func catalogRow(modes, names []string, nargs int) *fakeRows {
	return &fakeRows{data: [][]any{{modes, names, nargs}}}
}

func TestStatement_OutputsFollowDeclaredModes(t *testing.T) {
	// p(INOUT a int, OUT b int): the row carries a then b
	sess := newSession(twoIntParams())
	sess.catalog = catalogRow([]string{"b", "o"}, []string{"a", "b"}, 2)
	sess.call = &fakeRows{fields: twoIntParams().Fields, data: [][]any{{int32(10), int32(20)}}}

	stmt, err := prepare(context.Background(), sess, "{call p(?, ?)}")
	require.NoError(t, err)
	assert.Equal(t, "CALL p($1, $2)", sess.prepared)
	require.NoError(t, stmt.SetObject(1, 5, database.SQLType{}))
	require.NoError(t, stmt.RegisterOutParameter(2, database.TypeForName("int4")))

	ok, err := stmt.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "the output row is not a result set")
	assert.Equal(t, []any{5, nil}, sess.callArgs)
	assert.True(t, sess.call.closed)

	got, err := stmt.Object(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int32(20), got)

	_, err = stmt.Object(context.Background(), 1)
	assert.True(t, errs.IsInvalidInput(err), "position 1 was not registered")
	require.NoError(t, stmt.Close())
}

func TestStatement_OutputsWithoutCatalog(t *testing.T) {
	tests := []struct {
		name     string
		register []int
		want     map[int]any
		wantErr  bool
	}{
		{"all outputs registered", []int{1, 2}, map[int]any{1: int32(10), 2: int32(20)}, false},
		{"partial registration is ambiguous", []int{2}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession(twoIntParams())
			sess.call = &fakeRows{fields: twoIntParams().Fields, data: [][]any{{int32(10), int32(20)}}}

			stmt, err := prepare(context.Background(), sess, "{call p(?, ?)}")
			require.NoError(t, err)
			defer stmt.Close()
			for _, pos := range tt.register {
				require.NoError(t, stmt.RegisterOutParameter(pos, database.TypeForName("int4")))
			}

			_, err = stmt.Execute(context.Background())
			if tt.wantErr {
				assert.True(t, errs.IsInvalidInput(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			for pos, want := range tt.want {
				got, err := stmt.Object(context.Background(), pos)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestStatement_CatalogIgnoredOnArityMismatch(t *testing.T) {
	sess := newSession(twoIntParams())
	sess.catalog = catalogRow([]string{"i", "i", "o"}, nil, 3)

	stmt, err := prepare(context.Background(), sess, "{call p(?, ?)}")
	require.NoError(t, err)
	defer stmt.Close()

	md, err := stmt.ParameterMetadata(context.Background())
	require.NoError(t, err)
	p, ok := md.Param(2)
	require.True(t, ok)
	assert.Equal(t, database.ParamModeUnknown, p.Mode)
	assert.Equal(t, database.ClassInteger, p.Type.Class())
}

func TestStatement_ParameterMetadataFromCatalog(t *testing.T) {
	sess := newSession(twoIntParams())
	sess.catalog = catalogRow([]string{"i", "b"}, []string{"id", "total"}, 2)

	stmt, err := prepare(context.Background(), sess, "CALL shop.add(?, ?)")
	require.NoError(t, err)
	defer stmt.Close()

	for i := 0; i < 2; i++ {
		md, err := stmt.ParameterMetadata(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, md.Count())

		p, _ := md.Param(1)
		assert.Equal(t, database.ParamInfo{Position: 1, Name: "id", Type: database.TypeForName("int4"), Mode: database.ParamModeIn}, p)
		p, _ = md.Param(2)
		assert.Equal(t, "total", p.Name)
		assert.Equal(t, database.ParamModeInOut, p.Mode)
	}
	assert.Len(t, sess.queries, 1, "catalog is read once")
}

func TestStatement_RegisteredInParameter(t *testing.T) {
	sess := newSession(twoIntParams())
	sess.catalog = catalogRow([]string{"i", "o"}, nil, 2)
	sess.call = &fakeRows{fields: []pgconn.FieldDescription{field("b", pgtype.Int4OID)}, data: [][]any{{int32(1)}}}

	stmt, err := prepare(context.Background(), sess, "{call p(?, ?)}")
	require.NoError(t, err)
	defer stmt.Close()
	require.NoError(t, stmt.RegisterOutParameter(1, database.SQLType{}))

	_, err = stmt.Execute(context.Background())
	assert.True(t, errs.IsInvalidInput(err))
}

func TestMatchOutputs(t *testing.T) {
	in, out, inout := database.ParamModeIn, database.ParamModeOut, database.ParamModeInOut

	tests := []struct {
		name      string
		fields    int
		modes     []database.ParamMode
		positions []int
		want      map[int]int
		wantKind  errs.ErrKind
	}{
		{"declared, last output only", 2, []database.ParamMode{inout, out}, []int{2}, map[int]int{2: 1}, errs.ErrKindUnknown},
		{"declared, skips inputs", 2, []database.ParamMode{in, out, in, inout}, []int{2, 4}, map[int]int{2: 0, 4: 1}, errs.ErrKindUnknown},
		{"declared, input registered", 1, []database.ParamMode{in, out}, []int{1}, nil, errs.ErrKindInvalidInput},
		{"declared, row shape differs", 3, []database.ParamMode{in, out}, []int{2}, nil, errs.ErrKindQueryFailed},
		{"undeclared, every output", 2, nil, []int{1, 3}, map[int]int{1: 0, 3: 1}, errs.ErrKindUnknown},
		{"undeclared, count differs", 2, nil, []int{2}, nil, errs.ErrKindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matchOutputs(tt.fields, tt.modes, tt.positions)
			if tt.wantKind != errs.ErrKindUnknown {
				var e *errs.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, tt.wantKind, e.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArgModes(t *testing.T) {
	in, out, inout := database.ParamModeIn, database.ParamModeOut, database.ParamModeInOut
	assert.Equal(t, []database.ParamMode{in, in}, argModes(nil, 2))
	assert.Equal(t, []database.ParamMode{in, inout, out, in, out}, argModes([]string{"i", "b", "o", "v", "t"}, 5))
}

func TestStatement_ResultRows(t *testing.T) {
	desc := &pgconn.StatementDescription{
		ParamOIDs: []uint32{pgtype.Int4OID},
		Fields:    []pgconn.FieldDescription{field("id", pgtype.Int4OID), field("name", pgtype.TextOID)},
	}
	sess := newSession(desc)
	sess.call = &fakeRows{fields: desc.Fields, data: [][]any{{int32(1), "ada"}, {int32(2), "grace"}}}

	stmt, err := prepare(context.Background(), sess, "SELECT * FROM users_since(?)")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users_since($1)", sess.prepared)
	require.NoError(t, stmt.SetObject(1, 7, database.SQLType{}))

	ok, err := stmt.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	rs, err := stmt.ResultSet()
	require.NoError(t, err)
	cols, err := rs.Columns()
	require.NoError(t, err)
	assert.Equal(t, "name", cols[1].Name)
	assert.Equal(t, database.ClassString, cols[1].Type.Class())

	var rows [][]any
	for rs.Next() {
		vals, err := rs.Values()
		require.NoError(t, err)
		rows = append(rows, vals)
	}
	assert.Equal(t, [][]any{{int32(1), "ada"}, {int32(2), "grace"}}, rows)

	more, err := stmt.MoreResults(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.True(t, sess.call.closed)

	_, err = stmt.ResultSet()
	assert.Error(t, err)

	require.NoError(t, stmt.Close())
	require.NoError(t, stmt.Close())
	assert.Len(t, sess.deallocated, 1)
	assert.Empty(t, sess.execs)
}

func TestStatement_ExecuteWithoutFields(t *testing.T) {
	sess := newSession(&pgconn.StatementDescription{})
	stmt, err := prepare(context.Background(), sess, "{call refresh}")
	require.NoError(t, err)

	ok, err := stmt.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, stmt.Close())
}

func TestStatement_ExecuteError(t *testing.T) {
	sess := newSession(&pgconn.StatementDescription{})
	sess.callErr = &pgconn.PgError{Code: "42883", Message: "procedure nope() does not exist"}

	stmt, err := prepare(context.Background(), sess, "{call nope}")
	require.NoError(t, err)

	_, err = stmt.Execute(context.Background())
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, stmt.Close())
	_, err = stmt.Execute(context.Background())
	assert.ErrorIs(t, err, database.ErrStatementClosed)
}

func TestStatement_CloseOnClosedConnection(t *testing.T) {
	sess := newSession(&pgconn.StatementDescription{})
	stmt, err := prepare(context.Background(), sess, "{call f}")
	require.NoError(t, err)

	sess.closed = true
	require.NoError(t, stmt.Close())
	assert.Empty(t, sess.deallocated)
}

func cursorSession(inTx bool) *fakeSession {
	desc := &pgconn.StatementDescription{
		ParamOIDs: []uint32{pgtype.Int4OID, 1790},
		Fields:    []pgconn.FieldDescription{field("users", 1790)},
	}
	sess := newSession(desc)
	sess.inTx = inTx
	sess.catalog = catalogRow([]string{"i", "b"}, []string{"since", "users"}, 2)
	sess.call = &fakeRows{fields: desc.Fields, data: [][]any{{"<unnamed portal 1>"}}}
	sess.cursor = &fakeRows{
		fields: []pgconn.FieldDescription{field("id", pgtype.Int4OID)},
		data:   [][]any{{int32(1)}, {int32(2)}},
	}
	return sess
}

func TestStatement_CursorOutputOpensTransaction(t *testing.T) {
	sess := cursorSession(false)

	stmt, err := prepare(context.Background(), sess, "{call list_users(?, ?)}")
	require.NoError(t, err)
	require.NoError(t, stmt.SetObject(1, 3, database.SQLType{}))
	require.NoError(t, stmt.RegisterOutParameter(2, database.TypeForName("refcursor")))

	_, err = stmt.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN"}, sess.execs)

	got, err := stmt.Object(context.Background(), 2)
	require.NoError(t, err)
	rs, ok := got.(database.ResultSet)
	require.True(t, ok)
	assert.Contains(t, sess.queries, `FETCH ALL FROM "<unnamed portal 1>"`)

	var ids []any
	for rs.Next() {
		vals, err := rs.Values()
		require.NoError(t, err)
		ids = append(ids, vals[0])
	}
	assert.Equal(t, []any{int32(1), int32(2)}, ids)

	// Close also releases the fetched rows before committing
	require.NoError(t, stmt.Close())
	assert.True(t, sess.cursor.closed)
	assert.Equal(t, []string{"BEGIN", "COMMIT"}, sess.execs)
	assert.False(t, sess.inTx)
	assert.Len(t, sess.deallocated, 1)
}

func TestStatement_CursorOutputInCallerTransaction(t *testing.T) {
	sess := cursorSession(true)

	stmt, err := prepare(context.Background(), sess, "{call list_users(?, ?)}")
	require.NoError(t, err)
	require.NoError(t, stmt.RegisterOutParameter(2, database.TypeForName("refcursor")))

	_, err = stmt.Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, stmt.Close())
	assert.Empty(t, sess.execs, "the caller's transaction is left alone")
	assert.True(t, sess.inTx)
}

func TestStatement_ReturnValue(t *testing.T) {
	desc := &pgconn.StatementDescription{
		ParamOIDs: []uint32{pgtype.Int4OID},
		Fields:    []pgconn.FieldDescription{field("order_total", pgtype.NumericOID)},
	}
	sess := newSession(desc)
	sess.call = &fakeRows{fields: desc.Fields, data: [][]any{{"12.50"}}}

	stmt, err := prepare(context.Background(), sess, "{? = call order_total(?)}")
	require.NoError(t, err)
	assert.Equal(t, "SELECT order_total($1)", sess.prepared)

	md, err := stmt.ParameterMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, md.Count())
	p, _ := md.Param(1)
	assert.Equal(t, database.ParamModeOut, p.Mode)
	assert.Equal(t, database.ClassDecimal, p.Type.Class())
	p, _ = md.Param(2)
	assert.Equal(t, database.ParamModeIn, p.Mode)
	assert.Equal(t, database.ClassInteger, p.Type.Class())

	require.NoError(t, stmt.SetNull(1, database.SQLType{}))
	require.NoError(t, stmt.SetObject(2, 7, database.SQLType{}))
	require.NoError(t, stmt.RegisterOutParameter(1, database.TypeForName("numeric")))

	ok, err := stmt.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []any{7}, sess.callArgs)
	assert.NotContains(t, sess.queries, procArgsQuery)

	got, err := stmt.Object(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "12.50", got)
	require.NoError(t, stmt.Close())
}

func TestStatement_ReturnFormArgumentNotAnOutput(t *testing.T) {
	sess := newSession(&pgconn.StatementDescription{
		ParamOIDs: []uint32{pgtype.Int4OID},
		Fields:    []pgconn.FieldDescription{field("f", pgtype.Int4OID)},
	})
	stmt, err := prepare(context.Background(), sess, "{? = call f(?)}")
	require.NoError(t, err)
	defer stmt.Close()
	require.NoError(t, stmt.RegisterOutParameter(2, database.SQLType{}))

	_, err = stmt.Execute(context.Background())
	assert.True(t, errs.IsInvalidInput(err))
	assert.Empty(t, sess.queries)
}

func TestStatement_CatalogError(t *testing.T) {
	sess := newSession(twoIntParams())
	sess.catalog = &fakeRows{err: errors.New("connection reset")}

	stmt, err := prepare(context.Background(), sess, "{call p(?, ?)}")
	require.NoError(t, err)
	defer stmt.Close()
	require.NoError(t, stmt.RegisterOutParameter(2, database.SQLType{}))

	_, err = stmt.Execute(context.Background())
	assert.True(t, errs.IsConnectionFailed(err), "got %v", err)
	assert.NotContains(t, sess.queries, stmt.name, "the call is not sent")
}
