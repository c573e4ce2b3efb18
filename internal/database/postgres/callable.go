package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// closeTimeout bounds the COMMIT and DEALLOCATE sent when a statement is closed.
const closeTimeout = 5 * time.Second

var stmtSeq atomic.Uint64

// session is the slice of *pgx.Conn a statement uses.
type session interface {
	Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Deallocate(ctx context.Context, name string) error
	TypeMap() *pgtype.Map
	IsClosed() bool
	InTx() bool
}

// pgxSession adapts *pgx.Conn to session.
type pgxSession struct {
	*pgx.Conn
}

func (s pgxSession) InTx() bool { return s.PgConn().TxStatus() != 'I' }

// statement is a server-side prepared CALL, or a SELECT for the
// `{? = call f(?)}` form.
//
// PostgreSQL returns every OUT and INOUT procedure parameter as a single
// row, so when outputs are registered that row is consumed by Execute and
// the call reports no result set. Columns are matched to positions through
// the modes declared in pg_proc. refcursor outputs are fetched on demand and
// only live inside a transaction; one is opened for the call when the
// caller has none.
type statement struct {
	conn session
	name string
	proc string
	ret  bool
	desc *pgconn.StatementDescription

	in      map[int]any
	outs    map[int]database.SQLType
	outVals map[int]any

	catalogRead bool
	modes       []database.ParamMode
	names       []string

	ownTx   bool
	rows    pgx.Rows
	fetched []pgx.Rows
	closed  bool
}

func prepare(ctx context.Context, conn session, sql string) (*statement, error) {
	text, ret, err := render(sql)
	if err != nil {
		return nil, err
	}
	name := "callsql_" + strconv.FormatUint(stmtSeq.Add(1), 10)
	desc, err := conn.Prepare(ctx, name, text)
	if err != nil {
		return nil, mapError(err, "failed to prepare call")
	}
	proc, _ := database.ProcedureName(sql)
	return &statement{
		conn:    conn,
		name:    name,
		proc:    proc,
		ret:     ret,
		desc:    desc,
		in:      make(map[int]any),
		outs:    make(map[int]database.SQLType),
		outVals: make(map[int]any),
	}, nil
}

// render turns `{call p(?, ?)}` into `CALL p($1, $2)` and `{? = call f(?)}`
// into `SELECT f($1)`. Text that is not an escape only has its `?`
// placeholders renumbered.
func render(sql string) (text string, ret bool, err error) {
	call, ok, err := database.ParseCallEscape(sql)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return database.RewritePlaceholders(sql, dollar), false, nil
	}
	if call.Return {
		args := call.RewriteArgs(func(pos int) string { return dollar(pos - 1) })
		return "SELECT " + call.Name + "(" + args + ")", true, nil
	}
	return "CALL " + call.Name + "(" + call.RewriteArgs(dollar) + ")", false, nil
}

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func (s *statement) count() int {
	if s.ret {
		return len(s.desc.ParamOIDs) + 1
	}
	return len(s.desc.ParamOIDs)
}

// argIndex maps a position onto the prepared statement's parameter list.
// The return slot has none.
func (s *statement) argIndex(pos int) (int, bool) {
	if s.ret {
		return pos - 2, pos > 1
	}
	return pos - 1, true
}

// SetFetchSize is a no-op: pgx streams rows as they arrive.
func (s *statement) SetFetchSize(int) {}

func (s *statement) ParameterMetadata(ctx context.Context) (database.ParameterMetadata, error) {
	if err := s.readCatalog(ctx); err != nil {
		return nil, err
	}
	tm := s.conn.TypeMap()
	params := make(database.ParamList, s.count())
	for pos := 1; pos <= s.count(); pos++ {
		p := database.ParamInfo{Position: pos}
		i, isArg := s.argIndex(pos)
		if !isArg {
			p.Mode = database.ParamModeOut
			if len(s.desc.Fields) > 0 {
				p.Type = database.TypeForName(typeName(tm, s.desc.Fields[0].DataTypeOID))
			}
			params[pos-1] = p
			continue
		}
		p.Type = database.TypeForName(typeName(tm, s.desc.ParamOIDs[i]))
		if s.ret {
			p.Mode = database.ParamModeIn
		}
		if s.modes != nil {
			p.Mode = s.modes[i]
			if i < len(s.names) {
				p.Name = s.names[i]
			}
		}
		params[pos-1] = p
	}
	return params, nil
}

// procArgsQuery reads the declared argument modes of a procedure. Unquoted
// names fold to lower case, so both spellings are tried.
const procArgsQuery = `SELECT COALESCE(p.proargmodes::text[], '{}'::text[]),
       COALESCE(p.proargnames, '{}'::text[]),
       COALESCE(array_length(p.proallargtypes, 1), p.pronargs)::int
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE p.prokind = 'p'
  AND p.proname IN ($1::text, lower($1::text))
  AND (($2::text = '' AND pg_catalog.pg_function_is_visible(p.oid))
       OR n.nspname IN ($2::text, lower($2::text)))`

// readCatalog loads the argument modes of the called procedure once. The
// modes are kept only when exactly one procedure matches and its arity is
// the placeholder count; otherwise they stay unknown.
func (s *statement) readCatalog(ctx context.Context) error {
	if s.catalogRead || s.ret || s.proc == "" {
		return nil
	}
	schema, object := database.SplitName(s.proc)
	rows, err := s.conn.Query(ctx, procArgsQuery, object, schema)
	if err != nil {
		return mapError(err, "failed to read parameter metadata")
	}
	defer rows.Close()

	type candidate struct {
		modes []string
		names []string
		nargs int
	}
	var found []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.modes, &c.names, &c.nargs); err != nil {
			return mapError(err, "failed to read parameter metadata")
		}
		found = append(found, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapError(err, "failed to read parameter metadata")
	}
	s.catalogRead = true

	if len(found) != 1 || found[0].nargs != s.count() {
		return nil
	}
	s.modes = argModes(found[0].modes, found[0].nargs)
	s.names = found[0].names
	return nil
}

// argModes decodes pg_proc.proargmodes. An empty array means every
// argument is IN.
func argModes(letters []string, nargs int) []database.ParamMode {
	modes := make([]database.ParamMode, nargs)
	for i := range modes {
		modes[i] = database.ParamModeIn
		if i >= len(letters) {
			continue
		}
		switch letters[i] {
		case "o", "t":
			modes[i] = database.ParamModeOut
		case "b":
			modes[i] = database.ParamModeInOut
		}
	}
	return modes
}

func (s *statement) SetObject(pos int, v any, _ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count()); err != nil {
		return err
	}
	s.in[pos] = v
	return nil
}

func (s *statement) SetNull(pos int, typ database.SQLType) error {
	return s.SetObject(pos, nil, typ)
}

func (s *statement) RegisterOutParameter(pos int, typ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count()); err != nil {
		return err
	}
	s.outs[pos] = typ
	return nil
}

func (s *statement) Execute(ctx context.Context) (bool, error) {
	if s.closed {
		return false, database.ErrStatementClosed
	}
	if s.ret {
		for pos := range s.outs {
			if pos != 1 {
				return false, errs.New(errs.ErrKindInvalidInput,
					fmt.Sprintf("position %d is a function argument and returns no value", pos))
			}
		}
	}
	if len(s.outs) > 0 {
		if err := s.readCatalog(ctx); err != nil {
			return false, err
		}
	}
	if err := s.beginForCursors(ctx); err != nil {
		return false, err
	}

	// OUT-only positions are passed as NULL, as CALL requires an argument
	args := make([]any, len(s.desc.ParamOIDs))
	for pos, v := range s.in {
		if i, isArg := s.argIndex(pos); isArg {
			args[i] = v
		}
	}

	rows, err := s.conn.Query(ctx, s.name, args...)
	if err != nil {
		return false, mapError(err, "call failed")
	}

	if len(s.outs) > 0 {
		return false, s.readOutputs(rows)
	}
	if s.ret || len(s.desc.Fields) == 0 {
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, mapError(err, "call failed")
		}
		return false, nil
	}
	s.rows = rows
	return true, nil
}

// beginForCursors opens a transaction when a refcursor output is registered
// and the connection is idle. Close ends it.
func (s *statement) beginForCursors(ctx context.Context) error {
	if s.ownTx || s.conn.InTx() {
		return nil
	}
	for _, typ := range s.outs {
		if typ.Class() != database.ClassCursor {
			continue
		}
		if _, err := s.conn.Exec(ctx, "BEGIN"); err != nil {
			return mapError(err, "failed to begin transaction for cursor output")
		}
		s.ownTx = true
		return nil
	}
	return nil
}

// readOutputs consumes the output row and assigns its columns to the
// registered positions.
func (s *statement) readOutputs(rows pgx.Rows) error {
	defer rows.Close()

	fields := len(rows.FieldDescriptions())
	var vals []any
	if rows.Next() {
		v, err := rows.Values()
		if err != nil {
			return mapError(err, "failed to read output row")
		}
		vals = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapError(err, "call failed")
	}

	var columns map[int]int
	if s.ret {
		columns = map[int]int{1: 0}
	} else {
		var err error
		if columns, err = matchOutputs(fields, s.modes, s.outPositions()); err != nil {
			return err
		}
	}
	for pos, col := range columns {
		if col < len(vals) {
			s.outVals[pos] = vals[col]
		} else {
			s.outVals[pos] = nil
		}
	}
	return nil
}

// matchOutputs maps registered positions onto the columns of the output
// row. With declared modes, the row holds one column per OUT or INOUT
// argument in declaration order. Without them the row can only be read when
// every output position is registered.
func matchOutputs(fields int, modes []database.ParamMode, positions []int) (map[int]int, error) {
	columns := make(map[int]int, len(positions))
	if modes == nil {
		if fields != len(positions) {
			return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf(
				"call returned %d output columns but %d outputs are registered; register every OUT and INOUT position",
				fields, len(positions)))
		}
		for i, pos := range positions {
			columns[pos] = i
		}
		return columns, nil
	}

	col := make(map[int]int)
	for i, m := range modes {
		if m == database.ParamModeOut || m == database.ParamModeInOut {
			col[i+1] = len(col)
		}
	}
	if len(col) != fields {
		return nil, errs.New(errs.ErrKindQueryFailed, fmt.Sprintf(
			"call returned %d output columns but the procedure declares %d", fields, len(col)))
	}
	for _, pos := range positions {
		c, ok := col[pos]
		if !ok {
			return nil, errs.New(errs.ErrKindInvalidInput,
				fmt.Sprintf("position %d is an IN parameter and returns no value", pos))
		}
		columns[pos] = c
	}
	return columns, nil
}

func (s *statement) outPositions() []int {
	positions := make([]int, 0, len(s.outs))
	for pos := range s.outs {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	return positions
}

func (s *statement) ResultSet() (database.ResultSet, error) {
	if s.rows == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement has no result set")
	}
	return &resultSet{rows: s.rows, tm: s.conn.TypeMap()}, nil
}

// MoreResults always reports false: the extended protocol yields one result.
func (s *statement) MoreResults(context.Context) (bool, error) {
	if s.rows == nil {
		return false, nil
	}
	s.rows.Close()
	err := s.rows.Err()
	s.rows = nil
	if err != nil {
		return false, mapError(err, "call failed")
	}
	return false, nil
}

func (s *statement) Object(ctx context.Context, pos int) (any, error) {
	v, ok := s.outVals[pos]
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("position %d is not a registered output", pos))
	}
	if name, isName := v.(string); isName && s.outs[pos].Class() == database.ClassCursor {
		return s.fetchCursor(ctx, name)
	}
	return v, nil
}

func (s *statement) fetchCursor(ctx context.Context, name string) (database.ResultSet, error) {
	rows, err := s.conn.Query(ctx, "FETCH ALL FROM "+pgx.Identifier{name}.Sanitize())
	if err != nil {
		return nil, mapError(err, "failed to fetch cursor "+name)
	}
	s.fetched = append(s.fetched, rows)
	return &resultSet{rows: rows, tm: s.conn.TypeMap()}, nil
}

// Close releases open rows, ends the transaction opened for cursor outputs
// and deallocates the prepared statement. COMMIT on a failed transaction
// rolls it back.
func (s *statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	for _, rows := range s.fetched {
		rows.Close()
	}
	s.fetched = nil
	if s.conn.IsClosed() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var errList []error
	if s.ownTx {
		s.ownTx = false
		if _, err := s.conn.Exec(ctx, "COMMIT"); err != nil {
			errList = append(errList, err)
		}
	}
	if err := s.conn.Deallocate(ctx, s.name); err != nil {
		errList = append(errList, err)
	}
	if err := errors.Join(errList...); err != nil {
		return mapError(err, "failed to close statement")
	}
	return nil
}

// --- pgx type wrappers ---

// resultSet wraps pgx.Rows to satisfy database.ResultSet.
type resultSet struct {
	rows pgx.Rows
	tm   *pgtype.Map
}

func (r *resultSet) Columns() ([]database.ColumnDescriptor, error) {
	descs := r.rows.FieldDescriptions()
	cols := make([]database.ColumnDescriptor, len(descs))
	for i, d := range descs {
		cols[i] = database.ColumnDescriptor{
			Name: d.Name,
			Type: database.TypeForName(typeName(r.tm, d.DataTypeOID)),
		}
	}
	return cols, nil
}

func (r *resultSet) Next() bool             { return r.rows.Next() }
func (r *resultSet) Values() ([]any, error) { return r.rows.Values() }
func (r *resultSet) Err() error             { return r.rows.Err() }

func (r *resultSet) Close() error {
	r.rows.Close()
	if err := r.rows.Err(); err != nil {
		return mapError(err, "result set failed")
	}
	return nil
}

// typeName resolves an OID through the connection's type map.
func typeName(tm *pgtype.Map, oid uint32) string {
	if t, ok := tm.TypeForOID(oid); ok {
		return t.Name
	}
	return ""
}
