package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/database/sqlout"
	"github.com/koustreak/callsql/internal/errs"
)

// statement runs a CALL whose OUT and INOUT arguments are session variables.
//
// MySQL cannot bind an output placeholder, so every registered position is
// rewritten to @_callsql_pN, seeded with SET before the call and read back
// with a single SELECT once the results are consumed.
//
// The return-value escape becomes `SET @_callsql_p1 = f(...)`, so position 1
// is read back like any other output.
type statement struct {
	conn  *sqlx.Conn
	sql   string
	count int
	ret   bool

	in   map[int]any
	outs map[int]database.SQLType

	md      database.ParamList
	cursor  *sqlout.Cursor
	outVals map[int]any
	closed  bool
}

func prepare(conn *sqlx.Conn, sql string) (*statement, error) {
	call, ok, err := database.ParseCallEscape(sql)
	if err != nil {
		return nil, err
	}
	return &statement{
		conn:  conn,
		sql:   sql,
		count: len(database.Placeholders(sql)),
		ret:   ok && call.Return,
		in:    make(map[int]any),
		outs:  make(map[int]database.SQLType),
	}, nil
}

// sessionVar names the variable carrying the output at pos.
func sessionVar(pos int) string {
	return fmt.Sprintf("@_callsql_p%d", pos)
}

// render turns `{call p(?, ?)}` into `CALL p(?, @_callsql_p2)` when position
// 2 is a session variable, and `{? = call f(?)}` into
// `SET @_callsql_p1 = f(?)`.
func render(sql string, vars map[int]bool) (string, error) {
	call, ok, err := database.ParseCallEscape(sql)
	if err != nil {
		return "", err
	}
	arg := func(n int) string {
		if vars[n] {
			return sessionVar(n)
		}
		return "?"
	}
	switch {
	case ok && call.Return:
		return "SET " + sessionVar(1) + " = " + call.Name + "(" + call.RewriteArgs(arg) + ")", nil
	case ok:
		return "CALL " + call.Name + "(" + call.RewriteArgs(arg) + ")", nil
	}
	return database.RewritePlaceholders(sql, arg), nil
}

// SetFetchSize is a no-op: the text protocol streams the whole result.
func (s *statement) SetFetchSize(int) {}

func (s *statement) ParameterMetadata(ctx context.Context) (database.ParameterMetadata, error) {
	if s.md != nil {
		return s.md, nil
	}
	catalog, err := readCatalog(ctx, s.conn, s.sql)
	if err != nil {
		return nil, mapError(err, "failed to read parameter metadata")
	}
	s.md = database.AlignParams(catalog, s.count)
	return s.md, nil
}

func (s *statement) SetObject(pos int, v any, _ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.in[pos] = v
	return nil
}

func (s *statement) SetNull(pos int, typ database.SQLType) error {
	return s.SetObject(pos, nil, typ)
}

func (s *statement) RegisterOutParameter(pos int, typ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.outs[pos] = typ
	return nil
}

func (s *statement) outPositions() []int {
	positions := make([]int, 0, len(s.outs))
	for pos := range s.outs {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	return positions
}

func (s *statement) Execute(ctx context.Context) (bool, error) {
	if s.closed {
		return false, database.ErrStatementClosed
	}
	if err := s.seedOutputs(ctx); err != nil {
		return false, err
	}

	vars := make(map[int]bool, len(s.outs)+1)
	for pos := range s.outs {
		vars[pos] = true
	}
	if s.ret {
		vars[1] = true
	}
	text, err := render(s.sql, vars)
	if err != nil {
		return false, err
	}
	args := make([]any, 0, s.count)
	for pos := 1; pos <= s.count; pos++ {
		if !vars[pos] {
			args = append(args, s.in[pos])
		}
	}

	rows, err := s.conn.QueryContext(ctx, text, args...)
	if err != nil {
		return false, mapError(err, "call failed")
	}
	s.cursor = sqlout.NewCursor(rows)
	ok, err := s.cursor.First()
	if err != nil {
		return false, mapError(err, "failed to read first result")
	}
	return ok, nil
}

// seedOutputs assigns every output variable: the input value for INOUT
// positions, NULL otherwise so nothing leaks from an earlier call on the
// same connection.
func (s *statement) seedOutputs(ctx context.Context) error {
	positions := s.outPositions()
	if len(positions) == 0 {
		return nil
	}
	assigns := make([]string, len(positions))
	var args []any
	for i, pos := range positions {
		if v, ok := s.in[pos]; ok && v != nil {
			assigns[i] = sessionVar(pos) + " = ?"
			args = append(args, v)
			continue
		}
		assigns[i] = sessionVar(pos) + " = NULL"
	}
	if _, err := s.conn.ExecContext(ctx, "SET "+strings.Join(assigns, ", "), args...); err != nil {
		return mapError(err, "failed to seed output variables")
	}
	return nil
}

func (s *statement) ResultSet() (database.ResultSet, error) {
	if s.cursor == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement has no result set")
	}
	return s.cursor.Current()
}

func (s *statement) MoreResults(context.Context) (bool, error) {
	if s.cursor == nil {
		return false, nil
	}
	ok, err := s.cursor.More()
	if err != nil {
		return false, mapError(err, "failed to advance to next result")
	}
	return ok, nil
}

func (s *statement) Object(ctx context.Context, pos int) (any, error) {
	if _, ok := s.outs[pos]; !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("position %d is not a registered output", pos))
	}
	if s.outVals == nil {
		if err := s.loadOutputs(ctx); err != nil {
			return nil, err
		}
	}
	return s.outVals[pos], nil
}

// loadOutputs reads every output variable in one round trip. The call's rows
// must be closed first or the connection is still busy.
func (s *statement) loadOutputs(ctx context.Context) error {
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			return mapError(err, "failed to close results")
		}
	}
	positions := s.outPositions()
	vars := make([]string, len(positions))
	for i, pos := range positions {
		vars[i] = sessionVar(pos)
	}
	vals, err := s.conn.QueryRowxContext(ctx, "SELECT "+strings.Join(vars, ", ")).SliceScan()
	if err != nil {
		return mapError(err, "failed to read output variables")
	}
	s.outVals = make(map[int]any, len(positions))
	for i, pos := range positions {
		s.outVals[pos] = vals[i]
	}
	return nil
}

func (s *statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			return mapError(err, "failed to close statement")
		}
	}
	return nil
}

// --- parameter catalog ---

type paramRow struct {
	Position int            `db:"position"`
	Name     sql.NullString `db:"name"`
	Mode     sql.NullString `db:"mode"`
	DataType string         `db:"data_type"`
}

// readCatalog lists the declared parameters of the called routine from
// information_schema. An unqualified name resolves against DATABASE(). For
// the return-value escape the routine is a function and its return value,
// ordinal 0, is reported as an OUT parameter.
func readCatalog(ctx context.Context, conn *sqlx.Conn, text string) ([]database.ParamInfo, error) {
	const q = `
		SELECT ORDINAL_POSITION AS position,
		       PARAMETER_NAME   AS name,
		       PARAMETER_MODE   AS mode,
		       DATA_TYPE        AS data_type
		FROM information_schema.PARAMETERS
		WHERE SPECIFIC_SCHEMA  = COALESCE(NULLIF(?, ''), DATABASE())
		  AND SPECIFIC_NAME    = ?
		  AND ROUTINE_TYPE     = ?
		  AND ORDINAL_POSITION >= ?
		ORDER BY ORDINAL_POSITION`

	name, ok := database.ProcedureName(text)
	if !ok {
		return nil, nil
	}
	schema, proc := database.SplitName(name)
	routine, first := "PROCEDURE", 1
	if call, isCall, _ := database.ParseCallEscape(text); isCall && call.Return {
		routine, first = "FUNCTION", 0
	}

	var rows []paramRow
	if err := conn.SelectContext(ctx, &rows, q, schema, proc, routine, first); err != nil {
		return nil, err
	}
	params := make([]database.ParamInfo, len(rows))
	for i, r := range rows {
		params[i] = database.ParamInfo{
			Position: r.Position,
			Name:     r.Name.String,
			Type:     database.TypeForName(r.DataType),
			Mode:     database.ParseParamMode(r.Mode.String),
		}
		if r.Position == 0 {
			params[i].Mode = database.ParamModeOut
		}
	}
	return params, nil
}
