package sqlout

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// Dialect carries what differs between engines sharing this statement.
type Dialect struct {
	// Name is used in error messages.
	Name string

	// Render turns the call text into the engine's form. outs holds the
	// registered output positions.
	Render func(sql string, outs map[int]bool) (string, error)

	// ReturnsRows selects QueryContext over ExecContext.
	ReturnsRows bool

	// Catalog looks up the declared parameters of the called procedure.
	// Nil means no catalog: every position is reported with an unknown type.
	Catalog func(ctx context.Context, conn *sqlx.Conn, sql string) ([]database.ParamInfo, error)

	// CursorDest returns the destination bound for a cursor-typed output.
	// Nil means cursors are bound like strings.
	CursorDest func() any

	// OpenCursor turns a filled cursor destination into a result set.
	OpenCursor func(dest any) (database.ResultSet, error)

	// MapError classifies driver errors.
	MapError func(err error, msg string) *errs.Error
}

// Statement is a database.CallableStatement over a borrowed *sqlx.Conn.
type Statement struct {
	conn    *sqlx.Conn
	dialect Dialect
	sql     string
	count   int

	in    map[int]any
	outs  map[int]database.SQLType
	dests map[int]any

	md      database.ParamList
	cursor  *Cursor
	cursors []any
	closed  bool
}

// Prepare creates a statement for sql. No round trip happens until the
// metadata is requested or the statement is executed.
func Prepare(conn *sqlx.Conn, dialect Dialect, sql string) (*Statement, error) {
	if _, _, err := database.ParseCallEscape(sql); err != nil {
		return nil, err
	}
	return &Statement{
		conn:    conn,
		dialect: dialect,
		sql:     sql,
		count:   len(database.Placeholders(sql)),
		in:      make(map[int]any),
		outs:    make(map[int]database.SQLType),
		dests:   make(map[int]any),
	}, nil
}

// SetFetchSize is a no-op: database/sql has no portable fetch size knob.
func (s *Statement) SetFetchSize(int) {}

func (s *Statement) ParameterMetadata(ctx context.Context) (database.ParameterMetadata, error) {
	if s.md != nil {
		return s.md, nil
	}
	if s.dialect.Catalog == nil {
		s.md = database.UnknownParams(s.count)
		return s.md, nil
	}
	catalog, err := s.dialect.Catalog(ctx, s.conn, s.sql)
	if err != nil {
		return nil, s.dialect.MapError(err, "failed to read parameter metadata")
	}
	s.md = database.AlignParams(catalog, s.count)
	return s.md, nil
}

func (s *Statement) SetObject(pos int, v any, _ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.in[pos] = v
	return nil
}

func (s *Statement) SetNull(pos int, _ database.SQLType) error {
	return s.SetObject(pos, nil, database.SQLType{})
}

func (s *Statement) RegisterOutParameter(pos int, typ database.SQLType) error {
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.outs[pos] = typ
	return nil
}

func (s *Statement) Execute(ctx context.Context) (bool, error) {
	if s.closed {
		return false, database.ErrStatementClosed
	}
	registered := make(map[int]bool, len(s.outs))
	for pos := range s.outs {
		registered[pos] = true
	}
	text, err := s.dialect.Render(s.sql, registered)
	if err != nil {
		return false, err
	}
	args, err := s.bindArgs()
	if err != nil {
		return false, err
	}

	if !s.dialect.ReturnsRows {
		if _, err := s.conn.ExecContext(ctx, text, args...); err != nil {
			return false, s.dialect.MapError(err, "call failed")
		}
		return false, nil
	}

	rows, err := s.conn.QueryContext(ctx, text, args...)
	if err != nil {
		return false, s.dialect.MapError(err, "call failed")
	}
	s.cursor = NewCursor(rows)
	ok, err := s.cursor.First()
	if err != nil {
		return false, s.dialect.MapError(err, "failed to read first result")
	}
	return ok, nil
}

// bindArgs builds the positional argument list: plain values for inputs,
// sql.Out with a typed destination for outputs.
func (s *Statement) bindArgs() ([]any, error) {
	args := make([]any, s.count)
	for pos := 1; pos <= s.count; pos++ {
		typ, isOut := s.outs[pos]
		v, isIn := s.in[pos]
		if !isOut {
			args[pos-1] = v
			continue
		}
		dest := s.newDest(typ)
		if isIn && v != nil {
			if err := assignInput(dest, v); err != nil {
				return nil, errs.Wrap(errs.ErrKindInvalidInput,
					fmt.Sprintf("cannot bind input value at INOUT position %d", pos), err)
			}
		}
		s.dests[pos] = dest
		args[pos-1] = sql.Out{Dest: dest, In: isIn && v != nil}
	}
	return args, nil
}

func (s *Statement) newDest(typ database.SQLType) any {
	if typ.Class() == database.ClassCursor && s.dialect.CursorDest != nil {
		dest := s.dialect.CursorDest()
		s.cursors = append(s.cursors, dest)
		return dest
	}
	return NewDest(typ)
}

func (s *Statement) ResultSet() (database.ResultSet, error) {
	if s.cursor == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement has no result set")
	}
	return s.cursor.Current()
}

func (s *Statement) MoreResults(context.Context) (bool, error) {
	if s.cursor == nil {
		return false, nil
	}
	ok, err := s.cursor.More()
	if err != nil {
		return false, s.dialect.MapError(err, "failed to advance to next result")
	}
	return ok, nil
}

// Object reads an output. Outputs are only final once the rows are closed,
// so the first call releases any rows still open.
func (s *Statement) Object(_ context.Context, pos int) (any, error) {
	if s.cursor != nil && !s.cursor.Closed() {
		if err := s.cursor.Close(); err != nil {
			return nil, s.dialect.MapError(err, "failed to close results")
		}
	}
	dest, ok := s.dests[pos]
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("position %d is not a registered output", pos))
	}
	if s.outs[pos].Class() == database.ClassCursor && s.dialect.OpenCursor != nil {
		return s.dialect.OpenCursor(dest)
	}
	return DestValue(dest)
}

// Close releases the rows and any cursor outputs. Errors are joined.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errList []error
	if s.cursor != nil {
		if err := s.cursor.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	for _, c := range s.cursors {
		if closer, ok := c.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errList = append(errList, err)
			}
		}
	}
	if err := errors.Join(errList...); err != nil {
		return s.dialect.MapError(err, "failed to close statement")
	}
	return nil
}

// OutPositions returns the registered output positions in ascending order.
func (s *Statement) OutPositions() []int {
	positions := make([]int, 0, len(s.outs))
	for pos := range s.outs {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	return positions
}

// DestValue unwraps a filled output destination into a driver value.
func DestValue(dest any) (any, error) {
	switch d := dest.(type) {
	case *[]byte:
		if *d == nil {
			return nil, nil
		}
		return *d, nil
	case driver.Valuer:
		return d.Value()
	default:
		return dest, nil
	}
}
