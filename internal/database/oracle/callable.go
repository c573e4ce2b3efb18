package oracle

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/jmoiron/sqlx"
	go_ora "github.com/sijms/go-ora/v2"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// render turns `{call p(?, ?)}` into `BEGIN p(:1, :2); END;` and
// `{? = call f(?)}` into `BEGIN :1 := f(:2); END;`. Plain text is kept as
// written with its placeholders numbered.
func render(sql string, _ map[int]bool) (string, error) {
	call, ok, err := database.ParseCallEscape(sql)
	if err != nil {
		return "", err
	}
	bind := func(n int) string { return ":" + strconv.Itoa(n) }
	if !ok {
		return database.RewritePlaceholders(sql, bind), nil
	}
	text := "BEGIN "
	if call.Return {
		text += ":1 := "
	}
	text += call.Name
	if call.Args != "" {
		text += "(" + call.RewriteArgs(bind) + ")"
	}
	return text + "; END;", nil
}

type paramRow struct {
	Position int            `db:"POSITION"`
	Name     sql.NullString `db:"NAME"`
	DataType sql.NullString `db:"DATA_TYPE"`
	Mode     sql.NullString `db:"MODE"`
}

// readCatalog reads all_arguments for the called routine. A qualified name
// is looked up first as package.procedure, then as owner.procedure. Only the
// first overload is considered. Position 0, a function's return value, is
// kept only for the return-value escape.
func readCatalog(ctx context.Context, conn *sqlx.Conn, text string) ([]database.ParamInfo, error) {
	const q = `
		SELECT position      AS "POSITION",
		       argument_name AS "NAME",
		       data_type     AS "DATA_TYPE",
		       in_out        AS "MODE"
		FROM all_arguments
		WHERE object_name = UPPER(:1)
		  AND data_level = 0
		  AND position >= :2
		  AND NVL(overload, '1') = '1'
		  AND (
		        (:3 IS NULL AND package_name IS NULL AND owner = SYS_CONTEXT('USERENV', 'CURRENT_SCHEMA'))
		     OR package_name = UPPER(:4)
		     OR (package_name IS NULL AND owner = UPPER(:5))
		  )
		ORDER BY position`

	name, ok := database.ProcedureName(text)
	if !ok {
		return nil, nil
	}
	qualifier, proc := database.SplitName(name)
	var qual any
	if qualifier != "" {
		qual = qualifier
	}

	first := 1
	if call, isCall, _ := database.ParseCallEscape(text); isCall && call.Return {
		first = 0
	}

	var rows []paramRow
	if err := conn.SelectContext(ctx, &rows, q, proc, first, qual, qual, qual); err != nil {
		return nil, err
	}
	params := make([]database.ParamInfo, len(rows))
	for i, r := range rows {
		params[i] = database.ParamInfo{
			Position: r.Position,
			Name:     r.Name.String,
			Type:     database.TypeForName(r.DataType.String),
			Mode:     database.ParseParamMode(r.Mode.String),
		}
		if r.Position == 0 {
			params[i].Mode = database.ParamModeOut
		}
	}
	return params, nil
}

// openCursor runs the query behind a filled RefCursor output.
func openCursor(dest any) (database.ResultSet, error) {
	cursor, ok := dest.(*go_ora.RefCursor)
	if !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("output is not a ref cursor (%T)", dest))
	}
	return openRows(func() (rowSource, error) {
		ds, err := cursor.Query()
		if err != nil {
			return nil, err
		}
		return ds, nil
	})
}

// openRows wraps the rows returned by query.
func openRows(query func() (rowSource, error)) (database.ResultSet, error) {
	ds, err := query()
	if err != nil {
		return nil, mapError(err, "failed to open ref cursor")
	}
	return &dataSet{ds: ds}, nil
}

// rowSource is the part of *go_ora.DataSet a dataSet reads.
type rowSource interface {
	Columns() []string
	ColumnTypeDatabaseTypeName(index int) string
	Next(dest []driver.Value) error
	Close() error
}

// dataSet adapts a go-ora DataSet to database.ResultSet.
type dataSet struct {
	ds   rowSource
	row  []driver.Value
	err  error
	done bool
}

func (d *dataSet) Columns() ([]database.ColumnDescriptor, error) {
	names := d.ds.Columns()
	cols := make([]database.ColumnDescriptor, len(names))
	for i, name := range names {
		cols[i] = database.ColumnDescriptor{
			Name: name,
			Type: database.TypeForName(d.ds.ColumnTypeDatabaseTypeName(i)),
		}
	}
	return cols, nil
}

func (d *dataSet) Next() bool {
	if d.done {
		return false
	}
	if d.row == nil {
		d.row = make([]driver.Value, len(d.ds.Columns()))
	}
	if err := d.ds.Next(d.row); err != nil {
		d.done = true
		if !errors.Is(err, io.EOF) {
			d.err = mapError(err, "failed to read ref cursor")
		}
		return false
	}
	return true
}

func (d *dataSet) Values() ([]any, error) {
	out := make([]any, len(d.row))
	for i, v := range d.row {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[i] = v
	}
	return out, nil
}

func (d *dataSet) Err() error {
	return d.err
}

func (d *dataSet) Close() error {
	d.done = true
	return d.ds.Close()
}
