package sqlserver

import (
	"context"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/koustreak/callsql/internal/database"
)

// render turns `{call p(?, ?)}` into `EXEC p @p1, @p2 OUTPUT` and
// `{? = call f(?)}` into `EXEC @p1 = f @p2`. Plain text is kept as written
// with its placeholders numbered.
func render(sql string, outs map[int]bool) (string, error) {
	call, ok, err := database.ParseCallEscape(sql)
	if err != nil {
		return "", err
	}
	param := func(n int) string {
		p := "@p" + strconv.Itoa(n)
		if outs[n] {
			p += " OUTPUT"
		}
		return p
	}
	if !ok {
		return database.RewritePlaceholders(sql, param), nil
	}
	text := "EXEC "
	if call.Return {
		text += "@p1 = "
	}
	text += call.Name
	if call.Args != "" {
		text += " " + call.RewriteArgs(param)
	}
	return text, nil
}

type paramRow struct {
	Position int    `db:"position"`
	Name     string `db:"name"`
	DataType string `db:"data_type"`
	IsOutput bool   `db:"is_output"`
}

// readCatalog reads sys.parameters for the called routine. SQL Server has
// no OUT-only mode: an OUTPUT parameter also accepts an input. For the
// return-value escape, parameter 0 is a scalar function's return value.
func readCatalog(ctx context.Context, conn *sqlx.Conn, text string) ([]database.ParamInfo, error) {
	const q = `
		SELECT p.parameter_id            AS position,
		       p.name                    AS name,
		       TYPE_NAME(p.user_type_id) AS data_type,
		       p.is_output               AS is_output
		FROM sys.parameters p
		WHERE p.object_id = OBJECT_ID(@p1)
		  AND p.parameter_id >= @p2
		ORDER BY p.parameter_id`

	name, ok := database.ProcedureName(text)
	if !ok {
		return nil, nil
	}
	first := 1
	if call, isCall, _ := database.ParseCallEscape(text); isCall && call.Return {
		first = 0
	}

	var rows []paramRow
	if err := conn.SelectContext(ctx, &rows, q, name, first); err != nil {
		return nil, err
	}
	params := make([]database.ParamInfo, len(rows))
	for i, r := range rows {
		mode := database.ParamModeIn
		switch {
		case r.Position == 0:
			mode = database.ParamModeOut
		case r.IsOutput:
			mode = database.ParamModeInOut
		}
		params[i] = database.ParamInfo{
			Position: r.Position,
			Name:     strings.TrimPrefix(r.Name, "@"),
			Type:     database.TypeForName(r.DataType),
			Mode:     mode,
		}
	}
	return params, nil
}
