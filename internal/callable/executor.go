package callable

import (
	"context"
	"fmt"
	"time"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
	"github.com/koustreak/callsql/internal/logger"
)

// Executor runs CallSpecs. It holds no per-call state and may be shared; each
// Execute call needs exclusive use of the connection it is given.
type Executor struct {
	opts    database.StatementOptions
	decoder Decoder
	log     *logger.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithStatementOptions sets the options applied to every prepared call.
func WithStatementOptions(o database.StatementOptions) Option {
	return func(e *Executor) { e.opts = o }
}

// WithDecoder replaces DefaultDecoder.
func WithDecoder(d Decoder) Option {
	return func(e *Executor) { e.decoder = d }
}

// WithLogger sets the logger used for per-call debug events.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// NewExecutor returns an Executor with the default decoder and a silent logger.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		decoder: DefaultDecoder{},
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute prepares spec.SQL on conn, binds and runs it, and returns the
// result chain. The chain is nil when the call produced neither a result set
// nor a registered output.
//
// Every failure is returned as one *errs.Error of kind ErrKindExecutionFailed
// with the driver error as its cause. The statement and every cursor opened
// for the call are closed before Execute returns.
func (e *Executor) Execute(ctx context.Context, conn database.Conn, spec CallSpec) (result *ResultSet, err error) {
	ctx, cancel := e.opts.WithTimeout(ctx)
	defer cancel()

	start := time.Now()
	log := e.log.With().Str("sql", spec.SQL).Logger()

	stmt, err := conn.PrepareCall(ctx, spec.SQL)
	if err != nil {
		return nil, errs.Execution("failed to prepare call", err)
	}
	defer func() {
		cerr := stmt.Close()
		if cerr == nil {
			return
		}
		if err != nil {
			log.With().Err(cerr).Logger().Warn("failed to close statement after error")
			return
		}
		result, err = nil, errs.Execution("failed to close statement", cerr)
	}()
	e.opts.Apply(stmt)

	c := &call{exec: e, stmt: stmt, spec: spec}

	outs, err := c.resolveOutputs(ctx)
	if err != nil {
		return nil, errs.Execution("failed to resolve output parameters", err)
	}
	if err := c.bind(outs); err != nil {
		return nil, errs.Execution("failed to bind parameters", err)
	}

	hasResultSet, err := stmt.Execute(ctx)
	if err != nil {
		return nil, errs.Execution("call failed", err)
	}

	var head, tail *ResultSet
	for hasResultSet {
		rs, err := stmt.ResultSet()
		if err != nil {
			return nil, errs.Execution("failed to open result set", err)
		}
		page, err := e.materialize(rs)
		if err != nil {
			return nil, errs.Execution("failed to read result set", err)
		}
		if head == nil {
			head = page
		} else {
			tail.Next = page
		}
		tail = page

		hasResultSet, err = stmt.MoreResults(ctx)
		if err != nil {
			return nil, errs.Execution("failed to advance to next result", err)
		}
	}

	if len(outs) > 0 {
		output, err := c.decodeOutputs(ctx, outs)
		if err != nil {
			return nil, errs.Execution("failed to read output parameters", err)
		}
		if head == nil {
			head = &ResultSet{Columns: []string{}, Results: [][]any{}}
		}
		head.Output = output
	}

	log.With().
		Int("pages", head.Len()).
		Int("outputs", len(outs)).
		Dur("elapsed", time.Since(start)).
		Logger().
		Debug("call executed")

	return head, nil
}

// materialize reads rs to the end into a page and closes it.
func (e *Executor) materialize(rs database.ResultSet) (page *ResultSet, err error) {
	defer func() {
		if cerr := rs.Close(); cerr != nil && err == nil {
			page, err = nil, cerr
		}
	}()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	page = &ResultSet{
		Columns: make([]string, len(cols)),
		Results: [][]any{},
	}
	for i, col := range cols {
		page.Columns[i] = col.Name
	}

	for rs.Next() {
		if e.opts.MaxRows > 0 && len(page.Results) >= e.opts.MaxRows {
			e.log.Debugf("result set truncated at %d rows", e.opts.MaxRows)
			break
		}
		vals, err := rs.Values()
		if err != nil {
			return nil, err
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			var col database.ColumnDescriptor
			if i < len(cols) {
				col = cols[i]
			}
			if row[i], err = e.decoder.Decode(v, col); err != nil {
				return nil, err
			}
		}
		page.Results = append(page.Results, row)
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return page, nil
}

// call carries the state of one Execute.
type call struct {
	exec *Executor
	stmt database.CallableStatement
	spec CallSpec
	md   database.ParameterMetadata
}

// metadata reads the statement's parameter metadata once.
func (c *call) metadata(ctx context.Context) (database.ParameterMetadata, error) {
	if c.md != nil {
		return c.md, nil
	}
	md, err := c.stmt.ParameterMetadata(ctx)
	if err != nil {
		return nil, err
	}
	c.md = md
	return md, nil
}

// resolveOutputs maps every registered output position to its SQL type.
func (c *call) resolveOutputs(ctx context.Context) (map[int]database.SQLType, error) {
	outs := make(map[int]database.SQLType)
	for i, p := range c.spec.Out {
		if !p.IsOutput() {
			continue
		}
		pos := i + 1
		if typ, ok := p.explicitType(); ok {
			outs[pos] = typ
			continue
		}
		md, err := c.metadata(ctx)
		if err != nil {
			return nil, err
		}
		info, ok := md.Param(pos)
		if !ok {
			return nil, errs.New(errs.ErrKindInvalidInput,
				fmt.Sprintf("no parameter metadata for output position %d", pos))
		}
		outs[pos] = info.Type
	}
	return outs, nil
}

// bind sets every position covered by In or Out. An output with a non-nil
// input is INOUT; a nil input at an output position means output-only; a nil
// input elsewhere binds NULL.
func (c *call) bind(outs map[int]database.SQLType) error {
	n := max(len(c.spec.In), len(c.spec.Out))
	for pos := 1; pos <= n; pos++ {
		var v any
		if pos <= len(c.spec.In) {
			v = c.spec.In[pos-1]
		}
		typ, isOut := outs[pos]
		switch {
		case v != nil:
			if err := c.stmt.SetObject(pos, v, typ); err != nil {
				return err
			}
		case !isOut:
			if err := c.stmt.SetNull(pos, typ); err != nil {
				return err
			}
		}
		if isOut {
			if err := c.stmt.RegisterOutParameter(pos, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeOutputs reads one value per Out entry in position order. Positions
// without an output descriptor are reported as nil without being read.
func (c *call) decodeOutputs(ctx context.Context, outs map[int]database.SQLType) ([]any, error) {
	output := make([]any, len(c.spec.Out))
	for i := range c.spec.Out {
		pos := i + 1
		typ, ok := outs[pos]
		if !ok {
			continue
		}
		v, err := c.stmt.Object(ctx, pos)
		if err != nil {
			return nil, err
		}
		switch val := v.(type) {
		case nil:
		case database.ResultSet:
			page, err := c.exec.materialize(val)
			if err != nil {
				return nil, err
			}
			output[i] = page.Map()
		default:
			decoded, err := c.exec.decoder.Decode(val, c.descriptor(pos, typ))
			if err != nil {
				return nil, err
			}
			output[i] = decoded
		}
	}
	return output, nil
}

// descriptor describes output pos with its resolved type and, when metadata
// was read, its declared name.
func (c *call) descriptor(pos int, typ database.SQLType) database.ColumnDescriptor {
	col := database.ColumnDescriptor{Name: fmt.Sprintf("$%d", pos), Type: typ}
	if c.md != nil {
		if info, ok := c.md.Param(pos); ok && info.Name != "" {
			col.Name = info.Name
		}
	}
	return col
}
