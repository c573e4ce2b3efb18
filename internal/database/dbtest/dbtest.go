// Package dbtest provides a scriptable in-memory implementation of the
// database contract. Every statement, result set and connection it hands out
// is tracked so tests can assert that nothing is left open.
package dbtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// Result is one scripted outcome of a call: a result set, or an update count
// when UpdateCount is set.
type Result struct {
	Columns     []database.ColumnDescriptor
	Rows        [][]any
	UpdateCount bool

	// Err is reported by ResultSet.Err once the rows are exhausted.
	Err error
}

// Script describes how statements prepared on a Conn behave.
type Script struct {
	// Params is the parameter metadata. Nil reports one unknown parameter per
	// placeholder.
	Params database.ParamList

	Results []Result

	// Outputs holds the driver value per output position. A Result value is
	// returned as a nested database.ResultSet.
	Outputs map[int]any

	PrepareErr  error
	MetadataErr error
	BindErr     error
	ExecuteErr  error
	MoreErr     error
	ObjectErr   error
	CloseErr    error
}

// Tracker counts handles that were opened and not yet closed.
type Tracker struct {
	mu   sync.Mutex
	open map[string]int
}

func (t *Tracker) inc(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		t.open = make(map[string]int)
	}
	t.open[kind]++
}

func (t *Tracker) dec(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[kind]--
}

// Open returns how many handles of kind ("statement", "resultset", "conn")
// are still open.
func (t *Tracker) Open(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[kind]
}

// Leaks returns the total number of handles still open.
func (t *Tracker) Leaks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.open {
		n += c
	}
	return n
}

// Conn is a fake connection running Script.
type Conn struct {
	Script  Script
	Tracker *Tracker

	mu         sync.Mutex
	statements []*Statement
}

// NewConn returns a Conn with a fresh tracker.
func NewConn(script Script) *Conn {
	return &Conn{Script: script, Tracker: &Tracker{}}
}

func (c *Conn) PrepareCall(_ context.Context, sql string) (database.CallableStatement, error) {
	if c.Script.PrepareErr != nil {
		return nil, c.Script.PrepareErr
	}
	if _, _, err := database.ParseCallEscape(sql); err != nil {
		return nil, err
	}
	count := len(database.Placeholders(sql))
	if c.Script.Params != nil {
		count = c.Script.Params.Count()
	}
	s := &Statement{
		SQL:     sql,
		Inputs:  make(map[int]any),
		Outs:    make(map[int]database.SQLType),
		script:  c.Script,
		tracker: c.Tracker,
		count:   count,
		current: -1,
	}
	c.Tracker.inc("statement")
	c.mu.Lock()
	c.statements = append(c.statements, s)
	c.mu.Unlock()
	return s, nil
}

// Statements returns every statement prepared so far.
func (c *Conn) Statements() []*Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Statement(nil), c.statements...)
}

// Statement is a fake callable statement. Its exported fields record what the
// caller did.
type Statement struct {
	SQL           string
	FetchSize     int
	Inputs        map[int]any
	Outs          map[int]database.SQLType
	MetadataCalls int
	Calls         []string
	Closed        bool

	script  Script
	tracker *Tracker
	count   int
	current int
	open    *resultSet
}

func (s *Statement) log(format string, args ...any) {
	s.Calls = append(s.Calls, fmt.Sprintf(format, args...))
}

func (s *Statement) SetFetchSize(n int) {
	s.log("SetFetchSize(%d)", n)
	s.FetchSize = n
}

func (s *Statement) ParameterMetadata(context.Context) (database.ParameterMetadata, error) {
	s.log("ParameterMetadata")
	s.MetadataCalls++
	if s.script.MetadataErr != nil {
		return nil, s.script.MetadataErr
	}
	if s.script.Params != nil {
		return s.script.Params, nil
	}
	return database.UnknownParams(s.count), nil
}

func (s *Statement) SetObject(pos int, v any, _ database.SQLType) error {
	s.log("SetObject(%d)", pos)
	if s.script.BindErr != nil {
		return s.script.BindErr
	}
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.Inputs[pos] = v
	return nil
}

func (s *Statement) SetNull(pos int, typ database.SQLType) error {
	s.log("SetNull(%d)", pos)
	if s.script.BindErr != nil {
		return s.script.BindErr
	}
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.Inputs[pos] = nil
	return nil
}

func (s *Statement) RegisterOutParameter(pos int, typ database.SQLType) error {
	s.log("RegisterOutParameter(%d, %s)", pos, typ)
	if s.script.BindErr != nil {
		return s.script.BindErr
	}
	if err := database.CheckPosition(pos, s.count); err != nil {
		return err
	}
	s.Outs[pos] = typ
	return nil
}

func (s *Statement) Execute(context.Context) (bool, error) {
	s.log("Execute")
	if s.Closed {
		return false, database.ErrStatementClosed
	}
	if s.script.ExecuteErr != nil {
		return false, s.script.ExecuteErr
	}
	return s.advance(), nil
}

// advance moves to the next scripted result set, skipping update counts.
func (s *Statement) advance() bool {
	for s.current++; s.current < len(s.script.Results); s.current++ {
		if !s.script.Results[s.current].UpdateCount {
			return true
		}
	}
	return false
}

func (s *Statement) ResultSet() (database.ResultSet, error) {
	s.log("ResultSet")
	if s.current < 0 || s.current >= len(s.script.Results) {
		return nil, errs.New(errs.ErrKindInvalidInput, "statement has no current result set")
	}
	s.open = newResultSet(s.script.Results[s.current], s.tracker)
	return s.open, nil
}

func (s *Statement) MoreResults(context.Context) (bool, error) {
	s.log("MoreResults")
	if s.open != nil && !s.open.closed {
		return false, errs.New(errs.ErrKindQueryFailed, "previous result set is still open")
	}
	if s.script.MoreErr != nil {
		return false, s.script.MoreErr
	}
	return s.advance(), nil
}

func (s *Statement) Object(_ context.Context, pos int) (any, error) {
	s.log("Object(%d)", pos)
	if s.script.ObjectErr != nil {
		return nil, s.script.ObjectErr
	}
	if _, ok := s.Outs[pos]; !ok {
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("position %d is not a registered output", pos))
	}
	v := s.script.Outputs[pos]
	if r, ok := v.(Result); ok {
		return newResultSet(r, s.tracker), nil
	}
	return v, nil
}

func (s *Statement) Close() error {
	s.log("Close")
	if s.Closed {
		return nil
	}
	s.Closed = true
	s.tracker.dec("statement")
	return s.script.CloseErr
}

type resultSet struct {
	result  Result
	tracker *Tracker
	row     int
	closed  bool
}

func newResultSet(r Result, t *Tracker) *resultSet {
	t.inc("resultset")
	return &resultSet{result: r, tracker: t, row: -1}
}

func (r *resultSet) Columns() ([]database.ColumnDescriptor, error) {
	return r.result.Columns, nil
}

func (r *resultSet) Next() bool {
	if r.closed || r.row+1 >= len(r.result.Rows) {
		return false
	}
	r.row++
	return true
}

func (r *resultSet) Values() ([]any, error) {
	return append([]any(nil), r.result.Rows[r.row]...), nil
}

func (r *resultSet) Err() error {
	if r.row+1 >= len(r.result.Rows) {
		return r.result.Err
	}
	return nil
}

func (r *resultSet) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.tracker.dec("resultset")
	return nil
}

// DB is a fake pool handing out connections that share one Script.
type DB struct {
	Script     Script
	Tracker    *Tracker
	PingErr    error
	AcquireErr error

	mu    sync.Mutex
	conns []*Conn
}

// NewDB returns a DB with a fresh tracker.
func NewDB(script Script) *DB {
	return &DB{Script: script, Tracker: &Tracker{}}
}

func (d *DB) Ping(context.Context) error { return d.PingErr }

func (d *DB) Acquire(context.Context) (database.PooledConn, error) {
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	c := &Conn{Script: d.Script, Tracker: d.Tracker}
	d.Tracker.inc("conn")
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return &pooledConn{Conn: c}, nil
}

func (d *DB) Close() {}

// Conns returns every connection acquired so far.
func (d *DB) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

type pooledConn struct {
	*Conn
	released bool
}

func (p *pooledConn) Release() {
	if p.released {
		return
	}
	p.released = true
	p.Tracker.dec("conn")
}

// Column is shorthand for a column descriptor with a standard type.
func Column(name string, code int) database.ColumnDescriptor {
	typ, ok := database.TypeForCode(code)
	if !ok {
		typ = database.SQLType{Code: code}
	}
	return database.ColumnDescriptor{Name: name, Type: typ}
}
