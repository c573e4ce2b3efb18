// Package sqlout implements database.CallableStatement on top of
// database/sql for drivers that bind outputs with sql.Out and expose multiple
// result sets through Rows.NextResultSet.
package sqlout

import (
	"database/sql"

	"github.com/koustreak/callsql/internal/database"
)

// Cursor walks the result sets of one *sql.Rows. Sets without columns (bare
// update counts some drivers surface) are skipped.
type Cursor struct {
	rows   *sql.Rows
	closed bool
}

// NewCursor wraps rows positioned on their first result.
func NewCursor(rows *sql.Rows) *Cursor {
	return &Cursor{rows: rows}
}

// First reports whether the first result is a result set. When it is not,
// the rows are closed so drivers that deliver outputs on close can do so.
func (c *Cursor) First() (bool, error) {
	cols, err := c.rows.Columns()
	if err != nil {
		return false, err
	}
	if len(cols) > 0 {
		return true, nil
	}
	return c.More()
}

// Current returns the current result set. Closing it drains the remaining
// rows of this set only.
func (c *Cursor) Current() (database.ResultSet, error) {
	if c.closed {
		return nil, database.ErrStatementClosed
	}
	return &resultSet{rows: c.rows}, nil
}

// More advances past the current set and reports whether another result set
// with columns follows.
func (c *Cursor) More() (bool, error) {
	if c.closed {
		return false, nil
	}
	for c.rows.NextResultSet() {
		cols, err := c.rows.Columns()
		if err != nil {
			return false, err
		}
		if len(cols) > 0 {
			return true, nil
		}
	}
	err := c.rows.Err()
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return false, err
}

// Close releases the rows. It is idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rows.Close()
}

// Closed reports whether the rows have been released.
func (c *Cursor) Closed() bool { return c.closed }

// resultSet is the current set of a Cursor.
type resultSet struct {
	rows *sql.Rows
	cols []database.ColumnDescriptor
	done bool
}

func (r *resultSet) Columns() ([]database.ColumnDescriptor, error) {
	if r.cols != nil {
		return r.cols, nil
	}
	types, err := r.rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]database.ColumnDescriptor, len(types))
	for i, ct := range types {
		cols[i] = database.ColumnDescriptor{
			Name: ct.Name(),
			Type: database.TypeForName(ct.DatabaseTypeName()),
		}
	}
	r.cols = cols
	return cols, nil
}

func (r *resultSet) Next() bool {
	if r.done {
		return false
	}
	if !r.rows.Next() {
		r.done = true
		return false
	}
	return true
}

func (r *resultSet) Values() ([]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	return database.ScanValues(r.rows, len(cols))
}

func (r *resultSet) Err() error { return r.rows.Err() }

// Close drains what is left of this set; the *sql.Rows stays open for the
// next one.
func (r *resultSet) Close() error {
	for r.Next() {
	}
	return r.rows.Err()
}
