package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

// Driver is a MySQL implementation of database.DB backed by database/sql.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	db *sqlx.DB
}

// New opens a MySQL connection pool using the provided Config and returns a Driver.
// It calls Ping to validate the connection before returning.
func New(ctx context.Context, cfg *database.Config) (*Driver, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "invalid DSN", err)
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "invalid DSN", err)
	}

	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MinConns))
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	d := &Driver{db: db}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := d.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

// normalizeDSN turns on the options callable execution relies on: DATETIME
// values scanned as time.Time.
func normalizeDSN(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// --- database.DB implementation ---

func (d *Driver) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return mapError(err, "ping failed")
	}
	return nil
}

func (d *Driver) Close() {
	_ = d.db.Close()
}

// Acquire pins one connection; session variables used for outputs live on it.
func (d *Driver) Acquire(ctx context.Context) (database.PooledConn, error) {
	c, err := d.db.Connx(ctx)
	if err != nil {
		return nil, mapError(err, "failed to acquire connection")
	}
	return &Conn{conn: c}, nil
}

// Conn is a borrowed MySQL connection.
type Conn struct {
	conn *sqlx.Conn
}

// NewConn wraps a connection the caller manages itself.
func NewConn(conn *sqlx.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) PrepareCall(_ context.Context, sql string) (database.CallableStatement, error) {
	return prepare(c.conn, sql)
}

func (c *Conn) Release() {
	_ = c.conn.Close()
}

// --- error mapping ---

// mapError translates go-sql-driver/mysql errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if e := database.ContextError(err, msg); e != nil {
		return e
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return errs.Wrap(
			classifyMySQLCode(mysqlErr.Number),
			fmt.Sprintf("%s: %s", msg, mysqlErr.Message),
			err,
		)
	}

	return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
}

// classifyMySQLCode maps MySQL error numbers to ErrKind.
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
func classifyMySQLCode(code uint16) errs.ErrKind {
	switch code {
	case 1305: // procedure does not exist
		return errs.ErrKindNotFound
	case 1044, 1045, 1142, 1370:
		return errs.ErrKindPermissionDenied
	case 1040, 1203, 2002, 2003, 2006, 2013:
		return errs.ErrKindConnectionFailed
	case 1317, 3024: // interrupted, max_execution_time exceeded
		return errs.ErrKindTimeout
	case 1318, 1414: // wrong argument count, OUT argument is not a variable
		return errs.ErrKindInvalidInput
	default:
		return errs.ErrKindQueryFailed
	}
}
