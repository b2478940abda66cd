// Package dbtest provides a scriptable in-process database/sql driver so the
// executor and provisioner can be tested without a running Postgres. Error
// injection uses real *pq.Error values, exercising the same classification
// paths production traffic takes.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"
)

// Response scripts the outcome of one statement. When Match is non-empty the
// response is only consumed by a statement containing that substring;
// non-matching statements fall through to default behavior.
type Response struct {
	Match    string
	Err      error
	Columns  []string
	Rows     [][]driver.Value
	Affected int64
}

// DB is the scriptable backend shared by every connection opened from it.
type DB struct {
	mu      sync.Mutex
	script  []Response
	log     []string
	connLog []int
	conns   int
}

// New creates a fake backend with an initial script.
func New(responses ...Response) *DB {
	return &DB{script: responses}
}

// Push appends responses to the script.
func (d *DB) Push(responses ...Response) {
	d.mu.Lock()
	d.script = append(d.script, responses...)
	d.mu.Unlock()
}

// Statements returns every statement executed so far, including BEGIN,
// COMMIT and ROLLBACK markers, in order.
func (d *DB) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.log))
	copy(out, d.log)
	return out
}

// StatementConns returns, parallel to Statements, the identity of the
// connection that ran each statement. Connections are numbered from 1 in the
// order they were opened, so session-scoped behavior (advisory locks) can be
// asserted against it.
func (d *DB) StatementConns() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.connLog))
	copy(out, d.connLog)
	return out
}

// SQLDB wraps the backend in a *sql.DB.
func (d *DB) SQLDB() *sql.DB {
	return sql.OpenDB(&connector{db: d})
}

func (d *DB) record(connID int, stmt string) {
	d.mu.Lock()
	d.log = append(d.log, stmt)
	d.connLog = append(d.connLog, connID)
	d.mu.Unlock()
}

// next resolves one statement: the front script entry if it matches,
// otherwise a sensible default (advisory lock and catalog probes answer
// true; everything else succeeds with no rows).
func (d *DB) next(query string) Response {
	d.mu.Lock()
	if len(d.script) > 0 {
		front := d.script[0]
		if front.Match == "" || strings.Contains(query, front.Match) {
			d.script = d.script[1:]
			d.mu.Unlock()
			return front
		}
	}
	d.mu.Unlock()

	switch {
	case strings.Contains(query, "pg_try_advisory_lock"),
		strings.Contains(query, "pg_advisory_unlock"),
		strings.Contains(query, "SELECT EXISTS"):
		return Response{Columns: []string{"ok"}, Rows: [][]driver.Value{{true}}}
	default:
		return Response{}
	}
}

type connector struct {
	db *DB
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	c.db.mu.Lock()
	c.db.conns++
	id := c.db.conns
	c.db.mu.Unlock()
	return &conn{db: c.db, id: id}, nil
}

func (c *connector) Driver() driver.Driver { return fakeDriver{} }

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, io.EOF // connections come from the connector
}

type conn struct {
	db *DB
	id int
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{db: c.db, query: query, connID: c.id}, nil
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	c.db.record(c.id, "BEGIN")
	return &tx{db: c.db, connID: c.id}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return c.Begin()
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.record(c.id, query)
	r := c.db.next(query)
	if r.Err != nil {
		return nil, r.Err
	}
	return result{affected: r.Affected}, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.record(c.id, query)
	r := c.db.next(query)
	if r.Err != nil {
		return nil, r.Err
	}
	return &rows{columns: r.Columns, data: r.Rows}, nil
}

type stmt struct {
	db     *DB
	query  string
	connID int
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	s.db.record(s.connID, s.query)
	r := s.db.next(s.query)
	if r.Err != nil {
		return nil, r.Err
	}
	return result{affected: r.Affected}, nil
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	s.db.record(s.connID, s.query)
	r := s.db.next(s.query)
	if r.Err != nil {
		return nil, r.Err
	}
	return &rows{columns: r.Columns, data: r.Rows}, nil
}

type tx struct {
	db     *DB
	connID int
}

func (t *tx) Commit() error {
	t.db.record(t.connID, "COMMIT")
	return nil
}

func (t *tx) Rollback() error {
	t.db.record(t.connID, "ROLLBACK")
	return nil
}

type result struct {
	affected int64
}

func (r result) LastInsertId() (int64, error) { return 0, nil }
func (r result) RowsAffected() (int64, error) { return r.affected, nil }

type rows struct {
	columns []string
	data    [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string {
	if r.columns == nil {
		return []string{}
	}
	return r.columns
}

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
