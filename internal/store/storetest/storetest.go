// Package storetest provides an in-memory store.Pool that records every
// acquire and release, for tests of code built on store.Client.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ayush/mlportal-service/internal/store"
)

// Pool is a scripted store.Pool. Callbacks receive the 1-based number of the
// acquisition they belong to.
type Pool struct {
	AcquireFunc func(n int) error
	QueryFunc   func(n int, sql string, args []any) (pgx.Rows, error)
	BeginFunc   func(n int) (pgx.Tx, error)
	// QueryContextFunc takes precedence over QueryFunc and sees the
	// statement's context.
	QueryContextFunc func(ctx context.Context, n int, sql string, args []any) (pgx.Rows, error)

	mu             sync.Mutex
	calls          int
	acquires       int
	releases       int
	doubleReleases int
	inFlight       int
	maxInFlight    int
	events         []string
	budgets        []time.Duration
}

func (p *Pool) Acquire(ctx context.Context) (store.PoolConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	n := p.calls
	if err := ctx.Err(); err != nil {
		p.events = append(p.events, fmt.Sprintf("acquire-failed:%d", n))
		return nil, err
	}
	if p.AcquireFunc != nil {
		if err := p.AcquireFunc(n); err != nil {
			p.events = append(p.events, fmt.Sprintf("acquire-failed:%d", n))
			return nil, err
		}
	}

	p.acquires++
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.events = append(p.events, fmt.Sprintf("acquire:%d", n))
	return &conn{pool: p, n: n}, nil
}

// Calls is the number of Acquire calls, failed ones included.
func (p *Pool) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Acquires is the number of connections handed out.
func (p *Pool) Acquires() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *Pool) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

// DoubleReleases counts Release calls on an already released connection.
func (p *Pool) DoubleReleases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doubleReleases
}

// MaxInFlight is the largest number of connections held at once.
func (p *Pool) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Events returns the acquire/release log, e.g. "acquire:1", "release:1".
func (p *Pool) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// QueryBudgets returns, per Query call, the time left until the context
// deadline when the call was made. Zero means the context had no deadline.
func (p *Pool) QueryBudgets() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.budgets...)
}

func (p *Pool) recordBudget(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budgets = append(p.budgets, budget(ctx))
}

func budget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline)
}

type conn struct {
	pool     *Pool
	n        int
	released bool
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.pool.recordBudget(ctx)
	if c.pool.QueryContextFunc != nil {
		return c.pool.QueryContextFunc(ctx, c.n, sql, args)
	}
	if c.pool.QueryFunc == nil {
		return NewRows(nil), nil
	}
	return c.pool.QueryFunc(c.n, sql, args)
}

func (c *conn) Begin(ctx context.Context) (pgx.Tx, error) {
	if c.pool.BeginFunc == nil {
		return nil, errors.New("storetest: no BeginFunc")
	}
	return c.pool.BeginFunc(c.n)
}

func (c *conn) Release() {
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.released {
		p.doubleReleases++
		return
	}
	c.released = true
	p.releases++
	p.inFlight--
	p.events = append(p.events, fmt.Sprintf("release:%d", c.n))
}

// Rows is a pgx.Rows over in-memory values.
type Rows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
	tag    pgconn.CommandTag
	err    error
	closed bool
}

// NewRows returns rows with the given column names and values.
func NewRows(columns []string, data ...[]any) *Rows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, name := range columns {
		fields[i] = pgconn.FieldDescription{Name: name}
	}
	return &Rows{
		fields: fields,
		data:   data,
		tag:    pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(data))),
	}
}

// WithCommandTag overrides the tag reported after iteration, e.g. "UPDATE 1".
func (r *Rows) WithCommandTag(tag string) *Rows {
	r.tag = pgconn.NewCommandTag(tag)
	return r
}

// WithErr makes iteration stop immediately and report err.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Err() error { return r.err }

func (r *Rows) CommandTag() pgconn.CommandTag { return r.tag }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }

func (r *Rows) Next() bool {
	if r.closed || r.err != nil || r.idx >= len(r.data) {
		r.closed = true
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	return errors.New("storetest: Scan is not supported, use Values")
}

func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.data) {
		return nil, errors.New("storetest: no current row")
	}
	return r.data[r.idx-1], nil
}

func (r *Rows) RawValues() [][]byte { return nil }

func (r *Rows) Conn() *pgx.Conn { return nil }

// Closed reports whether Close was called or iteration finished.
func (r *Rows) Closed() bool { return r.closed }

// Tx is a pgx.Tx supporting Query, Commit and Rollback. Other methods panic.
type Tx struct {
	pgx.Tx

	QueryFunc func(sql string, args []any) (pgx.Rows, error)
	CommitErr error

	mu         sync.Mutex
	committed  bool
	rolledBack bool
	budget     time.Duration
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.mu.Lock()
	t.budget = budget(ctx)
	t.mu.Unlock()
	if t.QueryFunc == nil {
		return NewRows(nil), nil
	}
	return t.QueryFunc(sql, args)
}

func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return t.CommitErr
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}

func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// QueryBudget is the time left until the deadline of the last Query
// context, or zero when it had none.
func (t *Tx) QueryBudget() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}

func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}
