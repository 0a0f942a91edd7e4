package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const rollbackTimeout = 5 * time.Second

// Query describes one statement execution.
type Query struct {
	Statement string
	Args      []any
	Timeout   time.Duration
}

// Row maps column names to values.
type Row map[string]any

type TxResult struct {
	Rows         []Row
	RowsAffected int64
	Committed    bool
}

// Conn is an exclusively owned pool connection. It must not be shared
// between requests.
type Conn struct {
	mu        sync.Mutex
	pc        PoolConn
	connected bool
	log       *zap.Logger
}

// Connected reports whether the handle can still be used.
func (c *Conn) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) handle() (PoolConn, error) {
	if c == nil {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	return c.pc, nil
}

// Query runs q and returns every row of its first result set.
func (c *Conn) Query(ctx context.Context, q Query) ([]Row, error) {
	pc, err := c.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, q.Timeout)
	defer cancel()

	rows, err := pc.Query(ctx, q.Statement, q.Args...)
	if err != nil {
		return nil, &QueryError{Statement: q.Statement, Err: err}
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, &QueryError{Statement: q.Statement, Err: err}
	}
	return out, nil
}

// Transaction runs q inside a transaction. The transaction is committed only
// when the statement affected at least one row; otherwise it is rolled back
// and the result reports Committed == false.
func (c *Conn) Transaction(ctx context.Context, q Query) (TxResult, error) {
	pc, err := c.handle()
	if err != nil {
		return TxResult{}, err
	}

	ctx, cancel := withTimeout(ctx, q.Timeout)
	defer cancel()

	tx, err := pc.Begin(ctx)
	if err != nil {
		return TxResult{}, &QueryError{Statement: q.Statement, Err: err}
	}

	rows, err := tx.Query(ctx, q.Statement, q.Args...)
	if err != nil {
		c.rollback(ctx, tx)
		return TxResult{}, &QueryError{Statement: q.Statement, Err: err}
	}
	out, err := collectRows(rows)
	if err != nil {
		c.rollback(ctx, tx)
		return TxResult{}, &QueryError{Statement: q.Statement, Err: err}
	}

	affected := rows.CommandTag().RowsAffected()
	if affected == 0 {
		c.rollback(ctx, tx)
		return TxResult{Rows: out}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return TxResult{}, &QueryError{Statement: q.Statement, Err: err}
	}
	return TxResult{Rows: out, RowsAffected: affected, Committed: true}, nil
}

func (c *Conn) rollback(ctx context.Context, tx pgx.Tx) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := tx.Rollback(ctx); err != nil {
		c.log.Warn("rollback failed", zap.Error(err))
		return
	}
	c.log.Debug("transaction rolled back")
}

// Release returns the connection to the pool. Calling it more than once is
// a no-op.
func (c *Conn) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false
	c.pc.Release()
	c.pc = nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		fields := rows.FieldDescriptions()
		row := make(Row, len(values))
		for i, v := range values {
			row[fields[i].Name] = jsonValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// jsonValue converts driver values that do not encode to readable JSON.
// pgx decodes uuid columns to [16]byte.
func jsonValue(v any) any {
	switch v := v.(type) {
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return v
	}
}
