package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ayush/mlportal-service/internal/config"
)

// PoolConn is a connection checked out of a pool. *pgxpool.Conn satisfies it.
type PoolConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// Pool hands out connections.
type Pool interface {
	Acquire(ctx context.Context) (PoolConn, error)
}

type pgxPool struct {
	pool *pgxpool.Pool
}

// FromPgxPool adapts a pgx pool to Pool.
func FromPgxPool(pool *pgxpool.Pool) Pool {
	return pgxPool{pool: pool}
}

func (p pgxPool) Acquire(ctx context.Context) (PoolConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewPool builds a pgx pool from cfg. Connections are opened lazily, so an
// unreachable database does not fail startup.
func NewPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	return pool, nil
}

// DSN renders cfg as a postgres:// connection URL.
func DSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}

// ProcedureCall returns a statement selecting every row produced by the
// set-returning routine schema.name called with nargs positional parameters.
func ProcedureCall(schema, name string, nargs int) string {
	placeholders := make([]string, nargs)
	for i := range placeholders {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	return "SELECT * FROM " + pgx.Identifier{schema, name}.Sanitize() + "(" + strings.Join(placeholders, ", ") + ")"
}

// Client acquires connections from a shared pool. It holds no connection
// itself; every caller gets its own handle.
type Client struct {
	pool           Pool
	acquireTimeout time.Duration
	log            *zap.Logger
}

func NewClient(pool Pool, acquireTimeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{pool: pool, acquireTimeout: acquireTimeout, log: log}
}

// Acquire checks a connection out of the pool. The caller must Release it.
func (c *Client) Acquire(ctx context.Context) (*Conn, error) {
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}

	pc, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return &Conn{pc: pc, connected: true, log: c.log}, nil
}

// WithConn runs fn on a freshly acquired connection and releases it on
// every return path.
func (c *Client) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return fn(conn)
}
