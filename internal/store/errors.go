package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotConnected is returned when a handle is used before acquisition or
// after release.
var ErrNotConnected = errors.New("store: connection not acquired or already released")

// ConnectionError reports a failure to obtain a connection from the pool.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "acquire connection: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a failed statement, including timeouts.
type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string {
	return "query failed: " + e.Err.Error()
}

func (e *QueryError) Unwrap() error { return e.Err }

// Timeout reports whether the statement ran out of time.
func (e *QueryError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || pgconn.Timeout(e.Err)
}

// Retryable reports whether running the same operation again might succeed.
// Misuse of a handle, caller cancellation and statements PostgreSQL rejects
// outright (SQLSTATE class 42) are not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "42") {
		return false
	}
	return true
}
