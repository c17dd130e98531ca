// Package postgres implements the cycle lock with Postgres session advisory locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is a dedicated (non-pooled) connection. Session advisory locks belong to
// the connection that took them, so the locker must not share a pool.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Locker takes pg_try_advisory_lock on a key derived from the lock name.
type Locker struct {
	mu   sync.Mutex
	conn Conn
}

// New returns a Locker using conn.
func New(conn Conn) (*Locker, error) {
	if conn == nil {
		return nil, errors.New("postgres lock connection is required")
	}
	return &Locker{conn: conn}, nil
}

// Connect opens the dedicated connection for a Locker.
func Connect(ctx context.Context, dsn string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect lock session: %w", err)
	}
	return conn, nil
}

// TryLock acquires name without blocking.
func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ok bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() { err = l.unlock(ctx, name) })
		return err
	}
	return release, true, nil
}

func (l *Locker) unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var released bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, name).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock %q: %w", name, err)
	}
	if !released {
		return fmt.Errorf("advisory lock %q was not held", name)
	}
	return nil
}
