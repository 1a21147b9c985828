// Package postgres keeps state in a PostgreSQL table and serializes runs
// with a session advisory lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bqddl/internal/store"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type DB struct {
	Pool    *pgxpool.Pool
	Table   string
	LockKey int64
}

func Connect(ctx context.Context, dsn, table string, lockKey int64) (*DB, error) {
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid state table name %q", table)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	db := &DB{Pool: pool, Table: table, LockKey: lockKey}
	if err := db.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	d.Pool.Close()
	return nil
}

func (d *DB) ensureTables(ctx context.Context) error {
	sql := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    key         TEXT PRIMARY KEY,
    value       BYTEA NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, d.Table)
	_, err := d.Pool.Exec(ctx, sql)
	return err
}

func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	err := d.Pool.QueryRow(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key=$1", d.Table), key).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return b, err
}

func (d *DB) Put(ctx context.Context, key string, data []byte) error {
	_, err := d.Pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s(key,value,updated_at) VALUES($1,$2,now()) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()",
		d.Table), key, data)
	return err
}

func (d *DB) Delete(ctx context.Context, key string) error {
	_, err := d.Pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE key=$1", d.Table), key)
	return err
}

// WithLock holds a session advisory lock on LockKey while fn runs, so two
// apply/rollback invocations against the same state never interleave.
func (d *DB) WithLock(ctx context.Context, fn func(context.Context) error) error {
	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", d.LockKey); err != nil {
		return err
	}
	// unlock must run even if ctx was cancelled during fn
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", d.LockKey)
	return fn(ctx)
}
