package kvstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKV is a KVStore backed by a single flat table:
//
//	CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)
//
// Every crank commits its mutations through WithTransaction so a crash
// mid-crank leaves the table in its pre-crank state (spec §4.1).
type PostgresKV struct {
	pool querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query helpers serve top-level reads and transactional writes.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresKV wraps a pgx connection pool. Callers must have already
// created the kv table (EnsureSchema does this).
func NewPostgresKV(pool *pgxpool.Pool) *PostgresKV {
	return &PostgresKV{pool: pool}
}

// EnsureSchema creates the backing table if it does not already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		return fmt.Errorf("ensure kv schema: %w", err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresKV) GetRequired(ctx context.Context, key string) (string, error) {
	return GetRequiredFrom(ctx, p, key)
}

func (p *PostgresKV) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

func (p *PostgresKV) GetNextKey(ctx context.Context, prefix, after string) (string, bool, error) {
	var key string
	err := p.pool.QueryRow(ctx, `
		SELECT key FROM kv
		WHERE key > $1 AND key LIKE $2 || '%'
		ORDER BY key ASC LIMIT 1`, after, prefix).Scan(&key)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get next kv key after %s: %w", after, err)
	}
	return key, true, nil
}

// Truncate removes every row from the kv table, for the kernel's
// administrative Reset operation.
func (p *PostgresKV) Truncate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `TRUNCATE TABLE kv`)
	if err != nil {
		return fmt.Errorf("truncate kv: %w", err)
	}
	return nil
}

// WithTransaction opens a pgx transaction, runs fn against a PostgresKV
// bound to the transaction handle, and commits on success or rolls back
// on error — the "single logical transaction per crank" contract of
// spec §4.1.
func (p *PostgresKV) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx KVStore) error) error {
	pool, ok := p.pool.(*pgxpool.Pool)
	if !ok {
		// Already inside a transaction (nested call); just run fn.
		return fn(ctx, p)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin kv transaction: %w", err)
	}
	txStore := &PostgresKV{pool: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit kv transaction: %w", err)
	}
	return nil
}
