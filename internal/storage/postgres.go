package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hitrelay/internal/db"
)

// Postgres stores entries in hitrelay.queue_store, one row per key.
type Postgres struct {
	pool *pgxpool.Pool
	ns   string
}

// OpenPostgres connects, ensures the schema and returns a store bound to ns.
func OpenPostgres(ctx context.Context, dsn string, ns Namespace) (*Postgres, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return NewPostgres(pool, ns), nil
}

// NewPostgres wraps an existing pool. The schema must already exist.
func NewPostgres(pool *pgxpool.Pool, ns Namespace) *Postgres {
	return &Postgres{pool: pool, ns: ns.String()}
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO hitrelay.queue_store(namespace, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		p.ns, key, value,
	)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM hitrelay.queue_store
		WHERE namespace = $1 AND key = $2`,
		p.ns, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM hitrelay.queue_store
		WHERE namespace = $1 AND key = $2`,
		p.ns, key,
	)
	return err
}

func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key FROM hitrelay.queue_store
		WHERE namespace = $1`, p.ns)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) Values(ctx context.Context) ([][]byte, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT value FROM hitrelay.queue_store
		WHERE namespace = $1`, p.ns)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[[]byte])
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
