package kv

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"netlock/pkg/db"
)

// Postgres is a Store backed by the kv table created by db.Migrate. Values
// must be JSON documents.
type Postgres struct {
	pool *pgxpool.Pool
}

type pgRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// NewPostgres wraps an open pool. The pool stays owned by the caller, but
// Close releases it.
func NewPostgres(pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("kv: pool is required")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var row pgRow
	err := db.Get(ctx, p.pool, &row, `SELECT key, value FROM kv WHERE key = $1`, key)
	if db.NotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := db.Exec(ctx, p.pool, `
INSERT INTO kv (key, value, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = EXCLUDED.updated_at
`, key, string(value))
	return err
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := db.Exec(ctx, p.pool, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (p *Postgres) Scan(ctx context.Context, prefix string) ([]Pair, error) {
	var rows []pgRow
	var err error
	if end := prefixEnd(prefix); end != "" {
		err = db.Select(ctx, p.pool, &rows, `
SELECT key, value FROM kv
WHERE key COLLATE "C" >= $1 AND key COLLATE "C" < $2
ORDER BY key COLLATE "C"
`, prefix, end)
	} else {
		err = db.Select(ctx, p.pool, &rows, `
SELECT key, value FROM kv
WHERE key COLLATE "C" >= $1
ORDER BY key COLLATE "C"
`, prefix)
	}
	if err != nil {
		return nil, err
	}

	pairs := make([]Pair, 0, len(rows))
	for _, r := range rows {
		pairs = append(pairs, Pair{Key: r.Key, Value: r.Value})
	}
	return pairs, nil
}

func (p *Postgres) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if end := prefixEnd(prefix); end != "" {
		tag, err := db.Exec(ctx, p.pool, `DELETE FROM kv WHERE key COLLATE "C" >= $1 AND key COLLATE "C" < $2`, prefix, end)
		return tag.RowsAffected(), err
	}
	tag, err := db.Exec(ctx, p.pool, `DELETE FROM kv WHERE key COLLATE "C" >= $1`, prefix)
	return tag.RowsAffected(), err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return db.Ping(ctx, p.pool)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
