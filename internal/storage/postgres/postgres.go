package postgres

import (
	"context"
	"fmt"

	"github.com/FranksOps/adscan/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresStore implements storage.Store
var _ storage.Store = (*postgresStore)(nil)

type postgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS adscan_kv (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// New connects to Postgres and returns a storage.Store.
func New(ctx context.Context, dsn string) (storage.Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM adscan_kv WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres get: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return out, nil
}

// Set upserts all items in a single batch inside a transaction.
func (s *postgresStore) Set(ctx context.Context, items map[string][]byte) error {
	const query = `
	INSERT INTO adscan_kv (key, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for k, v := range items {
			if v == nil {
				v = []byte{}
			}
			batch.Queue(query, k, v)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres set: %w", err)
		}
		return nil
	})
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
