package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/macjediwizard/calnotionsync/internal/kv"
)

// Postgres is the PostgreSQL-backed state store.
type Postgres struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

var _ kv.Store = (*Postgres)(nil)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		writer TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at) WHERE expires_at > 0`,
	`CREATE TABLE IF NOT EXISTS kv_lists (
		id BIGSERIAL PRIMARY KEY,
		list_key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kv_lists_key_id ON kv_lists(list_key, id DESC)`,
}

// ConnectPostgres opens a pool for dsn and applies the schema.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %w", ErrDatabaseInit, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: pgxpool: %w", ErrDatabaseInit, err)
	}

	p := &Postgres{Pool: pool, now: time.Now}
	for _, m := range postgresMigrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}
	return p, nil
}

func (p *Postgres) Close() error {
	if p.Pool != nil {
		p.Pool.Close()
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.Pool.QueryRow(ctx, "select 1").Scan(&one)
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	if err := kv.ValidateKey(key); err != nil {
		return "", err
	}
	var value string
	err := p.Pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`,
		key, p.now().UnixMilli()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	now := p.now()
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at, writer)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			writer = EXCLUDED.writer`,
		key, value, expiryMillis(now, ttl), now.UTC(), writerName)
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	now := p.now()
	tag, err := p.Pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at, writer)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			writer = EXCLUDED.writer
		WHERE kv_entries.expires_at > 0 AND kv_entries.expires_at <= $6`,
		key, value, expiryMillis(now, ttl), now.UTC(), writerName, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to set key %s if absent: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM kv_entries WHERE key = $1`, key)
	batch.Queue(`DELETE FROM kv_lists WHERE list_key = $1`, key)
	if err := p.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) ListPush(ctx context.Context, key, value string, maxLen int) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO kv_lists (list_key, value, created_at) VALUES ($1, $2, $3)`,
			key, value, p.now().UTC()); err != nil {
			return fmt.Errorf("failed to push to list %s: %w", key, err)
		}
		if maxLen <= 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM kv_lists
			WHERE list_key = $1 AND id NOT IN (
				SELECT id FROM kv_lists WHERE list_key = $1 ORDER BY id DESC LIMIT $2
			)`, key, maxLen); err != nil {
			return fmt.Errorf("failed to trim list %s: %w", key, err)
		}
		return nil
	})
}

func (p *Postgres) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	query := `SELECT value FROM kv_lists WHERE list_key = $1 ORDER BY id DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan list %s: %w", key, err)
	}
	return values, nil
}

func (p *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE left(key, $1) = $2 AND (expires_at = 0 OR expires_at > $3)
		ORDER BY key`, len(prefix), prefix, p.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

func (p *Postgres) CleanExpired(ctx context.Context) (int64, error) {
	tag, err := p.Pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at > 0 AND expires_at <= $1`, p.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
