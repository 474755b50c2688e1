package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/kv"
)

var writerName = func() string {
	host, _ := os.Hostname()
	return host
}()

// Get returns the value for key, or kv.ErrNotFound.
func (db *DB) Get(ctx context.Context, key string) (string, error) {
	if err := kv.ValidateKey(key); err != nil {
		return "", err
	}

	query := `SELECT value FROM kv_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`
	var value string
	err := db.conn.QueryRowContext(ctx, query, key, db.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (db *DB) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	now := db.now()
	query := `
		INSERT INTO kv_entries (key, value, expires_at, updated_at, writer)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			writer = excluded.writer
	`
	_, err := db.conn.ExecContext(ctx, query, key, value, expiryMillis(now, ttl), now.UTC(), writerName)
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent or expired, in a single statement.
func (db *DB) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}

	now := db.now()
	query := `
		INSERT INTO kv_entries (key, value, expires_at, updated_at, writer)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			writer = excluded.writer
		WHERE kv_entries.expires_at > 0 AND kv_entries.expires_at <= ?
	`
	result, err := db.conn.ExecContext(ctx, query, key, value, expiryMillis(now, ttl), now.UTC(), writerName, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to set key %s if absent: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Delete removes a key and any list stored under the same name.
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM kv_lists WHERE list_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", key, err)
	}
	return nil
}

// ListPush appends value to the list and trims it to maxLen entries in one transaction.
func (db *DB) ListPush(ctx context.Context, key, value string, maxLen int) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_lists (list_key, value, created_at) VALUES (?, ?, ?)`,
		key, value, db.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}

	if maxLen > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM kv_lists
			WHERE list_key = ? AND id NOT IN (
				SELECT id FROM kv_lists WHERE list_key = ? ORDER BY id DESC LIMIT ?
			)`, key, key, maxLen)
		if err != nil {
			return fmt.Errorf("failed to trim list %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// ListRange returns list entries newest first.
func (db *DB) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	query := `SELECT value FROM kv_lists WHERE list_key = ? ORDER BY id DESC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Keys returns the live keys with the given prefix.
func (db *DB) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT key FROM kv_entries
		WHERE substr(key, 1, ?) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key
	`
	rows, err := db.conn.QueryContext(ctx, query, len(prefix), prefix, db.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CleanExpired removes expired keys.
func (db *DB) CleanExpired(ctx context.Context) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at > 0 AND expires_at <= ?`, db.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired keys: %w", err)
	}
	return result.RowsAffected()
}
