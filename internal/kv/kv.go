// Package kv defines the configuration/state store used for channel state,
// dedup keys, audit ring buffers and backfill progress.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("invalid key")
	ErrClosed     = errors.New("store closed")
)

// Store is a key-value store with TTL-scoped keys and bounded lists.
// Every mutation is a single atomic operation against the backend.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent or expired. It reports whether the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ListPush prepends value to the list and trims it to maxLen entries.
	ListPush(ctx context.Context, key, value string, maxLen int) error
	// ListRange returns up to limit entries, newest first. A limit <= 0 returns all entries.
	ListRange(ctx context.Context, key string, limit int) ([]string, error)
	// Keys returns the live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// CleanExpired removes expired keys and returns how many were removed.
	CleanExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ValidateKey rejects empty keys.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// ExpiresAt converts a ttl into an absolute expiry. A zero ttl returns the zero time.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Expired reports whether an entry with the given expiry is no longer live at now.
// An expiry equal to now counts as expired.
func Expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !expiresAt.After(now)
}
