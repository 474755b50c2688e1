// Package dedup suppresses repeated webhook deliveries.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/kv"
)

const (
	keyPrefix = "dedup:"

	// DefaultTTL is how long a delivery key is remembered.
	DefaultTTL = 5 * time.Minute
)

// Deduper records delivery keys with a TTL and reports first sightings.
type Deduper struct {
	kv  kv.Store
	ttl time.Duration
}

// New creates a Deduper. A non-positive ttl uses DefaultTTL.
func New(store kv.Store, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduper{kv: store, ttl: ttl}
}

// ShouldProcess atomically claims key and returns true only for the first
// claim within the TTL. An empty key is always processed.
func (d *Deduper) ShouldProcess(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	claimed, err := d.kv.SetNX(ctx, keyPrefix+key, "1", d.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery key %s: %w", key, err)
	}
	return claimed, nil
}

// TTL returns the configured key lifetime.
func (d *Deduper) TTL() time.Duration {
	return d.ttl
}
