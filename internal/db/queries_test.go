package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/kv"
)

// setupTestDB creates a temporary test database.
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calnotionsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

func TestGetSet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("returns not found for missing key", func(t *testing.T) {
		_, err := db.Get(ctx, "missing")
		if !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("expected kv.ErrNotFound, got %v", err)
		}
	})

	t.Run("stores and overwrites value", func(t *testing.T) {
		if err := db.Set(ctx, "channel:calendar", `{"a":1}`, 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := db.Set(ctx, "channel:calendar", `{"a":2}`, 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		v, err := db.Get(ctx, "channel:calendar")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v != `{"a":2}` {
			t.Errorf("expected overwritten value, got %s", v)
		}
	})

	t.Run("deletes key", func(t *testing.T) {
		db.Set(ctx, "gone", "x", 0)
		if err := db.Delete(ctx, "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := db.Get(ctx, "gone"); !errors.Is(err, kv.ErrNotFound) {
			t.Errorf("expected deleted key to be missing, got %v", err)
		}
	})

	t.Run("deleting missing key is not an error", func(t *testing.T) {
		if err := db.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestSetNX(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	t.Run("first caller wins within ttl", func(t *testing.T) {
		ok, err := db.SetNX(ctx, "dedup:calendar:ch:1", "1", 5*time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected first SetNX to store, got %v %v", ok, err)
		}
		ok, err = db.SetNX(ctx, "dedup:calendar:ch:1", "1", 5*time.Minute)
		if err != nil {
			t.Fatalf("SetNX failed: %v", err)
		}
		if ok {
			t.Error("expected duplicate SetNX to be rejected")
		}
	})

	t.Run("key is free again at expiry", func(t *testing.T) {
		now = now.Add(5 * time.Minute)
		ok, err := db.SetNX(ctx, "dedup:calendar:ch:1", "1", 5*time.Minute)
		if err != nil || !ok {
			t.Fatalf("expected SetNX after expiry to store, got %v %v", ok, err)
		}
	})

	t.Run("key without ttl is never replaced", func(t *testing.T) {
		db.Set(ctx, "pinned", "a", 0)
		ok, err := db.SetNX(ctx, "pinned", "b", time.Minute)
		if err != nil {
			t.Fatalf("SetNX failed: %v", err)
		}
		if ok {
			t.Error("expected SetNX on permanent key to be rejected")
		}
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := db.SetNX(ctx, "race", fmt.Sprint(i), time.Minute)
				if err != nil {
					t.Errorf("SetNX failed: %v", err)
					return
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected 1 winner, got %d", wins)
		}
	})
}

func TestListPushTrim(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := db.ListPush(ctx, "logs:sync", fmt.Sprint(i), 4); err != nil {
			t.Fatalf("ListPush failed: %v", err)
		}
	}

	t.Run("keeps newest entries only", func(t *testing.T) {
		got, err := db.ListRange(ctx, "logs:sync", 0)
		if err != nil {
			t.Fatalf("ListRange failed: %v", err)
		}
		want := []string{"10", "9", "8", "7"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("respects limit", func(t *testing.T) {
		got, err := db.ListRange(ctx, "logs:sync", 2)
		if err != nil {
			t.Fatalf("ListRange failed: %v", err)
		}
		if len(got) != 2 || got[0] != "10" || got[1] != "9" {
			t.Errorf("expected [10 9], got %v", got)
		}
	})

	t.Run("lists are independent", func(t *testing.T) {
		db.ListPush(ctx, "logs:webhook", "w", 4)
		got, _ := db.ListRange(ctx, "logs:webhook", 0)
		if len(got) != 1 {
			t.Errorf("expected 1 webhook entry, got %d", len(got))
		}
	})
}

func TestKeysAndCleanExpired(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	db.Set(ctx, "fp:calendar:a", "1", 0)
	db.Set(ctx, "fp:calendar:b", "2", 0)
	db.Set(ctx, "fp:notion:a", "3", 0)
	db.Set(ctx, "dedup:x", "1", time.Minute)
	db.Set(ctx, "dedup:y", "1", time.Hour)

	t.Run("filters by prefix", func(t *testing.T) {
		keys, err := db.Keys(ctx, "fp:calendar:")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "fp:calendar:a" || keys[1] != "fp:calendar:b" {
			t.Errorf("unexpected keys: %v", keys)
		}
	})

	t.Run("removes only expired keys", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		removed, err := db.CleanExpired(ctx)
		if err != nil {
			t.Fatalf("CleanExpired failed: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 removed, got %d", removed)
		}
		if _, err := db.Get(ctx, "dedup:y"); err != nil {
			t.Errorf("expected dedup:y to survive: %v", err)
		}
	})
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory scheme", func(t *testing.T) {
		s, err := OpenStore(ctx, "memory://")
		if err != nil {
			t.Fatalf("OpenStore failed: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*kv.Memory); !ok {
			t.Errorf("expected *kv.Memory, got %T", s)
		}
	})

	t.Run("sqlite scheme", func(t *testing.T) {
		dir := t.TempDir()
		s, err := OpenStore(ctx, "sqlite://"+filepath.Join(dir, "state.db"))
		if err != nil {
			t.Fatalf("OpenStore failed: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*DB); !ok {
			t.Errorf("expected *DB, got %T", s)
		}
	})

	t.Run("rejects unknown scheme", func(t *testing.T) {
		_, err := OpenStore(ctx, "redis://localhost")
		if !errors.Is(err, ErrUnsupportedDSN) {
			t.Errorf("expected ErrUnsupportedDSN, got %v", err)
		}
	})

	t.Run("rejects empty dsn", func(t *testing.T) {
		_, err := OpenStore(ctx, "  ")
		if !errors.Is(err, ErrUnsupportedDSN) {
			t.Errorf("expected ErrUnsupportedDSN, got %v", err)
		}
	})
}
