// Package storagetest provides a conformance suite every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/rpcguard-go/storage"
)

// StorageFactory is a function that creates a new, empty storage instance for testing.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) {
		testSetAndGet(t, factory)
	})
	t.Run("GetNonExistent", func(t *testing.T) {
		testGetNonExistent(t, factory)
	})
	t.Run("Overwrite", func(t *testing.T) {
		testOverwrite(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("TTL", func(t *testing.T) {
		testTTL(t, factory)
	})
	t.Run("DeleteKey", func(t *testing.T) {
		testDeleteKey(t, factory)
	})
	t.Run("DeleteNamespace", func(t *testing.T) {
		testDeleteNamespace(t, factory)
	})
	t.Run("EmptyKeyRejected", func(t *testing.T) {
		testEmptyKeyRejected(t, factory)
	})
	t.Run("ReturnedDataIsCopy", func(t *testing.T) {
		testReturnedDataIsCopy(t, factory)
	})
}

func newStore(t *testing.T, factory StorageFactory) storage.Storage {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSetAndGet(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	if err := s.Set(ctx, "circuit_aggregate3", []byte(`{"state":"closed"}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "circuit_aggregate3")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `{"state":"closed"}` {
		t.Fatalf("Get() returned wrong data: got %s", string(item.Data))
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("Get() returned zero CreatedAt")
	}
	if item.ExpiresAt != nil {
		t.Fatalf("item without TTL must not expire, got %v", *item.ExpiresAt)
	}
}

func testGetNonExistent(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)

	item, err := s.Get(context.Background(), "non-existent-key", storage.WithNamespace("session"))
	if err != nil {
		t.Fatalf("Get() should not return error for non-existent key: %v", err)
	}
	if item != nil {
		t.Fatal("Get() should return nil for non-existent key")
	}
}

func testOverwrite(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Set(ctx, "k", []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Set() #%d failed: %v", i, err)
		}
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("Get() = %v, %v", item, err)
	}
	if string(item.Data) != "v2" {
		t.Fatalf("expected last write to win, got %s", item.Data)
	}
}

func testNamespaceIsolation(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set() global failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("circuit"), storage.WithNamespace("circuit")); err != nil {
		t.Fatalf("Set() circuit failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("session"), storage.WithNamespace("session")); err != nil {
		t.Fatalf("Set() session failed: %v", err)
	}

	for ns, want := range map[string]string{"": "global", "circuit": "circuit", "session": "session"} {
		var opts []storage.Option
		if ns != "" {
			opts = append(opts, storage.WithNamespace(ns))
		}
		item, err := s.Get(ctx, "k", opts...)
		if err != nil || item == nil || string(item.Data) != want {
			t.Fatalf("namespace %q not isolated: item=%v err=%v", ns, item, err)
		}
	}
}

func testTTL(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	ttl := 1200 * time.Millisecond

	if err := s.Set(ctx, "ttl-key", []byte("ttl-data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set() with TTL failed: %v", err)
	}

	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item before expiration")
	}
	if item.ExpiresAt == nil {
		t.Fatal("item with TTL must report ExpiresAt")
	}

	time.Sleep(ttl + 300*time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() failed after expiration: %v", err)
	}
	if item != nil {
		t.Fatal("Get() returned non-nil item after expiration")
	}
}

func testDeleteKey(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()
	ns := storage.WithNamespace("session")

	if err := s.Set(ctx, "wallet_session", []byte("x"), ns); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "session_stats", []byte("y"), ns); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if err := s.Delete(ctx, ns, storage.WithKey("wallet_session")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	item, err := s.Get(ctx, "wallet_session", ns)
	if err != nil {
		t.Fatalf("Get() failed after deletion: %v", err)
	}
	if item != nil {
		t.Fatal("Data should not exist after deletion")
	}

	item, err = s.Get(ctx, "session_stats", ns)
	if err != nil || item == nil {
		t.Fatalf("sibling key must survive single-key delete: item=%v err=%v", item, err)
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, ns, storage.WithKey("missing")); err != nil {
		t.Fatalf("Delete() of missing key failed: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	keys := []string{"key1", "key2", "key3"}
	for _, key := range keys {
		if err := s.Set(ctx, key, []byte("data-"+key), storage.WithNamespace("circuit")); err != nil {
			t.Fatalf("Set() failed for %s: %v", key, err)
		}
	}
	if err := s.Set(ctx, "key1", []byte("keep"), storage.WithNamespace("session")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if err := s.Delete(ctx, storage.WithNamespace("circuit")); err != nil {
		t.Fatalf("Delete() namespace failed: %v", err)
	}

	for _, key := range keys {
		item, err := s.Get(ctx, key, storage.WithNamespace("circuit"))
		if err != nil {
			t.Fatalf("Get() failed after namespace deletion: %v", err)
		}
		if item != nil {
			t.Fatalf("Key %s should not exist after namespace deletion", key)
		}
	}

	item, err := s.Get(ctx, "key1", storage.WithNamespace("session"))
	if err != nil || item == nil || string(item.Data) != "keep" {
		t.Fatalf("other namespaces must survive: item=%v err=%v", item, err)
	}
}

func testEmptyKeyRejected(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	if err := s.Set(context.Background(), "", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func testReturnedDataIsCopy(t *testing.T, factory StorageFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil || item == nil {
		t.Fatalf("Get() = %v, %v", item, err)
	}
	item.Data[0] = 'z'

	again, err := s.Get(ctx, "k")
	if err != nil || again == nil {
		t.Fatalf("Get() = %v, %v", again, err)
	}
	if string(again.Data) != "abc" {
		t.Fatalf("mutating a returned item must not affect the store, got %s", again.Data)
	}
}
