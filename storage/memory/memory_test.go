package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/rpcguard-go/storage"
	"github.com/ggoodman/rpcguard-go/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := New(128)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		return s
	})
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	// Touch "a" so "b" becomes the eviction candidate.
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatal("expected a to be present")
	}
	if err := s.Set(ctx, "c", []byte("c")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if item, _ := s.Get(ctx, "b"); item != nil {
		t.Fatal("expected b to be evicted")
	}
	if item, _ := s.Get(ctx, "a"); item == nil {
		t.Fatal("expected a to survive eviction")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New(4)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}
