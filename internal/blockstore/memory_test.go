package blockstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryStore_RollbackToBlock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("cache")

	s.Set(ctx, "a", []byte("1"), 90)
	s.Set(ctx, "b", []byte("2"), 96)
	s.Set(ctx, "c", []byte("3"), 100)

	deleted, err := s.RollbackToBlock(ctx, 95)
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted entries, got %d", deleted)
	}

	if e, _ := s.Get(ctx, "a"); e == nil || e.BlockHeight != 90 {
		t.Error("entry at height 90 must survive rollback to 95")
	}
	for _, key := range []string{"b", "c"} {
		if e, _ := s.Get(ctx, key); e != nil {
			t.Errorf("entry %q above rollback height still present", key)
		}
	}

	// Writes after rollback are retained.
	s.Set(ctx, "b", []byte("2'"), 96)
	if e, _ := s.Get(ctx, "b"); e == nil || string(e.Value) != "2'" {
		t.Error("post-rollback write at height 96 not retained")
	}
}

func TestMemoryStore_SetOverwriteReindexes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("cache")

	s.Set(ctx, "k", []byte("old"), 100)
	s.Set(ctx, "k", []byte("new"), 90)

	// Key was rewritten at height 90; a rollback to 95 must keep it.
	if _, err := s.RollbackToBlock(ctx, 95); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	e, _ := s.Get(ctx, "k")
	if e == nil || string(e.Value) != "new" {
		t.Fatal("reindexed entry lost during rollback")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("cache")

	s.Set(ctx, "k", []byte("v"), 10)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("deleting absent key must not error: %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("expected empty store, got %d entries", n)
	}
}

func TestMemoryStore_ConcurrentSetAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("cache")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("w%d-%d", n, j)
				s.Set(ctx, key, []byte("v"), uint64(50+j))
				if j%10 == 0 {
					s.RollbackToBlock(ctx, 100)
				}
			}
		}(i)
	}
	wg.Wait()

	// Final rollback: afterwards no surviving entry may sit above the
	// rollback height.
	if _, err := s.RollbackToBlock(ctx, 100); err != nil {
		t.Fatalf("final rollback failed: %v", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, e := range s.entries {
		if e.BlockHeight > 100 {
			t.Fatalf("entry %q at height %d survived rollback to 100", key, e.BlockHeight)
		}
	}
}
