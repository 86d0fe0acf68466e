package cache

import (
	"context"
	"testing"
	"time"
)

func TestStoreSetGet(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Set(ctx, "k", "v", time.Minute)
	if got, ok := s.Get(ctx, "k"); !ok || got != "v" {
		t.Errorf("Get = (%q, %v), want (v, true)", got, ok)
	}
	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("Get on missing key returned ok")
	}
}

func TestStoreExpiry(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("expired key still readable")
	}
}

func TestStoreSetNX(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if !s.SetNX(ctx, "lock", "1", time.Minute) {
		t.Fatal("first SetNX lost")
	}
	if s.SetNX(ctx, "lock", "2", time.Minute) {
		t.Fatal("second SetNX won against a held key")
	}

	s.Delete(ctx, "lock")
	if !s.SetNX(ctx, "lock", "3", time.Minute) {
		t.Fatal("SetNX after delete lost")
	}
}

func TestStoreSetNXExpiredKey(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.SetNX(ctx, "lock", "1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !s.SetNX(ctx, "lock", "2", time.Minute) {
		t.Error("SetNX lost against an expired key")
	}
}

func TestStoreIncr(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if n := s.Incr(ctx, "ctr", time.Minute); n != 1 {
		t.Errorf("first Incr = %d, want 1", n)
	}
	if n := s.Incr(ctx, "ctr", time.Minute); n != 2 {
		t.Errorf("second Incr = %d, want 2", n)
	}
}

func TestStoreKeysPrefix(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Set(ctx, "price:interest:a", "1", time.Minute)
	s.Set(ctx, "price:interest:b", "1", time.Minute)
	s.Set(ctx, "price:error:c", "1", time.Minute)

	keys := s.Keys(ctx, "price:interest:*")
	if len(keys) != 2 {
		t.Errorf("Keys = %v, want 2 entries", keys)
	}
}

func TestBatchCommit(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Set(ctx, "stale", "1", time.Minute)
	s.NewBatch().
		Set("a", "1", time.Minute).
		Set("b", "2", time.Minute).
		Delete("stale").
		Commit(ctx)

	if _, ok := s.Get(ctx, "a"); !ok {
		t.Error("batch set a missing")
	}
	if _, ok := s.Get(ctx, "b"); !ok {
		t.Error("batch set b missing")
	}
	if _, ok := s.Get(ctx, "stale"); ok {
		t.Error("batch delete did not remove key")
	}
}
