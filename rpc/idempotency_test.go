package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestIdempotencyStore(t *testing.T, ttl time.Duration) *IdempotencyStore {
	t.Helper()
	store, err := NewIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), ttl)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestIdempotencyStore(t, time.Hour)
	hash := hashRequest("client", "escrow_fund", []json.RawMessage{json.RawMessage(`{"amount":"1"}`)})

	cached, err := store.Reserve(ctx, "client", "k1", hash)
	if err != nil || cached != nil {
		t.Fatalf("first reserve: %v %+v", err, cached)
	}
	if _, err := store.Reserve(ctx, "client", "k1", hash); !errors.Is(err, ErrIdempotencyInFlight) {
		t.Fatalf("expected in-flight, got %v", err)
	}
	if _, err := store.Reserve(ctx, "client", "k1", "other"); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Another caller owns its own key space.
	if cached, err := store.Reserve(ctx, "someone-else", "k1", hash); err != nil || cached != nil {
		t.Fatalf("reserve for second client: %v %+v", err, cached)
	}

	if err := store.Release(ctx, "client", "k1", hash); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cached, err := store.Reserve(ctx, "client", "k1", hash); err != nil || cached != nil {
		t.Fatalf("reserve after release: %v %+v", err, cached)
	}
	if err := store.Complete(ctx, "client", "k1", hash, 200, []byte(`{"result":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cached, err = store.Reserve(ctx, "client", "k1", hash)
	if err != nil || cached == nil || cached.Status != 200 || string(cached.Body) != `{"result":true}` {
		t.Fatalf("expected stored response, got %v %+v", err, cached)
	}
	// A completed entry is not released by a late failure path.
	if err := store.Release(ctx, "client", "k1", hash); err != nil {
		t.Fatalf("release completed: %v", err)
	}
	if cached, err := store.Reserve(ctx, "client", "k1", hash); err != nil || cached == nil {
		t.Fatalf("completed entry lost: %v %+v", err, cached)
	}
}

func TestIdempotencyExpiredEntryIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := newTestIdempotencyStore(t, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	if _, err := store.Reserve(ctx, "client", "k1", "h1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Complete(ctx, "client", "k1", "h1", 200, []byte("{}")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	now = now.Add(2 * time.Minute)
	cached, err := store.Reserve(ctx, "client", "k1", "h2")
	if err != nil || cached != nil {
		t.Fatalf("expired key should be reusable, got %v %+v", err, cached)
	}
	removed, err := store.Prune(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("prune: %d %v", removed, err)
	}
}
