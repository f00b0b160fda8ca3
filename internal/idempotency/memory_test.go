package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryStoreReplay(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	key := Key("POST", "/api/v1/tasks/t1/execute", "client-key-1")
	hash := Hash([]byte(`{"confirm":true}`))

	if _, hit, conflict, err := store.Get(ctx, key, hash); err != nil || hit || conflict {
		t.Fatalf("empty cache should miss, hit=%v conflict=%v err=%v", hit, conflict, err)
	}

	entry := Entry{RequestHash: hash, StatusCode: 202, Body: json.RawMessage(`{"status":"executing"}`)}
	if err := store.Set(ctx, key, entry); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, hit, conflict, err := store.Get(ctx, key, hash)
	if err != nil || !hit || conflict {
		t.Fatalf("expected replay hit, hit=%v conflict=%v err=%v", hit, conflict, err)
	}
	if got.StatusCode != 202 || string(got.Body) != `{"status":"executing"}` {
		t.Fatalf("replayed entry mismatch: %+v", got)
	}
}

func TestMemoryStoreConflictOnDifferentBody(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	key := Key("POST", "/api/v1/tasks/t1/execute", "client-key-1")
	if err := store.Set(ctx, key, Entry{RequestHash: Hash([]byte(`{"a":1}`)), StatusCode: 202}); err != nil {
		t.Fatalf("set: %v", err)
	}

	_, hit, conflict, err := store.Get(ctx, key, Hash([]byte(`{"a":2}`)))
	if err != nil || hit || !conflict {
		t.Fatalf("same key with different body must conflict, hit=%v conflict=%v err=%v", hit, conflict, err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	base := time.UnixMilli(1700000000000)
	current := base
	store.now = func() time.Time { return current }

	ctx := context.Background()
	key := Key("POST", "/api/v1/tasks", "client-key-2")
	hash := Hash([]byte(`{}`))
	if err := store.Set(ctx, key, Entry{RequestHash: hash, StatusCode: 201}); err != nil {
		t.Fatalf("set: %v", err)
	}

	current = base.Add(2 * time.Minute)
	if _, hit, _, _ := store.Get(ctx, key, hash); hit {
		t.Fatalf("entry past TTL must not replay")
	}
}

func TestKeyScopesByMethodAndPath(t *testing.T) {
	a := Key("POST", "/api/v1/tasks", "k")
	b := Key("POST", "/api/v1/tasks/t1/execute", "k")
	c := Key("PUT", "/api/v1/tasks", "k")
	if a == b || a == c || b == c {
		t.Fatalf("keys must be scoped by method and path: %q %q %q", a, b, c)
	}
}
