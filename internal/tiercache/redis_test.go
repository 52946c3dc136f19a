package tiercache

import (
	"context"
	"sort"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	tier, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("redis tier: %v", err)
	}
	t.Cleanup(func() {
		_ = tier.Close(context.Background())
	})
	return tier, server
}

func TestRedisStoreLookup(t *testing.T) {
	tier, _ := newTestRedis(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entry := Entry{Value: []byte(`{"orders":[1,2]}`), StoredAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := tier.Store(ctx, "orders:tenant-a", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, ok, err := tier.Lookup(ctx, "orders:tenant-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(got.Value) != `{"orders":[1,2]}` {
		t.Fatalf("unexpected value: %q", got.Value)
	}

	_, ok, err = tier.Lookup(ctx, "missing")
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestRedisServerSideExpiry(t *testing.T) {
	tier, server := newTestRedis(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entry := Entry{Value: []byte("v"), StoredAt: now, ExpiresAt: now.Add(500 * time.Millisecond)}
	if err := tier.Store(ctx, "short", entry); err != nil {
		t.Fatalf("store: %v", err)
	}

	server.FastForward(time.Second)
	_, ok, err := tier.Lookup(ctx, "short")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected server-side expiry")
	}
}

func TestRedisDeleteKeysClear(t *testing.T) {
	tier, _ := newTestRedis(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, key := range []string{"users", "orders", "products"} {
		entry := Entry{Value: []byte(key), StoredAt: now, ExpiresAt: now.Add(time.Minute)}
		if err := tier.Store(ctx, key, entry); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	if err := tier.Delete(ctx, "users", "orders"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, err := tier.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "products" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := tier.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	size, err := tier.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected empty database, got %d", size)
	}
}
