package resultstore

import (
	"context"
	"testing"
)

func seedStore() *Memory {
	store := NewMemory()
	store.Put("users",
		Entity{TypeName: "User", ID: "1", Data: []byte(`{"id":"1"}`)},
		Entity{TypeName: "User", ID: "2", Data: []byte(`{"id":"2"}`)},
	)
	store.Put("orders",
		Entity{TypeName: "Order", ID: "9", Data: []byte(`{"id":"9"}`)},
		Entity{TypeName: "User", ID: "1", Data: []byte(`{"id":"1"}`)},
	)
	return store
}

func TestEvictQueryLeavesEntities(t *testing.T) {
	store := seedStore()
	ctx := context.Background()

	if err := store.EvictQuery(ctx, "users"); err != nil {
		t.Fatalf("evict query: %v", err)
	}
	if store.HasQuery("users") {
		t.Fatalf("expected users query evicted")
	}
	// Entities stay resident until garbage collection runs.
	if !store.HasEntity("User", "2") {
		t.Fatalf("expected User:2 still resident before GC")
	}

	if err := store.GarbageCollect(ctx); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if store.HasEntity("User", "2") {
		t.Fatalf("expected unreferenced User:2 collected")
	}
	// User:1 survives because the orders query still references it.
	if !store.HasEntity("User", "1") {
		t.Fatalf("expected referenced User:1 to survive GC")
	}
}

func TestEvictEntityCascadesToQueries(t *testing.T) {
	store := seedStore()
	ctx := context.Background()

	if err := store.EvictEntity(ctx, "User", "1"); err != nil {
		t.Fatalf("evict entity: %v", err)
	}
	if store.HasEntity("User", "1") {
		t.Fatalf("expected User:1 removed")
	}
	// Both queries referenced User:1, so both results are gone.
	if store.HasQuery("users") || store.HasQuery("orders") {
		t.Fatalf("expected referencing queries evicted")
	}
}

func TestEvictAllOfType(t *testing.T) {
	store := seedStore()
	ctx := context.Background()

	if err := store.EvictAllOfType(ctx, "User"); err != nil {
		t.Fatalf("evict type: %v", err)
	}
	if store.HasEntity("User", "1") || store.HasEntity("User", "2") {
		t.Fatalf("expected all User records removed")
	}
	if store.HasQuery("users") || store.HasQuery("orders") {
		t.Fatalf("expected referencing queries evicted")
	}
	if !store.HasEntity("Order", "9") {
		t.Fatalf("expected Order:9 untouched")
	}
}

func TestReset(t *testing.T) {
	store := seedStore()

	if err := store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	queries, entities := store.Len()
	if queries != 0 || entities != 0 {
		t.Fatalf("expected empty store, got %d queries %d entities", queries, entities)
	}
}

func TestPutUpserts(t *testing.T) {
	store := NewMemory()
	store.Put("users", Entity{TypeName: "User", ID: "1", Data: []byte("old")})
	store.Put("users", Entity{TypeName: "User", ID: "1", Data: []byte("new")})

	queries, entities := store.Len()
	if queries != 1 || entities != 1 {
		t.Fatalf("expected single query and entity, got %d/%d", queries, entities)
	}
}
