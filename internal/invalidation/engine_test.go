package invalidation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stalectl/stalectl/internal/impact"
	"github.com/stalectl/stalectl/internal/resultstore"
	"github.com/stalectl/stalectl/internal/tiercache"
)

// stubCache records eviction calls so tests can assert what the engine asked
// the tier cache to do.
type stubCache struct {
	mu       sync.Mutex
	deletes  [][]string
	clears   []string
	purged   int
	failWith error
	onDelete func()
}

func (s *stubCache) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onDelete != nil {
		s.onDelete()
	}
	batch := append([]string(nil), keys...)
	s.deletes = append(s.deletes, batch)
	return s.failWith
}

func (s *stubCache) Clear(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears = append(s.clears, pattern)
	return s.failWith
}

func (s *stubCache) Keys(context.Context) ([]string, error) {
	return nil, nil
}

func (s *stubCache) PurgeExpired(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged++
	return 3, s.failWith
}

func (s *stubCache) deletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, batch := range s.deletes {
		keys = append(keys, batch...)
	}
	sort.Strings(keys)
	return keys
}

func (s *stubCache) deleteBatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

func newTestEngine(t *testing.T, cache TierCache) (*Engine, *impact.Analyzer, *resultstore.Memory) {
	t.Helper()
	analyzer := impact.NewAnalyzer(nil)
	store := resultstore.NewMemory()
	engine := New(Config{
		Analyzer:      analyzer,
		Results:       store,
		Cache:         cache,
		DebounceDelay: 20 * time.Millisecond,
	})
	t.Cleanup(engine.Close)
	return engine, analyzer, store
}

func TestMutationInvalidatesTenantScopedKeys(t *testing.T) {
	cache := &stubCache{}
	engine, analyzer, store := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID:    "updateUser",
		Queries:        []string{"users"},
		Types:          []string{"User"},
		TenantSpecific: true,
	}))
	store.Put("users", resultstore.Entity{TypeName: "User", ID: "1"})

	engine.InvalidateFromMutation(context.Background(), "updateUser", map[string]any{"id": "1"}, "tenant-a")

	require.False(t, store.HasQuery("users"))
	require.False(t, store.HasEntity("User", "1"))
	require.Equal(t, []string{
		"User", "User:tenant-a", "users", "users:tenant-a",
	}, cache.deletedKeys())

	snap := engine.Metrics()
	require.Equal(t, uint64(1), snap.Total)
	require.Equal(t, uint64(1), snap.MutationBased)
	require.False(t, snap.LastInvalidation.IsZero())
}

func TestMutationWithoutTenantSkipsTenantVariants(t *testing.T) {
	cache := &stubCache{}
	engine, analyzer, _ := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID:    "updateUser",
		Queries:        []string{"users"},
		TenantSpecific: true,
	}))

	engine.InvalidateFromMutation(context.Background(), "updateUser", nil, "")

	require.Equal(t, []string{"users"}, cache.deletedKeys())
}

func TestResultStoreSettlesBeforeTierCacheDelete(t *testing.T) {
	cache := &stubCache{}
	engine, analyzer, store := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID: "deleteOrder",
		Queries:     []string{"orders"},
		Types:       []string{"Order"},
	}))
	store.Put("orders", resultstore.Entity{TypeName: "Order", ID: "9"})

	cache.onDelete = func() {
		if store.HasQuery("orders") || store.HasEntity("Order", "9") {
			t.Error("tier cache deleted before normalized store settled")
		}
	}
	engine.InvalidateFromMutation(context.Background(), "deleteOrder", map[string]any{"id": "9"}, "")
	require.Equal(t, 1, cache.deleteBatches())
}

func TestWildcardRuleResetsEverything(t *testing.T) {
	cache := &stubCache{}
	engine, analyzer, store := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID: "switchTenant",
		Queries:     []string{impact.Wildcard},
	}))
	// An entity the rule never names must vanish too.
	store.Put("settings", resultstore.Entity{TypeName: "Setting", ID: "theme"})

	engine.InvalidateFromMutation(context.Background(), "switchTenant", nil, "tenant-a")

	require.False(t, store.HasEntity("Setting", "theme"))
	require.Equal(t, []string{""}, cache.clears)
	require.Empty(t, cache.deletes)
}

func TestUnknownOperationEvictsNothing(t *testing.T) {
	cache := &stubCache{}
	engine, _, store := newTestEngine(t, cache)
	store.Put("users", resultstore.Entity{TypeName: "User", ID: "1"})

	engine.InvalidateFromMutation(context.Background(), "doSomethingWeird", nil, "tenant-a")

	require.True(t, store.HasQuery("users"))
	require.Empty(t, cache.deletes)
	require.Empty(t, cache.clears)
	require.Equal(t, uint64(1), engine.Metrics().Total)
}

func TestBackendChangeReusesRuleTable(t *testing.T) {
	cache := &stubCache{}
	engine, _, store := newTestEngine(t, cache)
	store.Put("orders",
		resultstore.Entity{TypeName: "Order", ID: "9"},
		resultstore.Entity{TypeName: "Order", ID: "10"},
	)

	// deleteOrder resolves through the heuristic fallback.
	engine.InvalidateFromBackendChange(context.Background(), ChangeDelete, "Order", "9", "tenant-a")

	require.False(t, store.HasEntity("Order", "9"))
	require.Contains(t, cache.deletedKeys(), "orders:tenant-a")

	snap := engine.Metrics()
	require.Equal(t, uint64(1), snap.MutationBased)
}

func TestQueueInvalidationBatchesAndDedupes(t *testing.T) {
	cache := &stubCache{}
	engine, _, _ := newTestEngine(t, cache)

	engine.QueueInvalidation("k1")
	engine.QueueInvalidation("k2")
	engine.QueueInvalidation("k1")

	require.Eventually(t, func() bool {
		return cache.deleteBatches() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"k1", "k2"}, cache.deletedKeys())

	snap := engine.Metrics()
	require.Equal(t, uint64(1), snap.Batched)
}

func TestCloseFlushesPendingKeys(t *testing.T) {
	cache := &stubCache{}
	analyzer := impact.NewAnalyzer(nil)
	engine := New(Config{
		Analyzer:      analyzer,
		Results:       resultstore.NewMemory(),
		Cache:         cache,
		DebounceDelay: time.Hour,
	})

	engine.QueueInvalidation("pending")
	engine.Close()

	require.Equal(t, []string{"pending"}, cache.deletedKeys())
}

func TestManualInvalidation(t *testing.T) {
	cache := &stubCache{}
	engine, _, store := newTestEngine(t, cache)
	store.Put("users", resultstore.Entity{TypeName: "User", ID: "1"})

	engine.InvalidateManual(context.Background(), ManualRequest{
		Queries:  []string{"users"},
		Keys:     []string{"custom-key"},
		TenantID: "tenant-a",
		Pattern:  "users:*",
	})

	require.False(t, store.HasQuery("users"))
	require.Equal(t, []string{"custom-key", "users", "users:tenant-a"}, cache.deletedKeys())
	require.Equal(t, []string{"users:*"}, cache.clears)
	require.Equal(t, uint64(1), engine.Metrics().Manual)
}

func TestExpirySweep(t *testing.T) {
	cache := &stubCache{}
	engine, _, _ := newTestEngine(t, cache)

	engine.InvalidateExpired(context.Background())

	require.Equal(t, 1, cache.purged)
	snap := engine.Metrics()
	require.Equal(t, uint64(1), snap.TimeBased)
}

func TestFailuresNeverPropagate(t *testing.T) {
	cache := &stubCache{failWith: errors.New("tier unavailable")}
	engine, analyzer, _ := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID: "updateUser",
		Queries:     []string{"users"},
	}))

	// None of these return errors; degraded runs surface in counters only.
	engine.InvalidateFromMutation(context.Background(), "updateUser", nil, "")
	engine.InvalidateManual(context.Background(), ManualRequest{Keys: []string{"k"}})
	engine.InvalidateExpired(context.Background())

	require.Equal(t, uint64(3), engine.Metrics().Total)
}

func TestCustomInvalidatorPanicIsContained(t *testing.T) {
	cache := &stubCache{}
	engine, analyzer, _ := newTestEngine(t, cache)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID: "rotateKeys",
		Queries:     []string{"sessions"},
		Custom: func(context.Context, map[string]any) error {
			panic("boom")
		},
	}))

	engine.InvalidateFromMutation(context.Background(), "rotateKeys", nil, "")

	// The standard eviction path still ran after the panic.
	require.Equal(t, []string{"sessions"}, cache.deletedKeys())
}

func TestResetMetrics(t *testing.T) {
	cache := &stubCache{}
	engine, _, _ := newTestEngine(t, cache)

	engine.InvalidateExpired(context.Background())
	require.NotZero(t, engine.Metrics().Total)

	engine.ResetMetrics()
	snap := engine.Metrics()
	require.Zero(t, snap.Total)
	require.Zero(t, snap.AverageDurationMillis)
	require.True(t, snap.LastInvalidation.IsZero())
}

func TestAverageDurationSmoothing(t *testing.T) {
	cache := &stubCache{}
	engine, _, _ := newTestEngine(t, cache)

	engine.InvalidateExpired(context.Background())
	first := engine.Metrics().AverageDurationMillis

	for i := 0; i < 5; i++ {
		engine.InvalidateExpired(context.Background())
	}
	// The average stays a small positive number instead of accumulating.
	avg := engine.Metrics().AverageDurationMillis
	require.GreaterOrEqual(t, avg, 0.0)
	require.Less(t, avg, first+1000)
}

func TestTenantIsolationAcrossRealTiers(t *testing.T) {
	cache, err := tiercache.New(tiercache.Config{Tiers: []tiercache.Tier{tiercache.NewMemory(100)}})
	require.NoError(t, err)
	ctx := context.Background()

	analyzer := impact.NewAnalyzer(nil)
	require.NoError(t, analyzer.Register(impact.Rule{
		OperationID:    "updateUser",
		Queries:        []string{"users"},
		TenantSpecific: true,
	}))
	engine := New(Config{
		Analyzer: analyzer,
		Results:  resultstore.NewMemory(),
		Cache:    cache,
	})
	t.Cleanup(engine.Close)

	require.NoError(t, cache.Set(ctx, TenantKey("users", "T1"), []byte("t1"), time.Minute))
	require.NoError(t, cache.Set(ctx, TenantKey("users", "T2"), []byte("t2"), time.Minute))

	engine.InvalidateFromMutation(ctx, "updateUser", nil, "T1")

	if _, ok := cache.Get(ctx, TenantKey("users", "T1")); ok {
		t.Fatal("expected T1 entry evicted")
	}
	value, ok := cache.Get(ctx, TenantKey("users", "T2"))
	require.True(t, ok, "T2 entry must survive a T1 invalidation")
	require.Equal(t, "t2", string(value))
}

func TestTenantKey(t *testing.T) {
	require.Equal(t, "users:tenant-a", TenantKey("users", "tenant-a"))
}
