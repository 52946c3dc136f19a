// Package invalidation orchestrates cache eviction triggered by mutations,
// backend push notifications, manual administrative calls, and time. No
// failure here ever reaches the code that triggered the write: everything
// degrades to "stale but not broken" and is visible only through metrics.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stalectl/stalectl/internal/impact"
	"github.com/stalectl/stalectl/internal/metrics"
	"github.com/stalectl/stalectl/internal/resultstore"
)

// Source identifies what triggered an invalidation run.
type Source string

const (
	SourceMutation    Source = "mutation"
	SourceBackendPush Source = "backend-push"
	SourceManual      Source = "manual"
	SourceTTL         Source = "ttl"
	SourceBatch       Source = "batch"
)

// ChangeKind classifies a backend push/change notification.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// DefaultDebounceDelay is the quiet period before queued keys are flushed in
// one batched delete.
const DefaultDebounceDelay = 100 * time.Millisecond

// DefaultSweepInterval is how often the maintenance sweep proactively drops
// expired entries. Each tier already self-expires lazily on access; the sweep
// is a safety net.
const DefaultSweepInterval = 5 * time.Minute

// emaAlpha weights the newest sample in the running invalidation-time average.
const emaAlpha = 0.2

// TierCache is the eviction surface the engine needs from the multi-tier
// cache.
type TierCache interface {
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context, pattern string) error
	Keys(ctx context.Context) ([]string, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// Snapshot is the process-lifetime invalidation counters, reset only by an
// explicit ResetMetrics call.
type Snapshot struct {
	Total                 uint64    `json:"totalInvalidations"`
	MutationBased         uint64    `json:"mutationBased"`
	TimeBased             uint64    `json:"timeBased"`
	Manual                uint64    `json:"manual"`
	Batched               uint64    `json:"batched"`
	AverageDurationMillis float64   `json:"averageInvalidationTimeMs"`
	LastInvalidation      time.Time `json:"lastInvalidation"`
}

// ManualRequest targets an administrative invalidation directly: by query
// name, entity type, explicit cache key, or a glob pattern matched against
// the currently extractable key set. Not used on the hot write path.
type ManualRequest struct {
	Queries  []string `json:"queries,omitempty"`
	Types    []string `json:"types,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	TenantID string   `json:"tenantId,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}

// Config assembles an Engine from its collaborators.
type Config struct {
	Analyzer *impact.Analyzer
	Results  resultstore.Store
	Cache    TierCache
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// DebounceDelay overrides DefaultDebounceDelay; zero keeps the default.
	DebounceDelay time.Duration
	// SweepInterval overrides DefaultSweepInterval; zero keeps the default.
	SweepInterval time.Duration
}

// Engine coordinates every invalidation path. One instance is constructed at
// application start and passed by reference to all callers; there is no
// package-level singleton. Public operations never return errors, so callers
// on the write path can fire and forget.
type Engine struct {
	analyzer *impact.Analyzer
	results  resultstore.Store
	cache    TierCache
	logger   *slog.Logger
	metrics  *metrics.Recorder

	debounceDelay time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	pending  map[string]struct{}
	debounce *time.Timer
	snap     Snapshot
	emaInit  bool
}

// New constructs the engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.DebounceDelay
	if debounce <= 0 {
		debounce = DefaultDebounceDelay
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Engine{
		analyzer:      cfg.Analyzer,
		results:       cfg.Results,
		cache:         cfg.Cache,
		logger:        logger.With(slog.String("agent", "invalidation_engine")),
		metrics:       cfg.Metrics,
		debounceDelay: debounce,
		sweepInterval: sweep,
		now:           time.Now,
		pending:       make(map[string]struct{}),
	}
}

// TenantKey returns the tenant-scoped variant of a cache key. Two tenants
// never share a key for tenant-specific data.
func TenantKey(name, tenantID string) string {
	return name + ":" + tenantID
}

// InvalidateFromMutation evicts everything a completed write operation can
// have staled. The analyzer resolves the impact, an optional custom
// invalidator runs first, then the normalized store is evicted and garbage
// collected, and only then the tier cache. Failures are logged with operation
// and tenant context and never returned.
func (e *Engine) InvalidateFromMutation(ctx context.Context, operationID string, params map[string]any, tenantID string) {
	e.invalidate(ctx, SourceMutation, operationID, params, tenantID)
}

// InvalidateFromBackendChange reshapes a push notification into a
// mutation-shaped impact lookup, so push events reuse the rule table without
// duplicating logic.
func (e *Engine) InvalidateFromBackendChange(ctx context.Context, kind ChangeKind, entityType, entityID, tenantID string) {
	operationID := string(kind) + entityType
	e.invalidate(ctx, SourceBackendPush, operationID, map[string]any{"id": entityID}, tenantID)
}

// InvalidateManual serves ad hoc administrative cleanup. The normalized store
// is evicted before the tier cache, matching the mutation path's ordering.
func (e *Engine) InvalidateManual(ctx context.Context, req ManualRequest) {
	start := time.Now()
	logger := e.logger.With(slog.String("source", string(SourceManual)))
	if req.TenantID != "" {
		logger = logger.With(slog.String("tenant", req.TenantID))
	}
	outcome := metrics.InvalidationOK

	for _, query := range req.Queries {
		if err := e.results.EvictQuery(ctx, query); err != nil {
			logger.Error("query eviction failed", slog.String("query", query), slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}
	for _, typeName := range req.Types {
		if err := e.results.EvictAllOfType(ctx, typeName); err != nil {
			logger.Error("type eviction failed", slog.String("type", typeName), slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}
	if len(req.Queries) > 0 || len(req.Types) > 0 {
		if err := e.results.GarbageCollect(ctx); err != nil {
			logger.Error("result store garbage collection failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}

	keys := make([]string, 0, len(req.Queries)+len(req.Types)+len(req.Keys))
	seen := make(map[string]struct{})
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, name := range req.Queries {
		add(name)
		if req.TenantID != "" {
			add(TenantKey(name, req.TenantID))
		}
	}
	for _, name := range req.Types {
		add(name)
		if req.TenantID != "" {
			add(TenantKey(name, req.TenantID))
		}
	}
	for _, key := range req.Keys {
		add(key)
	}
	if len(keys) > 0 {
		if err := e.cache.Delete(ctx, keys...); err != nil {
			logger.Error("tier cache delete failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}
	if req.Pattern != "" {
		if err := e.cache.Clear(ctx, req.Pattern); err != nil {
			logger.Error("pattern invalidation failed", slog.String("pattern", req.Pattern), slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}

	duration := time.Since(start)
	e.metrics.ObserveInvalidation(string(SourceManual), outcome, duration)
	e.metrics.ObserveEvictedKeys(string(SourceManual), len(keys))
	e.record(SourceManual, duration)
}

// QueueInvalidation adds a key to the pending deduplicated set and restarts
// the debounce timer. When the quiet period elapses every queued key is
// deleted from the tier cache in one batched call. Re-queuing during the
// window resets the timer; queuing the same key twice produces one eviction.
func (e *Engine) QueueInvalidation(key string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = struct{}{}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.debounceDelay, e.flushPending)
}

// InvalidateExpired proactively drops entries past expiry from every tier.
// Each tier already self-expires lazily; this sweep is a maintenance safety
// net and may race harmlessly with request-driven invalidation, since deletes
// are idempotent.
func (e *Engine) InvalidateExpired(ctx context.Context) {
	start := time.Now()
	outcome := metrics.InvalidationOK
	purged, err := e.cache.PurgeExpired(ctx)
	if err != nil {
		e.logger.Error("expiry sweep failed", slog.Any("error", err))
		outcome = metrics.InvalidationDegraded
	}
	duration := time.Since(start)
	e.metrics.ObserveInvalidation(string(SourceTTL), outcome, duration)
	e.metrics.ObserveEvictedKeys(string(SourceTTL), purged)
	e.record(SourceTTL, duration)
}

// StartExpirySweep runs InvalidateExpired on the configured interval until
// the context is cancelled or the returned stop function is called.
func (e *Engine) StartExpirySweep(ctx context.Context) (stop func()) {
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				e.InvalidateExpired(sweepCtx)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Metrics snapshots the running invalidation counters.
func (e *Engine) Metrics() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// ResetMetrics zeroes the running counters.
func (e *Engine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = Snapshot{}
	e.emaInit = false
}

// Close flushes any queued keys so a shutdown does not drop pending work.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.mu.Unlock()
	e.flushPending()
}

func (e *Engine) invalidate(ctx context.Context, source Source, operationID string, params map[string]any, tenantID string) {
	start := time.Now()
	logger := e.logger.With(
		slog.String("source", string(source)),
		slog.String("operation", operationID))
	if tenantID != "" {
		logger = logger.With(slog.String("tenant", tenantID))
	}
	outcome := metrics.InvalidationOK
	evicted := 0

	imp := e.analyzer.Analyze(operationID, params)

	if imp.Custom != nil {
		if err := runCustom(ctx, imp.Custom, params); err != nil {
			logger.Error("custom invalidator failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	}

	switch {
	case imp.Wildcard():
		// A full reset ignores tenant scoping; it exists for tenant
		// switches and logout.
		if err := e.results.Reset(ctx); err != nil {
			logger.Error("result store reset failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
		if err := e.cache.Clear(ctx, ""); err != nil {
			logger.Error("tier cache clear failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}
	case imp.Empty():
		logger.Debug("no impact resolved, skipping eviction")
	default:
		entityID, _ := params["id"].(string)
		for _, query := range imp.Queries {
			if err := e.results.EvictQuery(ctx, query); err != nil {
				logger.Error("query eviction failed", slog.String("query", query), slog.Any("error", err))
				outcome = metrics.InvalidationDegraded
			}
		}
		for _, typeName := range imp.Types {
			var err error
			if entityID != "" {
				err = e.results.EvictEntity(ctx, typeName, entityID)
			} else {
				err = e.results.EvictAllOfType(ctx, typeName)
			}
			if err != nil {
				logger.Error("type eviction failed", slog.String("type", typeName), slog.Any("error", err))
				outcome = metrics.InvalidationDegraded
			}
		}
		if err := e.results.GarbageCollect(ctx); err != nil {
			logger.Error("result store garbage collection failed", slog.Any("error", err))
			outcome = metrics.InvalidationDegraded
		}

		// The normalized store, including its garbage collection, is fully
		// settled before the faster tier cache is touched: a concurrent
		// reader must not find the tier cache cleared while the normalized
		// store still serves linked stale data.
		keys := cacheKeys(imp, tenantID)
		if len(keys) > 0 {
			if err := e.cache.Delete(ctx, keys...); err != nil {
				logger.Error("tier cache delete failed", slog.Any("error", err))
				outcome = metrics.InvalidationDegraded
			}
			evicted = len(keys)
		}
	}

	duration := time.Since(start)
	e.metrics.ObserveInvalidation(string(source), outcome, duration)
	e.metrics.ObserveEvictedKeys(string(source), evicted)
	e.record(source, duration)
}

// flushPending drains the debounce queue and deletes the batch in one call.
func (e *Engine) flushPending() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.debounce = nil
		e.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(e.pending))
	for key := range e.pending {
		keys = append(keys, key)
	}
	e.pending = make(map[string]struct{})
	e.debounce = nil
	e.mu.Unlock()

	start := time.Now()
	outcome := metrics.InvalidationOK
	if err := e.cache.Delete(context.Background(), keys...); err != nil {
		e.logger.Error("batched delete failed",
			slog.Int("keys", len(keys)),
			slog.Any("error", err))
		outcome = metrics.InvalidationDegraded
	}
	duration := time.Since(start)
	e.metrics.ObserveInvalidation(string(SourceBatch), outcome, duration)
	e.metrics.ObserveEvictedKeys(string(SourceBatch), len(keys))
	e.record(SourceBatch, duration)
}

// record updates the process-lifetime snapshot under the engine lock.
func (e *Engine) record(source Source, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Total++
	switch source {
	case SourceMutation, SourceBackendPush:
		e.snap.MutationBased++
	case SourceTTL:
		e.snap.TimeBased++
	case SourceManual:
		e.snap.Manual++
	case SourceBatch:
		e.snap.Batched++
	}
	ms := float64(duration.Microseconds()) / 1000
	if !e.emaInit {
		e.snap.AverageDurationMillis = ms
		e.emaInit = true
	} else {
		e.snap.AverageDurationMillis = e.snap.AverageDurationMillis*(1-emaAlpha) + ms*emaAlpha
	}
	e.snap.LastInvalidation = e.now().UTC()
}

// cacheKeys expands an impact into the tier cache keys to delete: each query
// and type name, plus the tenant-suffixed variant when the rule is
// tenant-specific and a tenant is in scope.
func cacheKeys(imp impact.Impact, tenantID string) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	withTenant := imp.TenantSpecific && tenantID != ""
	for _, name := range imp.Queries {
		add(name)
		if withTenant {
			add(TenantKey(name, tenantID))
		}
	}
	for _, name := range imp.Types {
		add(name)
		if withTenant {
			add(TenantKey(name, tenantID))
		}
	}
	return keys
}

// runCustom shields the engine from caller-supplied callbacks; a panic is
// converted into a logged error.
func runCustom(ctx context.Context, fn impact.CustomFunc, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalidation: custom invalidator panic: %v", r)
		}
	}()
	return fn(ctx, params)
}
