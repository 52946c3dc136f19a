package tiercache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/stalectl/stalectl/internal/metrics"
)

// DefaultTTL applies when a caller stores a value without a positive TTL.
const DefaultTTL = 5 * time.Minute

// TierStats reports hit/miss counters for one tier.
type TierStats struct {
	Tier   string `json:"tier"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Stats aggregates per-tier counters and the resident-size estimate.
type Stats struct {
	Tiers       []TierStats `json:"tiers"`
	MemoryBytes int64       `json:"memoryBytes"`
}

// Config assembles a MultiTier from its layers, ordered fastest first.
type Config struct {
	Tiers   []Tier
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// MultiTier layers L1/L2/L3 behind one key/value surface. Reads probe tiers in
// order and promote deeper hits into every faster tier; writes land in the
// first tier synchronously and in the rest best-effort.
type MultiTier struct {
	tiers   []Tier
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	hits   []atomic.Uint64
	misses []atomic.Uint64
}

// New constructs the layered cache. At least one tier is required.
func New(cfg Config) (*MultiTier, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("tiercache: at least one tier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiTier{
		tiers:   cfg.Tiers,
		logger:  logger.With(slog.String("agent", "tier_cache")),
		metrics: cfg.Metrics,
		now:     time.Now,
		hits:    make([]atomic.Uint64, len(cfg.Tiers)),
		misses:  make([]atomic.Uint64, len(cfg.Tiers)),
	}, nil
}

// Get probes tiers fastest-first. On a hit below L1 the entry is written back
// into every faster tier, preserving its original expiry, before the value is
// returned. Tier errors are logged and treated as misses for that tier.
func (m *MultiTier) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, tier := range m.tiers {
		entry, ok, err := tier.Lookup(ctx, key)
		if err != nil {
			m.logger.Warn("tier lookup failed",
				slog.String("tier", tier.Name()),
				slog.String("key", key),
				slog.Any("error", err))
			m.metrics.ObserveTierLookup(tier.Name(), metrics.LookupError)
			m.misses[i].Add(1)
			continue
		}
		if !ok {
			m.metrics.ObserveTierLookup(tier.Name(), metrics.LookupMiss)
			m.misses[i].Add(1)
			continue
		}
		m.metrics.ObserveTierLookup(tier.Name(), metrics.LookupHit)
		m.hits[i].Add(1)
		m.promote(ctx, key, entry, i)
		return entry.Value, true
	}
	return nil, false
}

// Set writes to the first tier synchronously; failures in deeper tiers are
// logged but never fail the overall write.
func (m *MultiTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now().UTC()
	entry := Entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}

	first := m.tiers[0]
	err := first.Store(ctx, key, entry)
	m.metrics.ObserveTierWrite(first.Name(), err)
	if err != nil {
		return fmt.Errorf("tiercache: store %s: %w", first.Name(), err)
	}

	for _, tier := range m.tiers[1:] {
		storeErr := tier.Store(ctx, key, entry)
		m.metrics.ObserveTierWrite(tier.Name(), storeErr)
		if storeErr != nil {
			m.logger.Warn("tier write failed",
				slog.String("tier", tier.Name()),
				slog.String("key", key),
				slog.Any("error", storeErr))
		}
	}
	return nil
}

// Delete removes the keys from every tier. Deletes are idempotent; per-tier
// failures are joined so callers can log them without aborting siblings.
func (m *MultiTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Delete(ctx, keys...); err != nil {
			errs = append(errs, fmt.Errorf("tiercache: delete %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Clear wipes every tier. A non-empty pattern restricts the wipe to keys
// matching the glob, evaluated against each tier's extractable key set.
func (m *MultiTier) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		var errs []error
		for _, tier := range m.tiers {
			if err := tier.Clear(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tiercache: clear %s: %w", tier.Name(), err))
			}
		}
		return errors.Join(errs...)
	}

	matcher, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("tiercache: pattern %q: %w", pattern, err)
	}
	var errs []error
	for _, tier := range m.tiers {
		keys, err := tier.Keys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tiercache: keys %s: %w", tier.Name(), err))
			continue
		}
		matched := keys[:0]
		for _, key := range keys {
			if matcher.Match(key) {
				matched = append(matched, key)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if err := tier.Delete(ctx, matched...); err != nil {
			errs = append(errs, fmt.Errorf("tiercache: delete %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Keys returns the deduplicated union of every tier's extractable keys.
func (m *MultiTier) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	var errs []error
	for _, tier := range m.tiers {
		tierKeys, err := tier.Keys(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tiercache: keys %s: %w", tier.Name(), err))
			continue
		}
		for _, key := range tierKeys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys, errors.Join(errs...)
}

// PurgeExpired asks every tier to drop entries past expiry and returns the
// total removed. Tiers with server-side expiry report zero.
func (m *MultiTier) PurgeExpired(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, tier := range m.tiers {
		purged, err := tier.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("tiercache: purge %s: %w", tier.Name(), err))
			continue
		}
		total += purged
	}
	return total, errors.Join(errs...)
}

// Stats snapshots per-tier hit/miss counters and the aggregate size estimate.
func (m *MultiTier) Stats(ctx context.Context) Stats {
	stats := Stats{Tiers: make([]TierStats, 0, len(m.tiers))}
	for i, tier := range m.tiers {
		stats.Tiers = append(stats.Tiers, TierStats{
			Tier:   tier.Name(),
			Hits:   m.hits[i].Load(),
			Misses: m.misses[i].Load(),
		})
		if estimator, ok := tier.(MemoryEstimator); ok {
			if size, err := estimator.MemoryBytes(ctx); err == nil {
				stats.MemoryBytes += size
			}
		}
	}
	return stats
}

// Close releases every tier.
func (m *MultiTier) Close(ctx context.Context) error {
	var errs []error
	for _, tier := range m.tiers {
		if err := tier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tiercache: close %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiTier) promote(ctx context.Context, key string, entry Entry, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		tier := m.tiers[i]
		if err := tier.Store(ctx, key, entry); err != nil {
			m.logger.Warn("tier promotion failed",
				slog.String("tier", tier.Name()),
				slog.String("key", key),
				slog.Any("error", err))
		}
	}
}
