package tiercache

import (
	"context"
	"time"
)

// Entry is the value envelope stored in every tier. Values are opaque bytes;
// the envelope carries the timestamps each tier needs to honor TTL without
// consulting the others.
type Entry struct {
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry must be treated as a miss at the given time.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Tier is a single cache storage layer. Implementations self-expire lazily:
// a Lookup past ExpiresAt is a miss and removes the entry.
type Tier interface {
	Name() string
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
	PurgeExpired(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// MemoryEstimator is implemented by tiers that can report how much memory or
// disk their resident entries occupy.
type MemoryEstimator interface {
	MemoryBytes(ctx context.Context) (int64, error)
}
