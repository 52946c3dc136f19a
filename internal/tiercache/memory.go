package tiercache

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryMaxEntries caps the process-local tier when the caller does not
// configure a limit.
const DefaultMemoryMaxEntries = 10000

// Memory is the process-local L1 tier. It is the fastest and smallest layer;
// when the entry count exceeds the cap the tier is cleared wholesale rather
// than tracking per-entry recency.
type Memory struct {
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	bytes   int64
}

// NewMemory constructs the L1 tier with the given entry cap.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	return &Memory{
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]Entry),
	}
}

// Name identifies the tier in logs and metrics.
func (m *Memory) Name() string { return "l1" }

// Lookup returns the entry for key. Entries past their expiry are removed and
// reported as misses.
func (m *Memory) Lookup(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(m.now()) {
		m.remove(key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

// Store writes the entry, clearing the whole tier first when the cap would be
// exceeded by a new key.
func (m *Memory) Store(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.entries = make(map[string]Entry, m.maxEntries)
		m.bytes = 0
	}
	m.remove(key)
	m.entries[key] = cloneEntry(entry)
	m.bytes += entrySize(key, entry)
	return nil
}

// Delete removes the given keys.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.remove(key)
	}
	return nil
}

// Keys returns every currently resident, unexpired key.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.Expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// PurgeExpired proactively drops entries past their expiry and returns the
// number removed.
func (m *Memory) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	purged := 0
	for key, entry := range m.entries {
		if entry.Expired(now) {
			m.remove(key)
			purged++
		}
	}
	return purged, nil
}

// Clear wipes the tier.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	m.bytes = 0
	return nil
}

// Len reports the number of resident entries, expired ones included.
func (m *Memory) Len(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// MemoryBytes estimates the resident size of the tier.
func (m *Memory) MemoryBytes(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes, nil
}

// Close releases nothing; the tier lives and dies with the process.
func (m *Memory) Close(context.Context) error { return nil }

// remove assumes m.mu is held.
func (m *Memory) remove(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	m.bytes -= entrySize(key, entry)
	delete(m.entries, key)
}

func entrySize(key string, entry Entry) int64 {
	return int64(len(key) + len(entry.Value))
}

func cloneEntry(in Entry) Entry {
	out := Entry{StoredAt: in.StoredAt, ExpiresAt: in.ExpiresAt}
	if len(in.Value) > 0 {
		out.Value = make([]byte, len(in.Value))
		copy(out.Value, in.Value)
	}
	return out
}
