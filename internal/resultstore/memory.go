package resultstore

import (
	"context"
	"strings"
	"sync"
)

// Entity is one normalized record attached to a query result.
type Entity struct {
	TypeName string
	ID       string
	Data     []byte
}

// Key returns the identity key records are indexed under.
func (e Entity) Key() string {
	return e.TypeName + ":" + e.ID
}

// Memory is an in-process normalized result store. Query results hold
// references to entity records; evicting an entity cascades to every query
// that referenced it, and garbage collection reclaims records left
// unreferenced after query evictions.
type Memory struct {
	mu       sync.RWMutex
	queries  map[string][]string
	entities map[string][]byte
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		queries:  make(map[string][]string),
		entities: make(map[string][]byte),
	}
}

// Put records a root query result and the entities it references. Entities
// are upserted by identity.
func (m *Memory) Put(query string, entities ...Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]string, 0, len(entities))
	for _, entity := range entities {
		key := entity.Key()
		refs = append(refs, key)
		m.entities[key] = entity.Data
	}
	m.queries[query] = refs
}

// EvictQuery drops the cached result for one root query name. The records it
// referenced stay resident until GarbageCollect runs.
func (m *Memory) EvictQuery(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queries, name)
	return nil
}

// EvictEntity drops one entity record and every query result referencing it.
func (m *Memory) EvictEntity(_ context.Context, typeName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictEntityLocked(Entity{TypeName: typeName, ID: id}.Key())
	return nil
}

// EvictAllOfType drops every record of the given type and the query results
// referencing them.
func (m *Memory) EvictAllOfType(_ context.Context, typeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := typeName + ":"
	for key := range m.entities {
		if strings.HasPrefix(key, prefix) {
			m.evictEntityLocked(key)
		}
	}
	return nil
}

// GarbageCollect removes entity records no remaining query references.
func (m *Memory) GarbageCollect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := make(map[string]struct{})
	for _, refs := range m.queries {
		for _, ref := range refs {
			referenced[ref] = struct{}{}
		}
	}
	for key := range m.entities {
		if _, ok := referenced[key]; !ok {
			delete(m.entities, key)
		}
	}
	return nil
}

// Reset drops every query result and entity record.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = make(map[string][]string)
	m.entities = make(map[string][]byte)
	return nil
}

// HasQuery reports whether a root query result is cached.
func (m *Memory) HasQuery(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.queries[name]
	return ok
}

// HasEntity reports whether an entity record is resident.
func (m *Memory) HasEntity(typeName, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entities[Entity{TypeName: typeName, ID: id}.Key()]
	return ok
}

// Len reports the number of cached query results and resident entity records.
func (m *Memory) Len() (queries, entities int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queries), len(m.entities)
}

// evictEntityLocked assumes m.mu is held.
func (m *Memory) evictEntityLocked(key string) {
	delete(m.entities, key)
	for query, refs := range m.queries {
		for _, ref := range refs {
			if ref == key {
				delete(m.queries, query)
				break
			}
		}
	}
}
