// Package resultstore defines the contract the invalidation engine needs from
// a normalized query-result store: a store that indexes fetched data both by
// the root query that produced it and by individual entity identity, so one
// entity update can invalidate every query result referencing it.
package resultstore

import "context"

// Store is the eviction surface of a normalized result store. The transport
// client that executes queries owns the actual records; the engine only ever
// evicts through these four operations plus entity targeting.
type Store interface {
	// EvictQuery drops the cached result for one root query name.
	EvictQuery(ctx context.Context, name string) error
	// EvictEntity drops one entity record and cascades to every root query
	// that referenced it.
	EvictEntity(ctx context.Context, typeName, id string) error
	// EvictAllOfType drops every record of the given entity type, cascading
	// to referencing queries.
	EvictAllOfType(ctx context.Context, typeName string) error
	// GarbageCollect reclaims entity records no remaining query references.
	GarbageCollect(ctx context.Context) error
	// Reset drops everything.
	Reset(ctx context.Context) error
}
