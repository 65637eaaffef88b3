package cache

import "encoding/json"

// Store is the consumed normalized-cache interface. Implementations must be
// safe for concurrent use.
type Store interface {
	// ReadQuery returns the cached result for a query key, if resident.
	ReadQuery(key string) (json.RawMessage, bool)

	// WriteQuery stores a query result.
	WriteQuery(key string, data json.RawMessage)

	// ReadFragment returns a cached entity by reference, if resident.
	ReadFragment(ref string) (json.RawMessage, bool)

	// WriteFragment stores a single entity under its reference.
	WriteFragment(ref string, data json.RawMessage)

	// Evict removes an entity and reports whether it was resident.
	Evict(ref string) bool

	// Identify derives the cache reference for an entity.
	Identify(entityType, id string) string
}
