// Package cache filters inbound change events by tenant, predicate, and
// access rights, and reconciles them into a local normalized object cache.
// The cache engine itself is consumed through the Store interface; a bounded
// in-memory implementation is provided for embedding and tests.
package cache
