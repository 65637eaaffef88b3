// Package pool owns one persistent gateway connection per scoping key and
// the resilience machinery around it: exponential-backoff reconnection,
// transparent resubscription, idle teardown of empty pools, and a
// deduplicated connection-status feed.
package pool
