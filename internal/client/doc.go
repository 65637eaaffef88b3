// Package client is the consumer-facing surface of the realtime engine:
// subscribe/unsubscribe with lifecycle-scoped cleanup, a deduplicated
// connection-status feed with aggregate statistics, and tenant-scoped and
// resilient subscribe variants.
package client
