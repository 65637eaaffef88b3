// Package transport implements the single persistent WebSocket channel used
// by a connection pool. Connection parameters (authorization, tenant) are
// resolved through an async provider at the moment of each connect attempt.
package transport
