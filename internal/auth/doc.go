// Package auth owns the process-wide authentication state: current access
// token, expiry, and active tenant. It schedules proactive token refresh,
// reconciles credential changes made elsewhere (other tabs, other processes)
// via the signal bus and a periodic resync, and resolves per-connect
// parameters so a stale token is never baked into a long-lived connection.
package auth
