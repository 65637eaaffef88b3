// Package signal provides a small publish/subscribe bus used for cross-cutting
// notifications (login, logout, tenant switch, connectivity restored) so the
// core engine does not depend on any host-specific event mechanism.
package signal
