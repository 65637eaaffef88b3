package cache

import (
	"errors"
	"fmt"

	"github.com/wareflow/realtime-go/internal/event"
)

// ErrAccessDenied reports that the active tenant or user lacks a required
// feature or permission.
var ErrAccessDenied = errors.New("subscription access denied")

// AccessChecker answers feature-flag and permission questions for a tenant.
// A nil checker grants everything.
type AccessChecker interface {
	HasFeature(tenantID, feature string) bool
	HasPermission(tenantID, permission string) bool
}

// Predicate is an optional caller-supplied event filter.
type Predicate func(event.ChangeEvent) bool

// Filter enforces tenant, predicate, and access scoping on inbound events.
type Filter struct {
	// ActiveTenant resolves the currently active tenant id at event time.
	ActiveTenant func() string

	// Predicate, when non-nil, must accept the event.
	Predicate Predicate

	// Access, when non-nil, is re-checked on every inbound event in case
	// permissions changed mid-stream.
	Access AccessChecker
}

// Allow reports whether an event may be delivered. Checks run in order:
// tenant match, caller predicate, feature/permission.
func (f *Filter) Allow(ev event.ChangeEvent) bool {
	tenant := ""
	if f.ActiveTenant != nil {
		tenant = f.ActiveTenant()
	}

	if ev.TenantID != "" && ev.TenantID != tenant {
		return false
	}

	if f.Predicate != nil && !f.Predicate(ev) {
		return false
	}

	if f.Access != nil {
		if ev.Feature != "" && !f.Access.HasFeature(tenant, ev.Feature) {
			return false
		}
		if ev.Permission != "" && !f.Access.HasPermission(tenant, ev.Permission) {
			return false
		}
	}

	return true
}

// ValidateSubscriptionAccess is the advisory subscribe-time check: callers
// verify access before handing a subscription to the multiplexer. The filter
// re-checks the same rights on every inbound event.
func ValidateSubscriptionAccess(access AccessChecker, tenantID, feature, permission string) error {
	if access == nil {
		return nil
	}
	if feature != "" && !access.HasFeature(tenantID, feature) {
		return fmt.Errorf("%w: feature %q", ErrAccessDenied, feature)
	}
	if permission != "" && !access.HasPermission(tenantID, permission) {
		return fmt.Errorf("%w: permission %q", ErrAccessDenied, permission)
	}
	return nil
}
