// Package event defines the wire frames exchanged with the event gateway
// and the change-event types reconciled into the local cache.
package event
