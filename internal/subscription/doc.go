// Package subscription multiplexes logical event subscriptions over
// connection pools: identical subscribe requests share one server-side
// subscription, with inbound results fanned out to every attached listener.
package subscription
