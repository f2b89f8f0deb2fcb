// Package subscription describes what a caller can subscribe to and how
// each subscription is routed onto a physical connection.
//
// An Endpoint is a catalog entry (channel, parameters, default routing
// strategy). An Endpoint plus concrete parameters yields an immutable
// Descriptor, which builds the wire request and computes the routing key:
//   - shared:       one connection per channel
//   - dedicated:    one connection per (channel, parameters)
//   - user_grouped: one connection per user address, across channels
package subscription
