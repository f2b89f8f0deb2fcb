// Package connection implements the streaming connection pool.
//
// The pool:
//   - Runs one Conn actor per routing key, each owning a single WebSocket
//   - Keeps an active subscription set per Conn and resubscribes all of it
//     after every successful reconnect
//   - Reconnects with a fixed backoff sequence and pings while connected
//   - Multiplexes logical subscriptions onto Conns through the Manager,
//     which fans events out to callbacks, the event bus and the store
package connection
