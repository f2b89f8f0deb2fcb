package model

import (
	"encoding/json"
	"time"
)

// Event is a data frame received on a streaming connection.
type Event struct {
	Channel    string          // Channel tag from the envelope (e.g. "l2Book", "trades")
	Data       json.RawMessage // Opaque payload
	ConnKey    string          // Routing key of the connection that received it
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// Identity names the subscription channel an event was received for.
// Persisted alongside the event so stored rows can be traced back to a
// descriptor.
type Identity struct {
	Channel string // Subscription channel (request "type")
	Params  string // Canonical parameter encoding, "" when none
	Key     string // Routing key
}

// String returns "channel" or "channel{params}".
func (id Identity) String() string {
	if id.Params == "" {
		return id.Channel
	}
	return id.Channel + "{" + id.Params + "}"
}

// ReceivedAtMicros returns the receive time in microseconds since epoch.
func (e Event) ReceivedAtMicros() int64 {
	return e.ReceivedAt.UnixMicro()
}
