// Package model defines shared data types used across the streaming layer.
//
// Conventions:
//   - Payloads: opaque json.RawMessage, never decoded past the envelope
//   - Timestamps: time.Time at the edges, int64 microseconds in storage
//   - Routing keys: "shared:<channel>", "dedicated:<channel>:<params>", "user:<address>"
package model
