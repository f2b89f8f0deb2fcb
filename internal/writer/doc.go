// Package writer persists stream events to PostgreSQL/TimescaleDB.
//
// EventWriter is the store collaborator of the connection manager: events
// arrive through Store, are buffered without blocking the caller and are
// inserted in pgx batches into stream_events. Rows are append-only.
package writer
