// Package database opens the PostgreSQL/TimescaleDB pool backing the event
// store. Persistence is optional: the streamer runs without a database when
// none is configured.
package database
