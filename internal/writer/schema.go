package writer

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stream_events (
		id          BIGSERIAL PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL,
		conn_key    TEXT        NOT NULL,
		channel     TEXT        NOT NULL,
		identity    TEXT        NOT NULL,
		payload     JSONB       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stream_events_identity_received_at
		ON stream_events (identity, received_at DESC)`,
	`CREATE INDEX IF NOT EXISTS stream_events_channel_received_at
		ON stream_events (channel, received_at DESC)`,
}

// EnsureSchema creates the stream_events table and its indexes if missing.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
