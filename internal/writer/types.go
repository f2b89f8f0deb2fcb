package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of the input buffer.
	BufferSize int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Received int64 `json:"received"` // Events accepted by Store
	Dropped  int64 `json:"dropped"`  // Events refused after Stop
	Inserts  int64 `json:"inserts"`
	Errors   int64 `json:"errors"`
	Flushes  int64 `json:"flushes"`
}

// DB is the subset of *pgxpool.Pool used by writers.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// eventRow represents a row to be inserted into the stream_events table.
type eventRow struct {
	ReceivedAt time.Time
	ConnKey    string
	Channel    string // Subscription channel (e.g. "l2Book")
	Identity   string // Channel plus canonical params
	Payload    string // Raw JSON data
}
