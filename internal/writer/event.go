package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
)

const insertEventSQL = `
	INSERT INTO stream_events (received_at, conn_key, channel, identity, payload)
	VALUES ($1, $2, $3, $4, $5::jsonb)`

type storeRequest struct {
	ev model.Event
	id model.Identity
}

// EventWriter persists stream events into the stream_events table. Store
// never blocks: events queue in an unbounded buffer and are written in
// batches on size or interval.
type EventWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[storeRequest]

	db DB

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{}

	// Metrics
	metrics WriterMetrics
}

// NewEventWriter creates a new EventWriter.
func NewEventWriter(cfg WriterConfig, db DB, logger *slog.Logger) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &EventWriter{
		cfg:      cfg,
		logger:   logger,
		input:    router.NewGrowableBuffer[storeRequest](cfg.BufferSize),
		db:       db,
		batch:    make([]eventRow, 0, cfg.BatchSize),
		consumed: make(chan struct{}),
	}
}

// Store queues ev for persistence under id.
func (w *EventWriter) Store(ev model.Event, id model.Identity) {
	ok := w.input.Send(storeRequest{ev: ev, id: id})

	w.batchMu.Lock()
	if ok {
		w.metrics.Received++
	} else {
		w.metrics.Dropped++
	}
	w.batchMu.Unlock()
}

// Start begins consuming events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, performs a final flush within ctx and shuts
// down.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping event writer")

	// Closing the input lets consumeLoop drain what is queued and exit.
	w.input.Close()

	if w.cancel != nil {
		select {
		case <-w.consumed:
		case <-ctx.Done():
			w.logger.Warn("event writer drain timed out", "pending", w.input.Len())
		}
		w.cancel()
		w.flushTicker.Stop()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.logger.Info("event writer stopped")
		case <-ctx.Done():
			w.logger.Warn("event writer stop timed out")
		}
	}

	// Final flush
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves events from the input buffer into the batch.
func (w *EventWriter) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		req, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handle(req)
	}
}

// flushLoop periodically flushes the batch.
func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handle transforms and adds an event to the batch.
func (w *EventWriter) handle(req storeRequest) {
	row := w.transform(req)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		ctx := w.ctx
		if ctx == nil || ctx.Err() != nil {
			ctx = context.Background()
		}
		w.flush(ctx)
	}
}

// transform converts a stored event to an eventRow.
func (w *EventWriter) transform(req storeRequest) eventRow {
	payload := string(req.ev.Data)
	if payload == "" {
		payload = "null"
	}
	return eventRow{
		ReceivedAt: req.ev.ReceivedAt.UTC(),
		ConnKey:    req.ev.ConnKey,
		Channel:    req.id.Channel,
		Identity:   req.id.String(),
		Payload:    payload,
	}
}

// flush writes the current batch to the database.
func (w *EventWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	inserted, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(inserted)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *EventWriter) batchInsert(ctx context.Context, rows []eventRow) (inserted int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEventSQL, r.ReceivedAt, r.ConnKey, r.Channel, r.Identity, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(ct.RowsAffected())
	}

	return inserted, nil
}
