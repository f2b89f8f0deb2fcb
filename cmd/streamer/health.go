package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meltingice/hyperliquid-sub002/internal/connection"
	"github.com/meltingice/hyperliquid-sub002/internal/model"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
	"github.com/meltingice/hyperliquid-sub002/internal/version"
	"github.com/meltingice/hyperliquid-sub002/internal/writer"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// healthDeps are the components the health server reports on. db and
// writer are nil when persistence is disabled.
type healthDeps struct {
	manager  connection.Manager
	db       pinger
	writer   *writer.EventWriter
	bus      *router.Bus
	failures *failureLog
}

// failureRecord is one subscription.failed event kept for /debug/failures.
type failureRecord struct {
	At     time.Time `json:"at"`
	Key    string    `json:"key"`
	IDs    []string  `json:"ids"`
	Reason string    `json:"reason"`
}

// failureLog keeps the most recent rejected subscriptions.
type failureLog struct {
	mu      sync.Mutex
	limit   int
	records []failureRecord
}

func newFailureLog(limit int) *failureLog {
	return &failureLog{limit: limit}
}

// consume reads failure events until buf is closed.
func (f *failureLog) consume(buf *router.GrowableBuffer[model.Event]) {
	for {
		ev, ok := buf.Receive()
		if !ok {
			return
		}
		f.add(ev)
	}
}

func (f *failureLog) add(ev model.Event) {
	msg, err := decodeFailure(ev.Data)
	if err != nil {
		msg.Key = ev.ConnKey
		msg.Reason = string(ev.Data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, failureRecord{
		At:     ev.ReceivedAt,
		Key:    msg.Key,
		IDs:    msg.IDs,
		Reason: msg.Reason,
	})
	if len(f.records) > f.limit {
		f.records = f.records[len(f.records)-f.limit:]
	}
}

func (f *failureLog) list() []failureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failureRecord(nil), f.records...)
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(deps healthDeps, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Check database
		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		// Check connections
		conns := deps.manager.ConnStats()
		connected := 0
		for _, st := range conns {
			if st.Status == connection.StatusConnected {
				connected++
			}
		}
		health.Components["connections"] = map[string]int{
			"total":     len(conns),
			"connected": connected,
		}
		if connected < len(conns) && health.Status == "healthy" {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.manager.ConnStats())
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		subs := deps.manager.ListSubscriptions()
		writeJSON(w, http.StatusOK, map[string]any{
			"count":         len(subs),
			"subscriptions": subs,
		})
	})

	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
			return
		}
		m, err := deps.manager.GetMetrics(id)
		if errors.Is(err, connection.ErrSubscriptionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"manager": deps.manager.Stats(),
		}
		if deps.bus != nil {
			stats["bus"] = deps.bus.Stats()
		}
		if deps.writer != nil {
			stats["writer"] = deps.writer.Stats()
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("/debug/failures", func(w http.ResponseWriter, r *http.Request) {
		var records []failureRecord
		if deps.failures != nil {
			records = deps.failures.list()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(records),
			"failures": records,
		})
	})

	mux.HandleFunc("/debug/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
			return
		}
		key := r.URL.Query().Get("key")
		if err := deps.manager.DisconnectConn(key); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("forced disconnect via debug endpoint", "conn", key)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting", "key": key})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
