// streamtest connects to the Hyperliquid WebSocket and prints events to the console.
// Usage: go run ./cmd/streamtest --coins BTC,ETH --channels trades,l2Book
//
// User channels (userFills, orderUpdates, ...) need --user.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meltingice/hyperliquid-sub002/internal/config"
	"github.com/meltingice/hyperliquid-sub002/internal/connection"
	"github.com/meltingice/hyperliquid-sub002/internal/model"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

func main() {
	wsURL := flag.String("url", config.DefaultWSURL, "websocket endpoint")
	coins := flag.String("coins", "BTC", "comma separated coins")
	channels := flag.String("channels", "trades,l2Book", "comma separated channels")
	user := flag.String("user", "", "user address for user channels")
	interval := flag.String("interval", "1m", "candle interval")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	descs, err := buildDescriptors(splitList(*channels), splitList(*coins), *user, *interval)
	if err != nil {
		logger.Error("invalid subscription flags", "error", err, "channels", subscription.Channels())
		os.Exit(1)
	}

	bus := router.NewBus(router.DefaultBusConfig(), logger)
	defer bus.Close()

	mgr := connection.NewManager(connection.DefaultManagerConfig(*wsURL), nil, bus, logger)
	logger.Info("starting connection manager", "url", *wsURL)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	for _, d := range descs {
		id, err := mgr.Subscribe(d, nil)
		if err != nil {
			logger.Error("subscribe failed", "channel", d.Channel(), "error", err)
			os.Exit(1)
		}
		key, _ := d.RoutingKey()
		logger.Info("subscribed", "id", id, "channel", d.Channel(), "params", d.Params(), "conn", key)
	}

	// Console printer
	events := bus.Subscribe(router.TopicAll)
	go printEvents(events, *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				busStats := bus.Stats()
				logger.Info("stats",
					"subscriptions", stats.Subscriptions,
					"connections", stats.Connections,
					"events_routed", stats.EventsRouted,
					"events_unmatched", stats.EventsUnmatched,
					"failed", stats.Failed,
					"bus_published", busStats.Published,
					"printer_buf", events.Len(),
				)
				for _, st := range mgr.ConnStats() {
					logger.Info("connection",
						"conn", st.Key,
						"status", st.Status,
						"active", st.ActiveSubscriptions,
						"pending", st.PendingAcks,
						"connects", st.Connects,
					)
				}
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	mgr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// buildDescriptors creates one descriptor per channel, or one per coin for
// channels that take a coin.
func buildDescriptors(channels, coins []string, user, interval string) ([]subscription.Descriptor, error) {
	var descs []subscription.Descriptor
	for _, ch := range channels {
		ep, err := subscription.Lookup(ch)
		if err != nil {
			return nil, err
		}

		base := map[string]any{}
		perCoin := false
		for _, p := range ep.Required {
			switch p {
			case "user":
				if user == "" {
					return nil, fmt.Errorf("channel %s requires --user", ch)
				}
				base["user"] = user
			case "interval":
				base["interval"] = interval
			case "coin":
				perCoin = true
			}
		}

		if !perCoin {
			d, err := ep.Descriptor(base)
			if err != nil {
				return nil, err
			}
			descs = append(descs, d)
			continue
		}
		for _, coin := range coins {
			params := map[string]any{"coin": coin}
			for k, v := range base {
				params[k] = v
			}
			d, err := ep.Descriptor(params)
			if err != nil {
				return nil, err
			}
			descs = append(descs, d)
		}
	}
	return descs, nil
}

func printEvents(buf *router.GrowableBuffer[model.Event], verbose bool) {
	for {
		ev, ok := buf.Receive()
		if !ok {
			return
		}

		if verbose {
			fmt.Printf("[%s] conn=%s %s\n", strings.ToUpper(ev.Channel), ev.ConnKey, ev.Data)
			continue
		}

		switch ev.Channel {
		case "l2Book":
			printBook(ev)
		case "trades":
			printTrades(ev)
		default:
			fmt.Printf("[%s] conn=%s bytes=%d\n", strings.ToUpper(ev.Channel), ev.ConnKey, len(ev.Data))
		}
	}
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type bookMsg struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

func printBook(ev model.Event) {
	var msg bookMsg
	if err := json.Unmarshal(ev.Data, &msg); err != nil || len(msg.Levels) != 2 {
		fmt.Printf("[L2BOOK] unparsable payload: %s\n", ev.Data)
		return
	}
	bids, asks := msg.Levels[0], msg.Levels[1]
	if len(bids) == 0 || len(asks) == 0 {
		fmt.Printf("[L2BOOK] coin=%s empty side bids=%d asks=%d\n", msg.Coin, len(bids), len(asks))
		return
	}

	spread, mid, err := topOfBook(bids[0].Px, asks[0].Px)
	if err != nil {
		fmt.Printf("[L2BOOK] coin=%s bad price: %v\n", msg.Coin, err)
		return
	}
	fmt.Printf("[L2BOOK] coin=%s bid=%s ask=%s mid=%s spread=%s levels=%d/%d\n",
		msg.Coin, bids[0].Px, asks[0].Px, mid, spread, len(bids), len(asks))
}

// topOfBook returns the spread and mid price of the best bid and ask.
func topOfBook(bid, ask string) (spread, mid decimal.Decimal, err error) {
	b, err := decimal.NewFromString(bid)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bid %q: %w", bid, err)
	}
	a, err := decimal.NewFromString(ask)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ask %q: %w", ask, err)
	}
	return a.Sub(b), a.Add(b).Div(decimal.NewFromInt(2)), nil
}

type tradeMsg struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  int64  `json:"tid"`
}

func printTrades(ev model.Event) {
	var trades []tradeMsg
	if err := json.Unmarshal(ev.Data, &trades); err != nil {
		fmt.Printf("[TRADES] unparsable payload: %s\n", ev.Data)
		return
	}
	for _, t := range trades {
		notional := "?"
		px, err1 := decimal.NewFromString(t.Px)
		sz, err2 := decimal.NewFromString(t.Sz)
		if err1 == nil && err2 == nil {
			notional = px.Mul(sz).StringFixed(2)
		}
		fmt.Printf("[TRADE] coin=%s side=%s px=%s sz=%s notional=%s tid=%d\n",
			t.Coin, t.Side, t.Px, t.Sz, notional, t.Tid)
	}
}
