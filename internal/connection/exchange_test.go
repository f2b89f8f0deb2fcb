package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeExchange is a streaming endpoint that records every command it
// receives, per accepted socket. By default it acknowledges subscribes and
// answers pings.
type fakeExchange struct {
	t      *testing.T
	server *httptest.Server

	mu    sync.Mutex
	conns []*exchangeConn

	// onSubscribe replaces the default acknowledgement when set.
	onSubscribe func(ec *exchangeConn, sub map[string]any)

	refuse atomic.Bool // reject upgrades with 503
	silent atomic.Bool // do not answer pings
}

type exchangeConn struct {
	idx int
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	commands []Command
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	ex := &fakeExchange{t: t}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ex.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ex.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer ws.Close()

		ex.mu.Lock()
		ec := &exchangeConn{idx: len(ex.conns), ws: ws}
		ex.conns = append(ex.conns, ec)
		ex.mu.Unlock()

		ec.sendRaw("Websocket connection established.")
		ex.serve(ec)
	}))
	t.Cleanup(ex.server.Close)
	return ex
}

func (ex *fakeExchange) url() string {
	return wsURL(ex.server)
}

func (ex *fakeExchange) serve(ec *exchangeConn) {
	for {
		_, data, err := ec.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			ex.t.Logf("bad command %s: %v", data, err)
			continue
		}

		ec.mu.Lock()
		ec.commands = append(ec.commands, cmd)
		ec.mu.Unlock()

		switch cmd.Method {
		case MethodPing:
			if !ex.silent.Load() {
				ec.send(map[string]any{"channel": ChannelPong})
			}
		case MethodSubscribe:
			ex.mu.Lock()
			hook := ex.onSubscribe
			ex.mu.Unlock()
			if hook != nil {
				hook(ec, cmd.Subscription)
				continue
			}
			ec.ack(cmd.Subscription)
		case MethodUnsubscribe:
			ec.send(map[string]any{
				"channel": ChannelSubscriptionResponse,
				"data":    map[string]any{"method": MethodUnsubscribe, "subscription": cmd.Subscription},
			})
		}
	}
}

func (ex *fakeExchange) setOnSubscribe(fn func(ec *exchangeConn, sub map[string]any)) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.onSubscribe = fn
}

// conn returns the idx-th accepted socket, or nil.
func (ex *fakeExchange) conn(idx int) *exchangeConn {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if idx >= len(ex.conns) {
		return nil
	}
	return ex.conns[idx]
}

func (ex *fakeExchange) connCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.conns)
}

// dropAll closes every accepted socket without a close handshake.
func (ex *fakeExchange) dropAll() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, ec := range ex.conns {
		ec.ws.UnderlyingConn().Close()
	}
}

// broadcast sends frame on the most recent socket.
func (ex *fakeExchange) broadcast(frame any) {
	ex.mu.Lock()
	var last *exchangeConn
	if len(ex.conns) > 0 {
		last = ex.conns[len(ex.conns)-1]
	}
	ex.mu.Unlock()
	if last == nil {
		ex.t.Fatal("broadcast with no connections")
	}
	last.send(frame)
}

// count returns how many commands with method arrived on this socket.
func (ec *exchangeConn) count(method string) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	n := 0
	for _, cmd := range ec.commands {
		if cmd.Method == method {
			n++
		}
	}
	return n
}

// subscribed returns the coin (or user) of each subscribe on this socket.
func (ec *exchangeConn) subscribed() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var out []string
	for _, cmd := range ec.commands {
		if cmd.Method != MethodSubscribe {
			continue
		}
		if coin, ok := cmd.Subscription["coin"].(string); ok {
			out = append(out, coin)
		} else if user, ok := cmd.Subscription["user"].(string); ok {
			out = append(out, user)
		}
	}
	return out
}

func (ec *exchangeConn) ack(sub map[string]any) {
	ec.send(map[string]any{
		"channel": ChannelSubscriptionResponse,
		"data":    map[string]any{"method": MethodSubscribe, "subscription": sub},
	})
}

func (ec *exchangeConn) sendError(msg string) {
	ec.send(map[string]any{"channel": ChannelError, "data": msg})
}

func (ec *exchangeConn) send(frame any) {
	data, _ := json.Marshal(frame)
	ec.sendRaw(string(data))
}

func (ec *exchangeConn) sendRaw(data string) {
	ec.writeMu.Lock()
	defer ec.writeMu.Unlock()
	ec.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func countOn(ec *exchangeConn, method string) int {
	if ec == nil {
		return 0
	}
	return ec.count(method)
}
