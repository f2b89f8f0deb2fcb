package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
)

// connSink receives what a Conn reports upward. Implementations must not
// block.
type connSink interface {
	deliver(ev model.Event)
	fail(key string, ids []string, reason string)
}

type cmdKind int

const (
	cmdSubscribe cmdKind = iota
	cmdUnsubscribe
	cmdDisconnect
)

type connCmd struct {
	kind    cmdKind
	id      string
	request map[string]any
	reason  error
	reply   chan error // optional
}

type dialKind int

const (
	dialTransport dialKind = iota
	dialSucceeded
	dialFailed
)

// dialEvent reports progress of the attempt identified by gen.
type dialEvent struct {
	gen    int
	kind   dialKind
	client Client
	err    error
}

// Conn is the actor owning one physical WebSocket for a routing key. It
// survives transport loss: its active set outlives every socket and is
// resubscribed after each successful upgrade. Only Close ends it.
type Conn struct {
	key       string
	cfg       ConnConfig
	logger    *slog.Logger
	sink      connSink
	dials     *rate.Limiter
	newClient ClientFactory

	inbox      *router.GrowableBuffer[connCmd]
	dialEvents chan dialEvent
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	startOnce  sync.Once
	snapshot   atomic.Pointer[ConnStatus]

	// Owned by the run goroutine.
	client       Client
	gen          int
	state        Status
	active       map[string]map[string]any
	pending      map[string]struct{}
	attempts     int
	retryDelay   time.Duration
	connects     int64
	decodeErrors int64
	lastFrameAt  time.Time
	heartbeat    *time.Timer
	heartbeatC   <-chan time.Time
	retry        *time.Timer
	retryC       <-chan time.Time
}

func newConn(key string, cfg ConnConfig, sink connSink, dials *rate.Limiter, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	newClient := cfg.NewClient
	if newClient == nil {
		newClient = NewClient
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		key:        key,
		cfg:        cfg,
		logger:     logger.With("conn", key),
		sink:       sink,
		dials:      dials,
		newClient:  newClient,
		inbox:      router.NewGrowableBuffer[connCmd](16),
		dialEvents: make(chan dialEvent, 4),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StatusDisconnected,
		active:     make(map[string]map[string]any),
		pending:    make(map[string]struct{}),
	}
	c.publishStatus()
	return c
}

// Key returns the routing key this Conn serves.
func (c *Conn) Key() string {
	return c.key
}

// Start launches the actor goroutine and the first connection attempt.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Subscribe records request under id. It is sent immediately when
// connected and otherwise on the next successful connect.
func (c *Conn) Subscribe(id string, request map[string]any) {
	c.post(connCmd{kind: cmdSubscribe, id: id, request: request})
}

// Unsubscribe removes id and, when connected, tells the server. Returns
// ErrSubscriptionNotFound for an unknown id.
func (c *Conn) Unsubscribe(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if !c.post(connCmd{kind: cmdUnsubscribe, id: id, reply: reply}) {
		return ErrAlreadyClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrAlreadyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget is the fire-and-forget form of Unsubscribe.
func (c *Conn) forget(id string) {
	c.post(connCmd{kind: cmdUnsubscribe, id: id})
}

// Disconnect drops the current transport as if it had failed. The Conn
// reconnects through the usual backoff.
func (c *Conn) Disconnect(reason string) {
	c.post(connCmd{kind: cmdDisconnect, reason: fmt.Errorf("%w: %s", ErrForcedDisconnect, reason)})
}

// Status returns the latest snapshot. It never blocks on network I/O.
func (c *Conn) Status() ConnStatus {
	return *c.snapshot.Load()
}

// Close stops the actor and closes its socket.
func (c *Conn) Close(ctx context.Context) error {
	c.cancel()
	c.inbox.Close()
	c.startOnce.Do(func() {
		c.state = StatusClosed
		c.publishStatus()
		close(c.done)
	})

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s: %w", c.key, ctx.Err())
	}
}

func (c *Conn) post(cmd connCmd) bool {
	if !c.inbox.Send(cmd) {
		c.logger.Debug("command dropped, connection closed", "id", cmd.id)
		return false
	}
	return true
}

// run is the actor loop. All state above "Owned by the run goroutine" is
// touched only here.
func (c *Conn) run() {
	defer close(c.done)

	cmds := c.inbox.Pipe(c.ctx.Done())
	c.connect()

	for {
		c.publishStatus()

		var (
			msgs <-chan TimestampedMessage
			errs <-chan error
		)
		if c.client != nil {
			msgs = c.client.Messages()
			errs = c.client.Errors()
		}

		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case cmd, ok := <-cmds:
			if !ok {
				c.shutdown()
				return
			}
			c.handleCommand(cmd)
		case ev := <-c.dialEvents:
			c.handleDial(ev)
		case msg := <-msgs:
			c.handleFrame(msg)
		case err := <-errs:
			c.drainFrames()
			c.handleDisconnect(err)
		case <-c.heartbeatC:
			c.handleHeartbeat()
		case <-c.retryC:
			c.retryC = nil
			c.connect()
		}
	}
}

// connect starts a new attempt. Events from older attempts are ignored by
// generation.
func (c *Conn) connect() {
	c.gen++
	gen := c.gen
	c.state = StatusConnecting

	cfg := c.cfg.Client
	cfg.OnTransport = func() {
		c.report(dialEvent{gen: gen, kind: dialTransport})
	}
	cl := c.newClient(cfg, c.logger)

	c.logger.Debug("connecting", "attempt", c.attempts)
	go c.dial(gen, cl)
}

func (c *Conn) dial(gen int, cl Client) {
	if c.dials != nil {
		if err := c.dials.Wait(c.ctx); err != nil {
			c.report(dialEvent{gen: gen, kind: dialFailed, err: err})
			return
		}
	}

	ctx := c.ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := cl.Connect(ctx); err != nil {
		c.report(dialEvent{gen: gen, kind: dialFailed, err: err})
		return
	}
	if !c.report(dialEvent{gen: gen, kind: dialSucceeded, client: cl}) {
		cl.Close()
	}
}

func (c *Conn) report(ev dialEvent) bool {
	select {
	case c.dialEvents <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) handleDial(ev dialEvent) {
	if ev.gen != c.gen {
		if ev.client != nil {
			go ev.client.Close()
		}
		return
	}

	switch ev.kind {
	case dialTransport:
		if c.state == StatusConnecting {
			c.state = StatusUpgrading
		}
	case dialSucceeded:
		c.client = ev.client
		c.state = StatusConnected
		c.attempts = 0
		c.retryDelay = 0
		c.connects++
		c.lastFrameAt = time.Now()
		c.logger.Info("connected", "subscriptions", len(c.active))
		c.startHeartbeat()
		c.resubscribe()
	case dialFailed:
		c.logger.Warn("connect failed", "error", ev.err, "attempt", c.attempts)
		c.scheduleReconnect()
	}
}

// resubscribe sends every active request and marks all of them pending.
func (c *Conn) resubscribe() {
	c.pending = make(map[string]struct{}, len(c.active))
	for id := range c.active {
		c.pending[id] = struct{}{}
	}
	for id, req := range c.active {
		if err := c.send(Command{Method: MethodSubscribe, Subscription: req}); err != nil {
			c.logger.Warn("resubscribe failed", "id", id, "error", err)
			c.handleDisconnect(err)
			return
		}
	}
}

func (c *Conn) scheduleReconnect() {
	delay := c.cfg.Backoff.Delay(c.attempts)
	c.attempts++
	c.retryDelay = delay
	c.state = StatusReconnecting

	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.NewTimer(delay)
	c.retryC = c.retry.C

	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.attempts)
}

// handleDisconnect reacts to transport loss. Repeated signals while already
// down are ignored so only one retry timer ever exists.
func (c *Conn) handleDisconnect(cause error) {
	switch c.state {
	case StatusDisconnected, StatusReconnecting, StatusClosed:
		c.logger.Debug("disconnect ignored", "status", c.state, "cause", cause)
		return
	case StatusConnecting, StatusUpgrading:
		// Abandon the attempt in flight; its result is dropped by generation.
		c.gen++
		c.logger.Warn("connect abandoned", "cause", cause)
	case StatusConnected:
		c.stopHeartbeat()
		old := c.client
		c.client = nil
		go old.Close()
		c.logger.Warn("connection lost", "cause", cause, "subscriptions", len(c.active))
	}
	c.scheduleReconnect()
}

// drainFrames handles frames the socket delivered before it failed.
func (c *Conn) drainFrames() {
	if c.client == nil {
		return
	}
	for {
		select {
		case msg := <-c.client.Messages():
			c.handleFrame(msg)
			if c.client == nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) startHeartbeat() {
	c.stopHeartbeat()
	if c.cfg.PingInterval <= 0 {
		return
	}
	c.heartbeat = time.NewTimer(c.cfg.PingInterval)
	c.heartbeatC = c.heartbeat.C
}

func (c *Conn) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeatC = nil
}

func (c *Conn) handleHeartbeat() {
	if c.state != StatusConnected {
		c.stopHeartbeat()
		return
	}
	if c.cfg.StaleTimeout > 0 && time.Since(c.lastFrameAt) > c.cfg.StaleTimeout {
		c.handleDisconnect(ErrStaleConnection)
		return
	}
	if err := c.send(Command{Method: MethodPing}); err != nil {
		c.handleDisconnect(err)
		return
	}
	c.heartbeat.Reset(c.cfg.PingInterval)
}

func (c *Conn) handleCommand(cmd connCmd) {
	switch cmd.kind {
	case cmdSubscribe:
		c.active[cmd.id] = cmd.request
		c.pending[cmd.id] = struct{}{}
		if c.state == StatusConnected {
			if err := c.send(Command{Method: MethodSubscribe, Subscription: cmd.request}); err != nil {
				c.handleDisconnect(err)
			}
		}

	case cmdUnsubscribe:
		req, ok := c.active[cmd.id]
		if !ok {
			replyTo(cmd.reply, ErrSubscriptionNotFound)
			return
		}
		delete(c.active, cmd.id)
		delete(c.pending, cmd.id)
		replyTo(cmd.reply, nil)

		// Another id with the same request still needs the server stream.
		if c.state != StatusConnected || c.requestInUse(req) {
			return
		}
		if err := c.send(Command{Method: MethodUnsubscribe, Subscription: req}); err != nil {
			c.handleDisconnect(err)
		}

	case cmdDisconnect:
		c.handleDisconnect(cmd.reason)
	}
}

func replyTo(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func (c *Conn) requestInUse(req map[string]any) bool {
	for _, other := range c.active {
		if reflect.DeepEqual(other, req) {
			return true
		}
	}
	return false
}

func (c *Conn) handleFrame(msg TimestampedMessage) {
	c.lastFrameAt = msg.ReceivedAt

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Channel == "" {
		c.decodeErrors++
		if !json.Valid(msg.Data) {
			// The server greets new sockets with a plain-text line.
			c.logger.Debug("dropping non-JSON frame", "frame", truncate(msg.Data))
		} else {
			c.logger.Warn("dropping malformed frame", "error", err, "frame", truncate(msg.Data))
		}
		return
	}

	switch env.Channel {
	case ChannelSubscriptionResponse:
		c.handleAck(env.Data)
	case ChannelError:
		c.handleServerError(env.Data)
	case ChannelPong:
	default:
		c.sink.deliver(model.Event{
			Channel:    env.Channel,
			Data:       env.Data,
			ConnKey:    c.key,
			ReceivedAt: msg.ReceivedAt,
		})
	}
}

func (c *Conn) handleAck(data json.RawMessage) {
	var ack AckMsg
	if err := json.Unmarshal(data, &ack); err != nil {
		c.decodeErrors++
		c.logger.Warn("dropping malformed ack", "error", err, "frame", truncate(data))
		return
	}
	if ack.Method == MethodUnsubscribe {
		return
	}
	payload := ack.Subscription
	if payload == nil {
		// Some acks carry the subscription object bare.
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
	}

	ids := matchAck(payload, c.pending, c.active)
	for _, id := range ids {
		delete(c.pending, id)
	}
	if len(ids) == 0 {
		c.logger.Debug("unmatched ack", "subscription", payload)
		return
	}
	c.logger.Debug("subscription acknowledged", "ids", ids, "pending", len(c.pending))
}

func (c *Conn) handleServerError(data json.RawMessage) {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		text = string(data)
	}

	if isAlreadySubscribed(text) {
		c.logger.Info("server reports subscription already active", "message", text, "cleared", len(c.pending))
		c.pending = make(map[string]struct{})
		return
	}

	if len(c.pending) == 0 {
		c.logger.Warn("server error with nothing pending", "message", text)
		return
	}

	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
		delete(c.active, id)
	}
	sort.Strings(ids)
	c.pending = make(map[string]struct{})

	c.logger.Warn("subscriptions rejected", "message", text, "ids", ids)
	c.sink.fail(c.key, ids, text)
}

func (c *Conn) send(cmd Command) error {
	if c.client == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Method, err)
	}
	return c.client.Send(data)
}

func (c *Conn) shutdown() {
	c.gen++
	c.stopHeartbeat()
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retryC = nil
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.state = StatusClosed
	c.publishStatus()
	c.logger.Debug("connection closed")
}

func (c *Conn) publishStatus() {
	c.snapshot.Store(&ConnStatus{
		Key:                 c.key,
		Status:              c.state,
		ActiveSubscriptions: len(c.active),
		PendingAcks:         len(c.pending),
		ReconnectAttempts:   c.attempts,
		RetryDelay:          c.retryDelay,
		Connects:            c.connects,
		DecodeErrors:        c.decodeErrors,
		LastFrameAt:         c.lastFrameAt,
	})
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
