package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

// Manager multiplexes logical subscriptions onto Conns and fans inbound
// events out to callbacks, the event bus and the store.
type Manager interface {
	// Start launches the manager goroutine.
	Start(ctx context.Context) error

	// Stop drains the mailbox and closes every connection.
	Stop(ctx context.Context) error

	// Subscribe routes desc to its connection and returns a fresh
	// subscription id. It fails only for a malformed descriptor.
	Subscribe(desc subscription.Descriptor, cb Callback) (string, error)

	// Unsubscribe removes id. Returns ErrSubscriptionNotFound for unknown ids.
	Unsubscribe(id string) error

	// ListSubscriptions returns every live subscription.
	ListSubscriptions() []SubscriptionInfo

	// GetMetrics returns counters for id and the status of its connection.
	GetMetrics(id string) (SubscriptionMetrics, error)

	// ConnStats returns a status snapshot per connection, ordered by key.
	ConnStats() []ConnStatus

	// DisconnectConn forces the connection for key to drop and reconnect.
	DisconnectConn(key string) error

	// Stats returns manager counters.
	Stats() ManagerStats
}

// record is one subscription, owned by the manager goroutine.
type record struct {
	id          string
	key         string
	desc        subscription.Descriptor
	request     map[string]any
	cb          Callback
	createdAt   time.Time
	events      int64
	lastEventAt time.Time

	// removed is set on the manager goroutine and read by the dispatcher.
	removed atomic.Bool
}

func (r *record) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:        r.id,
		Key:       r.key,
		Channel:   r.desc.Channel(),
		Strategy:  r.desc.Strategy().String(),
		Request:   r.request,
		Persist:   r.desc.Persist(),
		CreatedAt: r.createdAt,
	}
}

// manager is the internal implementation. Every field below mailbox is
// owned by the run goroutine; callers reach it only through the mailbox.
type manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	store    Store
	bus      Publisher
	registry *Registry[*Conn]
	dials    *rate.Limiter

	mu       sync.Mutex
	started  bool
	stopped  bool
	loopDone chan struct{}

	mailbox *router.GrowableBuffer[func()]

	// Callbacks run on their own goroutine so they may call back into the
	// manager.
	callbacks    *router.GrowableBuffer[func()]
	dispatchDone chan struct{}
	panics       atomic.Int64

	subs  map[string]*record
	byKey map[string]map[string]*record
	stats ManagerStats
}

// connCloseTimeout bounds connection shutdown when Stop's own context is
// already spent.
const connCloseTimeout = 5 * time.Second

// NewManager creates a Manager. store and bus may be nil.
func NewManager(cfg ManagerConfig, store Store, bus Publisher, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1000
	}

	var dials *rate.Limiter
	if cfg.DialsPerMinute > 0 {
		dials = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.DialsPerMinute)), cfg.DialsPerMinute)
	}

	return &manager{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bus:    bus,
		registry: NewRegistry[*Conn](func(c *Conn) {
			go c.Close(context.Background())
		}),
		dials:    dials,
		loopDone:     make(chan struct{}),
		mailbox:      router.NewGrowableBuffer[func()](cfg.MailboxSize),
		callbacks:    router.NewGrowableBuffer[func()](cfg.MailboxSize),
		dispatchDone: make(chan struct{}),
		subs:         make(map[string]*record),
		byKey:        make(map[string]map[string]*record),
	}
}

// Start launches the manager goroutine.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	go m.run()
	go m.dispatch()

	m.logger.Info("connection manager started",
		"url", m.cfg.Conn.Client.URL,
		"ping_interval", m.cfg.Conn.PingInterval,
		"dials_per_minute", m.cfg.DialsPerMinute,
	)
	return nil
}

// Stop drains pending mailbox work, then closes all connections concurrently.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")
	m.mailbox.Close()

	if started {
		select {
		case <-m.loopDone:
		case <-ctx.Done():
			m.logger.Warn("manager loop stop timed out")
		}
	}

	// A slow loop must not use up the budget for closing sockets.
	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), connCloseTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(closeCtx)
	for _, key := range m.registry.Keys() {
		conn, ok := m.registry.Remove(key)
		if !ok {
			continue
		}
		g.Go(func() error {
			return conn.Close(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("connection close failed", "error", err)
		return fmt.Errorf("stop connections: %w", err)
	}

	m.callbacks.Close()
	if started {
		select {
		case <-m.dispatchDone:
		case <-ctx.Done():
			m.logger.Warn("callback dispatcher stop timed out", "queued", m.callbacks.Len())
		}
	}

	m.logger.Info("connection manager stopped")
	return nil
}

func (m *manager) run() {
	defer close(m.loopDone)
	for {
		op, ok := m.mailbox.Receive()
		if !ok {
			return
		}
		op()
	}
}

// dispatch runs queued callbacks in order until the queue is closed.
func (m *manager) dispatch() {
	defer close(m.dispatchDone)
	for {
		fn, ok := m.callbacks.Receive()
		if !ok {
			return
		}
		fn()
	}
}

// do runs fn on the manager goroutine and waits for it.
func (m *manager) do(fn func()) error {
	m.mu.Lock()
	running := m.started && !m.stopped
	m.mu.Unlock()
	if !running {
		return ErrManagerStopped
	}

	done := make(chan struct{})
	if !m.mailbox.Send(func() {
		defer close(done)
		fn()
	}) {
		return ErrManagerStopped
	}

	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrManagerStopped
	}
}

// Subscribe routes desc to its connection and records it.
func (m *manager) Subscribe(desc subscription.Descriptor, cb Callback) (string, error) {
	key, err := desc.RoutingKey()
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", desc.Channel(), err)
	}

	var id string
	err = m.do(func() {
		id = m.handleSubscribe(key, desc, cb)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (m *manager) handleSubscribe(key string, desc subscription.Descriptor, cb Callback) string {
	conn, created := m.registry.GetOrCreate(key, func() *Conn {
		c := newConn(key, m.cfg.Conn, m, m.dials, m.logger)
		c.Start()
		return c
	})
	if created {
		m.logger.Info("connection created", "conn", key, "connections", m.registry.Len())
	}

	rec := &record{
		id:        uuid.NewString(),
		key:       key,
		desc:      desc,
		request:   desc.Request(),
		cb:        cb,
		createdAt: time.Now(),
	}
	m.subs[rec.id] = rec
	if m.byKey[key] == nil {
		m.byKey[key] = make(map[string]*record)
	}
	m.byKey[key][rec.id] = rec

	conn.Subscribe(rec.id, rec.request)

	m.logger.Debug("subscribed", "id", rec.id, "conn", key, "channel", desc.Channel())
	return rec.id
}

// Unsubscribe removes id locally at once and tells its connection.
func (m *manager) Unsubscribe(id string) error {
	var result error
	err := m.do(func() {
		rec, ok := m.subs[id]
		if !ok {
			result = ErrSubscriptionNotFound
			return
		}
		m.remove(rec)
		if conn, ok := m.registry.Lookup(rec.key); ok {
			conn.forget(id)
		}
		m.logger.Debug("unsubscribed", "id", id, "conn", rec.key)
	})
	if err != nil {
		return err
	}
	return result
}

func (m *manager) remove(rec *record) {
	rec.removed.Store(true)
	delete(m.subs, rec.id)
	if recs := m.byKey[rec.key]; recs != nil {
		delete(recs, rec.id)
		if len(recs) == 0 {
			delete(m.byKey, rec.key)
		}
	}
}

// ListSubscriptions returns live subscriptions, oldest first.
func (m *manager) ListSubscriptions() []SubscriptionInfo {
	var out []SubscriptionInfo
	m.do(func() {
		out = make([]SubscriptionInfo, 0, len(m.subs))
		for _, rec := range m.subs {
			out = append(out, rec.info())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetMetrics returns counters for id plus its connection's status.
func (m *manager) GetMetrics(id string) (SubscriptionMetrics, error) {
	var (
		out   SubscriptionMetrics
		found bool
	)
	err := m.do(func() {
		rec, ok := m.subs[id]
		if !ok {
			return
		}
		found = true
		out = SubscriptionMetrics{
			SubscriptionInfo: rec.info(),
			Events:           rec.events,
			LastEventAt:      rec.lastEventAt,
		}
	})
	if err != nil {
		return SubscriptionMetrics{}, err
	}
	if !found {
		return SubscriptionMetrics{}, ErrSubscriptionNotFound
	}
	if conn, ok := m.registry.Lookup(out.Key); ok {
		out.Conn = conn.Status()
	}
	return out, nil
}

// ConnStats returns a status snapshot per connection.
func (m *manager) ConnStats() []ConnStatus {
	conns := m.registry.All()
	out := make([]ConnStatus, len(conns))
	for i, c := range conns {
		out[i] = c.Status()
	}
	return out
}

// DisconnectConn forces a transport drop on the connection for key.
func (m *manager) DisconnectConn(key string) error {
	conn, ok := m.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, key)
	}
	conn.Disconnect("requested")
	return nil
}

// Stats returns manager counters.
func (m *manager) Stats() ManagerStats {
	var out ManagerStats
	m.do(func() {
		out = m.stats
		out.Subscriptions = len(m.subs)
	})
	out.CallbackPanics = m.panics.Load()
	out.Connections = m.registry.Len()
	return out
}

// deliver is called by Conns for every data frame.
func (m *manager) deliver(ev model.Event) {
	m.mailbox.Send(func() { m.handleEvent(ev) })
}

// fail is called by Conns when the server rejects pending subscriptions.
func (m *manager) fail(key string, ids []string, reason string) {
	m.mailbox.Send(func() { m.handleFailure(key, ids, reason) })
}

func (m *manager) handleEvent(ev model.Event) {
	var (
		matched int
		persist *record
	)
	for _, rec := range m.byKey[ev.ConnKey] {
		if !rec.desc.Matches(ev) {
			continue
		}
		matched++
		rec.events++
		rec.lastEventAt = ev.ReceivedAt
		if rec.cb != nil {
			m.invoke(rec, Delivery{SubscriptionID: rec.id, Event: ev})
		}
		if persist == nil && rec.desc.Persist() {
			persist = rec
		}
	}

	if matched == 0 {
		// Late frames for removed subscriptions land here.
		m.stats.EventsUnmatched++
		m.logger.Debug("event matched no subscription", "conn", ev.ConnKey, "channel", ev.Channel)
		return
	}
	m.stats.EventsRouted++

	if m.bus != nil {
		m.bus.Publish(ev.Channel, ev)
	}
	if persist != nil && m.store != nil {
		m.store.Store(ev, persist.desc.Identity(ev.ConnKey))
		m.stats.Stored++
	}
}

func (m *manager) handleFailure(key string, ids []string, reason string) {
	failure := &SubscriptionError{IDs: ids, Key: key, Reason: reason}

	var removed []*record
	for _, id := range ids {
		rec, ok := m.subs[id]
		if !ok {
			continue
		}
		m.remove(rec)
		removed = append(removed, rec)
	}
	m.stats.Failed += int64(len(removed))

	m.logger.Warn("subscriptions failed",
		"conn", key,
		"ids", ids,
		"removed", len(removed),
		"reason", reason,
	)

	if m.bus != nil {
		data, _ := json.Marshal(FailureMsg{Key: key, IDs: ids, Reason: reason})
		m.bus.Publish(TopicSubscriptionFailed, model.Event{
			Channel:    TopicSubscriptionFailed,
			Data:       data,
			ConnKey:    key,
			ReceivedAt: time.Now(),
		})
	}

	for _, rec := range removed {
		if rec.cb != nil {
			m.invoke(rec, Delivery{SubscriptionID: rec.id, Err: failure})
		}
	}
}

// invoke queues a callback on the dispatcher. Data deliveries for a
// subscription removed in the meantime are skipped; failure deliveries are
// always made.
func (m *manager) invoke(rec *record, d Delivery) {
	m.stats.Deliveries++
	m.callbacks.Send(func() {
		if d.Err == nil && rec.removed.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				m.panics.Add(1)
				m.logger.Error("subscription callback panicked", "id", rec.id, "panic", r)
			}
		}()
		rec.cb(d)
	})
}
