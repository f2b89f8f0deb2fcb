package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meltingice/hyperliquid-sub002/internal/model"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrStaleConnection      = errors.New("connection stale (no frames)")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrManagerStopped       = errors.New("manager not running")
	ErrForcedDisconnect     = errors.New("forced disconnect")
)

// Status is the lifecycle state of a Conn.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusUpgrading    Status = "upgrading"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// ConnStatus is a point-in-time snapshot of a Conn.
type ConnStatus struct {
	Key                 string        `json:"key"`
	Status              Status        `json:"status"`
	ActiveSubscriptions int           `json:"active_subscriptions"`
	PendingAcks         int           `json:"pending_acks"`
	ReconnectAttempts   int           `json:"reconnect_attempts"`
	RetryDelay          time.Duration `json:"retry_delay"`
	Connects            int64         `json:"connects"`
	DecodeErrors        int64         `json:"decode_errors"`
	LastFrameAt         time.Time     `json:"last_frame_at"`
}

// Wire methods and channel tags.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPing        = "ping"

	ChannelSubscriptionResponse = "subscriptionResponse"
	ChannelError                = "error"
	ChannelPong                 = "pong"
)

// alreadySubscribedMarker identifies duplicate-subscription errors.
const alreadySubscribedMarker = "already subscribed"

func isAlreadySubscribed(msg string) bool {
	return strings.Contains(strings.ToLower(msg), alreadySubscribedMarker)
}

// Command is an outgoing frame.
type Command struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription,omitempty"`
}

// Envelope is the generic shape of every inbound frame.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// AckMsg is the data of a subscriptionResponse frame.
type AckMsg struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription"`
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Store is the persistence collaborator. Calls are fire-and-forget.
type Store interface {
	Store(ev model.Event, id model.Identity)
}

// Publisher is the event bus collaborator. Calls are fire-and-forget.
type Publisher interface {
	Publish(topic string, ev model.Event)
}

// TopicSubscriptionFailed is the bus topic for server-rejected subscriptions.
// The published event's Data is a FailureMsg.
const TopicSubscriptionFailed = "subscription.failed"

// FailureMsg is the payload published on TopicSubscriptionFailed.
type FailureMsg struct {
	Key    string   `json:"key"`
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
}

// SubscriptionError reports subscriptions the server refused.
type SubscriptionError struct {
	IDs    []string
	Key    string
	Reason string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription rejected on %s: %s", e.Key, e.Reason)
}

// Delivery is handed to subscription callbacks: either an event or, once,
// the error that ended the subscription.
type Delivery struct {
	SubscriptionID string
	Event          model.Event
	Err            error
}

// Callback receives deliveries for one subscription. Callbacks of a Manager
// run one at a time, in delivery order, on a goroutine of their own; they may
// call back into the Manager.
type Callback func(Delivery)

// SubscriptionInfo describes one live subscription.
type SubscriptionInfo struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Channel   string         `json:"channel"`
	Strategy  string         `json:"strategy"`
	Request   map[string]any `json:"request"`
	Persist   bool           `json:"persist"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubscriptionMetrics combines a subscription's counters with the status of
// the Conn serving it.
type SubscriptionMetrics struct {
	SubscriptionInfo
	Events      int64      `json:"events"`
	LastEventAt time.Time  `json:"last_event_at"`
	Conn        ConnStatus `json:"conn"`
}

// ManagerStats contains runtime statistics.
type ManagerStats struct {
	Subscriptions   int   `json:"subscriptions"`
	Connections     int   `json:"connections"`
	EventsRouted    int64 `json:"events_routed"`
	EventsUnmatched int64 `json:"events_unmatched"`
	Deliveries      int64 `json:"deliveries"`
	Stored          int64 `json:"stored"`
	Failed          int64 `json:"failed"`
	CallbackPanics  int64 `json:"callback_panics"`
}

// ClientConfig holds configuration for a single WebSocket client.
type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int // Messages channel capacity

	// OnTransport is called once the TCP transport is open,
	// before the protocol upgrade starts.
	OnTransport func()
}

// ConnConfig holds configuration for a Conn actor.
type ConnConfig struct {
	Client         ClientConfig
	ConnectTimeout time.Duration // Transport dial plus upgrade
	PingInterval   time.Duration
	StaleTimeout   time.Duration // 0 disables stale detection
	Backoff        Backoff
	NewClient      ClientFactory // nil uses NewClient
}

// ClientFactory creates the socket client for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	Conn           ConnConfig
	DialsPerMinute int // Shared across all Conns; 0 means unlimited
	MailboxSize    int
}

// DefaultManagerConfig returns default configuration for url.
func DefaultManagerConfig(url string) ManagerConfig {
	return ManagerConfig{
		Conn: ConnConfig{
			Client: ClientConfig{
				URL:              url,
				HandshakeTimeout: 10 * time.Second,
				WriteTimeout:     10 * time.Second,
				BufferSize:       1000,
			},
			ConnectTimeout: 15 * time.Second,
			PingInterval:   50 * time.Second,
			StaleTimeout:   2 * time.Minute,
			Backoff:        DefaultBackoff(),
		},
		DialsPerMinute: 60,
		MailboxSize:    1000,
	}
}
