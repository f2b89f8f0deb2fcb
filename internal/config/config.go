package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	API           APIConfig            `yaml:"api"`
	Connections   ConnectionsConfig    `yaml:"connections"`
	Database      DBConfig             `yaml:"database"`
	Writers       WritersConfig        `yaml:"writers"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Health        HealthConfig         `yaml:"health"`
	Log           LogConfig            `yaml:"log"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds exchange endpoint settings.
type APIConfig struct {
	WSURL string `yaml:"ws_url"`
}

// ConnectionsConfig holds connection pool settings.
type ConnectionsConfig struct {
	PingInterval     time.Duration   `yaml:"ping_interval"`
	StaleTimeout     time.Duration   `yaml:"stale_timeout"`
	ConnectTimeout   time.Duration   `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration   `yaml:"write_timeout"`
	Backoff          []time.Duration `yaml:"backoff"`
	DialsPerMinute   int             `yaml:"dials_per_minute"`
	BufferSize       int             `yaml:"buffer_size"`  // Per-socket inbound frame channel
	MailboxSize      int             `yaml:"mailbox_size"` // Initial manager mailbox capacity
}

// DBConfig holds the event store connection. An empty host disables
// persistence.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// SubscriptionConfig declares a subscription opened at startup.
type SubscriptionConfig struct {
	Channel  string         `yaml:"channel"`
	Params   Params         `yaml:"params"`
	Strategy string         `yaml:"strategy"` // Empty keeps the channel default
	Persist  *bool          `yaml:"persist"`  // Nil keeps the channel default
}

// Params holds subscription parameters as written in YAML.
//
// Numeric scalars that are not plain decimals keep their source text, so a
// hex address such as 0xAbC (typically the result of ${VAR} expansion) stays
// a string instead of becoming an integer.
type Params map[string]any

var plainDecimal = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?$`)

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.ShortTag() == "!!null" {
		*p = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("params: line %d: expected a mapping", node.Line)
	}

	out := make(Params, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		v, err := paramValue(val)
		if err != nil {
			return fmt.Errorf("params.%s: %w", key.Value, err)
		}
		out[key.Value] = v
	}
	*p = out
	return nil
}

func paramValue(node *yaml.Node) (any, error) {
	if node.Kind == yaml.ScalarNode && node.Style == 0 {
		switch node.ShortTag() {
		case "!!int", "!!float":
			if !plainDecimal.MatchString(node.Value) {
				return node.Value, nil
			}
		}
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Descriptor resolves the entry against the channel catalog.
func (s SubscriptionConfig) Descriptor() (subscription.Descriptor, error) {
	d, err := subscription.New(s.Channel, s.Params)
	if err != nil {
		return subscription.Descriptor{}, err
	}
	if s.Strategy != "" {
		strategy, err := subscription.ParseStrategy(s.Strategy)
		if err != nil {
			return subscription.Descriptor{}, err
		}
		d = d.WithStrategy(strategy)
	}
	if s.Persist != nil {
		d = d.WithPersist(*s.Persist)
	}
	if _, err := d.RoutingKey(); err != nil {
		return subscription.Descriptor{}, err
	}
	return d, nil
}

// HealthConfig holds the health/debug HTTP server settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel returns the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
