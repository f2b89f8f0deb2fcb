package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
api:
  ws_url: wss://api.hyperliquid-testnet.xyz/ws
connections:
  ping_interval: 30s
  backoff: [500ms, 1s, 5s]
subscriptions:
  - channel: trades
    params:
      coin: BTC
  - channel: l2Book
    params:
      coin: ETH
      nSigFigs: 5
    strategy: shared
    persist: false
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-streamer" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-streamer")
	}
	if cfg.API.WSURL != "wss://api.hyperliquid-testnet.xyz/ws" {
		t.Errorf("API.WSURL = %q", cfg.API.WSURL)
	}
	if cfg.Connections.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.Connections.PingInterval)
	}
	if len(cfg.Connections.Backoff) != 3 || cfg.Connections.Backoff[0] != 500*time.Millisecond {
		t.Errorf("Backoff = %v", cfg.Connections.Backoff)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("Subscriptions len = %d, want 2", len(cfg.Subscriptions))
	}
	if p := cfg.Subscriptions[1].Persist; p == nil || *p {
		t.Errorf("Subscriptions[1].Persist = %v, want false", p)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_USER", "0xAbCdEf")

	yaml := `
instance:
  id: test-streamer
database:
  host: localhost
  name: stream
  user: streamer
  password: ${TEST_DB_PASSWORD}
subscriptions:
  - channel: userFills
    params:
      user: ${TEST_USER}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
	if got := cfg.Subscriptions[0].Params["user"]; got != "0xAbCdEf" {
		t.Errorf("user param = %v, want 0xAbCdEf", got)
	}

	d, err := cfg.Subscriptions[0].Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	if key, _ := d.RoutingKey(); key != "user:0xabcdef" {
		t.Errorf("RoutingKey = %q, want user:0xabcdef", key)
	}
}

func TestParams_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  any
	}{
		{name: "short hex address", value: "0xAbCdEf", want: "0xAbCdEf"},
		{name: "zero address", value: "0x0000000000000000000000000000000000000000", want: "0x0000000000000000000000000000000000000000"},
		{name: "small hex address", value: "0x00000000000000000000000000000000000000AA", want: "0x00000000000000000000000000000000000000AA"},
		{name: "octal looking", value: "0o17", want: "0o17"},
		{name: "leading zero", value: "007", want: "007"},
		{name: "underscored", value: "1_000", want: "1_000"},
		{name: "decimal int", value: "5", want: 5},
		{name: "negative int", value: "-2", want: -2},
		{name: "float", value: "1.5", want: 1.5},
		{name: "bool", value: "true", want: true},
		{name: "quoted number", value: `"123"`, want: "123"},
		{name: "coin", value: "BTC", want: "BTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc struct {
				Params Params `yaml:"params"`
			}
			if err := yaml.Unmarshal([]byte("params:\n  v: "+tt.value+"\n"), &doc); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got := doc.Params["v"]; got != tt.want {
				t.Errorf("v = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParams_UnmarshalYAML_Shapes(t *testing.T) {
	var doc struct {
		Params Params `yaml:"params"`
	}
	if err := yaml.Unmarshal([]byte("params:\n"), &doc); err != nil {
		t.Fatalf("empty params: %v", err)
	}
	if doc.Params != nil {
		t.Errorf("empty params = %v, want nil", doc.Params)
	}

	if err := yaml.Unmarshal([]byte("params: [a, b]\n"), &doc); err == nil {
		t.Error("sequence params should fail")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("STREAMER_TEST_FROM_FILE=hello\nSTREAMER_TEST_PRESET=file\n"), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("STREAMER_TEST_PRESET", "process")
	t.Cleanup(func() { os.Unsetenv("STREAMER_TEST_FROM_FILE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("STREAMER_TEST_FROM_FILE"); got != "hello" {
		t.Errorf("STREAMER_TEST_FROM_FILE = %q, want hello", got)
	}
	if got := os.Getenv("STREAMER_TEST_PRESET"); got != "process" {
		t.Errorf("STREAMER_TEST_PRESET = %q, existing variables must win", got)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("explicit missing env file should fail")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.API.WSURL != DefaultWSURL {
		t.Errorf("API.WSURL = %q, want %q", cfg.API.WSURL, DefaultWSURL)
	}
	if cfg.Connections.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", cfg.Connections.PingInterval, DefaultPingInterval)
	}
	if len(cfg.Connections.Backoff) != 6 || cfg.Connections.Backoff[5] != 60*time.Second {
		t.Errorf("Backoff = %v, want default sequence", cfg.Connections.Backoff)
	}
	if cfg.Connections.DialsPerMinute != DefaultDialsPerMinute {
		t.Errorf("DialsPerMinute = %d", cfg.Connections.DialsPerMinute)
	}
	if cfg.Database.Enabled() {
		t.Error("database should be disabled without a host")
	}
	if cfg.Database.Port != 0 {
		t.Errorf("Database.Port = %d, defaults apply only to an enabled database", cfg.Database.Port)
	}
	if cfg.Health.Port != DefaultHealthPort {
		t.Errorf("Health.Port = %d, want %d", cfg.Health.Port, DefaultHealthPort)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadAndValidate_Invalid(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
subscriptions:
  - channel: candles
    params:
      coin: BTC
`
	path := writeTempFile(t, yaml)

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, subscription.ErrUnknownChannel) {
		t.Errorf("error = %v, want ErrUnknownChannel", err)
	}
	if !strings.Contains(err.Error(), "subscriptions[0]") {
		t.Errorf("error %q should name the entry", err)
	}
}

func validConfig() StreamerConfig {
	cfg := StreamerConfig{Instance: InstanceConfig{ID: "test"}}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StreamerConfig)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *StreamerConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "http url",
			mutate:  func(c *StreamerConfig) { c.API.WSURL = "https://api.hyperliquid.xyz/ws" },
			wantErr: `api.ws_url must be a ws:// or wss:// URL, got "https://api.hyperliquid.xyz/ws"`,
		},
		{
			name:    "descending backoff",
			mutate:  func(c *StreamerConfig) { c.Connections.Backoff = []time.Duration{time.Second, 500 * time.Millisecond} },
			wantErr: "connections.backoff must be ascending, 500ms follows 1s",
		},
		{
			name:    "stale timeout below ping interval",
			mutate:  func(c *StreamerConfig) { c.Connections.StaleTimeout = time.Second },
			wantErr: "connections.stale_timeout (1s) must exceed ping_interval (50s)",
		},
		{
			name:    "negative dial rate",
			mutate:  func(c *StreamerConfig) { c.Connections.DialsPerMinute = -1 },
			wantErr: "connections.dials_per_minute must be >= 0",
		},
		{
			name: "missing database password",
			mutate: func(c *StreamerConfig) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user"}
				applyDBDefaults(&c.Database)
			},
			wantErr: "database.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *StreamerConfig) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad health port",
			mutate:  func(c *StreamerConfig) { c.Health.Port = 70000 },
			wantErr: "health.port must be between 1 and 65535, got 70000",
		},
		{
			name: "valid with database and subscriptions",
			mutate: func(c *StreamerConfig) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2}
				c.Subscriptions = []SubscriptionConfig{
					{Channel: "trades", Params: map[string]any{"coin": "BTC"}},
					{Channel: "userFills", Params: map[string]any{"user": "0xabc"}},
				}
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestSubscriptionConfig_Descriptor(t *testing.T) {
	persist := false
	sc := SubscriptionConfig{
		Channel:  "l2Book",
		Params:   map[string]any{"coin": "BTC", "nSigFigs": 5},
		Strategy: "shared",
		Persist:  &persist,
	}

	d, err := sc.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	if d.Strategy() != subscription.Shared {
		t.Errorf("Strategy = %s, want shared", d.Strategy())
	}
	if d.Persist() {
		t.Error("Persist override ignored")
	}
	key, _ := d.RoutingKey()
	if key != "shared:l2Book" {
		t.Errorf("RoutingKey = %q, want shared:l2Book", key)
	}

	sc.Strategy = "user_grouped"
	if _, err := sc.Descriptor(); !errors.Is(err, subscription.ErrMalformedDescriptor) {
		t.Errorf("user_grouped without user = %v, want ErrMalformedDescriptor", err)
	}

	sc.Strategy = "round_robin"
	if _, err := sc.Descriptor(); err == nil {
		t.Error("unknown strategy should fail")
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	level, err := LogConfig{Level: "DEBUG"}.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("SlogLevel(DEBUG) = %v, %v", level, err)
	}
	if _, err := (LogConfig{Level: "verbose"}).SlogLevel(); err == nil {
		t.Error("unknown level should fail")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
