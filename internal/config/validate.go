package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	u, err := url.Parse(c.API.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("api.ws_url must be a ws:// or wss:// URL, got %q", c.API.WSURL)
	}

	if err := c.Connections.validate(); err != nil {
		return err
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Writers.BatchSize < 1 {
			return errors.New("writers.batch_size must be >= 1")
		}
		if c.Writers.BufferSize < 1 {
			return errors.New("writers.buffer_size must be >= 1")
		}
		if c.Writers.FlushInterval <= 0 {
			return errors.New("writers.flush_interval must be > 0")
		}
	}

	for i, s := range c.Subscriptions {
		if _, err := s.Descriptor(); err != nil {
			return fmt.Errorf("subscriptions[%d] (%s): %w", i, s.Channel, err)
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	return nil
}

func (cc *ConnectionsConfig) validate() error {
	if cc.PingInterval <= 0 {
		return errors.New("connections.ping_interval must be > 0")
	}
	if cc.ConnectTimeout <= 0 {
		return errors.New("connections.connect_timeout must be > 0")
	}
	if cc.StaleTimeout != 0 && cc.StaleTimeout <= cc.PingInterval {
		return fmt.Errorf("connections.stale_timeout (%s) must exceed ping_interval (%s)", cc.StaleTimeout, cc.PingInterval)
	}
	if len(cc.Backoff) == 0 {
		return errors.New("connections.backoff must not be empty")
	}
	for i, d := range cc.Backoff {
		if d <= 0 {
			return fmt.Errorf("connections.backoff[%d] must be > 0", i)
		}
		if i > 0 && d < cc.Backoff[i-1] {
			return fmt.Errorf("connections.backoff must be ascending, %s follows %s", d, cc.Backoff[i-1])
		}
	}
	if cc.DialsPerMinute < 0 {
		return errors.New("connections.dials_per_minute must be >= 0")
	}
	if cc.BufferSize < 1 {
		return errors.New("connections.buffer_size must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
