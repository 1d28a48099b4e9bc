package config

import (
	"errors"
	"fmt"
)

// knownExchanges are the values exchange.name accepts.
var knownExchanges = map[string]struct{}{
	"binance":      {},
	"binance-user": {},
	"bybit":        {},
	"hyperliquid":  {},
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return errors.New("exchange.name is required")
	}
	if _, ok := knownExchanges[c.Exchange.Name]; !ok {
		return fmt.Errorf("unknown exchange %q", c.Exchange.Name)
	}
	if c.Exchange.URL == "" {
		return errors.New("exchange.url is required")
	}

	switch c.Exchange.Name {
	case "binance-user":
		if c.Exchange.APIKey == "" {
			return errors.New("exchange.api_key is required for binance-user")
		}
		if c.Session.RESTBaseURL == "" {
			return errors.New("session.rest_base_url is required for binance-user")
		}
	default:
		if len(c.Exchange.Symbols) == 0 {
			return errors.New("exchange.symbols must not be empty")
		}
		if len(c.Exchange.Feeds) == 0 {
			return errors.New("exchange.feeds must not be empty")
		}
	}

	if c.Database.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
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
