package config

import (
	"time"

	"github.com/quantpipe/streamfeed/internal/stream"
)

// Config is the full streamer configuration.
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Stream   stream.Config  `yaml:"stream"`
	Session  SessionConfig  `yaml:"session"`
	Database DBConfig       `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ExchangeConfig selects the venue and the feeds to subscribe.
type ExchangeConfig struct {
	// Name is one of "binance", "binance-user", "bybit", "hyperliquid".
	Name string `yaml:"name"`

	// URL is the stream endpoint.
	URL string `yaml:"url"`

	// APIKey and APISecret are needed for private streams only.
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// Symbols and Feeds are crossed to build the topic set. Account-wide
	// feeds ignore Symbols.
	Symbols []string `yaml:"symbols"`
	Feeds   []string `yaml:"feeds"`
}

// SessionConfig drives the listen-key side channel for user-data streams.
type SessionConfig struct {
	RESTBaseURL   string        `yaml:"rest_base_url"`
	ListenKeyPath string        `yaml:"listen_key_path"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// DBConfig describes the capture database. Disabled leaves the streamer
// running handler-only.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

// RecorderConfig tunes the capture batcher.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
