package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenKeyPath = "/api/v3/userDataStream"
	DefaultRenewInterval = 20 * time.Minute
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMinConns      = 2
	DefaultMaxConns      = 10
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultBufferSize    = 4096
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

func (c *Config) applyDefaults() {
	// Session defaults
	if c.Session.ListenKeyPath == "" {
		c.Session.ListenKeyPath = DefaultListenKeyPath
	}
	if c.Session.RenewInterval == 0 {
		c.Session.RenewInterval = DefaultRenewInterval
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Stream tuning defaults are applied by the manager itself; the
	// section may be left empty.
}
