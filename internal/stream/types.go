package stream

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// Sentinel errors surfaced by the manager and client.
var (
	// ErrStopped is returned once the manager has been stopped. No call
	// resurrects a stopped manager.
	ErrStopped = errors.New("manager stopped")

	// ErrNotConnected is returned by client sends before Connect or after
	// the transport has gone away.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyClosed is returned by Connect after Close.
	ErrAlreadyClosed = errors.New("client already closed")

	// ErrStale signals that no inbound traffic was observed within the
	// heartbeat timeout. The session is treated as dead.
	ErrStale = errors.New("connection stale")

	// ErrAckTimeout is returned when a control frame is sent but its
	// acknowledgement never arrives.
	ErrAckTimeout = errors.New("control acknowledgement timeout")

	// ErrAuth signals that the venue rejected our authentication frame.
	ErrAuth = errors.New("authentication rejected")

	// ErrUnknownTopic is returned by Unsubscribe for a topic that was
	// never subscribed. Local usage error, nothing is sent.
	ErrUnknownTopic = errors.New("unknown topic")
)

// State is the connection lifecycle state of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Message is one decoded data frame delivered to a handler.
type Message struct {
	// Topic is the normalized topic key the frame was routed by.
	Topic string

	// Data is the payload. For merge-managed feeds this is the full
	// merged view, not the raw delta.
	Data json.RawMessage

	// ReceivedAt is when the frame arrived off the wire.
	ReceivedAt time.Time

	// Merged reports whether Data is a normalizer-merged view with
	// snapshot semantics rather than the raw wire payload.
	Merged bool
}

// Handler consumes messages for one topic. Handlers run synchronously on
// the read path; slow handlers must hand work off themselves.
type Handler func(Message)

// Config tunes one Manager.
type Config struct {
	// PingInterval is how often the heartbeat probes the connection.
	PingInterval time.Duration `yaml:"ping_interval"`

	// StallTimeout is how long the connection may go without any inbound
	// traffic before it is declared dead. Must exceed PingInterval.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`

	// AckTimeout bounds the wait for a control acknowledgement. Also
	// bounds the wait for the auth success frame.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// ReadyWait bounds how long Subscribe/Unsubscribe wait for a live
	// connection before falling back to replay-on-reconnect.
	ReadyWait time.Duration `yaml:"ready_wait"`

	// BatchPause is the delay inserted between replay batches.
	BatchPause time.Duration `yaml:"batch_pause"`

	// WriteTimeout and HandshakeTimeout are transport-level deadlines.
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// BufferSize is the inbound message channel capacity.
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		PingInterval:       20 * time.Second,
		StallTimeout:       60 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		AckTimeout:         10 * time.Second,
		ReadyWait:          5 * time.Second,
		BatchPause:         200 * time.Millisecond,
		WriteTimeout:       5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		BufferSize:         1000,
	}
}

// applyDefaults fills zero fields in place.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = def.ReadyWait
	}
	if c.BatchPause <= 0 {
		c.BatchPause = def.BatchPause
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
}
