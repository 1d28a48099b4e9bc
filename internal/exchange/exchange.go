package exchange

import (
	json "github.com/goccy/go-json"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/session"
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// KindUnknown is a frame the venue adapter could not classify. Logged
	// and dropped.
	KindUnknown FrameKind = iota
	// KindAck is a control acknowledgement correlated by request id.
	KindAck
	// KindAuthAck is the response to an auth frame.
	KindAuthAck
	// KindPing is a server-initiated liveness probe that wants a pong back.
	KindPing
	// KindPong is the reply to our liveness probe.
	KindPong
	// KindData carries a topic payload for handler dispatch.
	KindData
)

// MergeKind tells the dispatcher how a data payload relates to stored state.
type MergeKind int

const (
	// MergeNone delivers the payload as-is.
	MergeNone MergeKind = iota
	// MergeBook routes through the order book normalizer.
	MergeBook
	// MergeFields routes through the scalar-field normalizer.
	MergeFields
)

// Frame is the classified form of one inbound wire message.
type Frame struct {
	Kind FrameKind

	// Ack / auth fields.
	ID  string
	OK  bool
	Err string

	// Data fields.
	Topic   string
	Payload json.RawMessage
	Merge   MergeKind

	// Set when Merge == MergeBook.
	Book *book.Update
	// Set when Merge == MergeFields.
	Fields *book.FieldUpdate
}

// Limits carries per-venue control message constraints.
type Limits struct {
	// ControlPerSecond caps subscribe/unsubscribe/auth frames per second.
	ControlPerSecond int
	// TopicsPerRequest bounds the args of one control frame.
	TopicsPerRequest int
}

// Spec is the per-exchange capability set consumed by the manager.
type Spec interface {
	// Name identifies the venue in logs and normalized records.
	Name() string

	// ConnectURL builds the feed endpoint. cred is nil for public feeds.
	ConnectURL(cred *session.Credential) (string, error)

	// CredentialInURL reports whether the session credential is embedded
	// in the connect URL. When true, credential rotation requires a full
	// reconnect; when false the credential travels in the auth frame.
	CredentialInURL() bool

	// AuthFrame builds the explicit authentication frame, or returns nil
	// when the connection needs none.
	AuthFrame(cred *session.Credential) ([]byte, error)

	// SupportsSubscriptions reports whether the venue accepts subscribe
	// control frames. Listen-key user streams do not; every data frame
	// belongs to the single fixed topic.
	SupportsSubscriptions() bool

	// SubscribeFrame formats a subscribe control frame for a batch of
	// topics and returns the request id used for ack correlation.
	SubscribeFrame(topics []string) (frame []byte, id string, err error)

	// UnsubscribeFrame formats an unsubscribe control frame.
	UnsubscribeFrame(topics []string) (frame []byte, id string, err error)

	// PingFrame returns the application-level liveness probe, or ok=false
	// when the venue uses transport-level ping control frames instead.
	PingFrame() (frame []byte, ok bool)

	// PongFrame returns the reply to a server-initiated application ping.
	PongFrame() (frame []byte, ok bool)

	// Classify parses one inbound frame.
	Classify(data []byte) (Frame, error)

	// TopicKey builds the normalized topic key for a feed kind and symbol.
	// Symbol is empty for account-wide private feeds.
	TopicKey(feed string, symbol string) (string, error)

	// ValidateTopic checks a topic key's shape without touching the
	// network. Invalid shapes are a local usage error.
	ValidateTopic(topic string) error

	// Limits returns control message constraints for this venue.
	Limits() Limits
}
