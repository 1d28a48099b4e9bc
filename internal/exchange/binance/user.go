package binance

import (
	"errors"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/session"
)

// UserTopic is the single fixed topic key of a listen-key user-data
// stream. The stream is account-wide; there is nothing to subscribe to.
const UserTopic = "user"

// ErrCredentialRequired is returned when a user stream is opened without a
// listen key.
var ErrCredentialRequired = errors.New("binance user stream requires a session credential")

// UserSpec implements exchange.Spec for Binance user-data streams. The
// listen key is embedded in the connection URL, so credential rotation
// forces a reconnect. The server accepts no subscribe frames; every event
// frame is routed to UserTopic.
type UserSpec struct {
	prefix string
}

// NewUserSpec creates a user stream spec for a ws prefix, for example
// "wss://fstream.binance.com/ws".
func NewUserSpec(prefix string) *UserSpec {
	return &UserSpec{prefix: strings.TrimRight(prefix, "/")}
}

func (s *UserSpec) Name() string { return "binance-user" }

func (s *UserSpec) ConnectURL(cred *session.Credential) (string, error) {
	if cred == nil || cred.Token == "" {
		return "", ErrCredentialRequired
	}
	return s.prefix + "/" + cred.Token, nil
}

func (s *UserSpec) CredentialInURL() bool { return true }

func (s *UserSpec) AuthFrame(_ *session.Credential) ([]byte, error) {
	return nil, nil // the listen key in the URL is the authentication
}

func (s *UserSpec) SupportsSubscriptions() bool { return false }

func (s *UserSpec) SubscribeFrame(_ []string) ([]byte, string, error) {
	return nil, "", errors.New("user-data streams do not support subscribe")
}

func (s *UserSpec) UnsubscribeFrame(_ []string) ([]byte, string, error) {
	return nil, "", errors.New("user-data streams do not support unsubscribe")
}

func (s *UserSpec) PingFrame() ([]byte, bool) { return nil, false }
func (s *UserSpec) PongFrame() ([]byte, bool) { return nil, false }

func (s *UserSpec) Classify(data []byte) (exchange.Frame, error) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return exchange.Frame{}, err
	}
	if probe.Event == "" {
		return exchange.Frame{Kind: exchange.KindUnknown}, nil
	}
	return exchange.Frame{
		Kind:    exchange.KindData,
		Topic:   UserTopic,
		Payload: data,
		Merge:   exchange.MergeNone,
	}, nil
}

func (s *UserSpec) TopicKey(_, _ string) (string, error) {
	return UserTopic, nil
}

func (s *UserSpec) ValidateTopic(topic string) error {
	if topic != UserTopic {
		return errors.New("user-data streams expose a single topic: " + UserTopic)
	}
	return nil
}

func (s *UserSpec) Limits() exchange.Limits {
	return exchange.Limits{ControlPerSecond: 5, TopicsPerRequest: 1}
}
