// Package hyperliquid implements the exchange capability interface for
// the Hyperliquid websocket API.
package hyperliquid

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/session"
)

// Feed kinds accepted by TopicKey.
const (
	FeedTrades  = "trades"
	FeedBook    = "l2Book"
	FeedAllMids = "allMids"
)

// connectionBanner is the plain text greeting the venue sends on connect,
// before any JSON frame.
const connectionBanner = "Websocket connection established."

// ErrCoinRequired is returned when a coin-scoped topic is built without a
// coin.
var ErrCoinRequired = errors.New("hyperliquid coin-scoped topics require a symbol")

// Spec implements exchange.Spec for the Hyperliquid stream endpoint, for
// example "wss://api.hyperliquid.xyz/ws". The venue has no connection
// handshake; user-scoped subscriptions carry the wallet address inside
// the subscription object instead.
type Spec struct {
	url    string
	limits exchange.Limits
}

// Option configures a Spec.
type Option func(*Spec)

// WithControlRate overrides the control message budget.
func WithControlRate(perSecond int) Option {
	return func(s *Spec) {
		s.limits.ControlPerSecond = perSecond
	}
}

// NewSpec creates a spec for a stream URL.
func NewSpec(url string, opts ...Option) *Spec {
	s := &Spec{
		url: url,
		limits: exchange.Limits{
			ControlPerSecond: 10,
			// The venue takes exactly one subscription object per control
			// frame, so replay sends them one at a time.
			TopicsPerRequest: 1,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Spec) Name() string { return "hyperliquid" }

func (s *Spec) ConnectURL(_ *session.Credential) (string, error) {
	return s.url, nil
}

func (s *Spec) CredentialInURL() bool { return false }

func (s *Spec) AuthFrame(_ *session.Credential) ([]byte, error) {
	return nil, nil
}

func (s *Spec) SupportsSubscriptions() bool { return true }

// subscription is the wire shape of one subscription object.
type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type controlRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func (s *Spec) SubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("subscribe", topics)
}

func (s *Spec) UnsubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("unsubscribe", topics)
}

// controlFrame builds one subscribe or unsubscribe request. The venue
// carries no request id; the acknowledgement echoes the subscription
// object instead, so the correlation id is derived from the method and
// the topic key on both sides.
func (s *Spec) controlFrame(method string, topics []string) ([]byte, string, error) {
	if len(topics) != 1 {
		return nil, "", fmt.Errorf("hyperliquid takes one subscription per frame, got %d", len(topics))
	}
	sub, err := subscriptionFor(topics[0])
	if err != nil {
		return nil, "", err
	}
	frame, err := json.Marshal(controlRequest{Method: method, Subscription: sub})
	if err != nil {
		return nil, "", err
	}
	return frame, method + ":" + topics[0], nil
}

// subscriptionFor rebuilds the wire subscription object from a topic key.
func subscriptionFor(topic string) (subscription, error) {
	if topic == FeedAllMids {
		return subscription{Type: FeedAllMids}, nil
	}
	feed, coin := splitTopic(topic)
	if feed == "" || coin == "" {
		return subscription{}, fmt.Errorf("malformed hyperliquid topic %q", topic)
	}
	return subscription{Type: feed, Coin: strings.ToUpper(coin)}, nil
}

// topicFor maps a wire subscription object back to its topic key.
func topicFor(sub subscription) (string, error) {
	switch sub.Type {
	case FeedAllMids:
		return FeedAllMids, nil
	case FeedTrades, FeedBook:
		if sub.Coin == "" {
			return "", ErrCoinRequired
		}
		return sub.Type + ":" + strings.ToLower(sub.Coin), nil
	}
	return "", fmt.Errorf("unknown hyperliquid subscription type %q", sub.Type)
}

// The venue expects an application-level ping and answers on the pong
// channel. It never pings the client itself.
func (s *Spec) PingFrame() ([]byte, bool) { return []byte(`{"method":"ping"}`), true }
func (s *Spec) PongFrame() ([]byte, bool) { return nil, false }

// inboundFrame covers every channel the venue multiplexes onto one
// connection.
type inboundFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ackPayload is the subscriptionResponse data shape.
type ackPayload struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func (s *Spec) Classify(data []byte) (exchange.Frame, error) {
	if string(data) == connectionBanner {
		return exchange.Frame{Kind: exchange.KindUnknown}, nil
	}

	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return exchange.Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Channel {
	case "pong":
		return exchange.Frame{Kind: exchange.KindPong}, nil

	case "subscriptionResponse":
		var ack ackPayload
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			return exchange.Frame{}, fmt.Errorf("decode subscription response: %w", err)
		}
		topic, err := topicFor(ack.Subscription)
		if err != nil {
			return exchange.Frame{}, err
		}
		return exchange.Frame{
			Kind: exchange.KindAck,
			ID:   ack.Method + ":" + topic,
			OK:   true,
		}, nil

	case "error":
		// Rejections arrive without the subscription object, so there is
		// no id to resolve; the waiter times out and the failure is
		// logged here.
		return exchange.Frame{}, fmt.Errorf("venue error: %s", f.Data)

	case "trades":
		return classifyTrades(f.Data)

	case "l2Book":
		return classifyBook(f.Data)

	case "allMids":
		return exchange.Frame{
			Kind:    exchange.KindData,
			Topic:   FeedAllMids,
			Payload: f.Data,
			Merge:   exchange.MergeNone,
		}, nil
	}

	return exchange.Frame{Kind: exchange.KindUnknown}, nil
}

// classifyTrades routes a trades frame by the coin of its first entry;
// the venue never mixes coins within one frame.
func classifyTrades(data []byte) (exchange.Frame, error) {
	var entries []struct {
		Coin string `json:"coin"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return exchange.Frame{}, fmt.Errorf("decode trades payload: %w", err)
	}
	if len(entries) == 0 {
		return exchange.Frame{Kind: exchange.KindUnknown}, nil
	}
	return exchange.Frame{
		Kind:    exchange.KindData,
		Topic:   FeedTrades + ":" + strings.ToLower(entries[0].Coin),
		Payload: data,
		Merge:   exchange.MergeNone,
	}, nil
}

// bookPayload is the l2Book data shape: levels[0] bids, levels[1] asks.
// Every l2Book frame is a full snapshot.
type bookPayload struct {
	Coin   string          `json:"coin"`
	Time   int64           `json:"time"`
	Levels [2][]levelEntry `json:"levels"`
}

type levelEntry struct {
	Price string `json:"px"`
	Size  string `json:"sz"`
}

func classifyBook(data []byte) (exchange.Frame, error) {
	var p bookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return exchange.Frame{}, fmt.Errorf("decode l2Book payload: %w", err)
	}

	bids, err := parseLevels(p.Levels[0])
	if err != nil {
		return exchange.Frame{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(p.Levels[1])
	if err != nil {
		return exchange.Frame{}, fmt.Errorf("parse asks: %w", err)
	}

	return exchange.Frame{
		Kind:    exchange.KindData,
		Topic:   FeedBook + ":" + strings.ToLower(p.Coin),
		Payload: data,
		Merge:   exchange.MergeBook,
		Book: &book.Update{
			Type: book.Snapshot,
			Bids: bids,
			Asks: asks,
			Seq:  p.Time,
		},
	}, nil
}

func parseLevels(raw []levelEntry) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, entry := range raw {
		price, err := decimal.NewFromString(entry.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry.Price, err)
		}
		size, err := decimal.NewFromString(entry.Size)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", entry.Size, err)
		}
		levels = append(levels, book.Level{Price: price, Size: size})
	}
	return levels, nil
}

// TopicKey builds "<feed>:<coin>" for coin-scoped feeds and the fixed name
// for allMids, which covers every coin and takes no symbol.
func (s *Spec) TopicKey(feed, symbol string) (string, error) {
	switch feed {
	case FeedAllMids:
		if symbol != "" {
			return "", fmt.Errorf("topic %q takes no symbol", feed)
		}
		return FeedAllMids, nil
	case FeedTrades, FeedBook:
		if symbol == "" {
			return "", ErrCoinRequired
		}
		return feed + ":" + strings.ToLower(symbol), nil
	}
	return "", fmt.Errorf("unknown hyperliquid feed %q", feed)
}

func (s *Spec) ValidateTopic(topic string) error {
	if topic == FeedAllMids {
		return nil
	}
	feed, coin := splitTopic(topic)
	if (feed != FeedTrades && feed != FeedBook) || coin == "" {
		return fmt.Errorf("malformed hyperliquid topic %q: want trades:<coin>, l2Book:<coin> or allMids", topic)
	}
	if coin != strings.ToLower(coin) {
		return fmt.Errorf("malformed hyperliquid topic %q: coin must be lowercase", topic)
	}
	return nil
}

// splitTopic separates "<feed>:<coin>" at the first colon.
func splitTopic(topic string) (feed, coin string) {
	i := strings.Index(topic, ":")
	if i <= 0 || i == len(topic)-1 {
		return "", ""
	}
	return topic[:i], topic[i+1:]
}

func (s *Spec) Limits() exchange.Limits { return s.limits }
