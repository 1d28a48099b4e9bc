// Package binance implements the exchange capability interface for Binance
// market streams and listen-key user-data streams.
package binance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/session"
)

// Feed kinds accepted by TopicKey. Raw stream suffixes (e.g. "depth20@100ms")
// are also accepted verbatim.
const (
	FeedTrade      = "trade"
	FeedAggTrade   = "aggTrade"
	FeedBookTicker = "bookTicker"
	FeedKline1m    = "kline_1m"
)

// ErrSymbolRequired is returned when a market topic is built without a symbol.
var ErrSymbolRequired = errors.New("binance market topics require a symbol")

// Spec implements exchange.Spec for Binance combined market streams
// (SUBSCRIBE/UNSUBSCRIBE over /stream).
type Spec struct {
	url    string
	limits exchange.Limits
	idGen  atomic.Int64
}

// Option configures a Spec.
type Option func(*Spec)

// WithControlRate overrides the control message budget. Spot allows 5/s,
// derivatives 10/s.
func WithControlRate(perSecond int) Option {
	return func(s *Spec) {
		s.limits.ControlPerSecond = perSecond
	}
}

// WithTopicsPerRequest overrides the per-frame topic batch bound.
func WithTopicsPerRequest(n int) Option {
	return func(s *Spec) {
		s.limits.TopicsPerRequest = n
	}
}

// NewSpec creates a market stream spec for a combined-stream URL, for
// example "wss://stream.binance.com:9443/stream".
func NewSpec(url string, opts ...Option) *Spec {
	s := &Spec{
		url: url,
		limits: exchange.Limits{
			ControlPerSecond: 5,
			TopicsPerRequest: 200,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Spec) Name() string { return "binance" }

func (s *Spec) ConnectURL(_ *session.Credential) (string, error) {
	return s.url, nil
}

func (s *Spec) CredentialInURL() bool { return false }

func (s *Spec) AuthFrame(_ *session.Credential) ([]byte, error) {
	return nil, nil // market streams are unauthenticated
}

func (s *Spec) SupportsSubscriptions() bool { return true }

// controlRequest is the SUBSCRIBE/UNSUBSCRIBE wire shape. Binance requires
// a numeric id and echoes it in the ack.
type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (s *Spec) SubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("SUBSCRIBE", topics)
}

func (s *Spec) UnsubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("UNSUBSCRIBE", topics)
}

func (s *Spec) controlFrame(method string, topics []string) ([]byte, string, error) {
	id := s.idGen.Add(1)
	frame, err := json.Marshal(controlRequest{
		Method: method,
		Params: topics,
		ID:     id,
	})
	if err != nil {
		return nil, "", err
	}
	return frame, strconv.FormatInt(id, 10), nil
}

// PingFrame: Binance uses transport-level ping/pong control frames.
func (s *Spec) PingFrame() ([]byte, bool) { return nil, false }
func (s *Spec) PongFrame() ([]byte, bool) { return nil, false }

// combinedFrame covers both combined-stream data frames and control acks.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

func (s *Spec) Classify(data []byte) (exchange.Frame, error) {
	var f combinedFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return exchange.Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	// Control ack: {"result":null,"id":3} or {"error":{...},"id":3}.
	if f.ID != nil {
		frame := exchange.Frame{
			Kind: exchange.KindAck,
			ID:   strconv.FormatInt(*f.ID, 10),
			OK:   f.Error == nil,
		}
		if f.Error != nil {
			frame.Err = fmt.Sprintf("%d: %s", f.Error.Code, f.Error.Msg)
		}
		return frame, nil
	}

	if f.Stream != "" {
		return exchange.Frame{
			Kind:    exchange.KindData,
			Topic:   strings.ToLower(f.Stream),
			Payload: f.Data,
			Merge:   exchange.MergeNone,
		}, nil
	}

	return exchange.Frame{Kind: exchange.KindUnknown}, nil
}

// TopicKey builds "<symbol>@<feed>", case-folding the symbol the way the
// stream names are spelled on the wire.
func (s *Spec) TopicKey(feed, symbol string) (string, error) {
	if symbol == "" {
		return "", ErrSymbolRequired
	}
	if feed == "" {
		return "", errors.New("feed kind is required")
	}
	return strings.ToLower(symbol) + "@" + feed, nil
}

func (s *Spec) ValidateTopic(topic string) error {
	sym, feed, ok := strings.Cut(topic, "@")
	if !ok || sym == "" || feed == "" {
		return fmt.Errorf("malformed binance topic %q: want <symbol>@<feed>", topic)
	}
	if sym != strings.ToLower(sym) {
		return fmt.Errorf("malformed binance topic %q: symbol must be lowercase", topic)
	}
	return nil
}

func (s *Spec) Limits() exchange.Limits { return s.limits }
