// Package bybit implements the exchange capability interface for Bybit v5
// public and private streams.
package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/session"
)

// Public feed kinds accepted by TopicKey.
const (
	FeedOrderbook1  = "orderbook.1"
	FeedOrderbook50 = "orderbook.50"
	FeedTickers     = "tickers"
	FeedTrade       = "publicTrade"
	FeedKline1m     = "kline.1"
)

// privateTopics are account-wide feeds with fixed topic keys.
var privateTopics = map[string]struct{}{
	"position":       {},
	"execution":      {},
	"order":          {},
	"wallet":         {},
	"greeks":         {},
	"execution.fast": {},
}

// ErrSymbolRequired is returned when a public topic is built without a symbol.
var ErrSymbolRequired = errors.New("bybit public topics require a symbol")

// Spec implements exchange.Spec for one Bybit v5 endpoint. Private
// endpoints need an API key pair for the auth frame; public endpoints need
// neither.
type Spec struct {
	url        string
	apiKey     string
	apiSecret  string
	authExpire time.Duration
	limits     exchange.Limits

	now func() time.Time
}

// Option configures a Spec.
type Option func(*Spec)

// WithAPIKeys enables private-stream authentication.
func WithAPIKeys(key, secret string) Option {
	return func(s *Spec) {
		s.apiKey = key
		s.apiSecret = secret
	}
}

// WithAuthExpire overrides the auth signature validity window.
func WithAuthExpire(d time.Duration) Option {
	return func(s *Spec) {
		s.authExpire = d
	}
}

// WithControlRate overrides the control message budget.
func WithControlRate(perSecond int) Option {
	return func(s *Spec) {
		s.limits.ControlPerSecond = perSecond
	}
}

// NewSpec creates a spec for a stream URL, for example
// "wss://stream.bybit.com/v5/public/linear" or ".../v5/private".
func NewSpec(url string, opts ...Option) *Spec {
	s := &Spec{
		url:        url,
		authExpire: 30 * time.Second,
		limits: exchange.Limits{
			ControlPerSecond: 10,
			TopicsPerRequest: 10,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Spec) Name() string { return "bybit" }

func (s *Spec) ConnectURL(_ *session.Credential) (string, error) {
	return s.url, nil
}

func (s *Spec) CredentialInURL() bool { return false }

// AuthFrame signs "GET/realtime{expires}" with HMAC-SHA256, the v5 private
// stream handshake. Public specs (no API key) need no auth.
func (s *Spec) AuthFrame(_ *session.Credential) ([]byte, error) {
	if s.apiKey == "" {
		return nil, nil
	}

	expires := s.now().Add(s.authExpire).UnixMilli()
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	signature := hex.EncodeToString(mac.Sum(nil))

	return json.Marshal(map[string]any{
		"op":   "auth",
		"args": []any{s.apiKey, expires, signature},
	})
}

func (s *Spec) SupportsSubscriptions() bool { return true }

type controlRequest struct {
	Op    string   `json:"op"`
	ReqID string   `json:"req_id"`
	Args  []string `json:"args"`
}

func (s *Spec) SubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("subscribe", topics)
}

func (s *Spec) UnsubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("unsubscribe", topics)
}

func (s *Spec) controlFrame(op string, topics []string) ([]byte, string, error) {
	id := uuid.NewString()
	frame, err := json.Marshal(controlRequest{Op: op, ReqID: id, Args: topics})
	if err != nil {
		return nil, "", err
	}
	return frame, id, nil
}

// Bybit expects application-level ping/pong frames.
func (s *Spec) PingFrame() ([]byte, bool) { return []byte(`{"op":"ping"}`), true }
func (s *Spec) PongFrame() ([]byte, bool) { return []byte(`{"op":"pong"}`), true }

// inboundFrame covers control acks and data frames.
type inboundFrame struct {
	Op      string          `json:"op"`
	ReqID   string          `json:"req_id"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Seq     int64           `json:"seq"`
}

func (s *Spec) Classify(data []byte) (exchange.Frame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return exchange.Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case f.Op == "pong" || f.RetMsg == "pong":
		return exchange.Frame{Kind: exchange.KindPong}, nil
	case f.Op == "ping" || f.RetMsg == "ping":
		return exchange.Frame{Kind: exchange.KindPing}, nil
	case f.Op == "auth":
		frame := exchange.Frame{Kind: exchange.KindAuthAck, OK: f.Success != nil && *f.Success}
		if !frame.OK {
			frame.Err = f.RetMsg
		}
		return frame, nil
	case f.Op == "subscribe" || f.Op == "unsubscribe":
		frame := exchange.Frame{
			Kind: exchange.KindAck,
			ID:   f.ReqID,
			OK:   f.Success != nil && *f.Success,
		}
		if !frame.OK {
			frame.Err = f.RetMsg
		}
		return frame, nil
	case f.Topic != "":
		return s.classifyData(f)
	}

	return exchange.Frame{Kind: exchange.KindUnknown}, nil
}

func (s *Spec) classifyData(f inboundFrame) (exchange.Frame, error) {
	frame := exchange.Frame{
		Kind:    exchange.KindData,
		Topic:   f.Topic,
		Payload: f.Data,
		Merge:   exchange.MergeNone,
	}

	switch {
	case strings.HasPrefix(f.Topic, "orderbook."):
		update, err := decodeBookUpdate(f)
		if err != nil {
			return exchange.Frame{}, err
		}
		frame.Merge = exchange.MergeBook
		frame.Book = update

	case strings.HasPrefix(f.Topic, "tickers."):
		fields, err := book.DecodeFields(f.Data)
		if err != nil {
			return exchange.Frame{}, fmt.Errorf("decode ticker fields: %w", err)
		}
		frame.Merge = exchange.MergeFields
		frame.Fields = &book.FieldUpdate{
			Type:   updateType(f.Type),
			Fields: fields,
		}
	}

	return frame, nil
}

// bookPayload is the orderbook.* data shape: levels as ["price","size"].
type bookPayload struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

func decodeBookUpdate(f inboundFrame) (*book.Update, error) {
	var p bookPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, fmt.Errorf("decode orderbook payload: %w", err)
	}

	bids, err := parseLevels(p.Bids)
	if err != nil {
		return nil, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return nil, fmt.Errorf("parse asks: %w", err)
	}

	seq := p.Seq
	if seq == 0 {
		seq = p.UpdateID
	}

	return &book.Update{
		Type: updateType(f.Type),
		Bids: bids,
		Asks: asks,
		Seq:  seq,
	}, nil
}

func parseLevels(raw [][2]string) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, entry := range raw {
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", entry[0], err)
		}
		size, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", entry[1], err)
		}
		levels = append(levels, book.Level{Price: price, Size: size})
	}
	return levels, nil
}

func updateType(wire string) book.UpdateType {
	if strings.Contains(wire, "snapshot") {
		return book.Snapshot
	}
	return book.Delta
}

// TopicKey builds "<feed>.<SYMBOL>" for public feeds and the fixed name for
// account-wide private feeds.
func (s *Spec) TopicKey(feed, symbol string) (string, error) {
	if _, ok := privateTopics[feed]; ok {
		if symbol != "" {
			return "", fmt.Errorf("private topic %q takes no symbol", feed)
		}
		return feed, nil
	}
	if symbol == "" {
		return "", ErrSymbolRequired
	}
	if feed == "" {
		return "", errors.New("feed kind is required")
	}
	return feed + "." + strings.ToUpper(symbol), nil
}

func (s *Spec) ValidateTopic(topic string) error {
	if _, ok := privateTopics[topic]; ok {
		return nil
	}
	feed, sym := splitTopic(topic)
	if feed == "" || sym == "" {
		return fmt.Errorf("malformed bybit topic %q: want <feed>.<SYMBOL> or a private topic name", topic)
	}
	if sym != strings.ToUpper(sym) {
		return fmt.Errorf("malformed bybit topic %q: symbol must be uppercase", topic)
	}
	return nil
}

// splitTopic separates "<feed>.<SYMBOL>" at the last dot.
func splitTopic(topic string) (feed, symbol string) {
	i := strings.LastIndex(topic, ".")
	if i <= 0 || i == len(topic)-1 {
		return "", ""
	}
	return topic[:i], topic[i+1:]
}

func (s *Spec) Limits() exchange.Limits { return s.limits }
