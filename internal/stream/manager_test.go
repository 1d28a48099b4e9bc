package stream

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/session"
)

// fakeSpec is a minimal venue protocol for manager tests: subscribe
// frames carry a string id, the server acks with the same id, and
// liveness uses application-level ping/pong.
type fakeSpec struct {
	url      string
	needAuth bool
	nextID   atomic.Int64
}

func (s *fakeSpec) Name() string { return "fake" }

func (s *fakeSpec) ConnectURL(_ *session.Credential) (string, error) { return s.url, nil }

func (s *fakeSpec) CredentialInURL() bool { return false }

func (s *fakeSpec) AuthFrame(_ *session.Credential) ([]byte, error) {
	if !s.needAuth {
		return nil, nil
	}
	return []byte(`{"op":"auth"}`), nil
}

func (s *fakeSpec) SupportsSubscriptions() bool { return true }

func (s *fakeSpec) SubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("subscribe", topics)
}

func (s *fakeSpec) UnsubscribeFrame(topics []string) ([]byte, string, error) {
	return s.controlFrame("unsubscribe", topics)
}

func (s *fakeSpec) controlFrame(op string, topics []string) ([]byte, string, error) {
	id := strconv.FormatInt(s.nextID.Add(1), 10)
	frame, err := json.Marshal(map[string]any{"op": op, "id": id, "args": topics})
	return frame, id, err
}

func (s *fakeSpec) PingFrame() ([]byte, bool) { return []byte(`{"op":"ping"}`), true }
func (s *fakeSpec) PongFrame() ([]byte, bool) { return []byte(`{"op":"pong"}`), true }

func (s *fakeSpec) Classify(data []byte) (exchange.Frame, error) {
	var f struct {
		Op      string          `json:"op"`
		ID      string          `json:"id"`
		Success *bool           `json:"success"`
		Msg     string          `json:"msg"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return exchange.Frame{}, err
	}

	switch f.Op {
	case "pong":
		return exchange.Frame{Kind: exchange.KindPong}, nil
	case "ping":
		return exchange.Frame{Kind: exchange.KindPing}, nil
	case "auth-ack":
		frame := exchange.Frame{Kind: exchange.KindAuthAck, OK: f.Success != nil && *f.Success}
		if !frame.OK {
			frame.Err = f.Msg
		}
		return frame, nil
	case "ack":
		frame := exchange.Frame{Kind: exchange.KindAck, ID: f.ID, OK: f.Success != nil && *f.Success}
		if !frame.OK {
			frame.Err = f.Msg
		}
		return frame, nil
	}
	if f.Topic != "" {
		return exchange.Frame{
			Kind:    exchange.KindData,
			Topic:   f.Topic,
			Payload: f.Data,
			Merge:   exchange.MergeNone,
		}, nil
	}
	return exchange.Frame{Kind: exchange.KindUnknown}, nil
}

func (s *fakeSpec) TopicKey(feed, symbol string) (string, error) {
	return feed + ":" + strings.ToLower(symbol), nil
}

func (s *fakeSpec) ValidateTopic(topic string) error {
	if !strings.Contains(topic, ":") {
		return errors.New("malformed topic")
	}
	return nil
}

func (s *fakeSpec) Limits() exchange.Limits {
	return exchange.Limits{ControlPerSecond: 100, TopicsPerRequest: 2}
}

// ackServer records control frames per connection and acknowledges them.
type ackServer struct {
	authOK bool

	mu      sync.Mutex
	batches map[int][][]string

	connCh chan *websocket.Conn
	conns  atomic.Int64
}

func newAckServer() *ackServer {
	return &ackServer{
		authOK:  true,
		batches: make(map[int][][]string),
		connCh:  make(chan *websocket.Conn, 8),
	}
}

func (s *ackServer) handle(conn *websocket.Conn) {
	idx := int(s.conns.Add(1)) - 1
	s.connCh <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f struct {
			Op   string   `json:"op"`
			ID   string   `json:"id"`
			Args []string `json:"args"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Op {
		case "subscribe", "unsubscribe":
			s.mu.Lock()
			s.batches[idx] = append(s.batches[idx], f.Args)
			s.mu.Unlock()
			ack, _ := json.Marshal(map[string]any{"op": "ack", "id": f.ID, "success": true})
			conn.WriteMessage(websocket.TextMessage, ack)
		case "ping":
			conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"pong"}`))
		case "auth":
			ack, _ := json.Marshal(map[string]any{"op": "auth-ack", "success": s.authOK, "msg": "denied"})
			conn.WriteMessage(websocket.TextMessage, ack)
		}
	}
}

// topicsOn returns the union of all control args seen on one connection.
func (s *ackServer) topicsOn(idx int) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, batch := range s.batches[idx] {
		for _, topic := range batch {
			out[topic] = true
		}
	}
	return out
}

func (s *ackServer) maxBatchOn(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, batch := range s.batches[idx] {
		if len(batch) > max {
			max = len(batch)
		}
	}
	return max
}

func testManagerConfig() Config {
	return Config{
		PingInterval:       time.Hour, // heartbeat quiet unless a test wants it
		StallTimeout:       time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		AckTimeout:         2 * time.Second,
		ReadyWait:          2 * time.Second,
		BatchPause:         5 * time.Millisecond,
		WriteTimeout:       time.Second,
		HandshakeTimeout:   2 * time.Second,
		BufferSize:         100,
	}
}

func TestManager_SubscribeSendsControlFrame(t *testing.T) {
	srv := newAckServer()
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	if err := m.Subscribe(ctx, "trade:btc", func(Message) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !srv.topicsOn(0)["trade:btc"] {
		t.Errorf("server never saw trade:btc, got %v", srv.topicsOn(0))
	}
	if m.State() != Ready {
		t.Errorf("State = %v, want Ready", m.State())
	}
}

func TestManager_ReplayAfterReconnect(t *testing.T) {
	srv := newAckServer()
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	var first *websocket.Conn
	select {
	case first = <-srv.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first connection")
	}

	topics := []string{"t:a", "t:b", "t:c", "t:d", "t:e"}
	for _, topic := range topics {
		if err := m.Subscribe(ctx, topic, func(Message) {}); err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", topic, err)
		}
	}

	// Kill the live connection; the manager must reconnect and replay
	// all five topics in batches of at most two.
	first.Close()

	select {
	case <-srv.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		replayed := srv.topicsOn(1)
		if len(replayed) == len(topics) {
			for _, topic := range topics {
				if !replayed[topic] {
					t.Fatalf("topic %s missing from replay: %v", topic, replayed)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay incomplete: %v", replayed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if max := srv.maxBatchOn(1); max > 2 {
		t.Errorf("replay batch of %d exceeds limit 2", max)
	}
}

func TestManager_HeartbeatStallReconnects(t *testing.T) {
	var conns atomic.Int64
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		// Read but never reply: no inbound traffic reaches the client,
		// so the stall detector must fire.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testManagerConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.StallTimeout = 100 * time.Millisecond

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(cfg, spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for conns.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a reconnect after heartbeat stall, saw %d connections", conns.Load())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestManager_ForcedReconnect(t *testing.T) {
	srv := newAckServer()
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	select {
	case <-srv.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first connection")
	}

	m.forceReconnect()

	select {
	case <-srv.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("forced reconnect never produced a new connection")
	}
}

func TestManager_StaleRotationIgnored(t *testing.T) {
	srv := newAckServer()
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	// A rotation signal arriving before any session exists must not tear
	// down the session that connects afterwards.
	m.forceReconnect()

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	select {
	case <-srv.connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first connection")
	}

	// Long enough for a spurious teardown to have reconnected.
	time.Sleep(300 * time.Millisecond)

	if got := srv.conns.Load(); got != 1 {
		t.Errorf("saw %d connections, want 1", got)
	}
	if m.State() != Ready {
		t.Errorf("State = %v, want Ready", m.State())
	}
}

func TestManager_AuthRejected(t *testing.T) {
	srv := newAckServer()
	srv.authOK = false
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server), needAuth: true}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	select {
	case err := <-m.Errors():
		if !errors.Is(err, ErrAuth) {
			t.Errorf("error = %v, want ErrAuth", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auth rejection never surfaced")
	}
}

func TestManager_ServerPingAnswered(t *testing.T) {
	gotPong := make(chan struct{}, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f struct {
				Op string `json:"op"`
			}
			if json.Unmarshal(data, &f) == nil && f.Op == "pong" {
				select {
				case gotPong <- struct{}{}:
				default:
				}
			}
		}
	})
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(ctx)

	select {
	case <-gotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("server ping was never answered")
	}
}

func TestManager_StopIdempotent(t *testing.T) {
	srv := newAckServer()
	server := mockWSServer(t, srv.handle)
	defer server.Close()

	spec := &fakeSpec{url: wsURL(server)}
	m := NewManager(testManagerConfig(), spec, nil)

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := m.Stop(ctx); err != nil {
		t.Errorf("first Stop failed: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	if m.State() != Stopped {
		t.Errorf("State = %v, want Stopped", m.State())
	}
	if err := m.Subscribe(ctx, "t:x", func(Message) {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Subscribe after Stop = %v, want ErrStopped", err)
	}
}

func TestManager_SubscribeInvalidTopic(t *testing.T) {
	spec := &fakeSpec{url: "ws://localhost:1"}
	m := NewManager(testManagerConfig(), spec, nil)

	err := m.Subscribe(context.Background(), "no-separator", func(Message) {})
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if m.registry.Len() != 0 {
		t.Error("invalid topic must not be registered")
	}
}

func TestManager_UnsubscribeUnknown(t *testing.T) {
	spec := &fakeSpec{url: "ws://localhost:1"}
	m := NewManager(testManagerConfig(), spec, nil)

	err := m.Unsubscribe(context.Background(), "t:never")
	if !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("err = %v, want ErrUnknownTopic", err)
	}
}

func TestManager_DeltaBeforeSnapshotDropped(t *testing.T) {
	spec := &fakeSpec{url: "ws://localhost:1"}
	m := NewManager(testManagerConfig(), spec, nil)

	var calls atomic.Int64
	m.registry.Set("book:x", func(Message) { calls.Add(1) })

	lvl := func(p, s string) book.Level {
		return book.Level{
			Price: decimal.RequireFromString(p),
			Size:  decimal.RequireFromString(s),
		}
	}

	delta := exchange.Frame{
		Kind:  exchange.KindData,
		Topic: "book:x",
		Merge: exchange.MergeBook,
		Book:  &book.Update{Type: book.Delta, Bids: []book.Level{lvl("100", "1")}},
	}
	m.dispatchData(delta, time.Now())
	if calls.Load() != 0 {
		t.Fatal("delta before snapshot must not reach the handler")
	}

	var delivered Message
	m.registry.Set("book:x", func(msg Message) {
		calls.Add(1)
		delivered = msg
	})

	snap := exchange.Frame{
		Kind:  exchange.KindData,
		Topic: "book:x",
		Merge: exchange.MergeBook,
		Book: &book.Update{
			Type: book.Snapshot,
			Bids: []book.Level{lvl("100", "1")},
			Asks: []book.Level{lvl("101", "2")},
		},
	}
	m.dispatchData(snap, time.Now())

	if calls.Load() != 1 {
		t.Fatalf("snapshot should reach the handler once, got %d calls", calls.Load())
	}
	if !delivered.Merged {
		t.Error("merged view should be flagged")
	}

	var view book.Book
	if err := json.Unmarshal(delivered.Data, &view); err != nil {
		t.Fatalf("merged payload is not a book: %v", err)
	}
	if len(view.Bids) != 1 || view.Bids[0].Price.String() != "100" {
		t.Errorf("merged view = %+v", view)
	}
}

func TestManager_UnroutableDataDropped(t *testing.T) {
	spec := &fakeSpec{url: "ws://localhost:1"}
	m := NewManager(testManagerConfig(), spec, nil)

	// No handler registered: must drop without panicking.
	m.dispatchData(exchange.Frame{
		Kind:    exchange.KindData,
		Topic:   "t:nobody",
		Payload: []byte(`{}`),
	}, time.Now())
}
