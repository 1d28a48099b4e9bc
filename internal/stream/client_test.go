package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) clientConfig {
	return clientConfig{
		URL:              url,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		BufferSize:       100,
	}
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)

	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !cl.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := cl.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if cl.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}
}

func TestClient_Send(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = msg
			mu.Unlock()
		}
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cl.Close()

	testMsg := []byte(`{"test":"message"}`)
	if err := cl.Send(testMsg); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if string(received) != string(testMsg) {
		t.Errorf("received %q, want %q", received, testMsg)
	}
}

func TestClient_Messages(t *testing.T) {
	testMessages := []string{
		`{"n":1}`,
		`{"n":2}`,
		`{"n":3}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, msg := range testMessages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cl.Close()

	var received []string
	timeout := time.After(500 * time.Millisecond)

	for i := 0; i < len(testMessages); i++ {
		select {
		case msg := <-cl.Messages():
			received = append(received, string(msg.Data))
			if msg.ReceivedAt.IsZero() {
				t.Error("ReceivedAt should not be zero")
			}
		case <-timeout:
			t.Fatalf("timeout waiting for messages, received %d of %d", len(received), len(testMessages))
		}
	}

	for i, want := range testMessages {
		if received[i] != want {
			t.Errorf("message %d: got %q, want %q", i, received[i], want)
		}
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	cl := newClient(testClientConfig("ws://localhost:12345"), nil)

	if err := cl.Send([]byte("test")); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_DoubleClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := cl.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := cl.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_ActivityTracking(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		time.Sleep(100 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"late":true}`))
		time.Sleep(time.Second)
	})
	defer server.Close()

	cl := newClient(testClientConfig(wsURL(server)), nil)
	if err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cl.Close()

	connectedAt := cl.LastActivity()

	select {
	case <-cl.Messages():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	if !cl.LastActivity().After(connectedAt) {
		t.Error("LastActivity should advance on inbound traffic")
	}
}
