package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/exchange"
	"github.com/quantpipe/streamfeed/internal/model"
)

func TestSpec_TopicKey(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	tests := []struct {
		feed, symbol string
		want         string
		wantErr      bool
	}{
		{FeedOrderbook50, "btcusdt", "orderbook.50.BTCUSDT", false},
		{FeedTickers, "ETHUSDT", "tickers.ETHUSDT", false},
		{FeedTrade, "solusdt", "publicTrade.SOLUSDT", false},
		{"order", "", "order", false},
		{"wallet", "", "wallet", false},
		{"order", "BTCUSDT", "", true}, // private topics take no symbol
		{FeedTickers, "", "", true},
	}

	for _, tt := range tests {
		got, err := s.TopicKey(tt.feed, tt.symbol)
		if (err != nil) != tt.wantErr {
			t.Errorf("TopicKey(%q, %q) error = %v, wantErr %v", tt.feed, tt.symbol, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("TopicKey(%q, %q) = %q, want %q", tt.feed, tt.symbol, got, tt.want)
		}
	}
}

func TestSpec_ValidateTopic(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	for _, good := range []string{"orderbook.50.BTCUSDT", "tickers.ETHUSDT", "position", "execution.fast"} {
		if err := s.ValidateTopic(good); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", good, err)
		}
	}
	for _, bad := range []string{"", "orderbook.50.btcusdt", "BTCUSDT", ".BTCUSDT", "tickers."} {
		if err := s.ValidateTopic(bad); err == nil {
			t.Errorf("ValidateTopic(%q) = nil, want error", bad)
		}
	}
}

func TestSpec_AuthFrame(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/private",
		WithAPIKeys("my-key", "my-secret"),
		WithAuthExpire(30*time.Second))
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	frame, err := s.AuthFrame(nil)
	if err != nil {
		t.Fatalf("AuthFrame failed: %v", err)
	}

	var req struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatalf("auth frame is not valid JSON: %v", err)
	}
	if req.Op != "auth" || len(req.Args) != 3 {
		t.Fatalf("auth frame = %s", frame)
	}
	if req.Args[0] != "my-key" {
		t.Errorf("args[0] = %v, want my-key", req.Args[0])
	}

	expires := fixed.Add(30 * time.Second).UnixMilli()
	mac := hmac.New(sha256.New, []byte("my-secret"))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	wantSig := hex.EncodeToString(mac.Sum(nil))
	if req.Args[2] != wantSig {
		t.Errorf("signature = %v, want %s", req.Args[2], wantSig)
	}
}

func TestSpec_AuthFrameNilWithoutKeys(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")
	frame, err := s.AuthFrame(nil)
	if err != nil || frame != nil {
		t.Errorf("AuthFrame = %s, %v; want nil, nil", frame, err)
	}
}

func TestSpec_ClassifyControl(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	tests := []struct {
		raw  string
		kind exchange.FrameKind
		ok   bool
	}{
		{`{"op":"pong","ret_msg":"pong"}`, exchange.KindPong, false},
		{`{"op":"ping"}`, exchange.KindPing, false},
		{`{"op":"auth","success":true}`, exchange.KindAuthAck, true},
		{`{"op":"auth","success":false,"ret_msg":"bad signature"}`, exchange.KindAuthAck, false},
		{`{"op":"subscribe","req_id":"r1","success":true}`, exchange.KindAck, true},
		{`{"op":"subscribe","req_id":"r2","success":false,"ret_msg":"unknown topic"}`, exchange.KindAck, false},
		{`{"something":"else"}`, exchange.KindUnknown, false},
	}

	for _, tt := range tests {
		frame, err := s.Classify([]byte(tt.raw))
		if err != nil {
			t.Errorf("Classify(%s) failed: %v", tt.raw, err)
			continue
		}
		if frame.Kind != tt.kind {
			t.Errorf("Classify(%s) kind = %v, want %v", tt.raw, frame.Kind, tt.kind)
		}
		if (frame.Kind == exchange.KindAck || frame.Kind == exchange.KindAuthAck) && frame.OK != tt.ok {
			t.Errorf("Classify(%s) OK = %v, want %v", tt.raw, frame.OK, tt.ok)
		}
	}
}

func TestSpec_ClassifyOrderbookSnapshotAndDelta(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	snap := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":{"s":"BTCUSDT","b":[["100","1.0"],["101","2.0"]],"a":[["102","4.0"]],"u":1,"seq":55}}`)
	frame, err := s.Classify(snap)
	if err != nil {
		t.Fatalf("Classify snapshot failed: %v", err)
	}
	if frame.Merge != exchange.MergeBook || frame.Book == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Book.Type != book.Snapshot || len(frame.Book.Bids) != 2 || frame.Book.Seq != 55 {
		t.Errorf("update = %+v", frame.Book)
	}

	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta",` +
		`"data":{"s":"BTCUSDT","b":[["100","0"]],"a":[],"u":2,"seq":56}}`)
	frame, err = s.Classify(delta)
	if err != nil {
		t.Fatalf("Classify delta failed: %v", err)
	}
	if frame.Book.Type != book.Delta || !frame.Book.Bids[0].Size.IsZero() {
		t.Errorf("update = %+v", frame.Book)
	}
}

func TestSpec_ClassifyTickerFields(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	raw := []byte(`{"topic":"tickers.BTCUSDT","type":"delta","data":{"lastPrice":"42001.5"}}`)
	frame, err := s.Classify(raw)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if frame.Merge != exchange.MergeFields || frame.Fields == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Fields.Type != book.Delta {
		t.Errorf("Type = %v, want Delta", frame.Fields.Type)
	}
	if string(frame.Fields.Fields["lastPrice"]) != `"42001.5"` {
		t.Errorf("fields = %v", frame.Fields.Fields)
	}
}

func TestSpec_ClassifyPlainTopic(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	raw := []byte(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","data":[{"T":1700000000000,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"42000.1","i":"tid-1"}]}`)
	frame, err := s.Classify(raw)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if frame.Merge != exchange.MergeNone || frame.Topic != "publicTrade.BTCUSDT" {
		t.Errorf("frame = %+v", frame)
	}

	trades, err := DecodeTrades(frame.Payload, time.Now())
	if err != nil {
		t.Fatalf("DecodeTrades failed: %v", err)
	}
	if len(trades) != 1 || trades[0].Side != model.Buy || trades[0].TradeID != "tid-1" {
		t.Errorf("trades = %+v", trades)
	}
}

func TestSpec_SubscribeFrame(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")

	frame, id, err := s.SubscribeFrame([]string{"orderbook.50.BTCUSDT"})
	if err != nil {
		t.Fatalf("SubscribeFrame failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a request id")
	}

	var req controlRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if req.Op != "subscribe" || req.ReqID != id || len(req.Args) != 1 {
		t.Errorf("frame = %s", frame)
	}
}

func TestBookTopFromBook(t *testing.T) {
	s := NewSpec("wss://stream.bybit.com/v5/public/linear")
	store := book.NewStore()

	snap := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot",` +
		`"data":{"s":"BTCUSDT","b":[["41999","1.5"]],"a":[["42001","0.7"]],"seq":9}}`)
	frame, err := s.Classify(snap)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	merged, err := store.ApplyBook(frame.Topic, *frame.Book)
	if err != nil {
		t.Fatalf("ApplyBook failed: %v", err)
	}

	top, ok := BookTopFromBook(frame.Topic, merged, time.Now())
	if !ok {
		t.Fatal("expected a book top")
	}
	if top.Symbol != "BTCUSDT" || top.BidPrice.String() != "41999" || top.AskSize.String() != "0.7" {
		t.Errorf("top = %+v", top)
	}
}
