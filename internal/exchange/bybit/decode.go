package bybit

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/model"
)

// tradeEntry is one element of the publicTrade.* data array.
type tradeEntry struct {
	Timestamp int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"` // "Buy" or "Sell" (taker side)
	Volume    string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

// DecodeTrades parses a publicTrade payload into normalized trades.
func DecodeTrades(payload []byte, receivedAt time.Time) ([]model.Trade, error) {
	var entries []tradeEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode trade payload: %w", err)
	}

	trades := make([]model.Trade, 0, len(entries))
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("parse trade price %q: %w", e.Price, err)
		}
		size, err := decimal.NewFromString(e.Volume)
		if err != nil {
			return nil, fmt.Errorf("parse trade volume %q: %w", e.Volume, err)
		}

		side := model.Sell
		if strings.EqualFold(e.Side, "Buy") {
			side = model.Buy
		}

		trades = append(trades, model.Trade{
			Exchange:   "bybit",
			Symbol:     e.Symbol,
			TradeID:    e.TradeID,
			Price:      price,
			Size:       size,
			Side:       side,
			ExchangeTS: time.UnixMilli(e.Timestamp),
			ReceivedAt: receivedAt,
		})
	}
	return trades, nil
}

// BookTopFromBook extracts the best bid/ask of a merged book for capture.
func BookTopFromBook(topic string, b *book.Book, receivedAt time.Time) (model.BookTop, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return model.BookTop{}, false
	}

	_, symbol := splitTopic(topic)
	return model.BookTop{
		Exchange:   "bybit",
		Symbol:     symbol,
		BidPrice:   bid.Price,
		BidSize:    bid.Size,
		AskPrice:   ask.Price,
		AskSize:    ask.Size,
		Seq:        b.Seq,
		ReceivedAt: receivedAt,
	}, true
}
