package hyperliquid

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/book"
	"github.com/quantpipe/streamfeed/internal/model"
)

// tradeEntry is one element of the trades data array. Side "B" is a buy
// into the ask, "A" a sell into the bid.
type tradeEntry struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Time    int64  `json:"time"`
	TradeID int64  `json:"tid"`
}

// DecodeTrades parses a trades payload into normalized trades.
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
		size, err := decimal.NewFromString(e.Size)
		if err != nil {
			return nil, fmt.Errorf("parse trade size %q: %w", e.Size, err)
		}

		side := model.Sell
		if e.Side == "B" {
			side = model.Buy
		}

		trades = append(trades, model.Trade{
			Exchange:   "hyperliquid",
			Symbol:     e.Coin,
			TradeID:    strconv.FormatInt(e.TradeID, 10),
			Price:      price,
			Size:       size,
			Side:       side,
			ExchangeTS: time.UnixMilli(e.Time),
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

	_, coin := splitTopic(topic)
	return model.BookTop{
		Exchange:   "hyperliquid",
		Symbol:     strings.ToUpper(coin),
		BidPrice:   bid.Price,
		BidSize:    bid.Size,
		AskPrice:   ask.Price,
		AskSize:    ask.Size,
		Seq:        b.Seq,
		ReceivedAt: receivedAt,
	}, true
}
