package binance

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/streamfeed/internal/model"
)

// tradeEvent is the <symbol>@trade payload.
type tradeEvent struct {
	Event      string `json:"e"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

// DecodeTrade parses a trade stream payload into a normalized trade.
func DecodeTrade(payload []byte, receivedAt time.Time) (model.Trade, error) {
	var ev tradeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.Trade{}, fmt.Errorf("decode trade event: %w", err)
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse trade price %q: %w", ev.Price, err)
	}
	size, err := decimal.NewFromString(ev.Quantity)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse trade quantity %q: %w", ev.Quantity, err)
	}

	side := model.Buy
	if ev.BuyerMaker { // buyer was the maker, so the taker sold
		side = model.Sell
	}

	return model.Trade{
		Exchange:   "binance",
		Symbol:     ev.Symbol,
		TradeID:    strconv.FormatInt(ev.TradeID, 10),
		Price:      price,
		Size:       size,
		Side:       side,
		ExchangeTS: time.UnixMilli(ev.TradeTime),
		ReceivedAt: receivedAt,
	}, nil
}

// bookTickerEvent is the <symbol>@bookTicker payload.
type bookTickerEvent struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// DecodeBookTop parses a bookTicker payload into a normalized top of book.
func DecodeBookTop(payload []byte, receivedAt time.Time) (model.BookTop, error) {
	var ev bookTickerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.BookTop{}, fmt.Errorf("decode bookTicker event: %w", err)
	}

	top := model.BookTop{
		Exchange:   "binance",
		Symbol:     ev.Symbol,
		Seq:        ev.UpdateID,
		ReceivedAt: receivedAt,
	}

	var err error
	if top.BidPrice, err = decimal.NewFromString(ev.BidPrice); err != nil {
		return model.BookTop{}, fmt.Errorf("parse bid price %q: %w", ev.BidPrice, err)
	}
	if top.BidSize, err = decimal.NewFromString(ev.BidQty); err != nil {
		return model.BookTop{}, fmt.Errorf("parse bid qty %q: %w", ev.BidQty, err)
	}
	if top.AskPrice, err = decimal.NewFromString(ev.AskPrice); err != nil {
		return model.BookTop{}, fmt.Errorf("parse ask price %q: %w", ev.AskPrice, err)
	}
	if top.AskSize, err = decimal.NewFromString(ev.AskQty); err != nil {
		return model.BookTop{}, fmt.Errorf("parse ask qty %q: %w", ev.AskQty, err)
	}

	return top, nil
}
