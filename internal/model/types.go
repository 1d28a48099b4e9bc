package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of the taker in a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Trade is a single executed trade from a public trade feed.
type Trade struct {
	Exchange   string
	Symbol     string
	TradeID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Side       Side
	ExchangeTS time.Time // exchange-reported execution time
	ReceivedAt time.Time // local receive time
}

// BookTop is the best bid/ask extracted from a merged order book.
type BookTop struct {
	Exchange   string
	Symbol     string
	BidPrice   decimal.Decimal
	BidSize    decimal.Decimal
	AskPrice   decimal.Decimal
	AskSize    decimal.Decimal
	Seq        int64
	ReceivedAt time.Time
}
