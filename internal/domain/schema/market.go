// Package schema defines the canonical, exchange-agnostic event and order types.
package schema

// PriceLevel is a single price/size pair of an order book side.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookL1 is a top-of-book snapshot.
type BookL1 struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   float64 `json:"bid_size"`
	AskSize   float64 `json:"ask_size"`
	Timestamp int64   `json:"timestamp"`
}

// Mid returns the mid price, or zero when either side is missing.
func (b BookL1) Mid() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

// BookL2 is a depth snapshot, bids descending and asks ascending.
type BookL2 struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// L1 reduces the depth snapshot to its top of book.
func (b BookL2) L1() (BookL1, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return BookL1{}, false
	}
	return BookL1{
		Exchange:  b.Exchange,
		Symbol:    b.Symbol,
		Bid:       b.Bids[0].Price,
		BidSize:   b.Bids[0].Size,
		Ask:       b.Asks[0].Price,
		AskSize:   b.Asks[0].Size,
		Timestamp: b.Timestamp,
	}, true
}

// Trade is a public trade print.
type Trade struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      OrderSide `json:"side,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Kline is a candlestick bar. Confirmed marks a closed bar.
type Kline struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
	Confirmed bool    `json:"confirmed"`
}

// MarkPrice is a derivatives mark price update.
type MarkPrice struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// IndexPrice is an index price update.
type IndexPrice struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// FundingRate is a perpetual funding rate update.
type FundingRate struct {
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	Rate            float64 `json:"rate"`
	Timestamp       int64   `json:"timestamp"`
	NextFundingTime int64   `json:"next_funding_time"`
}
