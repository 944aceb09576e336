package schema

import "github.com/shopspring/decimal"

// AccountBalance is a per-asset balance snapshot reported by a private account stream.
type AccountBalance struct {
	Exchange  string          `json:"exchange"`
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	Borrowed  decimal.Decimal `json:"borrowed"`
	Timestamp int64           `json:"timestamp"`
}

// VenuePosition is the exchange's own view of a derivatives position. It is informational;
// the ledger's Position is the authoritative state.
type VenuePosition struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    float64         `json:"entry_price"`
	UnrealizedPnL float64         `json:"unrealized_pnl"`
	Timestamp     int64           `json:"timestamp"`
}
