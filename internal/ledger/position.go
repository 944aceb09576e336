package ledger

import (
	"maps"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

// Position is the strategy's holding in one (exchange, symbol). SignedAmount is positive when
// long and negative when short; Side is nil exactly when the position is flat.
type Position struct {
	Symbol        string               `json:"symbol"`
	Exchange      string               `json:"exchange"`
	StrategyID    string               `json:"strategy_id"`
	Side          *schema.PositionSide `json:"side,omitempty"`
	SignedAmount  decimal.Decimal      `json:"signed_amount"`
	EntryPrice    float64              `json:"entry_price"`
	UnrealizedPnL float64              `json:"unrealized_pnl"`
	RealizedPnL   float64              `json:"realized_pnl"`
	// LastOrderFilled holds the cumulative filled quantity seen per open order id.
	LastOrderFilled map[string]decimal.Decimal `json:"last_order_filled,omitempty"`
}

// Amount returns |SignedAmount|.
func (p Position) Amount() decimal.Decimal {
	return p.SignedAmount.Abs()
}

// IsOpen reports a non-zero amount.
func (p Position) IsOpen() bool {
	return !p.SignedAmount.IsZero()
}

// IsLong reports a long position.
func (p Position) IsLong() bool {
	return p.Side != nil && *p.Side == schema.PositionSideLong
}

// IsShort reports a short position.
func (p Position) IsShort() bool {
	return p.Side != nil && *p.Side == schema.PositionSideShort
}

func (p Position) clone() Position {
	out := p
	if p.Side != nil {
		side := *p.Side
		out.Side = &side
	}
	out.LastOrderFilled = maps.Clone(p.LastOrderFilled)
	return out
}

// fillDelta returns the quantity order filled beyond previous. A negative delta is reported as zero.
func fillDelta(order schema.Order, previous decimal.Decimal, logger observability.Logger) decimal.Decimal {
	id := order.OrderID()
	filled := order.FilledOrZero()
	delta := filled.Sub(previous)
	if delta.IsNegative() {
		logger.Warn("cumulative fill went backwards",
			observability.F("order_id", id),
			observability.F("previous", previous.String()),
			observability.F("filled", filled.String()))
		return decimal.Zero
	}
	return delta
}

// recordFill stores the cumulative fill of an open order. Terminal orders leave the bookkeeping.
func (p *Position) recordFill(id string, filled decimal.Decimal, terminal bool) {
	if terminal {
		delete(p.LastOrderFilled, id)
		return
	}
	if p.LastOrderFilled == nil {
		p.LastOrderFilled = make(map[string]decimal.Decimal)
	}
	p.LastOrderFilled[id] = filled
}

func (p *Position) pnl(price float64, amount decimal.Decimal) float64 {
	switch {
	case p.IsLong():
		return amount.InexactFloat64() * (price - p.EntryPrice)
	case p.IsShort():
		return amount.InexactFloat64() * (p.EntryPrice - price)
	default:
		return 0
	}
}

// close reduces the position by amount at price, realizing P&L.
func (p *Position) close(side schema.OrderSide, amount decimal.Decimal, price float64, logger observability.Logger) {
	switch side {
	case schema.OrderSideBuy:
		if !p.IsShort() {
			logger.Warn("buy closing a position that is not short", p.fields()...)
		}
		p.RealizedPnL += p.pnl(price, amount)
		p.SignedAmount = p.SignedAmount.Add(amount)
	case schema.OrderSideSell:
		if !p.IsLong() {
			logger.Warn("sell closing a position that is not long", p.fields()...)
		}
		p.RealizedPnL += p.pnl(price, amount)
		p.SignedAmount = p.SignedAmount.Sub(amount)
	}
	p.UnrealizedPnL = p.pnl(price, p.Amount())
	if p.SignedAmount.IsZero() {
		p.flatten()
	}
}

// open grows the position by amount at price, folding it into the volume weighted entry.
func (p *Position) open(side schema.OrderSide, amount decimal.Decimal, price float64, logger observability.Logger) {
	want := schema.PositionSideLong
	next := p.SignedAmount.Add(amount)
	if side == schema.OrderSideSell {
		want = schema.PositionSideShort
		next = p.SignedAmount.Sub(amount)
	}
	if p.Side == nil {
		p.Side = &want
	} else if *p.Side != want {
		logger.Warn("opening against the current position side", p.fields()...)
	}

	if next.IsZero() {
		p.SignedAmount = next
		p.flatten()
		return
	}
	signedFill := amount.InexactFloat64()
	if side == schema.OrderSideSell {
		signedFill = -signedFill
	}
	p.EntryPrice = (p.EntryPrice*p.SignedAmount.InexactFloat64() + price*signedFill) / next.InexactFloat64()
	p.SignedAmount = next
	p.UnrealizedPnL = p.pnl(price, p.Amount())
}

func (p *Position) flatten() {
	p.Side = nil
	p.EntryPrice = 0
	p.UnrealizedPnL = 0
}

func (p *Position) fields() []observability.Field {
	side := "none"
	if p.Side != nil {
		side = string(*p.Side)
	}
	return []observability.Field{
		observability.F("exchange", p.Exchange),
		observability.F("symbol", p.Symbol),
		observability.F("side", side),
		observability.F("signed_amount", p.SignedAmount.String()),
	}
}
