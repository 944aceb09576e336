package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a canonical order.
type OrderStatus string

// Order statuses.
const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusAccepted        OrderStatus = "accepted"
)

// Terminal reports whether no further fills can arrive for the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusFailed
}

// OrderSide is buy or sell.
type OrderSide string

// Order sides.
const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseOrderSide normalizes venue spellings (BUY, Buy, buy).
func ParseOrderSide(raw string) (OrderSide, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return OrderSideBuy, true
	case "sell":
		return OrderSideSell, true
	default:
		return "", false
	}
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style.
type OrderType string

// Order types.
const (
	OrderTypeLimit    OrderType = "limit"
	OrderTypeMarket   OrderType = "market"
	OrderTypePostOnly OrderType = "post_only"
	OrderTypeIOC      OrderType = "ioc"
	OrderTypeFOK      OrderType = "fok"
)

// ParseOrderType normalizes venue spellings.
func ParseOrderType(raw string) (OrderType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "limit", "limit_maker":
		return OrderTypeLimit, true
	case "market":
		return OrderTypeMarket, true
	case "post_only":
		return OrderTypePostOnly, true
	case "ioc", "optimal_limit_ioc":
		return OrderTypeIOC, true
	case "fok":
		return OrderTypeFOK, true
	default:
		return "", false
	}
}

// TimeInForce controls how long an order rests.
type TimeInForce string

// Time in force values.
const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// ParseTimeInForce normalizes venue spellings.
func ParseTimeInForce(raw string) (TimeInForce, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GTC", "GOODTILLCANCEL", "GTX", "POSTONLY":
		return TimeInForceGTC, true
	case "IOC", "IMMEDIATEORCANCEL":
		return TimeInForceIOC, true
	case "FOK", "FILLORKILL":
		return TimeInForceFOK, true
	default:
		return "", false
	}
}

// PositionSide distinguishes one-way (flat) from hedge-mode legs.
type PositionSide string

// Position sides.
const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Order is the canonical cross-exchange order. Optional fields are nil when unknown.
// Quantities are exact decimals, prices are floats.
type Order struct {
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	Status          OrderStatus      `json:"status"`
	ID              *string          `json:"id,omitempty"`
	ClientOrderID   *string          `json:"client_order_id,omitempty"`
	Type            *OrderType       `json:"type,omitempty"`
	Side            *OrderSide       `json:"side,omitempty"`
	TimeInForce     *TimeInForce     `json:"time_in_force,omitempty"`
	Price           *float64         `json:"price,omitempty"`
	Average         *float64         `json:"average,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Filled          *decimal.Decimal `json:"filled,omitempty"`
	Remaining       *decimal.Decimal `json:"remaining,omitempty"`
	Cost            *float64         `json:"cost,omitempty"`
	ReduceOnly      *bool            `json:"reduce_only,omitempty"`
	PositionSide    *PositionSide    `json:"position_side,omitempty"`
	Timestamp       *int64           `json:"timestamp,omitempty"`
	LastFilledPrice *float64         `json:"last_filled_price,omitempty"`
	LastFilled      *decimal.Decimal `json:"last_filled,omitempty"`
	Fee             *float64         `json:"fee,omitempty"`
	FeeCurrency     *string          `json:"fee_currency,omitempty"`
	CumCost         *float64         `json:"cum_cost,omitempty"`
}

// Success reports whether the order describes a non-failed outcome.
func (o Order) Success() bool {
	return o.Status != OrderStatusFailed
}

// OrderID returns the venue order id or the empty string.
func (o Order) OrderID() string {
	if o.ID == nil {
		return ""
	}
	return *o.ID
}

// FillPrice returns the average fill price when known, otherwise the order price.
func (o Order) FillPrice() (float64, bool) {
	if o.Average != nil && *o.Average != 0 {
		return *o.Average, true
	}
	if o.Price != nil && *o.Price != 0 {
		return *o.Price, true
	}
	return 0, false
}

// FilledOrZero returns the cumulative filled quantity, zero when unknown.
func (o Order) FilledOrZero() decimal.Decimal {
	if o.Filled == nil {
		return decimal.Zero
	}
	return *o.Filled
}

// Ptr returns a pointer to v. Used to populate optional order fields.
func Ptr[T any](v T) *T {
	return &v
}
