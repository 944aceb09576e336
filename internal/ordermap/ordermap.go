// Package ordermap turns order placement and cancellation outcomes into canonical orders.
package ordermap

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

// Request holds the locally known parameters of a placement.
type Request struct {
	Exchange      string
	Symbol        string
	Side          schema.OrderSide
	Type          schema.OrderType
	Amount        decimal.Decimal
	Price         *float64
	TimeInForce   *schema.TimeInForce
	ReduceOnly    bool
	PositionSide  *schema.PositionSide
	ClientOrderID string
}

// CancelRequest identifies the order to cancel.
type CancelRequest struct {
	Exchange string
	Symbol   string
	ID       string
}

// Response is the venue acknowledgement. Venues fill in whatever subset they return.
type Response struct {
	ID            *string
	ClientOrderID *string
	Status        *schema.OrderStatus
	TimeInForce   *schema.TimeInForce
	Price         *float64
	Average       *float64
	Filled        *decimal.Decimal
	Remaining     *decimal.Decimal
	Cost          *float64
	Fee           *float64
	FeeCurrency   *string
	Timestamp     *int64
}

// Mapper merges requests, responses and venue failures.
type Mapper struct {
	logger observability.Logger
}

// New constructs a Mapper.
func New(logger observability.Logger) *Mapper {
	return &Mapper{logger: observability.OrNop(logger).With(observability.F("component", "ordermap"))}
}

// MapPlacement builds the canonical order for a placement. Invalid requests return an error
// and no order; a venue failure yields a failed order without id.
func (m *Mapper) MapPlacement(req Request, resp Response, venueErr error) (schema.Order, error) {
	if err := validatePlacement(req); err != nil {
		return schema.Order{}, err
	}

	orderType := req.Type
	side := req.Side
	amount := req.Amount
	order := schema.Order{
		Exchange:     req.Exchange,
		Symbol:       req.Symbol,
		Type:         &orderType,
		Side:         &side,
		Amount:       &amount,
		Price:        copyFloat(req.Price),
		TimeInForce:  req.TimeInForce,
		ReduceOnly:   schema.Ptr(req.ReduceOnly),
		PositionSide: req.PositionSide,
	}
	if req.ClientOrderID != "" {
		order.ClientOrderID = schema.Ptr(req.ClientOrderID)
	}

	if venueErr != nil {
		m.logger.Error("order placement failed",
			observability.F("exchange", req.Exchange),
			observability.F("symbol", req.Symbol),
			observability.F("side", string(req.Side)),
			observability.F("type", string(req.Type)),
			observability.F("amount", req.Amount.String()),
			observability.Err(venueErr))
		order.Status = schema.OrderStatusFailed
		return order, nil
	}

	order.ID = resp.ID
	if resp.ClientOrderID != nil {
		order.ClientOrderID = resp.ClientOrderID
	}
	if order.TimeInForce == nil {
		order.TimeInForce = resp.TimeInForce
	}
	if order.Price == nil {
		order.Price = resp.Price
	}
	order.Average = resp.Average
	order.Filled = resp.Filled
	order.Remaining = resp.Remaining
	order.Cost = resp.Cost
	order.Fee = resp.Fee
	order.FeeCurrency = resp.FeeCurrency
	order.Timestamp = resp.Timestamp

	order.Status = schema.OrderStatusNew
	if req.Type == schema.OrderTypeMarket {
		filled := req.Amount
		order.Filled = &filled
	}
	return order, nil
}

// MapCancel builds the canonical order for a cancellation. A venue failure yields a failed order
// echoing the requested id.
func (m *Mapper) MapCancel(req CancelRequest, resp Response, venueErr error) (schema.Order, error) {
	if err := validateCancel(req); err != nil {
		return schema.Order{}, err
	}
	order := schema.Order{
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		ID:       schema.Ptr(req.ID),
	}
	if venueErr != nil {
		m.logger.Error("order cancel failed",
			observability.F("exchange", req.Exchange),
			observability.F("symbol", req.Symbol),
			observability.F("id", req.ID),
			observability.Err(venueErr))
		order.Status = schema.OrderStatusFailed
		return order, nil
	}
	order.ClientOrderID = resp.ClientOrderID
	order.Average = resp.Average
	order.Filled = resp.Filled
	order.Remaining = resp.Remaining
	order.Cost = resp.Cost
	order.Timestamp = resp.Timestamp
	order.Status = schema.OrderStatusCanceled
	return order, nil
}

func validatePlacement(req Request) error {
	invalid := func(msg string) error {
		return errs.New(req.Exchange, errs.CodeInvalid, errs.WithMessage(msg))
	}
	switch {
	case strings.TrimSpace(req.Exchange) == "":
		return invalid("exchange required")
	case strings.TrimSpace(req.Symbol) == "":
		return invalid("symbol required")
	case req.Side != schema.OrderSideBuy && req.Side != schema.OrderSideSell:
		return invalid("side must be buy or sell")
	case req.Amount.Sign() <= 0:
		return invalid("amount must be positive")
	case req.Type == "":
		return invalid("order type required")
	case req.Type != schema.OrderTypeMarket && (req.Price == nil || *req.Price <= 0):
		return invalid(string(req.Type) + " order requires a positive price")
	}
	return nil
}

func validateCancel(req CancelRequest) error {
	invalid := func(msg string) error {
		return errs.New(req.Exchange, errs.CodeInvalid, errs.WithMessage(msg))
	}
	switch {
	case strings.TrimSpace(req.Exchange) == "":
		return invalid("exchange required")
	case strings.TrimSpace(req.Symbol) == "":
		return invalid("symbol required")
	case strings.TrimSpace(req.ID) == "":
		return invalid("order id required")
	}
	return nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
