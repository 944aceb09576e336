package binance

import (
	"strconv"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ordermap"
	"github.com/coachpo/tradegate/internal/venue"
)

// orderAck covers spot (cummulativeQuoteQty, transactTime) and futures (cumQuote, avgPrice,
// updateTime) order responses as well as the {"code","msg"} error body.
type orderAck struct {
	Code                *int   `json:"code"`
	Msg                 string `json:"msg"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Price               string `json:"price"`
	AvgPrice            string `json:"avgPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	CumQuote            string `json:"cumQuote"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

var canonicalCodes = map[int]errs.CanonicalCode{
	-1003: errs.CanonicalRateLimited,
	-1015: errs.CanonicalRateLimited,
	-1121: errs.CanonicalInvalidSymbol,
	-2010: errs.CanonicalVenueRejected,
	-2011: errs.CanonicalOrderNotFound,
	-2013: errs.CanonicalOrderNotFound,
	-2018: errs.CanonicalInsufficientBalance,
	-2019: errs.CanonicalInsufficientBalance,
}

// ParsePlaceResponse decodes a POST /api/v3/order (or /fapi/v1/order) body. An error body is
// returned as the venue error.
func ParsePlaceResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "place order")
}

// ParseCancelResponse decodes a DELETE order body.
func ParseCancelResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "cancel order")
}

func parseAck(body []byte, what string) (ordermap.Response, error) {
	var ack orderAck
	if err := venue.Decode(exchangeName, what, body, &ack); err != nil {
		return ordermap.Response{}, err
	}
	if ack.Code != nil && *ack.Code != 0 {
		return ordermap.Response{}, rejection(*ack.Code, ack.Msg)
	}

	var f venue.Fields
	resp := ordermap.Response{}
	if ack.OrderID != 0 {
		resp.ID = schema.Ptr(strconv.FormatInt(ack.OrderID, 10))
	}
	if ack.ClientOrderID != "" {
		resp.ClientOrderID = schema.Ptr(ack.ClientOrderID)
	}
	if status, ok := orderStatuses[ack.Status]; ok {
		resp.Status = &status
	}
	if tif, ok := schema.ParseTimeInForce(ack.TimeInForce); ok {
		resp.TimeInForce = &tif
	}
	if price := f.Float(ack.Price); price != 0 {
		resp.Price = &price
	}
	if ack.ExecutedQty != "" {
		filled := f.Decimal(ack.ExecutedQty)
		resp.Filled = &filled
		if ack.OrigQty != "" {
			remaining := f.Decimal(ack.OrigQty).Sub(filled)
			resp.Remaining = &remaining
		}
	}
	quote := ack.CummulativeQuoteQty
	if quote == "" {
		quote = ack.CumQuote
	}
	if quote != "" {
		cost := f.Float(quote)
		resp.Cost = &cost
		if resp.Filled != nil && !resp.Filled.IsZero() {
			resp.Average = schema.Ptr(cost / resp.Filled.InexactFloat64())
		}
	}
	if avg := f.Float(ack.AvgPrice); avg != 0 {
		resp.Average = &avg
	}
	if ts := firstNonZero(ack.TransactTime, ack.UpdateTime); ts != 0 {
		resp.Timestamp = &ts
	}
	if err := f.Err(); err != nil {
		return ordermap.Response{}, venue.DecodeError(exchangeName, what, err)
	}
	return resp, nil
}

func rejection(code int, msg string) error {
	canonical, ok := canonicalCodes[code]
	if !ok {
		canonical = errs.CanonicalVenueRejected
	}
	kind := errs.CodeExchange
	if canonical == errs.CanonicalRateLimited {
		kind = errs.CodeRateLimited
	}
	return errs.New(exchangeName, kind,
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithRawMessage(msg),
		errs.WithCanonicalCode(canonical))
}
