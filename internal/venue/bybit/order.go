package bybit

import (
	"strconv"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ordermap"
	"github.com/coachpo/tradegate/internal/venue"
)

type orderAck struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	} `json:"result"`
	Time int64 `json:"time"`
}

var canonicalCodes = map[int]errs.CanonicalCode{
	10006:  errs.CanonicalRateLimited,
	110001: errs.CanonicalOrderNotFound,
	110007: errs.CanonicalInsufficientBalance,
	170131: errs.CanonicalInsufficientBalance,
	10001:  errs.CanonicalVenueRejected,
}

// ParsePlaceResponse decodes a /v5/order/create body. A non-zero retCode is returned as the
// venue error.
func ParsePlaceResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "place order")
}

// ParseCancelResponse decodes a /v5/order/cancel body.
func ParseCancelResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "cancel order")
}

func parseAck(body []byte, what string) (ordermap.Response, error) {
	var ack orderAck
	if err := venue.Decode(exchangeName, what, body, &ack); err != nil {
		return ordermap.Response{}, err
	}
	if ack.RetCode != 0 {
		canonical, ok := canonicalCodes[ack.RetCode]
		if !ok {
			canonical = errs.CanonicalVenueRejected
		}
		code := errs.CodeExchange
		if canonical == errs.CanonicalRateLimited {
			code = errs.CodeRateLimited
		}
		return ordermap.Response{}, errs.New(exchangeName, code,
			errs.WithRawCode(strconv.Itoa(ack.RetCode)),
			errs.WithRawMessage(ack.RetMsg),
			errs.WithCanonicalCode(canonical))
	}
	resp := ordermap.Response{}
	if ack.Result.OrderID != "" {
		resp.ID = schema.Ptr(ack.Result.OrderID)
	}
	if ack.Result.OrderLinkID != "" {
		resp.ClientOrderID = schema.Ptr(ack.Result.OrderLinkID)
	}
	if ack.Time != 0 {
		resp.Timestamp = schema.Ptr(ack.Time)
	}
	return resp, nil
}
