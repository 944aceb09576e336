package okx

import (
	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ordermap"
	"github.com/coachpo/tradegate/internal/venue"
)

type orderAck struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
		TS      string `json:"ts"`
	} `json:"data"`
}

// venue codes with a canonical meaning.
var canonicalCodes = map[string]errs.CanonicalCode{
	"51008": errs.CanonicalInsufficientBalance,
	"51001": errs.CanonicalInvalidSymbol,
	"51400": errs.CanonicalOrderNotFound,
	"51603": errs.CanonicalOrderNotFound,
	"50011": errs.CanonicalRateLimited,
}

// ParsePlaceResponse decodes a /api/v5/trade/order body. A non-zero sCode is returned as the
// venue error, ready for ordermap.Mapper.MapPlacement.
func ParsePlaceResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "place order")
}

// ParseCancelResponse decodes a /api/v5/trade/cancel-order body.
func ParseCancelResponse(body []byte) (ordermap.Response, error) {
	return parseAck(body, "cancel order")
}

func parseAck(body []byte, what string) (ordermap.Response, error) {
	var ack orderAck
	if err := venue.Decode(exchangeName, what, body, &ack); err != nil {
		return ordermap.Response{}, err
	}
	if len(ack.Data) == 0 {
		if ack.Code != "0" {
			return ordermap.Response{}, rejection(ack.Code, ack.Msg)
		}
		return ordermap.Response{}, errs.New(exchangeName, errs.CodeDecode, errs.WithMessage(what+": empty data"))
	}
	item := ack.Data[0]
	if item.SCode != "" && item.SCode != "0" {
		return ordermap.Response{}, rejection(item.SCode, item.SMsg)
	}
	if ack.Code != "" && ack.Code != "0" {
		return ordermap.Response{}, rejection(ack.Code, ack.Msg)
	}
	resp := ordermap.Response{}
	if item.OrdID != "" {
		resp.ID = schema.Ptr(item.OrdID)
	}
	if item.ClOrdID != "" {
		resp.ClientOrderID = schema.Ptr(item.ClOrdID)
	}
	if item.TS != "" {
		ts, err := venue.Int(item.TS)
		if err != nil {
			return ordermap.Response{}, venue.DecodeError(exchangeName, what, err)
		}
		resp.Timestamp = &ts
	}
	return resp, nil
}

func rejection(code, msg string) error {
	canonical, ok := canonicalCodes[code]
	if !ok {
		canonical = errs.CanonicalVenueRejected
	}
	return errs.New(exchangeName, errs.CodeExchange,
		errs.WithRawCode(code),
		errs.WithRawMessage(msg),
		errs.WithCanonicalCode(canonical))
}
