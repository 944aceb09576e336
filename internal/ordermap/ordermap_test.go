package ordermap

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

func limitRequest() Request {
	return Request{
		Exchange:      "okx",
		Symbol:        "BTC/USDT:USDT",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeLimit,
		Amount:        decimal.RequireFromString("0.01"),
		Price:         schema.Ptr(65000.0),
		ClientOrderID: "local-1",
	}
}

func TestPlacementSuccessKeepsRequestParams(t *testing.T) {
	m := New(nil)
	resp := Response{
		ID:            schema.Ptr("1862325188513431552"),
		ClientOrderID: schema.Ptr("e847386590ce4dBC143d3105bb6368c4"),
		Price:         schema.Ptr(1.0),
		Timestamp:     schema.Ptr(int64(1728004015658)),
	}
	order, err := m.MapPlacement(limitRequest(), resp, nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusNew, order.Status)
	require.True(t, order.Success())
	require.Equal(t, "1862325188513431552", order.OrderID())
	require.Equal(t, "e847386590ce4dBC143d3105bb6368c4", *order.ClientOrderID)
	require.Equal(t, 65000.0, *order.Price)
	require.Equal(t, schema.OrderSideBuy, *order.Side)
	require.True(t, decimal.RequireFromString("0.01").Equal(*order.Amount))
	require.Nil(t, order.Filled)
	require.Equal(t, int64(1728004015658), *order.Timestamp)
}

func TestMarketPlacementIsFilledImmediately(t *testing.T) {
	req := limitRequest()
	req.Type = schema.OrderTypeMarket
	req.Price = nil
	order, err := New(nil).MapPlacement(req, Response{ID: schema.Ptr("9")}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusNew, order.Status)
	require.True(t, order.Amount.Equal(*order.Filled))
	require.Nil(t, order.Price)
}

func TestPlacementVenueFailure(t *testing.T) {
	rec := observability.NewRecorder()
	venueErr := errs.New("okx", errs.CodeExchange, errs.WithRawCode("51008"), errs.WithRawMessage("insufficient balance"))
	order, err := New(rec).MapPlacement(limitRequest(), Response{ID: schema.Ptr("ignored")}, venueErr)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFailed, order.Status)
	require.False(t, order.Success())
	require.Nil(t, order.ID)
	require.Equal(t, "BTC/USDT:USDT", order.Symbol)
	require.Equal(t, 65000.0, *order.Price)
	require.Equal(t, schema.OrderTypeLimit, *order.Type)
	require.Equal(t, 1, rec.Count("error", "order placement failed"))
}

func TestPlacementProgrammerErrors(t *testing.T) {
	m := New(nil)
	cases := map[string]func(*Request){
		"missing exchange": func(r *Request) { r.Exchange = "" },
		"missing symbol":   func(r *Request) { r.Symbol = " " },
		"bad side":         func(r *Request) { r.Side = "hold" },
		"zero amount":      func(r *Request) { r.Amount = decimal.Zero },
		"limit no price":   func(r *Request) { r.Price = nil },
		"missing type":     func(r *Request) { r.Type = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := limitRequest()
			mutate(&req)
			_, err := m.MapPlacement(req, Response{}, nil)
			require.True(t, errs.Is(err, errs.CodeInvalid))
		})
	}
}

func TestCancel(t *testing.T) {
	m := New(nil)
	req := CancelRequest{Exchange: "bybit", Symbol: "BTC/USDT:USDT", ID: "abc"}

	order, err := m.MapCancel(req, Response{Timestamp: schema.Ptr(int64(1))}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCanceled, order.Status)
	require.Equal(t, "abc", order.OrderID())

	order, err = m.MapCancel(req, Response{}, errors.New("timeout"))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFailed, order.Status)
	require.Equal(t, "abc", order.OrderID())

	_, err = m.MapCancel(CancelRequest{Exchange: "bybit", Symbol: "BTC/USDT:USDT"}, Response{}, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
