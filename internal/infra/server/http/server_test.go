package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ledger"
	"github.com/coachpo/tradegate/internal/marketdata"
)

func fixture(t *testing.T) http.Handler {
	t.Helper()
	l := ledger.New("s1")
	l.Apply(schema.Order{
		Exchange:     "okx",
		Symbol:       "BTC/USDT:USDT",
		Status:       schema.OrderStatusFilled,
		ID:           schema.Ptr("o1"),
		Side:         schema.Ptr(schema.OrderSideBuy),
		Filled:       schema.Ptr(decimal.RequireFromString("0.5")),
		Average:      schema.Ptr(100.0),
		PositionSide: schema.Ptr(schema.PositionSideFlat),
	})
	require.NoError(t, l.UpdateFree("okx", "USDT", decimal.RequireFromString("250")))

	agg := marketdata.New()
	agg.UpdateBookL1(context.Background(), schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 1, Ask: 2})
	return NewHandler("dev", l, agg)
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := get(t, fixture(t), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dev", body["environment"])
	snapshots := body["snapshots"].(map[string]any)
	assert.Equal(t, 1.0, snapshots["bookl1"])
}

func TestPositionsFilterByExchange(t *testing.T) {
	h := fixture(t)
	rec, body := get(t, h, "/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", body["strategy"])
	require.Len(t, body["positions"], 1)

	_, body = get(t, h, "/positions?exchange=bybit")
	assert.Empty(t, body["positions"])
}

func TestAssetsNeedExchange(t *testing.T) {
	h := fixture(t)
	rec, _ := get(t, h, "/assets")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := get(t, h, "/assets?exchange=okx")
	require.Equal(t, http.StatusOK, rec.Code)
	assets := body["assets"].([]any)
	require.Len(t, assets, 1)
	assert.Equal(t, "USDT", assets[0].(map[string]any)["asset"])
}

func TestMarketData(t *testing.T) {
	h := fixture(t)
	q := url.Values{"kind": {"bookl1"}, "exchange": {"okx"}, "symbol": {"BTC/USDT"}}
	rec, body := get(t, h, "/marketdata?"+q.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC/USDT", body["symbol"])

	q.Set("kind", "trade")
	rec, _ = get(t, h, "/marketdata?"+q.Encode())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, "/marketdata?kind=bookl1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	fixture(t).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/positions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestMissingSourcesAnswerUnavailable(t *testing.T) {
	h := NewHandler("dev", nil, nil)
	rec, _ := get(t, h, "/positions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = get(t, h, "/marketdata?kind=bookl1&exchange=okx&symbol=x")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}
