package venue

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/orderbook"
	"github.com/coachpo/tradegate/internal/stream"
)

func TestFieldsKeepFirstError(t *testing.T) {
	var f Fields
	require.Equal(t, 1.5, f.Float("1.5"))
	require.True(t, decimal.RequireFromString("0.25").Equal(f.Decimal("0.25")))
	require.Equal(t, int64(0), f.Int(""))
	require.NoError(t, f.Err())

	f.Float("x")
	f.Int("y")
	require.ErrorContains(t, f.Err(), `"x"`)
}

func TestDecodeWrapsFailures(t *testing.T) {
	var v struct{ A int }
	err := Decode("okx", "trade", []byte("{"), &v)
	require.True(t, errs.Is(err, errs.CodeDecode))
}

func TestLevels(t *testing.T) {
	got := Levels([][]string{{"1", "2", "0", "4"}, {"bad"}, {"3", "4"}})
	require.Equal(t, []orderbook.Level{{Price: "1", Size: "2"}, {Price: "3", Size: "4"}}, got)
}

func TestSign(t *testing.T) {
	// RFC 4231 test case 2.
	sum := Sign("Jefe", "what do ya want for nothing?")
	require.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(sum))
}

func TestEmitterFallsBackToWireID(t *testing.T) {
	bus := eventbus.New()
	var got []schema.Trade
	eventbus.On(bus, schema.TopicTrade, func(_ context.Context, trade schema.Trade) error {
		got = append(got, trade)
		return nil
	})
	symbols := schema.NewSymbolMap([]schema.Market{{ID: "BTC-USDT", Symbol: "BTC/USDT", Kind: schema.MarketSpot}})
	emit := NewEmitter("okx", bus, symbols, nil)

	require.Equal(t, "BTC/USDT", emit.Symbol("BTC-USDT", schema.MarketSpot))
	require.Equal(t, "BTC-USDT", emit.Symbol("BTC-USDT", schema.MarketLinear))

	emit.Publish(context.Background(), schema.TopicTrade, schema.Trade{Exchange: "okx"})
	require.Len(t, got, 1)

	NewEmitter("okx", nil, nil, nil).Publish(context.Background(), schema.TopicTrade, schema.Trade{})
}

type stubProtocol struct{}

func (stubProtocol) Venue() string                           { return "okx" }
func (stubProtocol) CanAuthenticate() bool                   { return false }
func (stubProtocol) Login(time.Time) ([]byte, error)         { return nil, nil }
func (stubProtocol) AcksLogin() bool                         { return false }
func (stubProtocol) Ping() []byte                            { return nil }
func (stubProtocol) PingInterval() time.Duration             { return 0 }
func (stubProtocol) Classify([]byte) (stream.Inbound, error) { return stream.Inbound{}, nil }

func TestSessionsLazyAndClose(t *testing.T) {
	built := 0
	set := NewSessions("okx", func(key string) (*stream.Session, error) {
		built++
		return stream.NewSession(stream.Config{URL: "ws://" + key}, stubProtocol{}), nil
	}, nil)
	require.Equal(t, 0, built)

	a, err := set.Get("public")
	require.NoError(t, err)
	b, err := set.Get("public")
	require.NoError(t, err)
	require.Same(t, a, b)
	_, err = set.Get("private")
	require.NoError(t, err)
	require.Equal(t, 2, built)
	require.Equal(t, []string{"private", "public"}, set.Keys())

	require.NoError(t, set.Close())
	require.NoError(t, set.Close())
	require.Equal(t, stream.StateClosed, a.State())

	_, err = set.Get("business")
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
