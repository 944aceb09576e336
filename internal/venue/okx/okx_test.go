package okx

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/testutil/wsfake"
	"github.com/coachpo/tradegate/internal/venue"
)

var markets = []schema.Market{
	{ID: "BTC-USDT", Symbol: "BTC/USDT", Kind: schema.MarketSpot},
	{ID: "BTC-USDT-SWAP", Symbol: "BTC/USDT:USDT", Kind: schema.MarketLinear},
	{ID: "BTC-USD-SWAP", Symbol: "BTC/USD:BTC", Kind: schema.MarketInverse},
}

type sink struct {
	mu     sync.Mutex
	events map[schema.Topic][]any
}

func newSink(bus *eventbus.Dispatcher) *sink {
	s := &sink{events: make(map[schema.Topic][]any)}
	for _, topic := range []schema.Topic{
		schema.TopicBookL1, schema.TopicBookL2, schema.TopicTrade, schema.TopicKline,
		schema.TopicMarkPrice, schema.TopicIndexPrice, schema.TopicFundingRate,
		schema.TopicOrder, schema.TopicBalance, schema.TopicVenuePosition,
	} {
		bus.Subscribe(topic, eventbus.HandlerFunc(func(_ context.Context, topic schema.Topic, payload any) error {
			s.mu.Lock()
			s.events[topic] = append(s.events[topic], payload)
			s.mu.Unlock()
			return nil
		}))
	}
	return s
}

func (s *sink) get(topic schema.Topic) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.events[topic]...)
}

func newTestDecoder(t *testing.T) (*decoder, *sink) {
	t.Helper()
	bus := eventbus.New()
	s := newSink(bus)
	emit := venue.NewEmitter(exchangeName, bus, schema.NewSymbolMap(markets), nil)
	return newDecoder(emit, 5, observability.Nop()), s
}

func frame(topic, raw string) stream.Frame {
	return stream.Frame{Topic: topic, Raw: []byte(raw), Received: time.Now()}
}

func TestLoginFrameSignature(t *testing.T) {
	creds := Credentials{APIKey: "key", Secret: "secret", Passphrase: "pass"}
	raw, err := loginFrame(creds, time.Unix(1538054050, 0))
	require.NoError(t, err)

	var req loginRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.Equal(t, "login", req.Op)
	require.Len(t, req.Args, 1)
	arg := req.Args[0]
	require.Equal(t, "key", arg.APIKey)
	require.Equal(t, "pass", arg.Passphrase)
	require.Equal(t, "1538054050", arg.Timestamp)
	want := base64.StdEncoding.EncodeToString(venue.Sign("secret", "1538054050GET/users/self/verify"))
	require.Equal(t, want, arg.Sign)
}

func TestProtocolLoginRequiresCompleteCredentials(t *testing.T) {
	login, err := protocol{creds: Credentials{APIKey: "k", Secret: "s"}, login: true}.Login(time.Now())
	require.NoError(t, err)
	require.Nil(t, login)

	login, err = protocol{creds: Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}}.Login(time.Now())
	require.NoError(t, err)
	require.Nil(t, login, "public endpoints never log in")
}

func TestClassify(t *testing.T) {
	p := protocol{}
	cases := []struct {
		raw   string
		kind  stream.InboundKind
		topic string
	}{
		{"pong", stream.InboundControl, ""},
		{"ping", stream.InboundPing, ""},
		{`{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[]}`, stream.InboundData, "bbo-tbt:BTC-USDT"},
		{`{"arg":{"channel":"orders","instType":"ANY","uid":"1"},"data":[]}`, stream.InboundData, "orders:ANY"},
		{`{"arg":{"channel":"account","uid":"1"},"data":[]}`, stream.InboundData, "account"},
		{`{"event":"login","code":"0","msg":"","connId":"a4d3ae55"}`, stream.InboundLoginAck, ""},
		{`{"event":"error","code":"60009","msg":"Login failed."}`, stream.InboundLoginRejected, ""},
		{`{"event":"error","code":"60012","msg":"Invalid request"}`, stream.InboundError, ""},
		{`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT"}}`, stream.InboundControl, ""},
		{`{"event":"notice","code":"64008","msg":"service upgrade"}`, stream.InboundError, ""},
	}
	for _, tc := range cases {
		in, err := p.Classify([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.kind, in.Kind, tc.raw)
		require.Equal(t, tc.topic, in.Topic, tc.raw)
	}
	ping, _ := p.Classify([]byte("ping"))
	require.Equal(t, "pong", string(ping.Reply))

	_, err := p.Classify([]byte("{not json"))
	require.True(t, errs.Is(err, errs.CodeDecode))
}

func TestStreamURL(t *testing.T) {
	require.Equal(t, "wss://ws.okx.com:8443/ws/v5/public", StreamURL(AccountLive, EndpointPublic))
	require.Equal(t, "wss://wsaws.okx.com:8443/ws/v5/private", StreamURL(AccountAWS, EndpointPrivate))
	require.Equal(t, "wss://wspap.okx.com:8443/ws/v5/business", StreamURL(AccountDemo, EndpointBusiness))

	account, err := ParseAccountType(" Demo ")
	require.NoError(t, err)
	require.Equal(t, AccountDemo, account)
	_, err = ParseAccountType("paper")
	require.Error(t, err)
}

func TestBboTBT(t *testing.T) {
	d, s := newTestDecoder(t)
	raw := `{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[{"asks":[["67201.2","2.17537208","0","18"]],"bids":[["67201.1","1.44375999","0","5"]],"ts":"1729594943707","seqId":34209632254}]}`
	require.NoError(t, d.bboTBT(context.Background(), frame("bbo-tbt:BTC-USDT", raw)))

	got := s.get(schema.TopicBookL1)
	require.Len(t, got, 1)
	require.Equal(t, schema.BookL1{
		Exchange:  "okx",
		Symbol:    "BTC/USDT",
		Bid:       67201.1,
		BidSize:   1.44375999,
		Ask:       67201.2,
		AskSize:   2.17537208,
		Timestamp: 1729594943707,
	}, got[0])
}

func TestBboTBTRejectsBadNumbers(t *testing.T) {
	d, _ := newTestDecoder(t)
	raw := `{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[{"asks":[["x","1"]],"bids":[["1","1"]],"ts":"1"}]}`
	err := d.bboTBT(context.Background(), frame("bbo-tbt:BTC-USDT", raw))
	require.True(t, errs.Is(err, errs.CodeDecode))
}

func TestBooks5Snapshot(t *testing.T) {
	d, s := newTestDecoder(t)
	raw := `{"arg":{"channel":"books5","instId":"BTC-USDT-SWAP"},"data":[{"asks":[["101","1","0","1"],["100","2","0","1"]],"bids":[["99","3","0","1"],["98","4","0","1"]],"instId":"BTC-USDT-SWAP","ts":"1700000000000","seqId":5}]}`
	require.NoError(t, d.books5(context.Background(), frame("books5:BTC-USDT-SWAP", raw)))

	got := s.get(schema.TopicBookL2)
	require.Len(t, got, 1)
	book := got[0].(schema.BookL2)
	require.Equal(t, "BTC/USDT:USDT", book.Symbol)
	require.Equal(t, []schema.PriceLevel{{Price: 99, Size: 3}, {Price: 98, Size: 4}}, book.Bids)
	require.Equal(t, []schema.PriceLevel{{Price: 100, Size: 2}, {Price: 101, Size: 1}}, book.Asks)
}

func TestIncrementalBookResyncsOnGap(t *testing.T) {
	d, s := newTestDecoder(t)
	ctx := context.Background()
	resyncs := 0
	resync := func(context.Context) error { resyncs++; return nil }
	topic := "books:BTC-USDT"

	delta := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["99","1","0","1"]],"ts":"2","seqId":11,"prevSeqId":10}]}`
	require.NoError(t, d.orderBook(ctx, frame(topic, delta), resync))
	require.Empty(t, s.get(schema.TopicBookL2), "deltas before the snapshot are dropped")

	snapshot := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["100","2","0","1"]],"bids":[["99","3","0","1"]],"ts":"1","seqId":10,"prevSeqId":-1}]}`
	require.NoError(t, d.orderBook(ctx, frame(topic, snapshot), resync))
	require.NoError(t, d.orderBook(ctx, frame(topic, delta), resync))

	books := s.get(schema.TopicBookL2)
	require.Len(t, books, 2)
	last := books[1].(schema.BookL2)
	require.Equal(t, []schema.PriceLevel{{Price: 99, Size: 1}}, last.Bids)
	require.Equal(t, int64(2), last.Timestamp)
	l1 := s.get(schema.TopicBookL1)
	require.Len(t, l1, 2)
	require.Equal(t, 100.0, l1[1].(schema.BookL1).Ask)

	gap := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[],"bids":[["98","1","0","1"]],"ts":"3","seqId":20,"prevSeqId":15}]}`
	require.NoError(t, d.orderBook(ctx, frame(topic, gap), resync))
	require.Equal(t, 1, resyncs)
	require.Len(t, s.get(schema.TopicBookL2), 2)
	require.False(t, d.books.Get("books:BTC-USDT").Ready())
}

func TestTradesAndCandles(t *testing.T) {
	d, s := newTestDecoder(t)
	ctx := context.Background()
	trades := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"130639474","px":"42219.9","sz":"0.12060306","side":"buy","ts":"1630048897897"}]}`
	require.NoError(t, d.trades(ctx, frame("trades:BTC-USDT", trades)))
	got := s.get(schema.TopicTrade)
	require.Len(t, got, 1)
	require.Equal(t, schema.Trade{
		Exchange: "okx", Symbol: "BTC/USDT", Price: 42219.9, Size: 0.12060306,
		Side: schema.OrderSideBuy, Timestamp: 1630048897897,
	}, got[0])

	candles := `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1629993600000","42500","48199.9","41006.1","41006.1","3587.41204591","166741046.22583129","166741046.22583129","1"]]}`
	require.NoError(t, d.candles(ctx, frame("candle1m:BTC-USDT", candles)))
	klines := s.get(schema.TopicKline)
	require.Len(t, klines, 1)
	kline := klines[0].(schema.Kline)
	require.Equal(t, "1m", kline.Interval)
	require.Equal(t, 42500.0, kline.Open)
	require.Equal(t, 41006.1, kline.Close)
	require.True(t, kline.Confirmed)

	short := `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1629993600000","1"]]}`
	require.True(t, errs.Is(d.candles(ctx, frame("candle1m:BTC-USDT", short)), errs.CodeDecode))
}

func TestDerivativePrices(t *testing.T) {
	d, s := newTestDecoder(t)
	ctx := context.Background()
	mark := `{"arg":{"channel":"mark-price","instId":"BTC-USDT-SWAP"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","markPx":"42310.6","ts":"1630049139746"}]}`
	require.NoError(t, d.markPrice(ctx, frame("mark-price:BTC-USDT-SWAP", mark)))
	require.Equal(t, schema.MarkPrice{Exchange: "okx", Symbol: "BTC/USDT:USDT", Price: 42310.6, Timestamp: 1630049139746},
		s.get(schema.TopicMarkPrice)[0])

	index := `{"arg":{"channel":"index-tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","idxPx":"42300.1","ts":"1630049139746"}]}`
	require.NoError(t, d.indexTickers(func() []string { return []string{"BTC/USDT:USDT"} })(ctx, frame("index-tickers:BTC-USDT", index)))
	require.Equal(t, schema.IndexPrice{Exchange: "okx", Symbol: "BTC/USDT:USDT", Price: 42300.1, Timestamp: 1630049139746},
		s.get(schema.TopicIndexPrice)[0])

	funding := `{"arg":{"channel":"funding-rate","instId":"BTC-USD-SWAP"},"data":[{"fundingRate":"0.0001875391284828","fundingTime":"1700726400000","instId":"BTC-USD-SWAP","instType":"SWAP","nextFundingTime":"1700755200000","ts":"1700724675402"}]}`
	require.NoError(t, d.fundingRate(ctx, frame("funding-rate:BTC-USD-SWAP", funding)))
	rate := s.get(schema.TopicFundingRate)[0].(schema.FundingRate)
	require.Equal(t, "BTC/USD:BTC", rate.Symbol)
	require.Equal(t, 0.0001875391284828, rate.Rate)
	require.Equal(t, int64(1700724675402), rate.Timestamp)
	require.Equal(t, int64(1700755200000), rate.NextFundingTime)
}

func TestOrders(t *testing.T) {
	d, s := newTestDecoder(t)
	raw := `{"arg":{"channel":"orders","instType":"ANY","uid":"1"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","ordId":"312269865356374016","clOrdId":"b1","px":"65000","sz":"0.5","ordType":"limit","side":"buy","posSide":"net","accFillSz":"0.2","fillPx":"64990","fillSz":"0.2","avgPx":"64990","state":"partially_filled","fee":"-0.1","feeCcy":"USDT","reduceOnly":"false","uTime":"1597026383085"}]}`
	require.NoError(t, d.orders(context.Background(), frame("orders:ANY", raw)))

	got := s.get(schema.TopicOrder)
	require.Len(t, got, 1)
	order := got[0].(schema.Order)
	require.Equal(t, "BTC/USDT:USDT", order.Symbol)
	require.Equal(t, schema.OrderStatusPartiallyFilled, order.Status)
	require.Equal(t, "312269865356374016", order.OrderID())
	require.Equal(t, schema.OrderSideBuy, *order.Side)
	require.Equal(t, schema.OrderTypeLimit, *order.Type)
	require.Equal(t, schema.TimeInForceGTC, *order.TimeInForce)
	require.Equal(t, schema.PositionSideFlat, *order.PositionSide)
	require.True(t, decimal.RequireFromString("0.2").Equal(*order.Filled))
	require.True(t, decimal.RequireFromString("0.3").Equal(*order.Remaining))
	require.Equal(t, 64990.0, *order.Average)
	require.Equal(t, 64990.0, *order.LastFilledPrice)
	require.Equal(t, "USDT", *order.FeeCurrency)
	require.False(t, *order.ReduceOnly)
	require.Equal(t, int64(1597026383085), *order.Timestamp)

	live := `{"arg":{"channel":"orders","instType":"ANY"},"data":[{"instId":"BTC-USDT","ordId":"1","sz":"1","ordType":"ioc","side":"sell","accFillSz":"0","state":"live","uTime":"1"}]}`
	require.NoError(t, d.orders(context.Background(), frame("orders:ANY", live)))
	order = s.get(schema.TopicOrder)[1].(schema.Order)
	require.Equal(t, schema.OrderStatusAccepted, order.Status)
	require.Equal(t, schema.TimeInForceIOC, *order.TimeInForce)
	require.Nil(t, order.Average)

	unknown := `{"arg":{"channel":"orders","instType":"ANY"},"data":[{"instId":"BTC-USDT","ordId":"1","state":"zombie"}]}`
	require.True(t, errs.Is(d.orders(context.Background(), frame("orders:ANY", unknown)), errs.CodeDecode))
}

func TestFillsCarryNoCumulativeQuantity(t *testing.T) {
	d, s := newTestDecoder(t)
	raw := `{"arg":{"channel":"fills"},"data":[{"instId":"BTC-USDT-SWAP","fillSz":"100","fillPx":"70000","side":"buy","ts":"1705449605015","ordId":"680800019749904384","clOrdId":"1234567890"}]}`
	require.NoError(t, d.fills(context.Background(), frame("fills", raw)))
	order := s.get(schema.TopicOrder)[0].(schema.Order)
	require.Nil(t, order.Filled)
	require.True(t, decimal.NewFromInt(100).Equal(*order.LastFilled))
	require.Equal(t, 70000.0, *order.LastFilledPrice)
}

func TestAccountAndPositions(t *testing.T) {
	d, s := newTestDecoder(t)
	ctx := context.Background()
	account := `{"arg":{"channel":"account","uid":"1"},"data":[{"uTime":"1705564223311","details":[{"ccy":"USDT","availBal":"100.5","cashBal":"120","frozenBal":"19.5","liab":"-3","uTime":"1705564213903"}]}]}`
	require.NoError(t, d.account(ctx, frame("account", account)))
	balance := s.get(schema.TopicBalance)[0].(schema.AccountBalance)
	require.Equal(t, "USDT", balance.Asset)
	require.True(t, decimal.RequireFromString("100.5").Equal(balance.Free))
	require.True(t, decimal.RequireFromString("19.5").Equal(balance.Locked))
	require.True(t, decimal.NewFromInt(3).Equal(balance.Borrowed))
	require.Equal(t, int64(1705564213903), balance.Timestamp)

	positions := `{"arg":{"channel":"positions","instType":"ANY"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","pos":"-2","posSide":"net","avgPx":"41000","upl":"-12.5","uTime":"1705564223311"}]}`
	require.NoError(t, d.positions(ctx, frame("positions:ANY", positions)))
	position := s.get(schema.TopicVenuePosition)[0].(schema.VenuePosition)
	require.Equal(t, "BTC/USDT:USDT", position.Symbol)
	require.Equal(t, schema.PositionSideFlat, position.Side)
	require.True(t, decimal.NewFromInt(-2).Equal(position.Amount))
	require.Equal(t, -12.5, position.UnrealizedPnL)
}

func TestMarketKind(t *testing.T) {
	require.Equal(t, schema.MarketSpot, marketKind("BTC-USDT"))
	require.Equal(t, schema.MarketLinear, marketKind("BTC-USDT-SWAP"))
	require.Equal(t, schema.MarketInverse, marketKind("BTC-USD-SWAP"))
	require.Equal(t, schema.MarketInverse, marketKind("BTC-USD-241227"))
}

func TestParsePlaceResponse(t *testing.T) {
	ok := `{"code":"0","msg":"","data":[{"clOrdId":"oktswap6","ordId":"312269865356374016","tag":"","ts":"1695190491421","sCode":"0","sMsg":""}],"inTime":"1695190491421339","outTime":"1695190491423240"}`
	resp, err := ParsePlaceResponse([]byte(ok))
	require.NoError(t, err)
	require.Equal(t, "312269865356374016", *resp.ID)
	require.Equal(t, "oktswap6", *resp.ClientOrderID)
	require.Equal(t, int64(1695190491421), *resp.Timestamp)

	failed := `{"code":"1","msg":"Operation failed.","data":[{"clOrdId":"","ordId":"","sCode":"51008","sMsg":"Order failed. Insufficient USDT balance","ts":"1695190491421"}]}`
	_, err = ParsePlaceResponse([]byte(failed))
	require.True(t, errs.Is(err, errs.CodeExchange))
	require.Equal(t, errs.CanonicalInsufficientBalance, errs.CanonicalOf(err))

	_, err = ParseCancelResponse([]byte(`{"code":"50011","msg":"Too Many Requests","data":[]}`))
	require.Equal(t, errs.CanonicalRateLimited, errs.CanonicalOf(err))

	_, err = ParseCancelResponse([]byte(`{`))
	require.True(t, errs.Is(err, errs.CodeDecode))
}

func TestConnectorStreamsToBus(t *testing.T) {
	bus := eventbus.New()
	s := newSink(bus)
	dialer := wsfake.NewDialer()
	conn := New(Config{}, bus, schema.NewSymbolMap(markets), venue.WithDialer(dialer))
	t.Cleanup(func() { require.NoError(t, conn.Close()) })

	ctx := context.Background()
	require.NoError(t, conn.SubscribeBookL1(ctx, "BTC/USDT"))
	require.NoError(t, conn.SubscribeBookL1(ctx, "BTC/USDT"))

	ws := dialer.Next(2 * time.Second)
	require.NotNil(t, ws)
	require.Equal(t, "wss://ws.okx.com:8443/ws/v5/public", ws.URL)
	writes := ws.WaitWrites(1, 2*time.Second)
	require.Len(t, writes, 1)
	var req wsRequest
	require.NoError(t, json.Unmarshal([]byte(writes[0]), &req))
	require.Equal(t, "subscribe", req.Op)
	require.Len(t, req.ID, 32)
	require.Equal(t, []wsArg{{Channel: "bbo-tbt", InstID: "BTC-USDT"}}, req.Args)

	ws.Push(`{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[{"asks":[["2","1","0","1"]],"bids":[["1","1","0","1"]],"ts":"1"}]}`)
	require.Eventually(t, func() bool { return len(s.get(schema.TopicBookL1)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"public"}, conn.Sessions().Keys())
}

func TestIndexPriceFansOutToEverySymbol(t *testing.T) {
	bus := eventbus.New()
	s := newSink(bus)
	dialer := wsfake.NewDialer()
	conn := New(Config{}, bus, schema.NewSymbolMap(markets), venue.WithDialer(dialer))
	t.Cleanup(func() { require.NoError(t, conn.Close()) })

	ctx := context.Background()
	require.NoError(t, conn.SubscribeIndexPrice(ctx, "BTC/USDT"))
	require.NoError(t, conn.SubscribeIndexPrice(ctx, "BTC/USDT:USDT"))
	require.NoError(t, conn.SubscribeIndexPrice(ctx, "BTC/USDT:USDT"))

	ws := dialer.Next(2 * time.Second)
	require.NotNil(t, ws)
	writes := ws.WaitWrites(1, 2*time.Second)
	require.Len(t, writes, 1)
	require.Contains(t, writes[0], `"channel":"index-tickers"`)

	ws.Push(`{"arg":{"channel":"index-tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","idxPx":"42300.1","ts":"1630049139746"}]}`)
	require.Eventually(t, func() bool { return len(s.get(schema.TopicIndexPrice)) == 2 }, 2*time.Second, 10*time.Millisecond)
	var symbols []string
	for _, ev := range s.get(schema.TopicIndexPrice) {
		symbols = append(symbols, ev.(schema.IndexPrice).Symbol)
	}
	require.Equal(t, []string{"BTC/USDT", "BTC/USDT:USDT"}, symbols)
}

func TestConnectorPrivateStreamsNeedCredentials(t *testing.T) {
	conn := New(Config{}, nil, nil, venue.WithDialer(wsfake.NewDialer()))
	defer conn.Close()

	err := conn.SubscribeOrders(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))
	require.Equal(t, errs.CanonicalMissingCredential, errs.CanonicalOf(err))

	err = conn.SubscribeOrderBook(context.Background(), "BTC/USDT", true)
	require.Equal(t, errs.CanonicalMissingCredential, errs.CanonicalOf(err))

	require.True(t, errs.Is(conn.SubscribeTrade(context.Background(), " "), errs.CodeInvalid))
	require.True(t, errs.Is(conn.SubscribeKline(context.Background(), "BTC/USDT", ""), errs.CodeInvalid))
}

func TestConnectorLogsInBeforeSubscribing(t *testing.T) {
	dialer := wsfake.NewDialer()
	creds := Credentials{APIKey: "k", Secret: "s", Passphrase: "p"}
	conn := New(Config{Credentials: creds}, eventbus.New(), nil, venue.WithDialer(dialer))
	defer conn.Close()

	require.NoError(t, conn.SubscribeAccount(context.Background()))
	ws := dialer.Next(2 * time.Second)
	require.NotNil(t, ws)
	require.Equal(t, "wss://ws.okx.com:8443/ws/v5/private", ws.URL)

	writes := ws.WaitWrites(1, 2*time.Second)
	require.Contains(t, writes[0], `"op":"login"`)
	ws.Push(`{"event":"login","code":"0","msg":""}`)

	writes = ws.WaitWrites(2, 2*time.Second)
	require.Len(t, writes, 2)
	require.Contains(t, writes[1], `"channel":"account"`)
}
