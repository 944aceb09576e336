package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

func TestLastWriteWins(t *testing.T) {
	agg := New()
	ctx := context.Background()
	agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 1, Ask: 2, Timestamp: 1})
	agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 3, Ask: 4, Timestamp: 2})
	agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "bybit", Symbol: "BTC/USDT", Bid: 5, Ask: 6, Timestamp: 3})

	book, ok := agg.BookL1("okx", "BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 3.0, book.Bid)
	assert.Equal(t, 2, agg.Len(KindBookL1))

	_, ok = agg.BookL1("binance", "BTC/USDT")
	assert.False(t, ok)
	_, ok = agg.Trade("okx", "BTC/USDT")
	assert.False(t, ok)
}

func TestAttachCoversEveryKind(t *testing.T) {
	bus := eventbus.New()
	agg := New()
	ids := agg.Attach(bus)
	require.Len(t, ids, 7)

	ctx := context.Background()
	bus.Publish(ctx, schema.TopicBookL1, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 1})
	bus.Publish(ctx, schema.TopicBookL2, schema.BookL2{Exchange: "okx", Symbol: "BTC/USDT", Bids: []schema.PriceLevel{{Price: 1, Size: 2}}})
	bus.Publish(ctx, schema.TopicTrade, schema.Trade{Exchange: "okx", Symbol: "BTC/USDT", Price: 7})
	bus.Publish(ctx, schema.TopicKline, schema.Kline{Exchange: "okx", Symbol: "BTC/USDT", Interval: "1m", Close: 8})
	bus.Publish(ctx, schema.TopicMarkPrice, schema.MarkPrice{Exchange: "okx", Symbol: "BTC/USDT:USDT", Price: 9})
	bus.Publish(ctx, schema.TopicFundingRate, schema.FundingRate{Exchange: "okx", Symbol: "BTC/USDT:USDT", Rate: 0.0001})
	bus.Publish(ctx, schema.TopicIndexPrice, schema.IndexPrice{Exchange: "okx", Symbol: "BTC-USDT", Price: 10})

	for _, kind := range []Kind{KindBookL1, KindBookL2, KindTrade, KindKline, KindMarkPrice, KindFundingRate, KindIndexPrice} {
		assert.Equal(t, 1, agg.Len(kind), kind)
	}
	trade, _ := agg.Trade("okx", "BTC/USDT")
	assert.Equal(t, 7.0, trade.Price)
	kline, _ := agg.Kline("okx", "BTC/USDT")
	assert.Equal(t, 8.0, kline.Close)
	mark, _ := agg.MarkPrice("okx", "BTC/USDT:USDT")
	assert.Equal(t, 9.0, mark.Price)
	funding, _ := agg.FundingRate("okx", "BTC/USDT:USDT")
	assert.Equal(t, 0.0001, funding.Rate)
	index, _ := agg.IndexPrice("okx", "BTC-USDT")
	assert.Equal(t, 10.0, index.Price)
	l2, _ := agg.BookL2("okx", "BTC/USDT")
	assert.Len(t, l2.Bids, 1)
}

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
	ttls map[string]time.Duration
	err  error
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	if f.keys == nil {
		f.keys = make(map[string]string)
		f.ttls = make(map[string]time.Duration)
	}
	f.keys[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisMirrorWritesJSONWithTTL(t *testing.T) {
	fake := &fakeRedis{}
	agg := New(WithMirror(newRedisMirror(fake, 0)))
	agg.UpdateMarkPrice(context.Background(), schema.MarkPrice{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Price: 101.5, Timestamp: 9})

	key := "md:mark_price:bybit:BTC/USDT:USDT"
	require.Contains(t, fake.keys, key)
	assert.Equal(t, DefaultTTL, fake.ttls[key])
	var got schema.MarkPrice
	require.NoError(t, json.Unmarshal([]byte(fake.keys[key]), &got))
	assert.Equal(t, 101.5, got.Price)
}

func TestMirrorFailureIsLoggedNotFatal(t *testing.T) {
	logs := observability.NewRecorder()
	fake := &fakeRedis{err: errors.New("connection refused")}
	agg := New(WithLogger(logs), WithMirror(newRedisMirror(fake, time.Second)))
	agg.UpdateTrade(context.Background(), schema.Trade{Exchange: "okx", Symbol: "BTC/USDT", Price: 1})

	_, ok := agg.Trade("okx", "BTC/USDT")
	assert.True(t, ok)
	assert.Equal(t, 1, logs.Count("warn", "mirror snapshot"))
}

type gatedMirror struct {
	gate    chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	stored map[string][]any
}

func (g *gatedMirror) Store(_ context.Context, kind Kind, exchange, symbol string, snapshot any) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	key := Key(kind, exchange, symbol)
	g.stored[key] = append(g.stored[key], snapshot)
	return nil
}

func TestAsyncMirrorDoesNotBlockUpdates(t *testing.T) {
	target := &gatedMirror{gate: make(chan struct{}), entered: make(chan struct{}, 1), stored: make(map[string][]any)}
	mirror := NewAsyncMirror(target, nil)
	agg := New(WithMirror(mirror))
	ctx := context.Background()

	agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 1})
	select {
	case <-target.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not start")
	}

	updated := make(chan struct{})
	go func() {
		agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 2})
		agg.UpdateBookL1(ctx, schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 3})
		close(updated)
	}()
	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("updates blocked on the mirror")
	}
	assert.Equal(t, 1, mirror.Pending())
	b, _ := agg.BookL1("okx", "BTC/USDT")
	assert.Equal(t, 3.0, b.Bid)

	close(target.gate)
	mirror.Close()
	mirror.Close()

	stored := target.stored[Key(KindBookL1, "okx", "BTC/USDT")]
	require.Len(t, stored, 2)
	assert.Equal(t, 1.0, stored[0].(schema.BookL1).Bid)
	assert.Equal(t, 3.0, stored[1].(schema.BookL1).Bid)
	assert.Zero(t, mirror.Pending())
}

func TestAsyncMirrorBatchesThroughRedisMirror(t *testing.T) {
	fake := &fakeRedis{}
	mirror := NewAsyncMirror(newRedisMirror(fake, time.Second), nil)
	ctx := context.Background()
	require.NoError(t, mirror.Store(ctx, KindTrade, "okx", "BTC/USDT", schema.Trade{Price: 1}))
	require.NoError(t, mirror.Store(ctx, KindMarkPrice, "okx", "BTC/USDT:USDT", schema.MarkPrice{Price: 2}))
	mirror.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.keys, "md:trade:okx:BTC/USDT")
	assert.Contains(t, fake.keys, "md:mark_price:okx:BTC/USDT:USDT")
}

func TestRedisMirrorAgainstServer(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb, err := Dial(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	mirror := NewRedisMirror(rdb, 30*time.Second)
	require.NoError(t, mirror.Store(ctx, KindBookL1, "okx", "BTC/USDT", schema.BookL1{Exchange: "okx", Symbol: "BTC/USDT", Bid: 1, Ask: 2}))

	raw, err := rdb.Get(ctx, Key(KindBookL1, "okx", "BTC/USDT")).Bytes()
	require.NoError(t, err)
	var book schema.BookL1
	require.NoError(t, json.Unmarshal(raw, &book))
	assert.Equal(t, 2.0, book.Ask)

	ttl, err := rdb.TTL(ctx, Key(KindBookL1, "okx", "BTC/USDT")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, mirror.StoreBatch(ctx, []Snapshot{
		{Kind: KindTrade, Exchange: "bybit", Symbol: "ETH/USDT", Value: schema.Trade{Price: 3}},
		{Kind: KindIndexPrice, Exchange: "bybit", Symbol: "ETH/USDT", Value: schema.IndexPrice{Price: 4}},
	}))
	n, err := rdb.Exists(ctx, Key(KindTrade, "bybit", "ETH/USDT"), Key(KindIndexPrice, "bybit", "ETH/USDT")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSnapshotByKind(t *testing.T) {
	agg := New()
	agg.UpdateFundingRate(context.Background(), schema.FundingRate{Exchange: "bybit", Symbol: "BTC/USDT:USDT", Rate: 0.0002})

	v, ok := agg.Snapshot(KindFundingRate, "bybit", "BTC/USDT:USDT")
	require.True(t, ok)
	assert.IsType(t, schema.FundingRate{}, v)

	_, ok = agg.Snapshot(KindTrade, "bybit", "BTC/USDT:USDT")
	assert.False(t, ok)
	_, ok = agg.Snapshot(Kind("depth"), "bybit", "BTC/USDT:USDT")
	assert.False(t, ok)
	assert.Len(t, Kinds(), 7)
}
