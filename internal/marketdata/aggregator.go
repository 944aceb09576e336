// Package marketdata keeps the latest market snapshot per exchange, symbol and kind.
package marketdata

import (
	"context"
	"sync"

	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

// Kind names a snapshot family.
type Kind string

// Snapshot kinds.
const (
	KindBookL1      Kind = "bookl1"
	KindBookL2      Kind = "bookl2"
	KindTrade       Kind = "trade"
	KindKline       Kind = "kline"
	KindMarkPrice   Kind = "mark_price"
	KindFundingRate Kind = "funding_rate"
	KindIndexPrice  Kind = "index_price"
)

// Mirror receives every stored snapshot, for out-of-process readers.
type Mirror interface {
	Store(ctx context.Context, kind Kind, exchange, symbol string, snapshot any) error
}

// table is exchange -> symbol -> latest value.
type table[T any] struct {
	rows map[string]map[string]T
}

func (t *table[T]) put(exchange, symbol string, v T) {
	if t.rows == nil {
		t.rows = make(map[string]map[string]T)
	}
	bySymbol, ok := t.rows[exchange]
	if !ok {
		bySymbol = make(map[string]T)
		t.rows[exchange] = bySymbol
	}
	bySymbol[symbol] = v
}

func (t *table[T]) get(exchange, symbol string) (T, bool) {
	v, ok := t.rows[exchange][symbol]
	return v, ok
}

func (t *table[T]) len() int {
	n := 0
	for _, bySymbol := range t.rows {
		n += len(bySymbol)
	}
	return n
}

// Aggregator holds at most one snapshot per (exchange, symbol, kind). Writes are last-write-wins.
type Aggregator struct {
	logger observability.Logger
	mirror Mirror

	mu          sync.RWMutex
	bookL1      table[schema.BookL1]
	bookL2      table[schema.BookL2]
	trades      table[schema.Trade]
	klines      table[schema.Kline]
	markPrices  table[schema.MarkPrice]
	fundingRate table[schema.FundingRate]
	indexPrices table[schema.IndexPrice]
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger used for mirror failures.
func WithLogger(logger observability.Logger) Option {
	return func(a *Aggregator) {
		a.logger = observability.OrNop(logger).With(observability.F("component", "marketdata"))
	}
}

// WithMirror copies every snapshot to m.
func WithMirror(m Mirror) Option {
	return func(a *Aggregator) {
		a.mirror = m
	}
}

// New constructs an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{logger: observability.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Aggregator) mirrorTo(ctx context.Context, kind Kind, exchange, symbol string, v any) {
	if a.mirror == nil {
		return
	}
	if err := a.mirror.Store(ctx, kind, exchange, symbol, v); err != nil {
		a.logger.Warn("mirror snapshot",
			observability.F("kind", string(kind)),
			observability.F("exchange", exchange),
			observability.F("symbol", symbol),
			observability.Err(err))
	}
}

// UpdateBookL1 stores b.
func (a *Aggregator) UpdateBookL1(ctx context.Context, b schema.BookL1) {
	a.mu.Lock()
	a.bookL1.put(b.Exchange, b.Symbol, b)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindBookL1, b.Exchange, b.Symbol, b)
}

// UpdateBookL2 stores b.
func (a *Aggregator) UpdateBookL2(ctx context.Context, b schema.BookL2) {
	a.mu.Lock()
	a.bookL2.put(b.Exchange, b.Symbol, b)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindBookL2, b.Exchange, b.Symbol, b)
}

// UpdateTrade stores t.
func (a *Aggregator) UpdateTrade(ctx context.Context, t schema.Trade) {
	a.mu.Lock()
	a.trades.put(t.Exchange, t.Symbol, t)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindTrade, t.Exchange, t.Symbol, t)
}

// UpdateKline stores k.
func (a *Aggregator) UpdateKline(ctx context.Context, k schema.Kline) {
	a.mu.Lock()
	a.klines.put(k.Exchange, k.Symbol, k)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindKline, k.Exchange, k.Symbol, k)
}

// UpdateMarkPrice stores m.
func (a *Aggregator) UpdateMarkPrice(ctx context.Context, m schema.MarkPrice) {
	a.mu.Lock()
	a.markPrices.put(m.Exchange, m.Symbol, m)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindMarkPrice, m.Exchange, m.Symbol, m)
}

// UpdateFundingRate stores f.
func (a *Aggregator) UpdateFundingRate(ctx context.Context, f schema.FundingRate) {
	a.mu.Lock()
	a.fundingRate.put(f.Exchange, f.Symbol, f)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindFundingRate, f.Exchange, f.Symbol, f)
}

// UpdateIndexPrice stores i.
func (a *Aggregator) UpdateIndexPrice(ctx context.Context, i schema.IndexPrice) {
	a.mu.Lock()
	a.indexPrices.put(i.Exchange, i.Symbol, i)
	a.mu.Unlock()
	a.mirrorTo(ctx, KindIndexPrice, i.Exchange, i.Symbol, i)
}

func (a *Aggregator) BookL1(exchange, symbol string) (schema.BookL1, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bookL1.get(exchange, symbol)
}

func (a *Aggregator) BookL2(exchange, symbol string) (schema.BookL2, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bookL2.get(exchange, symbol)
}

func (a *Aggregator) Trade(exchange, symbol string) (schema.Trade, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.trades.get(exchange, symbol)
}

func (a *Aggregator) Kline(exchange, symbol string) (schema.Kline, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.klines.get(exchange, symbol)
}

func (a *Aggregator) MarkPrice(exchange, symbol string) (schema.MarkPrice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.markPrices.get(exchange, symbol)
}

func (a *Aggregator) FundingRate(exchange, symbol string) (schema.FundingRate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fundingRate.get(exchange, symbol)
}

func (a *Aggregator) IndexPrice(exchange, symbol string) (schema.IndexPrice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.indexPrices.get(exchange, symbol)
}

// Len returns the number of stored snapshots of kind.
func (a *Aggregator) Len(kind Kind) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch kind {
	case KindBookL1:
		return a.bookL1.len()
	case KindBookL2:
		return a.bookL2.len()
	case KindTrade:
		return a.trades.len()
	case KindKline:
		return a.klines.len()
	case KindMarkPrice:
		return a.markPrices.len()
	case KindFundingRate:
		return a.fundingRate.len()
	case KindIndexPrice:
		return a.indexPrices.len()
	default:
		return 0
	}
}

// Kinds lists every snapshot kind.
func Kinds() []Kind {
	return []Kind{KindBookL1, KindBookL2, KindTrade, KindKline, KindMarkPrice, KindFundingRate, KindIndexPrice}
}

// Snapshot returns the stored value of kind for (exchange, symbol) as its concrete schema type.
func (a *Aggregator) Snapshot(kind Kind, exchange, symbol string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch kind {
	case KindBookL1:
		return found(a.bookL1.get(exchange, symbol))
	case KindBookL2:
		return found(a.bookL2.get(exchange, symbol))
	case KindTrade:
		return found(a.trades.get(exchange, symbol))
	case KindKline:
		return found(a.klines.get(exchange, symbol))
	case KindMarkPrice:
		return found(a.markPrices.get(exchange, symbol))
	case KindFundingRate:
		return found(a.fundingRate.get(exchange, symbol))
	case KindIndexPrice:
		return found(a.indexPrices.get(exchange, symbol))
	default:
		return nil, false
	}
}

func found[T any](v T, ok bool) (any, bool) {
	if !ok {
		return nil, false
	}
	return v, true
}

func on[T any](bus eventbus.Subscriber, topic schema.Topic, update func(context.Context, T)) eventbus.SubscriptionID {
	return eventbus.On(bus, topic, func(ctx context.Context, v T) error {
		update(ctx, v)
		return nil
	})
}

// Attach subscribes the aggregator to every market data topic.
func (a *Aggregator) Attach(bus eventbus.Subscriber) []eventbus.SubscriptionID {
	return []eventbus.SubscriptionID{
		on(bus, schema.TopicBookL1, a.UpdateBookL1),
		on(bus, schema.TopicBookL2, a.UpdateBookL2),
		on(bus, schema.TopicTrade, a.UpdateTrade),
		on(bus, schema.TopicKline, a.UpdateKline),
		on(bus, schema.TopicMarkPrice, a.UpdateMarkPrice),
		on(bus, schema.TopicFundingRate, a.UpdateFundingRate),
		on(bus, schema.TopicIndexPrice, a.UpdateIndexPrice),
	}
}
