package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/telemetry"
)

// Store persists position snapshots after every change.
type Store interface {
	SavePosition(ctx context.Context, position Position) error
}

// Bus is the bus surface Attach needs.
type Bus interface {
	eventbus.Subscriber
	eventbus.Publisher
}

type positionKey struct {
	exchange string
	symbol   string
}

type assetKey struct {
	exchange string
	currency string
}

// maxClosedOrders bounds the terminal order ids remembered per position.
const maxClosedOrders = 4096

// slot serializes Apply calls for one position.
type slot struct {
	mu       sync.Mutex
	position Position

	// closed maps terminal order ids to their final cumulative fill; closedOrder evicts oldest first.
	closed      map[string]decimal.Decimal
	closedOrder []string
}

// closedFill returns the final cumulative fill of a terminal order.
func (s *slot) closedFill(id string) (decimal.Decimal, bool) {
	filled, ok := s.closed[id]
	return filled, ok
}

func (s *slot) markClosed(id string, filled decimal.Decimal) {
	if s.closed == nil {
		s.closed = make(map[string]decimal.Decimal)
	}
	if _, ok := s.closed[id]; !ok {
		s.closedOrder = append(s.closedOrder, id)
		if len(s.closedOrder) > maxClosedOrders {
			delete(s.closed, s.closedOrder[0])
			s.closedOrder = s.closedOrder[1:]
		}
	}
	s.closed[id] = filled
}

// Ledger owns the positions and assets of one strategy.
type Ledger struct {
	strategyID string
	exchanges  map[string]struct{}
	logger     observability.Logger
	store      Store

	mu        sync.Mutex
	positions map[positionKey]*slot

	assetMu sync.Mutex
	assets  map[assetKey]*Asset

	fills   metric.Int64Counter
	ignored metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Ledger) {
		l.logger = observability.OrNop(logger)
	}
}

// WithMeter overrides the meter used for ledger instruments.
func WithMeter(meter metric.Meter) Option {
	return func(l *Ledger) {
		if meter != nil {
			l.initInstruments(meter)
		}
	}
}

// WithExchanges restricts Attach to events of the named exchanges.
func WithExchanges(exchanges ...string) Option {
	return func(l *Ledger) {
		for _, ex := range exchanges {
			if ex = strings.TrimSpace(ex); ex != "" {
				l.exchanges[ex] = struct{}{}
			}
		}
	}
}

// WithStore persists every position change.
func WithStore(store Store) Option {
	return func(l *Ledger) {
		l.store = store
	}
}

// New constructs an empty ledger for strategyID.
func New(strategyID string, opts ...Option) *Ledger {
	l := &Ledger{
		strategyID: strategyID,
		exchanges:  make(map[string]struct{}),
		logger:     observability.Nop(),
		positions:  make(map[positionKey]*slot),
		assets:     make(map[assetKey]*Asset),
	}
	l.initInstruments(otel.Meter("ledger"))
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = l.logger.With(observability.F("component", "ledger"), observability.F("strategy", strategyID))
	return l
}

func (l *Ledger) initInstruments(meter metric.Meter) {
	l.fills, _ = meter.Int64Counter("ledger.fills.applied",
		metric.WithDescription("Order updates that changed a position"),
		metric.WithUnit("{fill}"))
	l.ignored, _ = meter.Int64Counter("ledger.orders.ignored",
		metric.WithDescription("Order updates the ledger could not apply"),
		metric.WithUnit("{order}"))
}

// StrategyID returns the owning strategy.
func (l *Ledger) StrategyID() string {
	return l.strategyID
}

func (l *Ledger) slot(exchange, symbol string) *slot {
	key := positionKey{exchange: exchange, symbol: symbol}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.positions[key]
	if !ok {
		s = &slot{position: Position{Exchange: exchange, Symbol: symbol, StrategyID: l.strategyID}}
		l.positions[key] = s
	}
	return s
}

// Apply folds an order update into its position and returns a snapshot of the result. Updates
// for the same position are serialized; a repeated cumulative fill changes nothing.
func (l *Ledger) Apply(order schema.Order) Position {
	s := l.slot(order.Exchange, order.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.apply(s, order)
	return s.position.clone()
}

func (l *Ledger) apply(s *slot, order schema.Order) {
	p := &s.position
	ctx := context.Background()
	attrs := metric.WithAttributes(
		telemetry.AttrExchange.String(order.Exchange),
		telemetry.AttrStrategy.String(l.strategyID),
		telemetry.AttrOrderStatus.String(string(order.Status)))
	logger := l.logger.With(
		observability.F("exchange", order.Exchange),
		observability.F("symbol", order.Symbol),
		observability.F("order_id", order.OrderID()))

	if order.Filled == nil || order.OrderID() == "" {
		// fill events without a cumulative quantity and failed placements carry nothing to fold
		l.ignored.Add(ctx, 1, attrs)
		return
	}
	if order.PositionSide != nil && *order.PositionSide != schema.PositionSideFlat {
		logger.Debug("hedge mode order ignored", observability.F("position_side", string(*order.PositionSide)))
		l.ignored.Add(ctx, 1, attrs)
		return
	}

	id := order.OrderID()
	filled := order.FilledOrZero()
	terminal := order.Status == schema.OrderStatusFilled || order.Status == schema.OrderStatusCanceled
	final, closed := s.closedFill(id)
	if closed && filled.LessThanOrEqual(final) {
		// replays of a terminal order and late placement results were already folded
		return
	}

	previous := final
	if !closed {
		previous = p.LastOrderFilled[id]
	}
	delta := fillDelta(order, previous, logger)
	// bookkeeping runs only once the delta is folded
	commit := func() {
		high := decimal.Max(filled, previous)
		switch {
		case closed || terminal:
			p.recordFill(id, high, true)
			s.markClosed(id, high)
		case filled.GreaterThanOrEqual(previous):
			p.recordFill(id, filled, false)
		}
	}
	if delta.IsZero() {
		commit()
		return
	}
	if order.Side == nil {
		logger.Warn("fill without side skipped", observability.F("delta", delta.String()))
		l.ignored.Add(ctx, 1, attrs)
		return
	}
	price, ok := order.FillPrice()
	if !ok {
		logger.Warn("fill without price skipped", observability.F("delta", delta.String()))
		l.ignored.Add(ctx, 1, attrs)
		return
	}

	side := *order.Side
	opposite := (p.SignedAmount.IsPositive() && side == schema.OrderSideSell) ||
		(p.SignedAmount.IsNegative() && side == schema.OrderSideBuy)
	if opposite {
		closing := decimal.Min(p.Amount(), delta)
		p.close(side, closing, price, logger)
		if rest := delta.Sub(closing); rest.IsPositive() {
			p.open(side, rest, price, logger)
		}
	} else {
		p.open(side, delta, price, logger)
	}
	commit()
	l.fills.Add(ctx, 1, attrs)
}

// Restore seeds the ledger with persisted positions. Positions of other strategies are skipped
// and existing entries are replaced.
func (l *Ledger) Restore(positions ...Position) int {
	restored := 0
	for _, p := range positions {
		if p.StrategyID != "" && p.StrategyID != l.strategyID {
			continue
		}
		s := l.slot(p.Exchange, p.Symbol)
		s.mu.Lock()
		s.position = p.clone()
		s.position.StrategyID = l.strategyID
		s.mu.Unlock()
		restored++
	}
	if restored > 0 {
		l.logger.Info("positions restored", observability.F("count", restored))
	}
	return restored
}

// Position returns a snapshot of the position in (exchange, symbol).
func (l *Ledger) Position(exchange, symbol string) (Position, bool) {
	l.mu.Lock()
	s, ok := l.positions[positionKey{exchange: exchange, symbol: symbol}]
	l.mu.Unlock()
	if !ok {
		return Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position.clone(), true
}

// Positions returns snapshots of every tracked position ordered by exchange and symbol.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	slots := make([]*slot, 0, len(l.positions))
	for _, s := range l.positions {
		slots = append(slots, s)
	}
	l.mu.Unlock()

	out := make([]Position, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.position.clone())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Asset returns a copy of the balance of currency on exchange.
func (l *Ledger) Asset(exchange, currency string) (Asset, bool) {
	l.assetMu.Lock()
	defer l.assetMu.Unlock()
	a, ok := l.assets[assetKey{exchange: exchange, currency: currency}]
	if !ok {
		return Asset{}, false
	}
	return *a, true
}

// Assets returns copies of every balance held on exchange ordered by currency.
func (l *Ledger) Assets(exchange string) []Asset {
	l.assetMu.Lock()
	out := make([]Asset, 0, len(l.assets))
	for key, a := range l.assets {
		if key.exchange == exchange {
			out = append(out, *a)
		}
	}
	l.assetMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// UpdateFree applies a free balance delta. A delta that would make Free negative is rejected
// and leaves the asset unchanged.
func (l *Ledger) UpdateFree(exchange, currency string, delta decimal.Decimal) error {
	return l.mutateAsset(exchange, currency, func(a *Asset) error { return a.UpdateFree(delta) })
}

// UpdateBorrowed applies a borrow (positive) or repayment (negative).
func (l *Ledger) UpdateBorrowed(exchange, currency string, delta decimal.Decimal) error {
	return l.mutateAsset(exchange, currency, func(a *Asset) error { return a.UpdateBorrowed(delta) })
}

// UpdateLocked applies a locked balance delta.
func (l *Ledger) UpdateLocked(exchange, currency string, delta decimal.Decimal) error {
	return l.mutateAsset(exchange, currency, func(a *Asset) error { return a.UpdateLocked(delta) })
}

// SyncBalance overwrites an asset with a venue account snapshot.
func (l *Ledger) SyncBalance(balance schema.AccountBalance) error {
	return l.mutateAsset(balance.Exchange, balance.Asset, func(a *Asset) error {
		return a.SetValue(&balance.Free, &balance.Borrowed, &balance.Locked)
	})
}

func (l *Ledger) mutateAsset(exchange, currency string, fn func(*Asset) error) error {
	key := assetKey{exchange: exchange, currency: strings.ToUpper(strings.TrimSpace(currency))}
	l.assetMu.Lock()
	defer l.assetMu.Unlock()
	current, ok := l.assets[key]
	next := Asset{Asset: key.currency}
	if ok {
		next = *current
	}
	if err := fn(&next); err != nil {
		return err
	}
	l.assets[key] = &next
	return nil
}

func (l *Ledger) accepts(exchange string) bool {
	if len(l.exchanges) == 0 {
		return true
	}
	_, ok := l.exchanges[exchange]
	return ok
}

// Attach feeds the ledger from the order and balance topics and republishes every resulting
// position on TopicPosition. The returned ids unsubscribe it.
func (l *Ledger) Attach(bus Bus) []eventbus.SubscriptionID {
	orders := eventbus.On(bus, schema.TopicOrder, func(ctx context.Context, order schema.Order) error {
		if !l.accepts(order.Exchange) {
			return nil
		}
		position := l.Apply(order)
		if l.store != nil {
			if err := l.store.SavePosition(ctx, position); err != nil {
				l.logger.Error("persist position", observability.F("symbol", position.Symbol), observability.Err(err))
			}
		}
		bus.Publish(ctx, schema.TopicPosition, position)
		return nil
	})
	balances := eventbus.On(bus, schema.TopicBalance, func(_ context.Context, balance schema.AccountBalance) error {
		if !l.accepts(balance.Exchange) {
			return nil
		}
		return l.SyncBalance(balance)
	})
	return []eventbus.SubscriptionID{orders, balances}
}
