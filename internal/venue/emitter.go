// Package venue holds the pieces shared by the exchange packages: symbol resolution,
// event publication, numeric field parsing and lazily opened sessions.
package venue

import (
	"context"

	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
)

// Emitter resolves wire symbols and publishes normalized events for one exchange.
type Emitter struct {
	exchange string
	bus      eventbus.Publisher
	symbols  *schema.SymbolMap
	logger   observability.Logger
}

// NewEmitter constructs an Emitter. A nil bus discards events.
func NewEmitter(exchange string, bus eventbus.Publisher, symbols *schema.SymbolMap, logger observability.Logger) *Emitter {
	return &Emitter{
		exchange: exchange,
		bus:      bus,
		symbols:  symbols,
		logger:   observability.OrNop(logger),
	}
}

// Exchange returns the exchange name stamped on every event.
func (e *Emitter) Exchange() string {
	return e.exchange
}

// Symbols returns the symbol map.
func (e *Emitter) Symbols() *schema.SymbolMap {
	return e.symbols
}

// Symbol maps a wire id to the unified symbol, falling back to the wire id.
func (e *Emitter) Symbol(wireID string, kind schema.MarketKind) string {
	if symbol, ok := e.symbols.Unified(wireID, kind); ok {
		return symbol
	}
	e.logger.Debug("unmapped wire symbol",
		observability.F("wire_id", wireID),
		observability.F("kind", string(kind)))
	return wireID
}

// Publish forwards payload to the bus.
func (e *Emitter) Publish(ctx context.Context, topic schema.Topic, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, topic, payload)
}
