package schema

import "strings"

// MarketKind separates markets sharing a wire id across product lines.
type MarketKind string

// Market kinds.
const (
	MarketSpot    MarketKind = "spot"
	MarketLinear  MarketKind = "linear"
	MarketInverse MarketKind = "inverse"
)

// Market is one entry of the exchange metadata used to build a SymbolMap.
type Market struct {
	ID     string     `yaml:"id" json:"id"`
	Symbol string     `yaml:"symbol" json:"symbol"`
	Kind   MarketKind `yaml:"kind" json:"kind"`
}

// MarketKey builds the lookup key "<wire_id>_<kind>".
func MarketKey(wireID string, kind MarketKind) string {
	return strings.TrimSpace(wireID) + "_" + string(kind)
}

// SymbolMap translates wire instrument ids to unified symbols and back.
// It is immutable after construction and safe for concurrent reads.
type SymbolMap struct {
	byKey    map[string]Market
	bySymbol map[string]Market
}

// NewSymbolMap indexes the provided markets. Later duplicates win.
func NewSymbolMap(markets []Market) *SymbolMap {
	m := &SymbolMap{
		byKey:    make(map[string]Market, len(markets)),
		bySymbol: make(map[string]Market, len(markets)),
	}
	for _, market := range markets {
		id := strings.TrimSpace(market.ID)
		symbol := strings.TrimSpace(market.Symbol)
		if id == "" || symbol == "" {
			continue
		}
		market.ID = id
		market.Symbol = symbol
		m.byKey[MarketKey(id, market.Kind)] = market
		m.bySymbol[symbol] = market
	}
	return m
}

// Unified returns the unified symbol for a wire id of the given market kind.
func (m *SymbolMap) Unified(wireID string, kind MarketKind) (string, bool) {
	if m == nil {
		return "", false
	}
	market, ok := m.byKey[MarketKey(wireID, kind)]
	if !ok {
		return "", false
	}
	return market.Symbol, true
}

// Market returns the metadata entry for a unified symbol.
func (m *SymbolMap) Market(symbol string) (Market, bool) {
	if m == nil {
		return Market{}, false
	}
	market, ok := m.bySymbol[strings.TrimSpace(symbol)]
	return market, ok
}

// WireID returns the wire id for a unified symbol, or the input unchanged when unknown.
func (m *SymbolMap) WireID(symbol string) string {
	if market, ok := m.Market(symbol); ok {
		return market.ID
	}
	return symbol
}

// Len returns the number of indexed markets.
func (m *SymbolMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byKey)
}
