// Package httpserver exposes a read-only HTTP view of the gateway state.
package httpserver

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/internal/ledger"
	"github.com/coachpo/tradegate/internal/marketdata"
)

const (
	healthPath     = "/healthz"
	positionsPath  = "/positions"
	assetsPath     = "/assets"
	marketDataPath = "/marketdata"

	readHeaderTimeout = 5 * time.Second
)

// Positions is the ledger surface the server reads.
type Positions interface {
	StrategyID() string
	Positions() []ledger.Position
	Assets(exchange string) []ledger.Asset
}

// MarketData is the aggregator surface the server reads.
type MarketData interface {
	Snapshot(kind marketdata.Kind, exchange, symbol string) (any, bool)
	Len(kind marketdata.Kind) int
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment string
	ledger      Positions
	market      MarketData
	started     time.Time
}

// NewHandler builds the status API. Either source may be nil; its routes then answer 503.
func NewHandler(environment string, positions Positions, market MarketData) http.Handler {
	s := &httpServer{environment: environment, ledger: positions, market: market, started: time.Now()}
	mux := http.NewServeMux()
	mux.Handle(healthPath, methodHandlers(map[string]handlerFunc{http.MethodGet: s.health}))
	mux.Handle(positionsPath, methodHandlers(map[string]handlerFunc{http.MethodGet: s.positions}))
	mux.Handle(assetsPath, methodHandlers(map[string]handlerFunc{http.MethodGet: s.assets}))
	mux.Handle(marketDataPath, methodHandlers(map[string]handlerFunc{http.MethodGet: s.marketData}))
	return mux
}

// NewServer wraps NewHandler in an http.Server listening on addr.
func NewServer(addr, environment string, positions Positions, market MarketData) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(environment, positions, market),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[marketdata.Kind]int)
	if s.market != nil {
		for _, kind := range marketdata.Kinds() {
			counts[kind] = s.market.Len(kind)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"snapshots":   counts,
	})
}

func (s *httpServer) positions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	exchange := strings.TrimSpace(r.URL.Query().Get("exchange"))
	all := s.ledger.Positions()
	out := make([]ledger.Position, 0, len(all))
	for _, p := range all {
		if exchange == "" || p.Exchange == exchange {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": s.ledger.StrategyID(), "positions": out})
}

func (s *httpServer) assets(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	exchange := strings.TrimSpace(r.URL.Query().Get("exchange"))
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "exchange query parameter required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchange": exchange, "assets": s.ledger.Assets(exchange)})
}

// marketData serves /marketdata?kind=bookl1&exchange=okx&symbol=BTC/USDT.
func (s *httpServer) marketData(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, http.StatusServiceUnavailable, "market data unavailable")
		return
	}
	q := r.URL.Query()
	kind := marketdata.Kind(strings.ToLower(strings.TrimSpace(q.Get("kind"))))
	exchange := strings.TrimSpace(q.Get("exchange"))
	symbol := strings.TrimSpace(q.Get("symbol"))
	if kind == "" || exchange == "" || symbol == "" {
		writeError(w, http.StatusBadRequest, "kind, exchange and symbol query parameters required")
		return
	}
	snapshot, ok := s.market.Snapshot(kind, exchange, symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for "+string(kind)+" "+exchange+" "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
