package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/ratelimit"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const (
	keyMarket = "market"
	keyUser   = "user"

	defaultBookDepth         = 20
	defaultMarkPriceInterval = "1s"
)

var (
	bookDepths         = map[int]struct{}{5: {}, 10: {}, 20: {}}
	markPriceIntervals = map[string]struct{}{"1s": {}, "3s": {}}
	klineIntervals     = map[string]struct{}{
		"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {}, "1h": {}, "2h": {},
		"4h": {}, "6h": {}, "8h": {}, "12h": {}, "1d": {}, "3d": {}, "1w": {}, "1M": {},
	}
)

// Config configures a Connector.
type Config struct {
	AccountType AccountType
	// BookDepth is the partial book depth, one of 5, 10 or 20. Zero selects 20.
	BookDepth int
	// MarkPriceInterval is 1s or 3s. Empty selects 1s.
	MarkPriceInterval string
	Session           stream.Config
}

// Connector streams Binance market and user data onto the bus.
type Connector struct {
	cfg      Config
	decoder  *decoder
	sessions *venue.Sessions
	now      func() time.Time
}

// New constructs a Connector. No socket is opened until the first subscription.
func New(cfg Config, bus eventbus.Publisher, symbols *schema.SymbolMap, opts ...venue.Option) *Connector {
	options := venue.Apply(opts...)
	if cfg.AccountType == "" {
		cfg.AccountType = AccountSpot
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = defaultBookDepth
	}
	if cfg.MarkPriceInterval == "" {
		cfg.MarkPriceInterval = defaultMarkPriceInterval
	}
	logger := options.Logger.With(observability.F("exchange", exchangeName))
	c := &Connector{
		cfg:     cfg,
		decoder: newDecoder(venue.NewEmitter(exchangeName, bus, symbols, logger), cfg.AccountType.Kind(), logger),
		now:     time.Now,
	}
	streamOpts := options.StreamOptions()
	c.sessions = venue.NewSessions(exchangeName, func(key string) (*stream.Session, error) {
		if key != keyMarket && key != keyUser {
			return nil, fmt.Errorf("binance: unknown endpoint %q", key)
		}
		sc := cfg.Session
		sc.URL = cfg.AccountType.StreamURL()
		sc.AccountType = string(cfg.AccountType) + "/" + key
		if sc.Limit.Count <= 0 {
			sc.Limit = ratelimit.BinanceControl
		}
		return stream.NewSession(sc, protocol{}, streamOpts...), nil
	}, logger)
	return c
}

// Sessions exposes the opened sessions, keyed by endpoint.
func (c *Connector) Sessions() *venue.Sessions {
	return c.sessions
}

func (c *Connector) subscribe(ctx context.Context, key, id, params string, handler stream.HandlerFunc) error {
	sess, err := c.sessions.Get(key)
	if err != nil {
		return err
	}
	now := c.now()
	payload, err := controlFrame("SUBSCRIBE", params, now)
	if err != nil {
		return err
	}
	unsubscribe, err := controlFrame("UNSUBSCRIBE", params, now)
	if err != nil {
		return err
	}
	return sess.Subscribe(ctx, stream.Subscription{
		ID:          id,
		Topic:       params,
		Payload:     payload,
		Unsubscribe: unsubscribe,
		Handler:     handler,
	})
}

// public validates a market stream request and returns the lower-case stream symbol.
func (c *Connector) public(name, symbol string) (string, error) {
	if c.cfg.AccountType.IsMargin() || c.cfg.AccountType.IsPortfolioMargin() {
		return "", errs.UnsupportedStream(exchangeName, name, string(c.cfg.AccountType))
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "", errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return strings.ToLower(c.decoder.emit.Symbols().WireID(symbol)), nil
}

func invalid(msg string) error {
	return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage(msg))
}

// SubscribeTrade streams raw trades.
func (c *Connector) SubscribeTrade(ctx context.Context, symbol string) error {
	wire, err := c.public("trade", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, "trade."+wire, wire+"@trade", c.decoder.trade)
}

// SubscribeAggTrade streams aggregated trades.
func (c *Connector) SubscribeAggTrade(ctx context.Context, symbol string) error {
	wire, err := c.public("agg_trade", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, "agg_trade."+wire, wire+"@aggTrade", c.decoder.trade)
}

// SubscribeBookL1 streams the best bid and offer.
func (c *Connector) SubscribeBookL1(ctx context.Context, symbol string) error {
	wire, err := c.public("book_ticker", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, "book_ticker."+wire, wire+"@bookTicker", c.decoder.bookTicker)
}

// SubscribeOrderBook streams partial book snapshots of depth levels (5, 10 or 20; zero selects
// the configured depth) every 100ms.
func (c *Connector) SubscribeOrderBook(ctx context.Context, symbol string, depth int) error {
	if depth <= 0 {
		depth = c.cfg.BookDepth
	}
	if _, ok := bookDepths[depth]; !ok {
		return invalid(fmt.Sprintf("unsupported book depth %d", depth))
	}
	wire, err := c.public("depth", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, fmt.Sprintf("depth%d.%s", depth, wire), fmt.Sprintf("%s@depth%d@100ms", wire, depth), c.decoder.depth)
}

// SubscribeBookL2 streams the configured partial book depth.
func (c *Connector) SubscribeBookL2(ctx context.Context, symbol string) error {
	return c.SubscribeOrderBook(ctx, symbol, 0)
}

// SubscribeMarkPrice streams mark price, index price and funding rate. Futures accounts only.
func (c *Connector) SubscribeMarkPrice(ctx context.Context, symbol string) error {
	if !c.cfg.AccountType.IsFuture() {
		return errs.UnsupportedStream(exchangeName, "mark_price", string(c.cfg.AccountType))
	}
	if _, ok := markPriceIntervals[c.cfg.MarkPriceInterval]; !ok {
		return invalid("mark price interval must be 1s or 3s")
	}
	wire, err := c.public("mark_price", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, "mark_price."+wire, wire+"@markPrice@"+c.cfg.MarkPriceInterval, c.decoder.markPrice)
}

// SubscribeIndexPrice shares the mark price stream.
func (c *Connector) SubscribeIndexPrice(ctx context.Context, symbol string) error {
	return c.SubscribeMarkPrice(ctx, symbol)
}

// SubscribeFundingRate shares the mark price stream.
func (c *Connector) SubscribeFundingRate(ctx context.Context, symbol string) error {
	return c.SubscribeMarkPrice(ctx, symbol)
}

// SubscribeKline streams candlesticks.
func (c *Connector) SubscribeKline(ctx context.Context, symbol, interval string) error {
	if _, ok := klineIntervals[interval]; !ok {
		return invalid(fmt.Sprintf("unsupported kline interval %q", interval))
	}
	wire, err := c.public("kline", symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyMarket, "kline."+wire+"."+interval, wire+"@kline_"+interval, c.decoder.kline)
}

// SubscribeUserData streams order and balance events of the account owning listenKey.
// The key is created and kept alive over REST by the caller.
func (c *Connector) SubscribeUserData(ctx context.Context, listenKey string) error {
	listenKey = strings.TrimSpace(listenKey)
	if listenKey == "" {
		return errs.MissingCredential(exchangeName, "user_data_stream")
	}
	return c.subscribe(ctx, keyUser, "user_data_stream", listenKey, c.decoder.userData)
}

// Close closes every session.
func (c *Connector) Close() error {
	return c.sessions.Close()
}
