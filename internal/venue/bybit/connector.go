package bybit

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/ratelimit"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const (
	keyPublic  = "public"
	keyPrivate = "private"

	defaultBookDepth = 50
)

var bookDepths = map[int]struct{}{1: {}, 50: {}, 200: {}, 500: {}}

// Config configures a Connector.
type Config struct {
	AccountType AccountType
	Credentials Credentials
	// BookDepth is the orderbook.<depth> channel, one of 1, 50, 200 or 500. Zero selects 50.
	BookDepth int
	Session   stream.Config
}

// Connector streams Bybit market and account data onto the bus.
type Connector struct {
	cfg      Config
	decoder  *decoder
	sessions *venue.Sessions
}

// New constructs a Connector. No socket is opened until the first subscription.
func New(cfg Config, bus eventbus.Publisher, symbols *schema.SymbolMap, opts ...venue.Option) *Connector {
	options := venue.Apply(opts...)
	if cfg.AccountType == "" {
		cfg.AccountType = AccountLinear
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = defaultBookDepth
	}
	logger := options.Logger.With(observability.F("exchange", exchangeName))
	c := &Connector{
		cfg:     cfg,
		decoder: newDecoder(venue.NewEmitter(exchangeName, bus, symbols, logger), cfg.AccountType.Kind(), cfg.BookDepth, logger),
	}
	streamOpts := options.StreamOptions()
	c.sessions = venue.NewSessions(exchangeName, func(key string) (*stream.Session, error) {
		sc := cfg.Session
		if sc.Limit.Count <= 0 {
			sc.Limit = ratelimit.BybitControl
		}
		sc.AccountType = string(cfg.AccountType) + "/" + key
		switch key {
		case keyPublic:
			sc.URL = cfg.AccountType.PublicURL()
			return stream.NewSession(sc, protocol{}, streamOpts...), nil
		case keyPrivate:
			sc.URL = cfg.AccountType.PrivateURL()
			return stream.NewSession(sc, protocol{creds: cfg.Credentials, private: true}, streamOpts...), nil
		default:
			return nil, fmt.Errorf("bybit: unknown endpoint %q", key)
		}
	}, logger)
	return c
}

// Sessions exposes the opened sessions, keyed by endpoint.
func (c *Connector) Sessions() *venue.Sessions {
	return c.sessions
}

func (c *Connector) subscribe(ctx context.Context, key, topic string, handler func(*stream.Session) stream.Handler) error {
	sess, err := c.sessions.Get(key)
	if err != nil {
		return err
	}
	payload, err := controlFrame("subscribe", topic)
	if err != nil {
		return err
	}
	unsubscribe, err := controlFrame("unsubscribe", topic)
	if err != nil {
		return err
	}
	return sess.Subscribe(ctx, stream.Subscription{
		ID:           topic,
		Topic:        topic,
		Payload:      payload,
		Unsubscribe:  unsubscribe,
		RequiresAuth: key == keyPrivate,
		Handler:      handler(sess),
	})
}

func static(h stream.HandlerFunc) func(*stream.Session) stream.Handler {
	return func(*stream.Session) stream.Handler { return h }
}

func (c *Connector) wireID(symbol string) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "", errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return c.decoder.emit.Symbols().WireID(symbol), nil
}

// SubscribeOrderBook maintains a local book of depth levels (1, 50, 200 or 500; zero selects the
// configured depth) and publishes BookL1 and BookL2.
func (c *Connector) SubscribeOrderBook(ctx context.Context, symbol string, depth int) error {
	if depth <= 0 {
		depth = c.cfg.BookDepth
	}
	if _, ok := bookDepths[depth]; !ok {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unsupported book depth %d", depth)))
	}
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("orderbook.%d.%s", depth, wire)
	return c.subscribe(ctx, keyPublic, topic, func(sess *stream.Session) stream.Handler {
		resync := func(ctx context.Context) error { return sess.Resync(ctx, topic) }
		return stream.HandlerFunc(func(ctx context.Context, frame stream.Frame) error {
			return c.decoder.orderBook(ctx, frame, resync)
		})
	})
}

// SubscribeBookL1 streams the depth 1 book.
func (c *Connector) SubscribeBookL1(ctx context.Context, symbol string) error {
	return c.SubscribeOrderBook(ctx, symbol, 1)
}

// SubscribeBookL2 streams the configured depth.
func (c *Connector) SubscribeBookL2(ctx context.Context, symbol string) error {
	return c.SubscribeOrderBook(ctx, symbol, 0)
}

// SubscribeTrade streams public trades.
func (c *Connector) SubscribeTrade(ctx context.Context, symbol string) error {
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyPublic, "publicTrade."+wire, static(c.decoder.publicTrade))
}

// SubscribeTicker streams mark price, index price and funding rate of a derivative.
func (c *Connector) SubscribeTicker(ctx context.Context, symbol string) error {
	if c.cfg.AccountType.Kind() == schema.MarketSpot {
		return errs.UnsupportedStream(exchangeName, "tickers", string(c.cfg.AccountType))
	}
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyPublic, "tickers."+wire, static(c.decoder.tickers))
}

// SubscribeMarkPrice, SubscribeIndexPrice and SubscribeFundingRate share the tickers topic.
func (c *Connector) SubscribeMarkPrice(ctx context.Context, symbol string) error {
	return c.SubscribeTicker(ctx, symbol)
}

func (c *Connector) SubscribeIndexPrice(ctx context.Context, symbol string) error {
	return c.SubscribeTicker(ctx, symbol)
}

func (c *Connector) SubscribeFundingRate(ctx context.Context, symbol string) error {
	return c.SubscribeTicker(ctx, symbol)
}

// SubscribeKline streams bars of interval (1, 3, 5, 15, 30, 60, 120, 240, 360, 720, D, W, M).
func (c *Connector) SubscribeKline(ctx context.Context, symbol, interval string) error {
	if strings.TrimSpace(interval) == "" {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("kline interval required"))
	}
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, keyPublic, "kline."+interval+"."+wire, static(c.decoder.kline))
}

// SubscribeOrders streams order updates of every category.
func (c *Connector) SubscribeOrders(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, "order", static(c.decoder.orders))
}

// SubscribeAccount streams wallet balances.
func (c *Connector) SubscribeAccount(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, "wallet", static(c.decoder.wallet))
}

// SubscribePositions streams the venue's position view.
func (c *Connector) SubscribePositions(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, "position", static(c.decoder.positions))
}

// Close closes every session.
func (c *Connector) Close() error {
	return c.sessions.Close()
}
