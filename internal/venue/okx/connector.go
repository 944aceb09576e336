package okx

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/ratelimit"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const defaultBookDepth = 20

// session keys. public-auth is the public endpoint logged in, required by books-l2-tbt.
const (
	keyPublic     = "public"
	keyPublicAuth = "public-auth"
	keyBusiness   = "business"
	keyPrivate    = "private"
)

// Config configures a Connector.
type Config struct {
	AccountType AccountType
	Credentials Credentials
	// BookDepth bounds published incremental book snapshots. Zero selects 20.
	BookDepth int
	// Session overrides the stream tuning; URL and AccountType are filled per endpoint.
	Session stream.Config
}

// Connector streams OKX market and account data onto the bus.
type Connector struct {
	cfg      Config
	logger   observability.Logger
	decoder  *decoder
	sessions *venue.Sessions

	// indexMu guards indexes, the unified symbols subscribed per index id.
	indexMu sync.Mutex
	indexes map[string][]string
}

// New constructs a Connector. No socket is opened until the first subscription.
func New(cfg Config, bus eventbus.Publisher, symbols *schema.SymbolMap, opts ...venue.Option) *Connector {
	options := venue.Apply(opts...)
	if cfg.AccountType == "" {
		cfg.AccountType = AccountLive
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = defaultBookDepth
	}
	logger := options.Logger.With(observability.F("exchange", exchangeName))
	c := &Connector{
		cfg:     cfg,
		logger:  logger,
		decoder: newDecoder(venue.NewEmitter(exchangeName, bus, symbols, logger), cfg.BookDepth, logger),
		indexes: make(map[string][]string),
	}
	streamOpts := options.StreamOptions()
	c.sessions = venue.NewSessions(exchangeName, func(key string) (*stream.Session, error) {
		endpoint, login, err := endpointFor(key)
		if err != nil {
			return nil, err
		}
		sc := cfg.Session
		sc.URL = StreamURL(cfg.AccountType, endpoint)
		sc.AccountType = string(cfg.AccountType) + "/" + key
		if sc.Limit.Count <= 0 {
			sc.Limit = ratelimit.OKXControl
		}
		return stream.NewSession(sc, protocol{creds: cfg.Credentials, login: login}, streamOpts...), nil
	}, logger)
	return c
}

func endpointFor(key string) (Endpoint, bool, error) {
	switch key {
	case keyPublic:
		return EndpointPublic, false, nil
	case keyPublicAuth:
		return EndpointPublic, true, nil
	case keyBusiness:
		return EndpointBusiness, false, nil
	case keyPrivate:
		return EndpointPrivate, true, nil
	default:
		return "", false, fmt.Errorf("okx: unknown endpoint %q", key)
	}
}

// Sessions exposes the opened sessions, keyed by endpoint.
func (c *Connector) Sessions() *venue.Sessions {
	return c.sessions
}

func (c *Connector) wireID(symbol string) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return "", errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return c.decoder.emit.Symbols().WireID(symbol), nil
}

func (c *Connector) subscribe(ctx context.Context, key string, arg wsArg, auth bool, handler func(*stream.Session) stream.Handler) error {
	sess, err := c.sessions.Get(key)
	if err != nil {
		return err
	}
	payload, err := controlFrame("subscribe", arg)
	if err != nil {
		return err
	}
	unsubscribe, err := controlFrame("unsubscribe", arg)
	if err != nil {
		return err
	}
	return sess.Subscribe(ctx, stream.Subscription{
		ID:           subscriptionID(arg),
		Topic:        arg.key(),
		Payload:      payload,
		Unsubscribe:  unsubscribe,
		RequiresAuth: auth,
		Handler:      handler(sess),
	})
}

// subscriptionID is "<channel>.<instId|instType>", or the bare channel.
func subscriptionID(arg wsArg) string {
	return strings.Replace(arg.key(), ":", ".", 1)
}

func static(h stream.HandlerFunc) func(*stream.Session) stream.Handler {
	return func(*stream.Session) stream.Handler { return h }
}

func (c *Connector) instrument(ctx context.Context, key, channel, symbol string, handler func(*stream.Session) stream.Handler) error {
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	return c.subscribe(ctx, key, wsArg{Channel: channel, InstID: wire}, key == keyPublicAuth, handler)
}

// SubscribeBookL1 streams tick-by-tick best bid and offer.
func (c *Connector) SubscribeBookL1(ctx context.Context, symbol string) error {
	return c.instrument(ctx, keyPublic, "bbo-tbt", symbol, static(c.decoder.bboTBT))
}

// SubscribeBookL2 streams five-level depth snapshots.
func (c *Connector) SubscribeBookL2(ctx context.Context, symbol string) error {
	return c.instrument(ctx, keyPublic, "books5", symbol, static(c.decoder.books5))
}

// SubscribeOrderBook maintains a local incremental book. tbt selects the login-only
// tick-by-tick 400 level channel instead of the 100ms one.
func (c *Connector) SubscribeOrderBook(ctx context.Context, symbol string, tbt bool) error {
	key, channel := keyPublic, "books"
	if tbt {
		key, channel = keyPublicAuth, "books-l2-tbt"
	}
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	id := subscriptionID(wsArg{Channel: channel, InstID: wire})
	return c.instrument(ctx, key, channel, symbol, func(sess *stream.Session) stream.Handler {
		resync := func(ctx context.Context) error { return sess.Resync(ctx, id) }
		return stream.HandlerFunc(func(ctx context.Context, frame stream.Frame) error {
			return c.decoder.orderBook(ctx, frame, resync)
		})
	})
}

// SubscribeTrade streams public trades.
func (c *Connector) SubscribeTrade(ctx context.Context, symbol string) error {
	return c.instrument(ctx, keyPublic, "trades", symbol, static(c.decoder.trades))
}

// SubscribeKline streams candles of interval (1m, 1H, 1D ...) from the business endpoint.
func (c *Connector) SubscribeKline(ctx context.Context, symbol, interval string) error {
	if strings.TrimSpace(interval) == "" {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("kline interval required"))
	}
	return c.instrument(ctx, keyBusiness, "candle"+interval, symbol, static(c.decoder.candles))
}

// SubscribeMarkPrice streams mark prices.
func (c *Connector) SubscribeMarkPrice(ctx context.Context, symbol string) error {
	return c.instrument(ctx, keyPublic, "mark-price", symbol, static(c.decoder.markPrice))
}

// SubscribeIndexPrice streams the index of symbol's base and quote currencies. Symbols sharing
// an index share one venue subscription and each receives its own IndexPrice.
func (c *Connector) SubscribeIndexPrice(ctx context.Context, symbol string) error {
	wire, err := c.wireID(symbol)
	if err != nil {
		return err
	}
	parts := strings.Split(wire, "-")
	if len(parts) < 2 {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("cannot derive index of "+wire))
	}
	index := parts[0] + "-" + parts[1]
	symbol = strings.TrimSpace(symbol)

	c.indexMu.Lock()
	current := c.indexes[index]
	if slices.Contains(current, symbol) {
		c.indexMu.Unlock()
		return nil
	}
	c.indexes[index] = append(current, symbol)
	c.indexMu.Unlock()
	if len(current) > 0 {
		return nil
	}

	handler := c.decoder.indexTickers(func() []string { return c.indexSymbols(index) })
	if err := c.subscribe(ctx, keyPublic, wsArg{Channel: "index-tickers", InstID: index}, false, static(handler)); err != nil {
		c.indexMu.Lock()
		delete(c.indexes, index)
		c.indexMu.Unlock()
		return err
	}
	return nil
}

func (c *Connector) indexSymbols(index string) []string {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	return slices.Clone(c.indexes[index])
}

// SubscribeFundingRate streams perpetual funding rates.
func (c *Connector) SubscribeFundingRate(ctx context.Context, symbol string) error {
	return c.instrument(ctx, keyPublic, "funding-rate", symbol, static(c.decoder.fundingRate))
}

// SubscribeOrders streams order updates of every instrument type.
func (c *Connector) SubscribeOrders(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, wsArg{Channel: "orders", InstType: "ANY"}, true, static(c.decoder.orders))
}

// SubscribeFills streams per-execution fills (VIP accounts only).
func (c *Connector) SubscribeFills(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, wsArg{Channel: "fills"}, true, static(c.decoder.fills))
}

// SubscribeAccount streams balance updates.
func (c *Connector) SubscribeAccount(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, wsArg{Channel: "account"}, true, static(c.decoder.account))
}

// SubscribePositions streams the venue's position view.
func (c *Connector) SubscribePositions(ctx context.Context) error {
	return c.subscribe(ctx, keyPrivate, wsArg{Channel: "positions", InstType: "ANY"}, true, static(c.decoder.positions))
}

// Close closes every session.
func (c *Connector) Close() error {
	return c.sessions.Close()
}
