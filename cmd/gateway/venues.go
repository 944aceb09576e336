package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachpo/tradegate/config"
	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/ratelimit"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
	"github.com/coachpo/tradegate/internal/venue/binance"
	"github.com/coachpo/tradegate/internal/venue/bybit"
	"github.com/coachpo/tradegate/internal/venue/okx"
)

type (
	symbolFunc  func(ctx context.Context, symbol string) error
	accountFunc func(ctx context.Context) error
)

// connector is one running venue with its subscription entry points.
type connector struct {
	exchange    config.Exchange
	accountType string
	close       func() error
	market      map[config.Channel]symbolFunc
	kline       func(ctx context.Context, symbol, interval string) error
	account     map[config.Channel]accountFunc
}

func (c *connector) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// subscribe opens every subscription st describes on c.
func (c *connector) subscribe(ctx context.Context, st config.StreamSettings) error {
	if st.Channel == config.ChannelKline && c.kline != nil {
		for _, symbol := range st.Symbols {
			if err := c.kline(ctx, symbol, st.Interval); err != nil {
				return fmt.Errorf("%s %s %s: %w", c.exchange, st.Channel, symbol, err)
			}
		}
		return nil
	}
	if fn, ok := c.market[st.Channel]; ok {
		for _, symbol := range st.Symbols {
			if err := fn(ctx, symbol); err != nil {
				return fmt.Errorf("%s %s %s: %w", c.exchange, st.Channel, symbol, err)
			}
		}
		return nil
	}
	if fn, ok := c.account[st.Channel]; ok {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s %s: %w", c.exchange, st.Channel, err)
		}
		return nil
	}
	return errs.UnsupportedStream(string(c.exchange), string(st.Channel), c.accountType)
}

func sessionConfig(ex config.ExchangeSettings) stream.Config {
	return stream.Config{
		Limit: ratelimit.Limit{
			Count: ex.RateLimit.Count,
			Per:   ex.RateLimit.Per,
			Burst: ex.RateLimit.Burst,
		},
		QueueSize:            ex.QueueSize,
		SettleDelay:          ex.SettleDelay,
		MinReconnectInterval: ex.MinReconnectInterval,
		MaxReconnectInterval: ex.MaxReconnectInterval,
		WriteTimeout:         ex.WriteTimeout,
	}
}

func newConnector(name config.Exchange, ex config.ExchangeSettings, bus eventbus.Publisher, opts ...venue.Option) (*connector, error) {
	symbols := schema.NewSymbolMap(ex.Markets)
	account := strings.TrimSpace(ex.AccountType)
	switch name {
	case config.ExchangeOKX:
		c := okx.New(okx.Config{
			AccountType: okx.AccountType(account),
			Credentials: okx.Credentials{
				APIKey:     ex.Credentials.APIKey,
				Secret:     ex.Credentials.APISecret,
				Passphrase: ex.Credentials.Passphrase,
			},
			BookDepth: ex.BookDepth,
			Session:   sessionConfig(ex),
		}, bus, symbols, opts...)
		return &connector{
			exchange:    name,
			accountType: orDefault(account, string(okx.AccountLive)),
			close:       c.Close,
			market: map[config.Channel]symbolFunc{
				config.ChannelBookL1:      c.SubscribeBookL1,
				config.ChannelBookL2:      c.SubscribeBookL2,
				config.ChannelTrade:       c.SubscribeTrade,
				config.ChannelMarkPrice:   c.SubscribeMarkPrice,
				config.ChannelIndexPrice:  c.SubscribeIndexPrice,
				config.ChannelFundingRate: c.SubscribeFundingRate,
			},
			kline: c.SubscribeKline,
			account: map[config.Channel]accountFunc{
				config.ChannelOrders:    c.SubscribeOrders,
				config.ChannelFills:     c.SubscribeFills,
				config.ChannelAccount:   c.SubscribeAccount,
				config.ChannelPositions: c.SubscribePositions,
			},
		}, nil
	case config.ExchangeBybit:
		c := bybit.New(bybit.Config{
			AccountType: bybit.AccountType(account),
			Credentials: bybit.Credentials{APIKey: ex.Credentials.APIKey, Secret: ex.Credentials.APISecret},
			BookDepth:   ex.BookDepth,
			Session:     sessionConfig(ex),
		}, bus, symbols, opts...)
		return &connector{
			exchange:    name,
			accountType: orDefault(account, string(bybit.AccountLinear)),
			close:       c.Close,
			market: map[config.Channel]symbolFunc{
				config.ChannelBookL1:      c.SubscribeBookL1,
				config.ChannelBookL2:      c.SubscribeBookL2,
				config.ChannelTrade:       c.SubscribeTrade,
				config.ChannelTicker:      c.SubscribeTicker,
				config.ChannelMarkPrice:   c.SubscribeMarkPrice,
				config.ChannelIndexPrice:  c.SubscribeIndexPrice,
				config.ChannelFundingRate: c.SubscribeFundingRate,
			},
			kline: c.SubscribeKline,
			account: map[config.Channel]accountFunc{
				config.ChannelOrders:    c.SubscribeOrders,
				config.ChannelAccount:   c.SubscribeAccount,
				config.ChannelPositions: c.SubscribePositions,
			},
		}, nil
	case config.ExchangeBinance:
		c := binance.New(binance.Config{
			AccountType:       binance.AccountType(account),
			BookDepth:         ex.BookDepth,
			MarkPriceInterval: ex.MarkPriceInterval,
			Session:           sessionConfig(ex),
		}, bus, symbols, opts...)
		accountType := orDefault(account, string(binance.AccountSpot))
		listenKey := strings.TrimSpace(ex.ListenKey)
		return &connector{
			exchange:    name,
			accountType: accountType,
			close:       c.Close,
			market: map[config.Channel]symbolFunc{
				config.ChannelBookL1:      c.SubscribeBookL1,
				config.ChannelBookL2:      c.SubscribeBookL2,
				config.ChannelTrade:       c.SubscribeTrade,
				config.ChannelAggTrade:    c.SubscribeAggTrade,
				config.ChannelMarkPrice:   c.SubscribeMarkPrice,
				config.ChannelIndexPrice:  c.SubscribeIndexPrice,
				config.ChannelFundingRate: c.SubscribeFundingRate,
			},
			kline: c.SubscribeKline,
			account: map[config.Channel]accountFunc{
				config.ChannelUserData: func(ctx context.Context) error {
					if listenKey == "" {
						return errs.MissingCredential(string(name), string(config.ChannelUserData))
					}
					return c.SubscribeUserData(ctx, listenKey)
				},
			},
		}, nil
	default:
		return nil, errs.New(string(name), errs.CodeInvalid, errs.WithMessage("unsupported exchange"))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
