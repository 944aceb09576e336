package config

import (
	"errors"
	"fmt"
	"strings"
)

// Channel names a subscription kind understood by the gateway.
type Channel string

const (
	ChannelBookL1      Channel = "bookl1"
	ChannelBookL2      Channel = "bookl2"
	ChannelTrade       Channel = "trade"
	ChannelAggTrade    Channel = "agg_trade"
	ChannelTicker      Channel = "ticker"
	ChannelKline       Channel = "kline"
	ChannelMarkPrice   Channel = "mark_price"
	ChannelFundingRate Channel = "funding_rate"
	ChannelIndexPrice  Channel = "index_price"
	ChannelOrders      Channel = "orders"
	ChannelFills       Channel = "fills"
	ChannelAccount     Channel = "account"
	ChannelPositions   Channel = "positions"
	ChannelUserData    Channel = "user_data"
)

var symbolChannels = map[Channel]struct{}{
	ChannelBookL1: {}, ChannelBookL2: {}, ChannelTrade: {}, ChannelAggTrade: {}, ChannelTicker: {},
	ChannelKline: {}, ChannelMarkPrice: {}, ChannelFundingRate: {}, ChannelIndexPrice: {},
}

var accountChannels = map[Channel]struct{}{
	ChannelOrders: {}, ChannelFills: {}, ChannelAccount: {}, ChannelPositions: {}, ChannelUserData: {},
}

// StreamSettings declares one gateway subscription. Market channels fan out over Symbols;
// account channels ignore them.
type StreamSettings struct {
	Exchange Exchange `yaml:"exchange"`
	Channel  Channel  `yaml:"channel"`
	Symbols  []string `yaml:"symbols"`
	// Interval is the kline interval in venue notation.
	Interval string `yaml:"interval"`
}

// Private reports whether the channel needs an authenticated session.
func (s StreamSettings) Private() bool {
	_, ok := accountChannels[s.Channel]
	return ok
}

func (s *StreamSettings) normalize() {
	s.Exchange = Exchange(normalizeExchangeName(string(s.Exchange)))
	s.Channel = Channel(strings.ToLower(strings.TrimSpace(string(s.Channel))))
	s.Interval = strings.TrimSpace(s.Interval)
	symbols := s.Symbols[:0]
	for _, sym := range s.Symbols {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	s.Symbols = symbols
}

func (s *StreamSettings) validate() error {
	s.normalize()
	if s.Exchange == "" {
		return errors.New("exchange required")
	}
	if _, ok := symbolChannels[s.Channel]; ok {
		if len(s.Symbols) == 0 {
			return fmt.Errorf("channel %s needs symbols", s.Channel)
		}
		if s.Channel == ChannelKline && s.Interval == "" {
			return errors.New("kline needs an interval")
		}
		return nil
	}
	if _, ok := accountChannels[s.Channel]; ok {
		return nil
	}
	return fmt.Errorf("unknown channel %q", s.Channel)
}
