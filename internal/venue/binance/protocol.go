// Package binance implements the Binance combined-stream websocket connector.
package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const exchangeName = "binance"

// AccountType selects the stream host.
type AccountType string

// Account types.
const (
	AccountSpot               AccountType = "spot"
	AccountMargin             AccountType = "margin"
	AccountIsolatedMargin     AccountType = "isolated_margin"
	AccountUSDMFuture         AccountType = "usdm_future"
	AccountCOINMFuture        AccountType = "coinm_future"
	AccountPortfolioMargin    AccountType = "portfolio_margin"
	AccountSpotTestnet        AccountType = "spot_testnet"
	AccountUSDMFutureTestnet  AccountType = "usdm_future_testnet"
	AccountCOINMFutureTestnet AccountType = "coinm_future_testnet"
)

var streamURLs = map[AccountType]string{
	AccountSpot:               "wss://stream.binance.com:9443/stream",
	AccountMargin:             "wss://stream.binance.com:9443/stream",
	AccountIsolatedMargin:     "wss://stream.binance.com:9443/stream",
	AccountUSDMFuture:         "wss://fstream.binance.com/stream",
	AccountCOINMFuture:        "wss://dstream.binance.com/stream",
	AccountPortfolioMargin:    "wss://fstream.binance.com/pm/stream",
	AccountSpotTestnet:        "wss://testnet.binance.vision/stream",
	AccountUSDMFutureTestnet:  "wss://stream.binancefuture.com/stream",
	AccountCOINMFutureTestnet: "wss://dstream.binancefuture.com/stream",
}

// ParseAccountType validates a configured account type. Empty selects spot.
func ParseAccountType(raw string) (AccountType, error) {
	account := AccountType(strings.ToLower(strings.TrimSpace(raw)))
	if account == "" {
		return AccountSpot, nil
	}
	if _, ok := streamURLs[account]; !ok {
		return "", fmt.Errorf("binance: unknown account type %q", raw)
	}
	return account, nil
}

// StreamURL returns the combined stream endpoint.
func (a AccountType) StreamURL() string {
	if url, ok := streamURLs[a]; ok {
		return url
	}
	return streamURLs[AccountSpot]
}

// IsMargin reports cross or isolated margin.
func (a AccountType) IsMargin() bool {
	return a == AccountMargin || a == AccountIsolatedMargin
}

// IsPortfolioMargin reports the portfolio margin account.
func (a AccountType) IsPortfolioMargin() bool {
	return a == AccountPortfolioMargin
}

// IsFuture reports USD-M and COIN-M futures, testnet included.
func (a AccountType) IsFuture() bool {
	switch a {
	case AccountUSDMFuture, AccountCOINMFuture, AccountUSDMFutureTestnet, AccountCOINMFutureTestnet:
		return true
	default:
		return false
	}
}

// Kind returns the product line of the account's instruments.
func (a AccountType) Kind() schema.MarketKind {
	switch a {
	case AccountUSDMFuture, AccountUSDMFutureTestnet, AccountPortfolioMargin:
		return schema.MarketLinear
	case AccountCOINMFuture, AccountCOINMFutureTestnet:
		return schema.MarketInverse
	default:
		return schema.MarketSpot
	}
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
}

func controlFrame(method, params string, now time.Time) ([]byte, error) {
	data, err := json.Marshal(request{Method: method, Params: []string{params}, ID: now.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	return data, nil
}

// protocol needs no login: user data streams are keyed by a listen key obtained over REST,
// and protocol level pings are answered by the websocket library.
type protocol struct{}

func (protocol) Venue() string { return exchangeName }

func (protocol) CanAuthenticate() bool { return true }

func (protocol) Login(time.Time) ([]byte, error) { return nil, nil }

func (protocol) AcksLogin() bool { return false }

func (protocol) Ping() []byte { return nil }

func (protocol) PingInterval() time.Duration { return 0 }

func (protocol) Classify(raw []byte) (stream.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", err)
	}
	switch {
	case env.Stream != "":
		return stream.Inbound{Kind: stream.InboundData, Topic: env.Stream}, nil
	case env.Error != nil:
		return stream.Inbound{Kind: stream.InboundError, Code: strconv.Itoa(env.Error.Code), Message: env.Error.Msg}, nil
	case env.Code != nil:
		return stream.Inbound{Kind: stream.InboundError, Code: strconv.Itoa(*env.Code), Message: env.Msg}, nil
	case env.ID != nil:
		return stream.Inbound{Kind: stream.InboundControl}, nil
	default:
		return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", fmt.Errorf("frame without stream or id"))
	}
}
