// Package bybit implements the Bybit v5 websocket connector.
package bybit

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const (
	exchangeName = "bybit"
	pingInterval = 20 * time.Second
	authWindow   = time.Second
)

// AccountType selects the public product line and host family.
type AccountType string

// Account types.
const (
	AccountSpot           AccountType = "spot"
	AccountLinear         AccountType = "linear"
	AccountInverse        AccountType = "inverse"
	AccountSpotTestnet    AccountType = "spot_testnet"
	AccountLinearTestnet  AccountType = "linear_testnet"
	AccountInverseTestnet AccountType = "inverse_testnet"
)

// ParseAccountType validates a configured account type. Empty selects linear.
func ParseAccountType(raw string) (AccountType, error) {
	account := AccountType(strings.ToLower(strings.TrimSpace(raw)))
	switch account {
	case "":
		return AccountLinear, nil
	case AccountSpot, AccountLinear, AccountInverse,
		AccountSpotTestnet, AccountLinearTestnet, AccountInverseTestnet:
		return account, nil
	default:
		return "", fmt.Errorf("bybit: unknown account type %q", raw)
	}
}

// Testnet reports whether the account uses the testnet hosts.
func (a AccountType) Testnet() bool {
	return strings.HasSuffix(string(a), "_testnet")
}

// Kind returns the product line served by the account's public endpoint.
func (a AccountType) Kind() schema.MarketKind {
	switch strings.TrimSuffix(string(a), "_testnet") {
	case string(AccountSpot):
		return schema.MarketSpot
	case string(AccountInverse):
		return schema.MarketInverse
	default:
		return schema.MarketLinear
	}
}

func (a AccountType) host() string {
	if a.Testnet() {
		return "wss://stream-testnet.bybit.com"
	}
	return "wss://stream.bybit.com"
}

// PublicURL is the public endpoint of the account's product line.
func (a AccountType) PublicURL() string {
	return a.host() + "/v5/public/" + string(a.Kind())
}

// PrivateURL is the private endpoint.
func (a AccountType) PrivateURL() string {
	return a.host() + "/v5/private"
}

// Credentials are the API key pair.
type Credentials struct {
	APIKey string
	Secret string
}

// Complete reports whether both parts are set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != ""
}

type request struct {
	Op   string `json:"op"`
	Args []any  `json:"args,omitempty"`
}

type envelope struct {
	Topic   string `json:"topic"`
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

func controlFrame(op, topic string) ([]byte, error) {
	data, err := json.Marshal(request{Op: op, Args: []any{topic}})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	return data, nil
}

// authFrame signs "GET/realtime<expires>" with expires one second ahead of now.
func authFrame(creds Credentials, now time.Time) ([]byte, error) {
	expires := now.Add(authWindow).UnixMilli()
	signature := hex.EncodeToString(venue.Sign(creds.Secret, "GET/realtime"+strconv.FormatInt(expires, 10)))
	data, err := json.Marshal(request{Op: "auth", Args: []any{creds.APIKey, expires, signature}})
	if err != nil {
		return nil, fmt.Errorf("marshal auth request: %w", err)
	}
	return data, nil
}

type protocol struct {
	creds   Credentials
	private bool
}

func (p protocol) Venue() string { return exchangeName }

func (p protocol) CanAuthenticate() bool { return p.private && p.creds.Complete() }

func (p protocol) Login(now time.Time) ([]byte, error) {
	if !p.CanAuthenticate() {
		return nil, nil
	}
	return authFrame(p.creds, now)
}

func (p protocol) AcksLogin() bool { return true }

func (p protocol) Ping() []byte { return []byte(`{"op":"ping"}`) }

func (p protocol) PingInterval() time.Duration { return pingInterval }

func (p protocol) Classify(raw []byte) (stream.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", err)
	}
	if env.Topic != "" {
		return stream.Inbound{Kind: stream.InboundData, Topic: env.Topic}, nil
	}
	ok := env.Success == nil || *env.Success
	switch env.Op {
	case "auth":
		if ok {
			return stream.Inbound{Kind: stream.InboundLoginAck}, nil
		}
		return stream.Inbound{Kind: stream.InboundLoginRejected, Message: env.RetMsg}, nil
	case "ping", "pong":
		return stream.Inbound{Kind: stream.InboundControl}, nil
	case "subscribe", "unsubscribe":
		if ok {
			return stream.Inbound{Kind: stream.InboundControl}, nil
		}
		return stream.Inbound{Kind: stream.InboundError, Code: env.Op, Message: env.RetMsg}, nil
	case "":
		return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", fmt.Errorf("frame without topic or op"))
	default:
		return stream.Inbound{Kind: stream.InboundControl}, nil
	}
}
