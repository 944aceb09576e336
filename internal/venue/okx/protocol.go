// Package okx implements the OKX v5 websocket connector.
package okx

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

const (
	exchangeName = "okx"
	pingInterval = 25 * time.Second
	verifyPath   = "/users/self/verify"
)

// AccountType selects the OKX host family.
type AccountType string

// Account types.
const (
	AccountLive AccountType = "live"
	AccountAWS  AccountType = "aws"
	AccountDemo AccountType = "demo"
)

var streamHosts = map[AccountType]string{
	AccountLive: "wss://ws.okx.com:8443/ws",
	AccountAWS:  "wss://wsaws.okx.com:8443/ws",
	AccountDemo: "wss://wspap.okx.com:8443/ws",
}

// ParseAccountType validates a configured account type. Empty selects live.
func ParseAccountType(raw string) (AccountType, error) {
	account := AccountType(strings.ToLower(strings.TrimSpace(raw)))
	if account == "" {
		return AccountLive, nil
	}
	if _, ok := streamHosts[account]; !ok {
		return "", fmt.Errorf("okx: unknown account type %q", raw)
	}
	return account, nil
}

// Endpoint is a websocket path under /ws/v5.
type Endpoint string

// Endpoints.
const (
	EndpointPublic   Endpoint = "public"
	EndpointBusiness Endpoint = "business"
	EndpointPrivate  Endpoint = "private"
)

// StreamURL returns the websocket URL for an account type and endpoint.
func StreamURL(account AccountType, endpoint Endpoint) string {
	host, ok := streamHosts[account]
	if !ok {
		host = streamHosts[AccountLive]
	}
	return host + "/v5/" + string(endpoint)
}

// Credentials are the API key triple.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Complete reports whether every credential is set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// login failures reported as error events.
var loginFailureCodes = map[string]struct{}{
	"60004": {}, "60005": {}, "60006": {}, "60007": {}, "60009": {}, "60024": {},
}

type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// key is the routing topic of a subscription argument.
func (a wsArg) key() string {
	switch {
	case a.InstID != "":
		return a.Channel + ":" + a.InstID
	case a.InstType != "":
		return a.Channel + ":" + a.InstType
	default:
		return a.Channel
	}
}

type wsRequest struct {
	ID   string  `json:"id,omitempty"`
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

type loginRequest struct {
	Op   string     `json:"op"`
	Args []loginArg `json:"args"`
}

type wsEnvelope struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   *wsArg `json:"arg"`
}

func controlFrame(op string, arg wsArg) ([]byte, error) {
	req := wsRequest{
		ID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		Op:   op,
		Args: []wsArg{arg},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	return data, nil
}

func loginFrame(creds Credentials, now time.Time) ([]byte, error) {
	timestamp := strconv.FormatInt(now.UTC().Unix(), 10)
	signature := base64.StdEncoding.EncodeToString(venue.Sign(creds.Secret, timestamp+"GET"+verifyPath))
	data, err := json.Marshal(loginRequest{
		Op: "login",
		Args: []loginArg{{
			APIKey:     creds.APIKey,
			Passphrase: creds.Passphrase,
			Timestamp:  timestamp,
			Sign:       signature,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}
	return data, nil
}

type protocol struct {
	creds Credentials
	login bool
}

func (p protocol) Venue() string { return exchangeName }

func (p protocol) CanAuthenticate() bool { return p.login && p.creds.Complete() }

func (p protocol) Login(now time.Time) ([]byte, error) {
	if !p.CanAuthenticate() {
		return nil, nil
	}
	return loginFrame(p.creds, now)
}

func (p protocol) AcksLogin() bool { return true }

func (p protocol) Ping() []byte { return []byte("ping") }

func (p protocol) PingInterval() time.Duration { return pingInterval }

func (p protocol) Classify(raw []byte) (stream.Inbound, error) {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "pong":
		return stream.Inbound{Kind: stream.InboundControl}, nil
	case "ping":
		return stream.Inbound{Kind: stream.InboundPing, Reply: []byte("pong")}, nil
	}

	var env wsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", err)
	}
	switch env.Event {
	case "":
		if env.Arg == nil || env.Arg.Channel == "" {
			return stream.Inbound{}, venue.DecodeError(exchangeName, "envelope", fmt.Errorf("frame without arg"))
		}
		return stream.Inbound{Kind: stream.InboundData, Topic: env.Arg.key()}, nil
	case "login":
		if env.Code == "0" {
			return stream.Inbound{Kind: stream.InboundLoginAck}, nil
		}
		return stream.Inbound{Kind: stream.InboundLoginRejected, Code: env.Code, Message: env.Msg}, nil
	case "error":
		if _, ok := loginFailureCodes[env.Code]; ok {
			return stream.Inbound{Kind: stream.InboundLoginRejected, Code: env.Code, Message: env.Msg}, nil
		}
		return stream.Inbound{Kind: stream.InboundError, Code: env.Code, Message: env.Msg}, nil
	case "notice":
		return stream.Inbound{Kind: stream.InboundError, Code: env.Code, Message: env.Msg}, nil
	default:
		// subscribe, unsubscribe, channel-conn-count
		return stream.Inbound{Kind: stream.InboundControl}, nil
	}
}
