// Package stream implements the venue-agnostic websocket session: subscription registry,
// authentication, resubscription after reconnect and per-subscription ordered delivery.
package stream

import (
	"context"
	"time"
)

// Frame is one raw data message routed to a subscription.
type Frame struct {
	Topic    string
	Raw      []byte
	Received time.Time
}

// Handler processes frames of one subscription. Calls for a subscription are serialized on its
// own consumer goroutine.
type Handler interface {
	Handle(ctx context.Context, frame Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, frame Frame) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, frame Frame) error {
	return f(ctx, frame)
}

// Subscription is a logical stream registered on a session.
type Subscription struct {
	// ID is the stable logical key, for example "books.BTC-USDT".
	ID string
	// Topic is the routing key the venue echoes on data frames.
	Topic string
	// Payload is the subscribe control frame, replayed verbatim after every reconnect.
	Payload []byte
	// Unsubscribe is the optional unsubscribe control frame used by Resync.
	Unsubscribe  []byte
	RequiresAuth bool
	Handler      Handler
}

// InboundKind classifies a frame read from the venue.
type InboundKind int

const (
	// InboundData carries market or account data for Inbound.Topic.
	InboundData InboundKind = iota
	// InboundLoginAck confirms authentication.
	InboundLoginAck
	// InboundLoginRejected reports failed authentication.
	InboundLoginRejected
	// InboundControl covers subscribe acks, pongs and other frames with no payload.
	InboundControl
	// InboundPing is a venue-initiated ping; Inbound.Reply is written back.
	InboundPing
	// InboundError is a venue error event.
	InboundError
)

func (k InboundKind) String() string {
	switch k {
	case InboundData:
		return "data"
	case InboundLoginAck:
		return "login_ack"
	case InboundLoginRejected:
		return "login_rejected"
	case InboundControl:
		return "control"
	case InboundPing:
		return "ping"
	case InboundError:
		return "error"
	default:
		return "unknown"
	}
}

// Inbound is the classification of a raw frame.
type Inbound struct {
	Kind    InboundKind
	Topic   string
	Reply   []byte
	Code    string
	Message string
}

// Protocol captures the venue-specific framing a Session needs.
type Protocol interface {
	// Venue names the exchange for logs and errors.
	Venue() string
	// CanAuthenticate reports whether credentials are configured.
	CanAuthenticate() bool
	// Login builds the authentication frame. A nil frame means the connection needs no login.
	Login(now time.Time) ([]byte, error)
	// AcksLogin reports whether the venue answers the login frame.
	AcksLogin() bool
	// Ping returns the application keepalive frame, or nil.
	Ping() []byte
	// PingInterval is the keepalive cadence. Zero disables keepalive.
	PingInterval() time.Duration
	// Classify inspects a raw frame.
	Classify(raw []byte) (Inbound, error)
}
