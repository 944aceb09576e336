package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errConnClosed = errors.New("fake connection closed")

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []string
	// failWrites makes every Write fail as a broken socket would.
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 256), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errConnClosed
	case msg := <-c.inbound:
		return msg, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msg string) {
	c.inbound <- []byte(msg)
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dials <- conn
	return conn, nil
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakeProtocol speaks a line protocol: "data:<topic>:<body>", "login-ok", "login-bad", "ping",
// "pong" and "err:<code>".
type fakeProtocol struct {
	credentials bool
	acks        bool
}

func (p fakeProtocol) Venue() string         { return "fake" }
func (p fakeProtocol) CanAuthenticate() bool { return p.credentials }
func (p fakeProtocol) AcksLogin() bool       { return p.acks }
func (p fakeProtocol) Ping() []byte          { return nil }

func (p fakeProtocol) PingInterval() time.Duration { return 0 }

func (p fakeProtocol) Login(time.Time) ([]byte, error) {
	if !p.credentials {
		return nil, nil
	}
	return []byte("login"), nil
}

func (p fakeProtocol) Classify(raw []byte) (Inbound, error) {
	msg := string(raw)
	switch {
	case msg == "login-ok":
		return Inbound{Kind: InboundLoginAck}, nil
	case msg == "login-bad":
		return Inbound{Kind: InboundLoginRejected, Code: "60009", Message: "Login failed."}, nil
	case msg == "ping":
		return Inbound{Kind: InboundPing, Reply: []byte("pong")}, nil
	case msg == "pong":
		return Inbound{Kind: InboundControl}, nil
	case strings.HasPrefix(msg, "err:"):
		return Inbound{Kind: InboundError, Code: strings.TrimPrefix(msg, "err:")}, nil
	case strings.HasPrefix(msg, "data:"):
		parts := strings.SplitN(msg, ":", 3)
		if len(parts) != 3 {
			return Inbound{}, errors.New("malformed data frame")
		}
		return Inbound{Kind: InboundData, Topic: parts[1]}, nil
	default:
		return Inbound{}, errors.New("unknown frame")
	}
}

type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) Handle(_ context.Context, frame Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, string(frame.Raw))
	c.mu.Unlock()
	return nil
}

func (c *collector) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

func sub(id string, handler Handler) Subscription {
	return Subscription{
		ID:          id,
		Topic:       id,
		Payload:     []byte("sub:" + id),
		Unsubscribe: []byte("unsub:" + id),
		Handler:     handler,
	}
}
