// Package wsfake provides an in-memory stream.Dialer for connector tests.
package wsfake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/tradegate/internal/stream"
)

// ErrClosed is returned by reads and writes on a closed Conn.
var ErrClosed = errors.New("wsfake: connection closed")

// Conn is a scripted connection. Push feeds inbound frames; Writes records outbound ones.
type Conn struct {
	URL string

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []string
	notify chan struct{}
}

func newConn(url string) *Conn {
	return &Conn{
		URL:     url,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case msg := <-c.inbound:
		return msg, nil
	}
}

func (c *Conn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push queues an inbound frame.
func (c *Conn) Push(msg string) {
	c.inbound <- []byte(msg)
}

// Drop closes the connection as if the venue hung up.
func (c *Conn) Drop() {
	_ = c.Close("dropped")
}

// Closed reports whether the connection was closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns a copy of every frame written so far.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// WaitWrites blocks until at least n frames were written or timeout elapses.
func (c *Conn) WaitWrites(n int, timeout time.Duration) []string {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if writes := c.Writes(); len(writes) >= n {
			return writes
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return c.Writes()
		}
	}
}

// Dialer hands out a new Conn per Dial.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	dials chan *Conn
}

// NewDialer constructs a Dialer.
func NewDialer() *Dialer {
	return &Dialer{dials: make(chan *Conn, 32)}
}

// Dial implements stream.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := newConn(url)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	select {
	case d.dials <- conn:
	default:
	}
	return conn, nil
}

// Next waits for the next dialed connection. It returns nil on timeout.
func (d *Dialer) Next(timeout time.Duration) *Conn {
	select {
	case conn := <-d.dials:
		return conn
	case <-time.After(timeout):
		return nil
	}
}

// Count returns the number of dials.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
