package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/ratelimit"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestSession(t *testing.T, proto Protocol, opts ...Option) (*Session, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	cfg := Config{
		URL:                  "ws://fake",
		AccountType:          "spot",
		SettleDelay:          200 * time.Millisecond,
		MinReconnectInterval: 5 * time.Millisecond,
		MaxReconnectInterval: 20 * time.Millisecond,
		CloseGrace:           100 * time.Millisecond,
	}
	s := NewSession(cfg, proto, append([]Option{WithDialer(dialer)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s, dialer
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dials:
		return conn
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

func awaitStreaming(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, waitFor, tick)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, sub("trades.BTC", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	require.NoError(t, s.Subscribe(ctx, sub("trades.BTC", &collector{})))
	require.NoError(t, s.Subscribe(ctx, sub("books.BTC", &collector{})))

	require.Eventually(t, func() bool { return len(conn.Writes()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"sub:trades.BTC", "sub:books.BTC"}, conn.Writes())
	require.Len(t, s.Subscriptions(), 2)
}

func TestSubscribeSendsDespiteCancelledCaller(t *testing.T) {
	dialer := newFakeDialer()
	s := NewSession(Config{
		URL:                  "ws://fake",
		AccountType:          "spot",
		Limit:                ratelimit.Limit{Count: 1, Per: 300 * time.Millisecond, Burst: 1},
		MinReconnectInterval: 5 * time.Millisecond,
		MaxReconnectInterval: 20 * time.Millisecond,
		CloseGrace:           100 * time.Millisecond,
	}, fakeProtocol{}, WithDialer(dialer))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Subscribe(context.Background(), sub("trades.BTC", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)
	require.Eventually(t, func() bool { return len(conn.Writes()) == 1 }, waitFor, tick)

	// the limiter has no token left, so this send has to wait while the caller gives up
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Subscribe(ctx, sub("books.BTC", &collector{})))

	require.Eventually(t, func() bool { return len(conn.Writes()) == 2 }, waitFor, tick)
	require.Equal(t, []string{"sub:trades.BTC", "sub:books.BTC"}, conn.Writes())
	require.Equal(t, 1, dialer.Count())
}

func TestFailedSubscribeWriteReconnectsAndReplays(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, sub("trades.BTC", &collector{})))
	first := nextConn(t, dialer)
	awaitStreaming(t, s)
	require.Eventually(t, func() bool { return len(first.Writes()) == 1 }, waitFor, tick)

	first.failWrites.Store(true)
	require.NoError(t, s.Subscribe(ctx, sub("books.BTC", &collector{})))
	require.Eventually(t, first.isClosed, waitFor, tick)

	second := nextConn(t, dialer)
	require.Eventually(t, func() bool { return len(second.Writes()) == 2 }, waitFor, tick)
	require.ElementsMatch(t, []string{"sub:trades.BTC", "sub:books.BTC"}, second.Writes())
}

func TestReconnectAuthenticatesBeforeReplay(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{credentials: true, acks: true})
	ctx := context.Background()

	a := sub("orders", &collector{})
	a.RequiresAuth = true
	require.NoError(t, s.Subscribe(ctx, a))
	require.NoError(t, s.Subscribe(ctx, sub("account", &collector{})))

	first := nextConn(t, dialer)
	require.Eventually(t, func() bool { return len(first.Writes()) == 1 }, waitFor, tick)
	require.Equal(t, StateAuthenticating, s.State())
	first.push("login-ok")
	awaitStreaming(t, s)
	require.Equal(t, []string{"login", "sub:orders", "sub:account"}, first.Writes())

	require.NoError(t, first.Close("drop"))

	second := nextConn(t, dialer)
	require.Eventually(t, func() bool { return len(second.Writes()) == 1 }, waitFor, tick)
	second.push("login-ok")
	awaitStreaming(t, s)
	require.Equal(t, []string{"login", "sub:orders", "sub:account"}, second.Writes())
}

func TestLoginRejectedReconnects(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{credentials: true, acks: true})
	require.NoError(t, s.Subscribe(context.Background(), sub("orders", &collector{})))

	first := nextConn(t, dialer)
	require.Eventually(t, func() bool { return len(first.Writes()) == 1 }, waitFor, tick)
	first.push("login-bad")

	second := nextConn(t, dialer)
	require.True(t, first.isClosed())
	require.Equal(t, []string{"login"}, first.Writes())
	second.push("login-ok")
	awaitStreaming(t, s)
}

func TestLoginWithoutAckWaitsSettleDelay(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{credentials: true})
	start := time.Now()
	require.NoError(t, s.Subscribe(context.Background(), sub("orders", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, []string{"login", "sub:orders"}, conn.Writes())
}

func TestFramesDeliveredInOrder(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	trades, books := &collector{}, &collector{}
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, sub("trades", trades)))
	require.NoError(t, s.Subscribe(ctx, sub("books", books)))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	want := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		msg := fmt.Sprintf("data:trades:%d", i)
		want = append(want, msg)
		conn.push(msg)
		if i%10 == 0 {
			conn.push("data:books:x")
		}
	}
	require.Eventually(t, func() bool { return len(trades.Frames()) == 50 }, waitFor, tick)
	require.Equal(t, want, trades.Frames())
	require.Eventually(t, func() bool { return len(books.Frames()) == 5 }, waitFor, tick)
}

func TestSlowHandlerAppliesBackpressure(t *testing.T) {
	release := make(chan struct{})
	var seen collector
	slow := HandlerFunc(func(ctx context.Context, frame Frame) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return seen.Handle(ctx, frame)
	})
	s, dialer := newTestSession(t, fakeProtocol{})
	require.NoError(t, s.Subscribe(context.Background(), sub("books", slow)))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	for i := 0; i < 20; i++ {
		conn.push(fmt.Sprintf("data:books:%d", i))
	}
	close(release)
	require.Eventually(t, func() bool { return len(seen.Frames()) == 20 }, waitFor, tick)
	require.Equal(t, "data:books:19", seen.Frames()[19])
}

func TestUnknownTopicAndBadFramesAreDropped(t *testing.T) {
	rec := observability.NewRecorder()
	s, dialer := newTestSession(t, fakeProtocol{}, WithLogger(rec))
	got := &collector{}
	require.NoError(t, s.Subscribe(context.Background(), sub("trades", got)))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	conn.push("data:other:1")
	conn.push("garbage")
	conn.push("pong")
	conn.push("err:30040")
	conn.push("data:trades:ok")

	require.Eventually(t, func() bool { return len(got.Frames()) == 1 }, waitFor, tick)
	require.Equal(t, 1, rec.Count("warn", "frame for unknown topic"))
	require.Equal(t, 1, rec.Count("warn", "undecodable frame"))
	require.Equal(t, 1, rec.Count("error", "venue error"))
	require.Equal(t, StateStreaming, s.State())
}

func TestVenuePingIsAnswered(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	require.NoError(t, s.Subscribe(context.Background(), sub("trades", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	conn.push("ping")
	require.Eventually(t, func() bool { return len(conn.Writes()) == 2 }, waitFor, tick)
	require.Equal(t, "pong", conn.Writes()[1])
}

func TestHandlerFailuresAreLogged(t *testing.T) {
	rec := observability.NewRecorder()
	s, dialer := newTestSession(t, fakeProtocol{}, WithLogger(rec))
	failing := HandlerFunc(func(context.Context, Frame) error { return errors.New("bad payload") })
	panicking := HandlerFunc(func(context.Context, Frame) error { panic("boom") })
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, sub("a", failing)))
	require.NoError(t, s.Subscribe(ctx, sub("b", panicking)))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	conn.push("data:a:1")
	conn.push("data:b:1")
	require.Eventually(t, func() bool { return rec.Count("warn", "dropping frame") == 2 }, waitFor, tick)
}

func TestResyncSendsUnsubscribeThenSubscribe(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, sub("books", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	require.NoError(t, s.Resync(ctx, "books"))
	require.Equal(t, []string{"sub:books", "unsub:books", "sub:books"}, conn.Writes())

	err := s.Resync(ctx, "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestSubscribeValidation(t *testing.T) {
	s, _ := newTestSession(t, fakeProtocol{})
	ctx := context.Background()

	err := s.Subscribe(ctx, Subscription{ID: "x", Topic: "x", Payload: []byte("p")})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	err = s.Subscribe(ctx, Subscription{Topic: "x", Payload: []byte("p"), Handler: &collector{}})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	private := sub("orders", &collector{})
	private.RequiresAuth = true
	err = s.Subscribe(ctx, private)
	require.Equal(t, errs.CanonicalMissingCredential, errs.CanonicalOf(err))
	require.Equal(t, StateDisconnected, s.State(), "rejected subscriptions never start the connector")
}

func TestCloseIsIdempotent(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	ctx := context.Background()
	require.NoError(t, s.Subscribe(ctx, sub("trades", &collector{})))
	conn := nextConn(t, dialer)
	awaitStreaming(t, s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	require.True(t, conn.isClosed())
	require.Equal(t, 1, dialer.Count())

	err := s.Subscribe(ctx, sub("books", &collector{}))
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestCloseBeforeConnect(t *testing.T) {
	s, dialer := newTestSession(t, fakeProtocol{})
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, 0, dialer.Count())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Add(Subscription{ID: "a", Topic: "ta"}))
	require.False(t, r.Add(Subscription{ID: "a", Topic: "other"}))
	require.True(t, r.Add(Subscription{ID: "b", Topic: "tb"}))

	got, ok := r.Lookup("ta")
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
	_, ok = r.Lookup("other")
	require.False(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].ID)
	require.Equal(t, "b", snap[1].ID)
	require.Equal(t, 2, r.Len())
}
