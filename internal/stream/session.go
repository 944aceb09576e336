package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/ratelimit"
	"github.com/coachpo/tradegate/internal/telemetry"
)

const (
	defaultQueueSize            = 12
	defaultSettleDelay          = 5 * time.Second
	defaultMinReconnectInterval = 500 * time.Millisecond
	defaultMaxReconnectInterval = 20 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultCloseGrace           = 2 * time.Second
)

// State is the connection lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config tunes a Session. Zero values select the defaults.
type Config struct {
	URL                  string
	AccountType          string
	Limit                ratelimit.Limit
	QueueSize            int
	SettleDelay          time.Duration
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	WriteTimeout         time.Duration
	CloseGrace           time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.MinReconnectInterval <= 0 {
		c.MinReconnectInterval = defaultMinReconnectInterval
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.MaxReconnectInterval < c.MinReconnectInterval {
		c.MaxReconnectInterval = c.MinReconnectInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Session) {
		s.logger = observability.OrNop(logger)
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer Dialer) Option {
	return func(s *Session) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

// WithMeter overrides the meter used for session instruments.
func WithMeter(meter metric.Meter) Option {
	return func(s *Session) {
		if meter != nil {
			s.meter = meter
		}
	}
}

// Session owns one physical connection to a venue endpoint and keeps every registered
// subscription alive across reconnects.
type Session struct {
	cfg      Config
	proto    Protocol
	dialer   Dialer
	limiter  *ratelimit.Limiter
	logger   observability.Logger
	meter    metric.Meter
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	lifeMu    sync.Mutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	loop      conc.WaitGroup
	consumers conc.WaitGroup

	connMu sync.RWMutex
	conn   Conn
	gen    uint64

	// ctrlMu serializes control writes; sent records the connection generation each
	// subscription was last sent on.
	ctrlMu sync.Mutex
	sent   map[string]uint64

	queueMu sync.RWMutex
	queues  map[string]chan Frame

	attrs          metric.MeasurementOption
	transitions    metric.Int64Counter
	reconnects     metric.Int64Counter
	framesReceived metric.Int64Counter
	decodeFailures metric.Int64Counter
	controlSent    metric.Int64Counter
	queueWait      metric.Float64Histogram
}

// NewSession constructs a Session. No connection is opened until the first Subscribe.
func NewSession(cfg Config, proto Protocol, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		proto:    proto,
		dialer:   WebsocketDialer{},
		limiter:  ratelimit.New(cfg.Limit),
		logger:   observability.Nop(),
		meter:    otel.Meter("stream"),
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		sent:     make(map[string]uint64),
		queues:   make(map[string]chan Frame),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(
		observability.F("component", "stream"),
		observability.F("exchange", proto.Venue()),
		observability.F("account_type", cfg.AccountType),
	)
	s.initInstruments()
	return s
}

func (s *Session) initInstruments() {
	s.attrs = metric.WithAttributes(telemetry.SessionAttributes(s.proto.Venue(), s.cfg.AccountType)...)
	s.transitions, _ = s.meter.Int64Counter("stream.state.transitions",
		metric.WithDescription("Session state transitions"),
		metric.WithUnit("{transition}"))
	s.reconnects, _ = s.meter.Int64Counter("stream.reconnects",
		metric.WithDescription("Connections lost and re-dialed"),
		metric.WithUnit("{reconnect}"))
	s.framesReceived, _ = s.meter.Int64Counter("stream.frames.received",
		metric.WithDescription("Frames read from the venue"),
		metric.WithUnit("{frame}"))
	s.decodeFailures, _ = s.meter.Int64Counter("stream.decode.failures",
		metric.WithDescription("Frames dropped because they could not be classified or decoded"),
		metric.WithUnit("{frame}"))
	s.controlSent, _ = s.meter.Int64Counter("stream.control.sent",
		metric.WithDescription("Control frames written"),
		metric.WithUnit("{frame}"))
	s.queueWait, _ = s.meter.Float64Histogram("stream.queue.wait",
		metric.WithDescription("Time the read loop waited on a full subscription queue"),
		metric.WithUnit("ms"))
}

// Venue returns the protocol venue name.
func (s *Session) Venue() string {
	return s.proto.Venue()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Subscriptions returns the registered subscriptions in registration order.
func (s *Session) Subscriptions() []Subscription {
	return s.registry.Snapshot()
}

// Subscribe registers sub and starts delivering its frames. A duplicate id is a logged no-op.
// The control frame is written immediately when streaming, otherwise on the next connection.
// The immediate write is bound to the session lifetime, so cancelling ctx cannot drop it.
func (s *Session) Subscribe(_ context.Context, sub Subscription) error {
	if err := s.validate(sub); err != nil {
		return err
	}

	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return errs.New(s.proto.Venue(), errs.CodeUnavailable, errs.WithMessage("session closed"))
	}
	if _, exists := s.registry.Get(sub.ID); exists {
		s.lifeMu.Unlock()
		s.logger.Info("subscription already registered", observability.F("subscription", sub.ID))
		return nil
	}
	queue := make(chan Frame, s.cfg.QueueSize)
	s.queueMu.Lock()
	s.queues[sub.ID] = queue
	s.queueMu.Unlock()
	s.registry.Add(sub)
	s.consumers.Go(func() { s.consume(sub, queue) })
	s.startOnce.Do(func() { s.loop.Go(s.connectLoop) })
	s.lifeMu.Unlock()

	s.logger.Debug("subscription registered",
		observability.F("subscription", sub.ID),
		observability.F("topic", sub.Topic))

	s.sendIfStreaming(sub)
	return nil
}

func (s *Session) validate(sub Subscription) error {
	venue := s.proto.Venue()
	invalid := func(msg string) error {
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage(msg))
	}
	switch {
	case strings.TrimSpace(sub.ID) == "":
		return invalid("subscription id required")
	case strings.TrimSpace(sub.Topic) == "":
		return invalid("subscription topic required")
	case len(sub.Payload) == 0:
		return invalid("subscription payload required")
	case sub.Handler == nil:
		return invalid("subscription handler required")
	}
	if sub.RequiresAuth && !s.proto.CanAuthenticate() {
		return errs.MissingCredential(venue, sub.ID)
	}
	return nil
}

// sendIfStreaming writes the subscribe frame on the live connection. A failed write drops the
// connection so the reconnect replays every registered subscription.
func (s *Session) sendIfStreaming(sub Subscription) {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.State() != StateStreaming {
		return
	}
	conn, gen := s.current()
	if conn == nil || s.sent[sub.ID] == gen {
		return
	}
	if err := s.writeControl(s.ctx, conn, sub.Payload); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("subscribe write failed, reconnecting",
			observability.F("subscription", sub.ID), observability.Err(err))
		s.closeConn(conn, "control write failed")
		return
	}
	s.sent[sub.ID] = gen
}

// Resync sends the unsubscribe and subscribe frames for id so the venue pushes a fresh
// snapshot. It is a no-op while not streaming since the next connection replays id anyway.
func (s *Session) Resync(ctx context.Context, id string) error {
	sub, ok := s.registry.Get(id)
	if !ok {
		return errs.New(s.proto.Venue(), errs.CodeNotFound, errs.WithMessage("unknown subscription "+id))
	}
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.State() != StateStreaming {
		return nil
	}
	conn, gen := s.current()
	if conn == nil {
		return nil
	}
	if len(sub.Unsubscribe) > 0 {
		if err := s.writeControl(ctx, conn, sub.Unsubscribe); err != nil {
			return fmt.Errorf("resync %s: %w", id, err)
		}
	}
	if err := s.writeControl(ctx, conn, sub.Payload); err != nil {
		return fmt.Errorf("resync %s: %w", id, err)
	}
	s.sent[id] = gen
	s.logger.Info("subscription resynced", observability.F("subscription", id))
	return nil
}

// Close stops the session. It is idempotent: the first call cancels the connector loop and
// every consumer, closes the socket within the grace period and waits for in-flight handlers.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closed = true
		s.lifeMu.Unlock()

		s.setState(StateClosed)
		s.cancel()
		s.loop.Wait()
		s.consumers.Wait()
		s.logger.Info("session closed")
	})
	return nil
}

func (s *Session) setState(next State) {
	for {
		prev := State(s.state.Load())
		if prev == next || prev == StateClosed {
			return
		}
		if s.state.CompareAndSwap(int32(prev), int32(next)) {
			s.logger.Debug("state transition",
				observability.F("from", prev.String()),
				observability.F("to", next.String()))
			s.transitions.Add(context.Background(), 1, s.attrs,
				metric.WithAttributes(telemetry.AttrConnectionState.String(next.String())))
			return
		}
	}
}

func (s *Session) current() (Conn, uint64) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn, s.gen
}

func (s *Session) attach(conn Conn) uint64 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.gen++
	s.conn = conn
	return s.gen
}

func (s *Session) detach(conn Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Session) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.MinReconnectInterval
	bo.MaxInterval = s.cfg.MaxReconnectInterval

	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(s.ctx, s.cfg.URL)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("dial failed", observability.F("url", s.cfg.URL), observability.Err(err))
			s.setState(StateDisconnected)
			if !s.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()

		err = s.serve(conn)
		s.setState(StateDisconnected)
		if s.ctx.Err() != nil {
			return
		}
		s.reconnects.Add(s.ctx, 1, s.attrs)
		s.logger.Warn("connection lost", observability.Err(err))
		if !s.sleep(bo.NextBackOff()) {
			return
		}
	}
}

func (s *Session) sleep(wait time.Duration) bool {
	if wait == backoff.Stop {
		wait = s.cfg.MaxReconnectInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve runs one connection until it fails or the session closes.
func (s *Session) serve(conn Conn) error {
	gen := s.attach(conn)
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	login := make(chan Inbound, 1)
	readErr := make(chan error, 1)
	var wg conc.WaitGroup
	wg.Go(func() {
		err := s.readLoop(connCtx, conn, login)
		cancel()
		readErr <- err
	})

	err := s.establish(connCtx, conn, gen, login)
	if err == nil {
		if interval, ping := s.proto.PingInterval(), s.proto.Ping(); interval > 0 && len(ping) > 0 {
			wg.Go(func() {
				if perr := s.pingLoop(connCtx, conn, interval, ping); perr != nil && connCtx.Err() == nil {
					s.logger.Warn("keepalive failed", observability.Err(perr))
					cancel()
				}
			})
		}
		<-connCtx.Done()
	}

	cancel()
	s.detach(conn)
	s.closeConn(conn, "reconnect")
	wg.Wait()
	rerr := <-readErr

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return rerr
}

func (s *Session) closeConn(conn Conn, reason string) {
	done := make(chan struct{})
	go func() {
		_ = conn.Close(reason)
		close(done)
	}()
	timer := time.NewTimer(s.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("socket close exceeded grace period", observability.F("grace", s.cfg.CloseGrace.String()))
	}
}

func (s *Session) establish(ctx context.Context, conn Conn, gen uint64, login <-chan Inbound) error {
	frame, err := s.proto.Login(time.Now())
	if err != nil {
		return fmt.Errorf("build login frame: %w", err)
	}
	if frame != nil {
		s.setState(StateAuthenticating)
		s.ctrlMu.Lock()
		err = s.writeControl(ctx, conn, frame)
		s.ctrlMu.Unlock()
		if err != nil {
			return fmt.Errorf("send login: %w", err)
		}
		if err := s.awaitLogin(ctx, login); err != nil {
			return err
		}
	}
	s.setState(StateSubscribing)
	return s.replay(ctx, conn, gen)
}

func (s *Session) awaitLogin(ctx context.Context, login <-chan Inbound) error {
	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	if !s.proto.AcksLogin() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case in := <-login:
		if in.Kind == InboundLoginRejected {
			return errs.New(s.proto.Venue(), errs.CodeAuth,
				errs.WithMessage("login rejected"),
				errs.WithRawCode(in.Code),
				errs.WithRawMessage(in.Message))
		}
		s.logger.Info("authenticated")
		return nil
	case <-timer.C:
		s.logger.Warn("login not acknowledged within settle delay",
			observability.F("settle_delay", s.cfg.SettleDelay.String()))
		return nil
	}
}

// replay sends every subscription not yet sent on this connection, then marks the session
// streaming while still holding ctrlMu.
func (s *Session) replay(ctx context.Context, conn Conn, gen uint64) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	subs := s.registry.Snapshot()
	for _, sub := range subs {
		if s.sent[sub.ID] == gen {
			continue
		}
		if err := s.writeControl(ctx, conn, sub.Payload); err != nil {
			return fmt.Errorf("resubscribe %s: %w", sub.ID, err)
		}
		s.sent[sub.ID] = gen
	}
	s.setState(StateStreaming)
	s.logger.Info("streaming", observability.F("subscriptions", len(subs)))
	return nil
}

// writeControl sends a rate limited control frame. Callers hold ctrlMu.
func (s *Session) writeControl(ctx context.Context, conn Conn, data []byte) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("write control frame: %w", err)
	}
	s.controlSent.Add(ctx, 1, s.attrs)
	return nil
}

func (s *Session) pingLoop(ctx context.Context, conn Conn, interval time.Duration, ping []byte) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, ping)
			cancel()
			if err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, login chan<- Inbound) error {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.framesReceived.Add(ctx, 1, s.attrs)

		in, err := s.proto.Classify(raw)
		if err != nil {
			s.dropFrame("undecodable frame", raw, err)
			continue
		}
		switch in.Kind {
		case InboundData:
			s.route(ctx, in.Topic, raw)
		case InboundLoginAck, InboundLoginRejected:
			select {
			case login <- in:
			default:
			}
		case InboundPing:
			if len(in.Reply) == 0 {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, in.Reply)
			cancel()
			if err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		case InboundError:
			s.logger.Error("venue error",
				observability.F("code", in.Code),
				observability.F("message", in.Message))
		case InboundControl:
		default:
			s.dropFrame("unclassified frame", raw, nil)
		}
	}
}

func (s *Session) route(ctx context.Context, topic string, raw []byte) {
	sub, ok := s.registry.Lookup(topic)
	if !ok {
		s.dropFrame("frame for unknown topic", raw, nil)
		return
	}
	s.queueMu.RLock()
	queue := s.queues[sub.ID]
	s.queueMu.RUnlock()

	frame := Frame{Topic: topic, Raw: raw, Received: time.Now()}
	select {
	case queue <- frame:
		return
	default:
	}
	start := time.Now()
	select {
	case queue <- frame:
		s.queueWait.Record(ctx, float64(time.Since(start).Microseconds())/1000, s.attrs)
	case <-ctx.Done():
	}
}

func (s *Session) dropFrame(msg string, raw []byte, err error) {
	s.decodeFailures.Add(context.Background(), 1, s.attrs)
	fields := []observability.Field{observability.F("raw", string(raw))}
	if err != nil {
		fields = append(fields, observability.Err(err))
	}
	s.logger.Warn(msg, fields...)
}

func (s *Session) consume(sub Subscription, queue <-chan Frame) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-queue:
			if s.ctx.Err() != nil {
				return
			}
			if err := s.dispatch(sub, frame); err != nil {
				s.decodeFailures.Add(s.ctx, 1, s.attrs)
				s.logger.Warn("dropping frame",
					observability.F("subscription", sub.ID),
					observability.F("raw", string(frame.Raw)),
					observability.Err(err))
			}
		}
	}
}

func (s *Session) dispatch(sub Subscription, frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.Handler.Handle(s.ctx, frame)
}
