package marketdata

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradegate/internal/observability"
)

const finalFlushTimeout = 2 * time.Second

// Snapshot is one value queued for a mirror.
type Snapshot struct {
	Kind     Kind
	Exchange string
	Symbol   string
	Value    any
}

// BatchMirror stores several snapshots in one round trip.
type BatchMirror interface {
	StoreBatch(ctx context.Context, snapshots []Snapshot) error
}

// AsyncMirror keeps mirror writes off the feed path. Store only records the latest snapshot per
// key; a background loop flushes whatever is pending, batched when the target supports it.
type AsyncMirror struct {
	next   Mirror
	logger observability.Logger

	mu      sync.Mutex
	pending map[string]Snapshot
	wake    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	loop      conc.WaitGroup
	closeOnce sync.Once
}

// NewAsyncMirror starts the flush loop in front of next. Close stops it after a final flush.
func NewAsyncMirror(next Mirror, logger observability.Logger) *AsyncMirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &AsyncMirror{
		next:    next,
		logger:  observability.OrNop(logger).With(observability.F("component", "marketdata.mirror")),
		pending: make(map[string]Snapshot),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.loop.Go(m.run)
	return m
}

// Store implements Mirror. It never blocks on the target.
func (m *AsyncMirror) Store(_ context.Context, kind Kind, exchange, symbol string, snapshot any) error {
	m.mu.Lock()
	m.pending[Key(kind, exchange, symbol)] = Snapshot{Kind: kind, Exchange: exchange, Symbol: symbol, Value: snapshot}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of keys waiting for the next flush.
func (m *AsyncMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *AsyncMirror) run() {
	for {
		select {
		case <-m.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			m.flush(ctx)
			cancel()
			return
		case <-m.wake:
			m.flush(m.ctx)
		}
	}
}

func (m *AsyncMirror) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := make([]Snapshot, 0, len(m.pending))
	for _, key := range slices.Sorted(maps.Keys(m.pending)) {
		batch = append(batch, m.pending[key])
	}
	clear(m.pending)
	m.mu.Unlock()

	if b, ok := m.next.(BatchMirror); ok {
		if err := b.StoreBatch(ctx, batch); err != nil {
			m.logger.Warn("mirror snapshot", observability.F("count", len(batch)), observability.Err(err))
		}
		return
	}
	for _, s := range batch {
		if err := m.next.Store(ctx, s.Kind, s.Exchange, s.Symbol, s.Value); err != nil {
			m.logger.Warn("mirror snapshot",
				observability.F("kind", string(s.Kind)),
				observability.F("exchange", s.Exchange),
				observability.F("symbol", s.Symbol),
				observability.Err(err))
		}
	}
}

// Close flushes what is pending and stops the loop. It is idempotent.
func (m *AsyncMirror) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.loop.Wait()
	})
}
