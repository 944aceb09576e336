// Package orderbook maintains local price-level books fed by venue snapshots and deltas.
package orderbook

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

var (
	// ErrSequenceGap reports a missing or out-of-order delta. The book is reset and must be
	// reseeded from a fresh snapshot.
	ErrSequenceGap = errors.New("orderbook: sequence gap")
	// ErrAwaitingSnapshot reports a delta that arrived before the first snapshot.
	ErrAwaitingSnapshot = errors.New("orderbook: awaiting snapshot")
)

// Sequencing selects how delta continuity is verified.
type Sequencing int

const (
	// PrevLinked deltas carry the previous sequence id, which must equal the last applied one.
	PrevLinked Sequencing = iota
	// Consecutive deltas must carry exactly the last applied sequence id plus one.
	Consecutive
)

// Level is a raw wire price level. An empty or zero size deletes the price.
type Level struct {
	Price string
	Size  string
}

// Delta is an incremental update.
type Delta struct {
	PrevSeq   uint64
	Seq       uint64
	Bids      []Level
	Asks      []Level
	Timestamp int64
}

// Book is a single-symbol order book.
type Book struct {
	mu          sync.Mutex
	sequencing  Sequencing
	initialized bool
	bids        map[string]decimal.Decimal
	asks        map[string]decimal.Decimal
	lastSeq     uint64
	lastUpdate  int64
}

// New constructs an empty book.
func New(sequencing Sequencing) *Book {
	return &Book{
		sequencing: sequencing,
		bids:       make(map[string]decimal.Decimal),
		asks:       make(map[string]decimal.Decimal),
	}
}

// Ready reports whether a snapshot has seeded the book.
func (b *Book) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// LastSeq returns the sequence id of the last applied update.
func (b *Book) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// ApplySnapshot replaces the book contents.
func (b *Book) ApplySnapshot(seq uint64, bids, asks []Level, ts int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
	bidChanges, err := parseLevels(bids)
	if err != nil {
		return err
	}
	askChanges, err := parseLevels(asks)
	if err != nil {
		return err
	}
	applyChanges(b.bids, bidChanges)
	applyChanges(b.asks, askChanges)
	b.initialized = true
	b.lastSeq = seq
	b.lastUpdate = ts
	return nil
}

// ApplyDelta applies an incremental update. It reports whether the delta changed the book;
// stale deltas are ignored. A gap resets the book and returns ErrSequenceGap. A delta with an
// unparsable level is rejected whole and leaves the book untouched.
func (b *Book) ApplyDelta(d Delta) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return false, ErrAwaitingSnapshot
	}
	if d.Seq != 0 && d.Seq <= b.lastSeq {
		return false, nil
	}
	if d.Seq != 0 && !b.continuousLocked(d) {
		b.resetLocked()
		return false, ErrSequenceGap
	}
	bidChanges, err := parseLevels(d.Bids)
	if err != nil {
		return false, err
	}
	askChanges, err := parseLevels(d.Asks)
	if err != nil {
		return false, err
	}
	applyChanges(b.bids, bidChanges)
	applyChanges(b.asks, askChanges)
	if d.Seq != 0 {
		b.lastSeq = d.Seq
	}
	b.lastUpdate = d.Timestamp
	return true, nil
}

func (b *Book) continuousLocked(d Delta) bool {
	switch b.sequencing {
	case Consecutive:
		return d.Seq == b.lastSeq+1
	default:
		return d.PrevSeq == b.lastSeq
	}
}

// Reset drops all levels and waits for the next snapshot.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Book) resetLocked() {
	clear(b.bids)
	clear(b.asks)
	b.initialized = false
	b.lastSeq = 0
}

// Top returns up to depth best levels per side (depth <= 0 returns every level), bids
// descending and asks ascending.
func (b *Book) Top(depth int) (bids, asks []schema.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedSide(b.bids, true, depth), sortedSide(b.asks, false, depth)
}

// Timestamp returns the venue timestamp of the last applied update.
func (b *Book) Timestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// change is a parsed level; a zero size deletes the price.
type change struct {
	key  string
	size decimal.Decimal
}

func parseLevels(updates []Level) ([]change, error) {
	out := make([]change, 0, len(updates))
	for _, update := range updates {
		priceKey := strings.TrimSpace(update.Price)
		if priceKey == "" {
			continue
		}
		price, err := decimal.NewFromString(priceKey)
		if err != nil {
			return nil, err
		}
		c := change{key: price.String()}
		if sizeStr := strings.TrimSpace(update.Size); sizeStr != "" {
			if c.size, err = decimal.NewFromString(sizeStr); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func applyChanges(target map[string]decimal.Decimal, changes []change) {
	for _, c := range changes {
		if c.size.Sign() <= 0 {
			delete(target, c.key)
			continue
		}
		target[c.key] = c.size
	}
}

type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

func sortedSide(source map[string]decimal.Decimal, isBid bool, depth int) []schema.PriceLevel {
	if len(source) == 0 {
		return nil
	}
	levels := make([]level, 0, len(source))
	for key, size := range source {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		levels = append(levels, level{price: price, size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		cmp := levels[i].price.Cmp(levels[j].price)
		if isBid {
			return cmp > 0
		}
		return cmp < 0
	})
	limit := len(levels)
	if depth > 0 && limit > depth {
		limit = depth
	}
	out := make([]schema.PriceLevel, 0, limit)
	for _, lvl := range levels[:limit] {
		out = append(out, schema.PriceLevel{
			Price: lvl.price.InexactFloat64(),
			Size:  lvl.size.InexactFloat64(),
		})
	}
	return out
}
