package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a mirrored snapshot outlives its feed.
const DefaultTTL = time.Minute

// setter is the part of redis.Cmdable the mirror writes through.
type setter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// pipeliner is implemented by go-redis clients.
type pipeliner interface {
	Pipeline() redis.Pipeliner
}

// RedisMirror writes snapshots as JSON strings under md:<kind>:<exchange>:<symbol>.
type RedisMirror struct {
	rdb setter
	ttl time.Duration
}

// NewRedisMirror wraps a go-redis client. A non-positive ttl selects DefaultTTL.
func NewRedisMirror(rdb redis.Cmdable, ttl time.Duration) *RedisMirror {
	return newRedisMirror(rdb, ttl)
}

func newRedisMirror(rdb setter, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

// Key returns the redis key of a snapshot.
func Key(kind Kind, exchange, symbol string) string {
	return "md:" + string(kind) + ":" + exchange + ":" + symbol
}

// Store implements Mirror.
func (m *RedisMirror) Store(ctx context.Context, kind Kind, exchange, symbol string, snapshot any) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", kind, err)
	}
	key := Key(kind, exchange, symbol)
	if err := m.rdb.Set(ctx, key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// StoreBatch implements BatchMirror with one pipelined round trip when the client supports it.
func (m *RedisMirror) StoreBatch(ctx context.Context, snapshots []Snapshot) error {
	p, ok := m.rdb.(pipeliner)
	if !ok {
		var failed []error
		for _, s := range snapshots {
			failed = append(failed, m.Store(ctx, s.Kind, s.Exchange, s.Symbol, s.Value))
		}
		return errors.Join(failed...)
	}
	pipe := p.Pipeline()
	var failed []error
	for _, s := range snapshots {
		data, err := json.Marshal(s.Value)
		if err != nil {
			failed = append(failed, fmt.Errorf("marshal %s snapshot: %w", s.Kind, err))
			continue
		}
		pipe.Set(ctx, Key(s.Kind, s.Exchange, s.Symbol), data, m.ttl)
	}
	if pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			failed = append(failed, fmt.Errorf("redis: pipeline: %w", err))
		}
	}
	return errors.Join(failed...)
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}
